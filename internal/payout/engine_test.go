package payout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
)

type payoutFixedClock struct{ now time.Time }

func (c payoutFixedClock) Now() time.Time { return c.now }

type engineFixture struct {
	engine *Engine
	ledger *ledger.Service
	views  *projector.Service
	events *eventlog.Log
	cash   ledger.Account
	liab   ledger.Account
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clk := payoutFixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := eventlog.New(clk, nil, nil, nil)
	views := projector.NewService(clk, nil, nil)
	ledgerSvc := ledger.NewService(clk, nil, nil, events, views, nil)
	views.SetEntrySource(ledgerSvc)
	engine := NewEngine(clk, nil, nil, events, ledgerSvc, views, nil)

	ctx := context.Background()
	cash, _, err := ledgerSvc.CreateAccount(ctx, CashAccountCode, "Operating cash", ledger.AccountAsset)
	if err != nil {
		t.Fatalf("create cash: %v", err)
	}
	liab, _, err := ledgerSvc.CreateAccount(ctx, LiabilityAccountCode, "Payout liability", ledger.AccountLiability)
	if err != nil {
		t.Fatalf("create liability: %v", err)
	}
	return &engineFixture{engine: engine, ledger: ledgerSvc, views: views, events: events, cash: cash, liab: liab}
}

func admitInput(key string) AdmitInput {
	return AdmitInput{
		IdempotencyKey:   key,
		Amount:           decimal.RequireFromString("100.00"),
		RecipientAccount: "acct_123",
		RecipientName:    "Test Recipient",
	}
}

func eventTypes(t *testing.T, log *eventlog.Log) []eventlog.Type {
	t.Helper()
	events, err := log.ReadAfter(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("ReadAfter: %v", err)
	}
	out := make([]eventlog.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestAdmitValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*AdmitInput)
		wantErr error
	}{
		{"empty key", func(in *AdmitInput) { in.IdempotencyKey = "" }, ErrEmptyIdempotencyKey},
		{"key too long", func(in *AdmitInput) { in.IdempotencyKey = strings.Repeat("k", 256) }, ErrKeyTooLong},
		{"empty recipient", func(in *AdmitInput) { in.RecipientAccount = "" }, ErrEmptyRecipient},
		{"zero amount", func(in *AdmitInput) { in.Amount = decimal.Zero }, money.ErrNotPositive},
		{"negative amount", func(in *AdmitInput) { in.Amount = decimal.RequireFromString("-1.00") }, money.ErrNotPositive},
		{"excess scale", func(in *AdmitInput) { in.Amount = decimal.RequireFromString("1.001") }, money.ErrScale},
		{"bad currency", func(in *AdmitInput) { in.Currency = "DOLLARS" }, money.ErrBadCurrency},
	}
	for _, tc := range cases {
		in := admitInput("k-" + tc.name)
		tc.mutate(&in)
		if _, _, err := f.engine.Admit(ctx, in); !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestAdmitBoundaries(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	in := admitInput(strings.Repeat("k", 255))
	in.Amount = decimal.RequireFromString("0.01")
	p, created, err := f.engine.Admit(ctx, in)
	if err != nil {
		t.Fatalf("boundary admit: %v", err)
	}
	if !created || p.Status != StatusPending {
		t.Fatalf("created=%v status=%s", created, p.Status)
	}
	if p.Currency != "USD" {
		t.Fatalf("default currency = %s, want USD", p.Currency)
	}
}

func TestAdmitIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first, created, err := f.engine.Admit(ctx, admitInput("k1"))
	if err != nil || !created {
		t.Fatalf("first admit: created=%v err=%v", created, err)
	}
	second, created, err := f.engine.Admit(ctx, admitInput("k1"))
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if created {
		t.Fatal("second admit reported created")
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}

	types := eventTypes(t, f.events)
	if len(types) != 1 || types[0] != eventlog.TypePayoutCreated {
		t.Fatalf("events = %v, want exactly one PAYOUT_CREATED", types)
	}
}

func TestAdmitConcurrentSameKey(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		creates int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, created, err := f.engine.Admit(ctx, admitInput("k-race"))
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			mu.Lock()
			ids[p.ID]++
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("concurrent admits produced %d distinct payouts", len(ids))
	}
	if creates != 1 {
		t.Fatalf("created=true observed %d times, want exactly 1", creates)
	}
	types := eventTypes(t, f.events)
	if len(types) != 1 {
		t.Fatalf("events = %v, want exactly one", types)
	}
}

func TestStartProcessingIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, err := f.engine.Admit(ctx, admitInput("k1"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	p1, started, err := f.engine.StartProcessing(ctx, p.ID)
	if err != nil || !started {
		t.Fatalf("first start: started=%v err=%v", started, err)
	}
	if p1.Status != StatusProcessing {
		t.Fatalf("status = %s", p1.Status)
	}

	p2, started, err := f.engine.StartProcessing(ctx, p.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Fatal("second start reported a transition")
	}
	if p2.Status != StatusProcessing {
		t.Fatalf("status after no-op = %s", p2.Status)
	}

	types := eventTypes(t, f.events)
	processing := 0
	for _, typ := range types {
		if typ == eventlog.TypePayoutProcessing {
			processing++
		}
	}
	if processing != 1 {
		t.Fatalf("PAYOUT_PROCESSING count = %d, want 1", processing)
	}
}

func TestPostLedgerAttachesDeterministicTransaction(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k4"))
	if _, _, err := f.engine.StartProcessing(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := f.engine.PostLedger(ctx, p.ID)
	if err != nil {
		t.Fatalf("post ledger: %v", err)
	}
	if p.LedgerTransactionID != "payout_k4" {
		t.Fatalf("ledger transaction id = %q, want payout_k4", p.LedgerTransactionID)
	}

	txn, err := f.ledger.GetTransaction(ctx, "payout_k4")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != ledger.TransactionCompleted {
		t.Fatalf("transaction status = %s", txn.Status)
	}

	// Re-running is a no-op: same attachment, still one transaction.
	again, err := f.engine.PostLedger(ctx, p.ID)
	if err != nil {
		t.Fatalf("second post ledger: %v", err)
	}
	if again.LedgerTransactionID != "payout_k4" {
		t.Fatalf("second attach = %q", again.LedgerTransactionID)
	}
	entries, _ := f.ledger.Entries(ctx, "payout_k4")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestPostLedgerRecoversFromCrashBeforeAttach(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k4"))
	if _, _, err := f.engine.StartProcessing(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Simulate a crash between the ledger commit and the attach: the
	// transaction exists but the payout does not reference it yet.
	amt := p.Amount
	entries := []ledger.EntryInput{
		{AccountID: f.liab.ID, Amount: amt, Type: ledger.EntryDebit},
		{AccountID: f.cash.ID, Amount: amt.Neg(), Type: ledger.EntryCredit},
	}
	if _, err := f.ledger.PostTransaction(ctx, "payout_k4", "payout k4", entries, nil); err != nil {
		t.Fatalf("pre-post: %v", err)
	}

	p, err := f.engine.PostLedger(ctx, p.ID)
	if err != nil {
		t.Fatalf("post ledger after crash: %v", err)
	}
	if p.LedgerTransactionID != "payout_k4" {
		t.Fatalf("attach = %q", p.LedgerTransactionID)
	}
	balance, _ := f.views.Balance(ctx, f.cash)
	if got := money.Format(balance.Balance); got != "-100.00" {
		t.Fatalf("cash balance after recovery = %s, want -100.00 (single movement)", got)
	}
}

func TestCompleteExternalExactlyOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k5"))
	f.engine.StartProcessing(ctx, p.ID)
	f.engine.PostLedger(ctx, p.ID)
	if _, err := f.engine.AttachExternal(ctx, p.ID, "ext_k5_1"); err != nil {
		t.Fatalf("attach external: %v", err)
	}

	p, err := f.engine.CompleteExternal(ctx, p.ID, "ext_k5_1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p.Status != StatusCompleted || p.CompletedAt == nil {
		t.Fatalf("payout = %+v", p)
	}

	// Re-delivered completion converges without a second event.
	if _, err := f.engine.CompleteExternal(ctx, p.ID, "ext_k5_1"); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	completed := 0
	for _, typ := range eventTypes(t, f.events) {
		if typ == eventlog.TypePayoutCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("PAYOUT_COMPLETED count = %d, want 1", completed)
	}
}

func TestCompleteExternalRejectsMismatchedID(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k6"))
	f.engine.StartProcessing(ctx, p.ID)
	if _, err := f.engine.AttachExternal(ctx, p.ID, "ext_k6_1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := f.engine.CompleteExternal(ctx, p.ID, "ext_other"); !errors.Is(err, ErrExternalMismatch) {
		t.Fatalf("err = %v, want ErrExternalMismatch", err)
	}
}

func TestAttachExternalRejectsSecondID(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k7"))
	f.engine.StartProcessing(ctx, p.ID)
	if _, err := f.engine.AttachExternal(ctx, p.ID, "ext_a"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := f.engine.AttachExternal(ctx, p.ID, "ext_a"); err != nil {
		t.Fatalf("idempotent re-attach: %v", err)
	}
	if _, err := f.engine.AttachExternal(ctx, p.ID, "ext_b"); !errors.Is(err, ErrExternalMismatch) {
		t.Fatalf("err = %v, want ErrExternalMismatch", err)
	}
}

func TestFailFromPendingAndProcessing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k8"))
	p, err := f.engine.Fail(ctx, p.ID, "provider unreachable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if p.Status != StatusFailed || p.ErrorMessage != "provider unreachable" || p.RetryCount != 1 {
		t.Fatalf("payout = %+v", p)
	}

	// Terminal payouts ignore further failures.
	again, err := f.engine.Fail(ctx, p.ID, "other")
	if err != nil {
		t.Fatalf("re-fail: %v", err)
	}
	if again.ErrorMessage != "provider unreachable" || again.RetryCount != 1 {
		t.Fatalf("terminal payout mutated: %+v", again)
	}
}

func TestCancelOnlyBeforeProcessing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k9"))
	cancelled, err := f.engine.Cancel(ctx, p.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	other, _, _ := f.engine.Admit(ctx, admitInput("k10"))
	f.engine.StartProcessing(ctx, other.ID)
	if _, err := f.engine.Cancel(ctx, other.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
}

func TestTrailRecordsLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k11"))
	f.engine.StartProcessing(ctx, p.ID)
	f.engine.PostLedger(ctx, p.ID)
	f.engine.AttachExternal(ctx, p.ID, "ext_k11_1")
	if err := f.engine.RecordRetry(ctx, p.ID, "complete_external_payout", 1, "still pending"); err != nil {
		t.Fatalf("record retry: %v", err)
	}
	f.engine.CompleteExternal(ctx, p.ID, "ext_k11_1")

	rows, err := f.engine.Trail(ctx, p.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	want := []TrailEventType{
		TrailCreated,
		TrailProcessingStarted,
		TrailLedgerEntry,
		TrailExternalInitiated,
		TrailRetry,
		TrailExternalCompleted,
		TrailCompleted,
	}
	if len(rows) != len(want) {
		t.Fatalf("trail length = %d, want %d (%+v)", len(rows), len(want), rows)
	}
	for i, typ := range want {
		if rows[i].Type != typ {
			t.Fatalf("trail[%d] = %s, want %s", i, rows[i].Type, typ)
		}
	}
}

func TestGetByKeyAndNotFound(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	p, _, _ := f.engine.Admit(ctx, admitInput("k12"))
	byKey, err := f.engine.GetByKey(ctx, "k12")
	if err != nil || byKey.ID != p.ID {
		t.Fatalf("GetByKey = %+v, %v", byKey, err)
	}
	if _, err := f.engine.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	if _, err := f.engine.GetByKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByKey missing err = %v", err)
	}
}

func TestSimulatedProviderIdempotency(t *testing.T) {
	p := NewSimulatedProvider()
	ctx := context.Background()
	req := InitiateRequest{
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "USD",
		IdempotencyKey: "k1",
	}
	first, err := p.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	second, err := p.Initiate(ctx, req)
	if err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	if first.ExternalPayoutID != second.ExternalPayoutID {
		t.Fatalf("provider broke idempotency: %s vs %s", first.ExternalPayoutID, second.ExternalPayoutID)
	}
	st, err := p.Status(ctx, first.ExternalPayoutID)
	if err != nil || st.Status != ProviderStatusCompleted {
		t.Fatalf("status = %+v, %v", st, err)
	}
}
