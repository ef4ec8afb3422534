package taskrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
)

type runnerFixedClock struct{ now time.Time }

func (c runnerFixedClock) Now() time.Time { return c.now }

type runnerFixture struct {
	engine   *payout.Engine
	ledger   *ledger.Service
	views    *projector.Service
	events   *eventlog.Log
	provider *payout.SimulatedProvider
	queue    *MemoryQueue
	runner   *Runner
	cash     ledger.Account
	liab     ledger.Account
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	clk := runnerFixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := eventlog.New(clk, nil, nil, nil)
	views := projector.NewService(clk, nil, nil)
	ledgerSvc := ledger.NewService(clk, nil, nil, events, views, nil)
	views.SetEntrySource(ledgerSvc)
	engine := payout.NewEngine(clk, nil, nil, events, ledgerSvc, views, nil)

	ctx := context.Background()
	cash, _, err := ledgerSvc.CreateAccount(ctx, payout.CashAccountCode, "Operating cash", ledger.AccountAsset)
	if err != nil {
		t.Fatalf("create cash: %v", err)
	}
	liab, _, err := ledgerSvc.CreateAccount(ctx, payout.LiabilityAccountCode, "Payout liability", ledger.AccountLiability)
	if err != nil {
		t.Fatalf("create liability: %v", err)
	}

	provider := payout.NewSimulatedProvider()
	queue := NewMemoryQueue(clk)
	runner := NewRunner(clk, nil, queue, nil)
	WirePayouts(runner, engine, provider, nil, nil)

	return &runnerFixture{
		engine: engine, ledger: ledgerSvc, views: views, events: events,
		provider: provider, queue: queue, runner: runner, cash: cash, liab: liab,
	}
}

func (f *runnerFixture) admitAndRun(t *testing.T, key string) payout.Payout {
	t.Helper()
	ctx := context.Background()
	p, created, err := f.engine.Admit(ctx, payout.AdmitInput{
		IdempotencyKey:   key,
		Amount:           decimal.RequireFromString("100.00"),
		RecipientAccount: "acct_123",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if created {
		if err := f.runner.Enqueue(ctx, JobProcessPayout, p.ID, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	final, err := f.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return final
}

func TestHappyPathCompletesPayout(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	p := f.admitAndRun(t, "k1")
	if p.Status != payout.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%+v)", p.Status, p)
	}
	if p.LedgerTransactionID != "payout_k1" || p.ExternalPayoutID == "" {
		t.Fatalf("tracking fields = %q %q", p.LedgerTransactionID, p.ExternalPayoutID)
	}

	// One balanced ledger transaction; both operational balances at -100.
	entries, err := f.ledger.Entries(ctx, "payout_k1")
	if err != nil || len(entries) != 2 {
		t.Fatalf("entries = %d, %v", len(entries), err)
	}
	for _, acct := range []ledger.Account{f.cash, f.liab} {
		bal, err := f.views.Balance(ctx, acct)
		if err != nil {
			t.Fatalf("balance %s: %v", acct.Code, err)
		}
		if got := money.Format(bal.Balance); got != "-100.00" {
			t.Fatalf("%s balance = %s, want -100.00", acct.Code, got)
		}
	}

	// Per-aggregate causal order on the payout, exactly one of each type.
	events, err := f.events.ReadAfter(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ReadAfter: %v", err)
	}
	var orderedPayout []eventlog.Type
	counts := make(map[eventlog.Type]int)
	for _, e := range events {
		counts[e.Type]++
		if e.AggregateID == p.ID {
			orderedPayout = append(orderedPayout, e.Type)
		}
	}
	wantOrder := []eventlog.Type{
		eventlog.TypePayoutCreated,
		eventlog.TypePayoutProcessing,
		eventlog.TypePayoutCompleted,
	}
	if len(orderedPayout) != len(wantOrder) {
		t.Fatalf("payout events = %v", orderedPayout)
	}
	for i, typ := range wantOrder {
		if orderedPayout[i] != typ {
			t.Fatalf("payout event[%d] = %s, want %s", i, orderedPayout[i], typ)
		}
	}
	if counts[eventlog.TypeLedgerTransactionCreated] != 1 {
		t.Fatalf("LEDGER_TRANSACTION_CREATED count = %d, want 1", counts[eventlog.TypeLedgerTransactionCreated])
	}
}

func TestDuplicateDeliveryConverges(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	p := f.admitAndRun(t, "k2")
	if p.Status != payout.StatusCompleted {
		t.Fatalf("status = %s", p.Status)
	}

	// Re-deliver the whole pipeline. Every handler must no-op.
	for _, jobType := range []string{JobProcessPayout, JobInitiateExternal, JobCompleteExternal} {
		if err := f.runner.Enqueue(ctx, jobType, p.ID, nil); err != nil {
			t.Fatalf("re-enqueue %s: %v", jobType, err)
		}
	}
	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	events, _ := f.events.ReadAfter(ctx, 0, 100)
	counts := make(map[eventlog.Type]int)
	for _, e := range events {
		counts[e.Type]++
	}
	for _, typ := range []eventlog.Type{
		eventlog.TypePayoutCreated,
		eventlog.TypePayoutProcessing,
		eventlog.TypePayoutCompleted,
		eventlog.TypeLedgerTransactionCreated,
	} {
		if counts[typ] != 1 {
			t.Fatalf("%s count = %d after duplicate delivery, want 1", typ, counts[typ])
		}
	}
	entries, _ := f.ledger.Entries(ctx, "payout_k2")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestCrashBetweenLedgerPostAndExternalInitiation(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	p, _, err := f.engine.Admit(ctx, payout.AdmitInput{
		IdempotencyKey:   "k4",
		Amount:           decimal.RequireFromString("100.00"),
		RecipientAccount: "acct_123",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	// First delivery crashed after the ledger commit: status is
	// PROCESSING, transaction posted, no external id yet.
	if _, _, err := f.engine.StartProcessing(ctx, p.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.PostLedger(ctx, p.ID); err != nil {
		t.Fatalf("post ledger: %v", err)
	}

	// Redelivery runs the pipeline from the top.
	if err := f.runner.Enqueue(ctx, JobProcessPayout, p.ID, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	final, _ := f.engine.Get(ctx, p.ID)
	if final.Status != payout.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	entries, _ := f.ledger.Entries(ctx, "payout_k4")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want exactly one transaction's worth", len(entries))
	}
	bal, _ := f.views.Balance(ctx, f.cash)
	if got := money.Format(bal.Balance); got != "-100.00" {
		t.Fatalf("cash balance = %s, want -100.00", got)
	}
}

func TestProviderTimeoutThenSuccess(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	f.provider.FailNextInitiate(context.DeadlineExceeded)
	p := f.admitAndRun(t, "k5")
	if p.Status != payout.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}

	completed := 0
	events, _ := f.events.ReadAfter(ctx, 0, 100)
	for _, e := range events {
		if e.Type == eventlog.TypePayoutCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("PAYOUT_COMPLETED count = %d, want 1", completed)
	}

	trail, err := f.engine.Trail(ctx, p.ID)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	retries := 0
	for _, row := range trail {
		if row.Type == payout.TrailRetry {
			retries++
		}
	}
	if retries != 1 {
		t.Fatalf("RETRY trail rows = %d, want 1", retries)
	}
}

func TestRetryBudgetExhaustionMarksFailed(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// initiate_external_payout allows 5 retries: 6 consecutive transport
	// failures exhaust the budget.
	for i := 0; i < 6; i++ {
		f.provider.FailNextInitiate(errors.New("connection reset"))
	}
	p := f.admitAndRun(t, "k6")
	if p.Status != payout.StatusFailed {
		t.Fatalf("status = %s, want FAILED", p.Status)
	}
	if p.ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}

	failed := 0
	events, _ := f.events.ReadAfter(ctx, 0, 100)
	for _, e := range events {
		if e.Type == eventlog.TypePayoutFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("PAYOUT_FAILED count = %d, want 1", failed)
	}
}

func TestProviderRejectionFailsWithoutRetry(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	f.provider.FailNextInitiate(payout.ErrProviderRejected)
	p := f.admitAndRun(t, "k7")
	if p.Status != payout.StatusFailed {
		t.Fatalf("status = %s, want FAILED", p.Status)
	}

	trail, _ := f.engine.Trail(ctx, p.ID)
	for _, row := range trail {
		if row.Type == payout.TrailRetry {
			t.Fatalf("terminal rejection was retried: %+v", trail)
		}
	}
}

func TestStillPendingProviderEventuallyCompletes(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	p, _, err := f.engine.Admit(ctx, payout.AdmitInput{
		IdempotencyKey:   "k8",
		Amount:           decimal.RequireFromString("50.00"),
		RecipientAccount: "acct_123",
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.runner.Enqueue(ctx, JobProcessPayout, p.ID, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The provider memoizes by idempotency key, so initiating up front
	// yields the external id the pipeline will see, and its status can be
	// pinned to pending before the completion handler first polls it.
	res, err := f.provider.Initiate(ctx, payout.InitiateRequest{
		Amount:         decimal.RequireFromString("50.00"),
		IdempotencyKey: "k8",
	})
	if err != nil {
		t.Fatalf("pre-initiate: %v", err)
	}
	f.provider.SetStatus(res.ExternalPayoutID, payout.ProviderStatusPending, "")

	step := func() {
		t.Helper()
		job, found, err := f.queue.TryDequeue(ctx)
		if err != nil || !found {
			t.Fatalf("no job to step: found=%v err=%v", found, err)
		}
		f.runner.dispatch(ctx, job)
	}

	// process -> initiate -> complete; the last poll sees pending and
	// schedules a retry instead of finishing.
	step()
	step()
	step()

	mid, err := f.engine.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.Status != payout.StatusProcessing {
		t.Fatalf("status after pending poll = %s, want PROCESSING", mid.Status)
	}
	trail, _ := f.engine.Trail(ctx, p.ID)
	sawRetry := false
	for _, row := range trail {
		if row.Type == payout.TrailRetry {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Fatal("pending poll did not record a retry")
	}

	f.provider.SetStatus(res.ExternalPayoutID, payout.ProviderStatusCompleted, "")
	if err := f.runner.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	final, _ := f.engine.Get(ctx, p.ID)
	if final.Status != payout.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
}

func TestBackoffDoublesFromBase(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 30 * time.Second}
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestMemoryQueueRedelivery(t *testing.T) {
	clk := runnerFixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	job := Job{ID: "j1", Type: JobProcessPayout, AggregateID: "p1"}
	if err := q.Enqueue(ctx, job, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, found, err := q.TryDequeue(ctx)
	if err != nil || !found || got.ID != "j1" {
		t.Fatalf("dequeue = %+v, %v, %v", got, found, err)
	}

	// Unacked jobs survive a simulated crash and come back.
	if !q.Requeue("j1") {
		t.Fatal("requeue refused an inflight job")
	}
	again, found, _ := q.TryDequeue(ctx)
	if !found || again.ID != "j1" {
		t.Fatalf("redelivery = %+v, %v", again, found)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("depth after ack = %d", depth)
	}
}

func TestDelayedJobsWaitForSchedule(t *testing.T) {
	clk := runnerFixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{ID: "j1"}, time.Minute); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeueCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(dequeueCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("delayed job delivered early: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
}
