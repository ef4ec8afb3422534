package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
	"github.com/wizardbeardstudio/open-ledger-go/internal/taskrunner"
)

type apiFixedClock struct{ now time.Time }

func (c apiFixedClock) Now() time.Time { return c.now }

type apiFixture struct {
	handler http.Handler
	engine  *payout.Engine
	queue   *taskrunner.MemoryQueue
	runner  *taskrunner.Runner
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := apiFixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := eventlog.New(clk, nil, nil, nil)
	views := projector.NewService(clk, nil, nil)
	ledgerSvc := ledger.NewService(clk, nil, nil, events, views, nil)
	views.SetEntrySource(ledgerSvc)
	engine := payout.NewEngine(clk, nil, nil, events, ledgerSvc, views, nil)

	ctx := context.Background()
	if _, _, err := ledgerSvc.CreateAccount(ctx, payout.CashAccountCode, "Operating cash", ledger.AccountAsset); err != nil {
		t.Fatalf("create cash: %v", err)
	}
	if _, _, err := ledgerSvc.CreateAccount(ctx, payout.LiabilityAccountCode, "Payout liability", ledger.AccountLiability); err != nil {
		t.Fatalf("create liability: %v", err)
	}

	queue := taskrunner.NewMemoryQueue(clk)
	runner := taskrunner.NewRunner(clk, nil, queue, nil)
	taskrunner.WirePayouts(runner, engine, payout.NewSimulatedProvider(), nil, nil)

	srv := NewServer(nil, engine, runner)
	return &apiFixture{handler: srv.Handler(), engine: engine, queue: queue, runner: runner}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func createBody(key string) map[string]any {
	return map[string]any{
		"idempotency_key":   key,
		"amount":            "100.00",
		"recipient_account": "acct_123",
		"recipient_name":    "Alex Doe",
	}
}

func TestCreatePayoutReturns201ThenSameRowWith200(t *testing.T) {
	f := newAPIFixture(t)

	first := f.do(t, http.MethodPost, "/api/payouts/", createBody("k1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first POST = %d, body %s", first.Code, first.Body.String())
	}
	var created payoutResponse
	decodeBody(t, first, &created)
	if created.Status != "PENDING" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	if created.Amount != "100.00" || created.Currency != "USD" {
		t.Fatalf("amount/currency = %s %s", created.Amount, created.Currency)
	}
	if created.LedgerTransactionID != nil || created.ExternalPayoutID != nil || created.CompletedAt != nil {
		t.Fatalf("tracking fields set at admission: %+v", created)
	}

	second := f.do(t, http.MethodPost, "/api/payouts/", createBody("k1"))
	if second.Code != http.StatusOK {
		t.Fatalf("second POST = %d", second.Code)
	}
	var replay payoutResponse
	decodeBody(t, second, &replay)
	if replay.ID != created.ID {
		t.Fatalf("replay id = %s, want %s", replay.ID, created.ID)
	}

	// Only the creating request enqueues work.
	depth, _ := f.queue.Depth(context.Background())
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

func TestCreatePayoutAcceptsBareNumberAmount(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("k2")
	body["amount"] = json.Number("25.50")
	rec := f.do(t, http.MethodPost, "/api/payouts/", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp payoutResponse
	decodeBody(t, rec, &resp)
	if resp.Amount != "25.50" {
		t.Fatalf("amount = %s, want 25.50", resp.Amount)
	}
}

func TestCreatePayoutValidationErrors(t *testing.T) {
	f := newAPIFixture(t)
	cases := []struct {
		name  string
		mut   func(map[string]any)
		field string
	}{
		{"missing key", func(b map[string]any) { delete(b, "idempotency_key") }, "idempotency_key"},
		{"zero amount", func(b map[string]any) { b["amount"] = "0.00" }, "amount"},
		{"negative amount", func(b map[string]any) { b["amount"] = "-5.00" }, "amount"},
		{"excess scale", func(b map[string]any) { b["amount"] = "10.001" }, "amount"},
		{"garbage amount", func(b map[string]any) { b["amount"] = "ten dollars" }, "amount"},
		{"missing amount", func(b map[string]any) { delete(b, "amount") }, "amount"},
		{"missing recipient", func(b map[string]any) { delete(b, "recipient_account") }, "recipient_account"},
		{"bad currency", func(b map[string]any) { b["currency"] = "dollars" }, "currency"},
	}
	for i, tc := range cases {
		body := createBody(fmt.Sprintf("k-val-%d", i))
		tc.mut(body)
		rec := f.do(t, http.MethodPost, "/api/payouts/", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 (body %s)", tc.name, rec.Code, rec.Body.String())
			continue
		}
		var resp struct {
			Errors map[string]string `json:"errors"`
		}
		decodeBody(t, rec, &resp)
		if _, ok := resp.Errors[tc.field]; !ok {
			t.Errorf("%s: errors = %v, want key %q", tc.name, resp.Errors, tc.field)
		}
	}

	// Rejected requests must not reach the queue.
	depth, _ := f.queue.Depth(context.Background())
	if depth != 0 {
		t.Fatalf("queue depth = %d after rejected requests", depth)
	}
}

func TestCreatePayoutRejectsMalformedJSON(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/payouts/", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetPayout(t *testing.T) {
	f := newAPIFixture(t)
	created := f.do(t, http.MethodPost, "/api/payouts/", createBody("k3"))
	var p payoutResponse
	decodeBody(t, created, &p)

	rec := f.do(t, http.MethodGet, "/api/payouts/"+p.ID+"/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d", rec.Code)
	}
	var got payoutResponse
	decodeBody(t, rec, &got)
	if got.ID != p.ID || got.IdempotencyKey != "k3" {
		t.Fatalf("got = %+v", got)
	}

	missing := f.do(t, http.MethodGet, "/api/payouts/no-such-id/", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing GET = %d, want 404", missing.Code)
	}
}

func TestGetPayoutAfterCompletionCarriesTrackingFields(t *testing.T) {
	f := newAPIFixture(t)
	created := f.do(t, http.MethodPost, "/api/payouts/", createBody("k4"))
	var p payoutResponse
	decodeBody(t, created, &p)

	if err := f.runner.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/payouts/"+p.ID+"/", nil)
	var got payoutResponse
	decodeBody(t, rec, &got)
	if got.Status != "COMPLETED" {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.LedgerTransactionID == nil || *got.LedgerTransactionID != "payout_k4" {
		t.Fatalf("ledger_transaction_id = %v", got.LedgerTransactionID)
	}
	if got.ExternalPayoutID == nil || got.CompletedAt == nil {
		t.Fatalf("completion fields missing: %+v", got)
	}
}

func TestGetPayoutEvents(t *testing.T) {
	f := newAPIFixture(t)
	created := f.do(t, http.MethodPost, "/api/payouts/", createBody("k5"))
	var p payoutResponse
	decodeBody(t, created, &p)
	if err := f.runner.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/payouts/"+p.ID+"/events/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET events = %d", rec.Code)
	}
	var resp struct {
		Events []trailEventResponse `json:"events"`
		Count  int                  `json:"count"`
	}
	decodeBody(t, rec, &resp)
	if resp.Count != len(resp.Events) || resp.Count == 0 {
		t.Fatalf("count = %d, events = %d", resp.Count, len(resp.Events))
	}
	if resp.Events[0].EventType != "CREATED" {
		t.Fatalf("first trail event = %s, want CREATED", resp.Events[0].EventType)
	}
	last := resp.Events[len(resp.Events)-1]
	if last.EventType != "COMPLETED" {
		t.Fatalf("last trail event = %s, want COMPLETED", last.EventType)
	}

	missing := f.do(t, http.MethodGet, "/api/payouts/no-such-id/events/", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing events = %d, want 404", missing.Code)
	}
}

func TestCancelPayout(t *testing.T) {
	f := newAPIFixture(t)
	created := f.do(t, http.MethodPost, "/api/payouts/", createBody("k6"))
	var p payoutResponse
	decodeBody(t, created, &p)

	rec := f.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/cancel/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, body %s", rec.Code, rec.Body.String())
	}
	var got payoutResponse
	decodeBody(t, rec, &got)
	if got.Status != "CANCELLED" {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	missing := f.do(t, http.MethodPost, "/api/payouts/no-such-id/cancel/", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing cancel = %d, want 404", missing.Code)
	}
}

func TestCancelPayoutConflictsOncePastPending(t *testing.T) {
	f := newAPIFixture(t)
	created := f.do(t, http.MethodPost, "/api/payouts/", createBody("k7"))
	var p payoutResponse
	decodeBody(t, created, &p)
	if err := f.runner.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/payouts/"+p.ID+"/cancel/", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel = %d, want 409", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
