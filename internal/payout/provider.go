package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Provider is the external payments API. The contract is idempotency on
// the caller's key: identical keys must yield the same external payout.
type Provider interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	Status(ctx context.Context, externalPayoutID string) (StatusResult, error)
}

type InitiateRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	RecipientAccount string          `json:"recipient_account"`
	RecipientName    string          `json:"recipient_name,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
}

type InitiateResult struct {
	ExternalPayoutID string `json:"external_payout_id"`
	Status           string `json:"status"`
}

type StatusResult struct {
	ExternalPayoutID string `json:"external_payout_id"`
	Status           string `json:"status"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

const (
	ProviderStatusPending   = "pending"
	ProviderStatusCompleted = "completed"
	ProviderStatusFailed    = "failed"
)

// ErrProviderRejected marks an explicit business rejection by the
// provider, as opposed to a transport failure. It is terminal: the runner
// does not retry it.
var ErrProviderRejected = errors.New("provider rejected the payout")

const providerCallTimeout = 30 * time.Second

// HTTPProvider talks to a real provider over JSON. Every call carries the
// per-call timeout; a timeout means the outcome is unknown, never failed.
type HTTPProvider struct {
	base   string
	client *http.Client
}

func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		base:   baseURL,
		client: &http.Client{Timeout: providerCallTimeout},
	}
}

func (p *HTTPProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return InitiateResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/payouts", bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return InitiateResult{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out InitiateResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return InitiateResult{}, err
		}
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return InitiateResult{}, fmt.Errorf("%w: http %d", ErrProviderRejected, resp.StatusCode)
	default:
		return InitiateResult{}, fmt.Errorf("provider initiate: http %d", resp.StatusCode)
	}
}

func (p *HTTPProvider) Status(ctx context.Context, externalPayoutID string) (StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/payouts/"+externalPayoutID, nil)
	if err != nil {
		return StatusResult{}, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return StatusResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, fmt.Errorf("provider status: http %d", resp.StatusCode)
	}
	var out StatusResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatusResult{}, err
	}
	return out, nil
}

// SimulatedProvider is the in-process stand-in used by dev mode and tests.
// It honors the idempotency contract: repeated initiations with one key
// return the first external id. Failures can be scripted per call.
type SimulatedProvider struct {
	mu            sync.Mutex
	byKey         map[string]InitiateResult
	status        map[string]StatusResult
	initiateFails []error
	statusFails   []error
}

func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		byKey:  make(map[string]InitiateResult),
		status: make(map[string]StatusResult),
	}
}

// FailNextInitiate queues errors returned by upcoming Initiate calls, in
// order, before any state is recorded for that call's key.
func (p *SimulatedProvider) FailNextInitiate(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiateFails = append(p.initiateFails, errs...)
}

func (p *SimulatedProvider) FailNextStatus(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusFails = append(p.statusFails, errs...)
}

// SetStatus overrides the reported status for an external payout.
func (p *SimulatedProvider) SetStatus(externalPayoutID, status, failureReason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[externalPayoutID] = StatusResult{
		ExternalPayoutID: externalPayoutID,
		Status:           status,
		FailureReason:    failureReason,
	}
}

func (p *SimulatedProvider) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.initiateFails) > 0 {
		err := p.initiateFails[0]
		p.initiateFails = p.initiateFails[1:]
		return InitiateResult{}, err
	}
	if res, ok := p.byKey[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := InitiateResult{
		ExternalPayoutID: fmt.Sprintf("ext_%s_%s", req.IdempotencyKey, uuid.New().String()),
		Status:           ProviderStatusPending,
	}
	p.byKey[req.IdempotencyKey] = res
	p.status[res.ExternalPayoutID] = StatusResult{
		ExternalPayoutID: res.ExternalPayoutID,
		Status:           ProviderStatusCompleted,
	}
	return res, nil
}

func (p *SimulatedProvider) Status(ctx context.Context, externalPayoutID string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statusFails) > 0 {
		err := p.statusFails[0]
		p.statusFails = p.statusFails[1:]
		return StatusResult{}, err
	}
	if res, ok := p.status[externalPayoutID]; ok {
		return res, nil
	}
	return StatusResult{}, fmt.Errorf("unknown external payout %q", externalPayoutID)
}
