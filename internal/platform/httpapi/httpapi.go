// Package httpapi is the JSON surface over the payout engine: admission
// and lookup. It holds no state of its own; every response reflects
// committed database rows.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/taskrunner"
)

type Server struct {
	logger *zap.Logger
	engine *payout.Engine
	runner *taskrunner.Runner
}

func NewServer(logger *zap.Logger, engine *payout.Engine, runner *taskrunner.Runner) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, engine: engine, runner: runner}
}

// Handler builds the route table. Trailing slashes are part of the
// public paths.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/payouts/", s.createPayout)
	mux.HandleFunc("POST /api/payouts/{id}/cancel/", s.cancelPayout)
	mux.HandleFunc("GET /api/payouts/{id}/", s.getPayout)
	mux.HandleFunc("GET /api/payouts/{id}/events/", s.getPayoutEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type createPayoutRequest struct {
	IdempotencyKey   string            `json:"idempotency_key"`
	Amount           json.RawMessage   `json:"amount"`
	Currency         string            `json:"currency"`
	RecipientAccount string            `json:"recipient_account"`
	RecipientName    string            `json:"recipient_name"`
	Description      string            `json:"description"`
	Metadata         map[string]string `json:"metadata"`
}

type payoutResponse struct {
	ID                  string            `json:"id"`
	IdempotencyKey      string            `json:"idempotency_key"`
	Amount              string            `json:"amount"`
	Currency            string            `json:"currency"`
	RecipientAccount    string            `json:"recipient_account"`
	RecipientName       string            `json:"recipient_name,omitempty"`
	Description         string            `json:"description,omitempty"`
	Status              string            `json:"status"`
	LedgerTransactionID *string           `json:"ledger_transaction_id"`
	ExternalPayoutID    *string           `json:"external_payout_id"`
	ErrorMessage        *string           `json:"error_message"`
	RetryCount          int               `json:"retry_count"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at"`
}

func toResponse(p payout.Payout) payoutResponse {
	resp := payoutResponse{
		ID:               p.ID,
		IdempotencyKey:   p.IdempotencyKey,
		Amount:           money.Format(p.Amount),
		Currency:         p.Currency,
		RecipientAccount: p.RecipientAccount,
		RecipientName:    p.RecipientName,
		Description:      p.Description,
		Status:           string(p.Status),
		RetryCount:       p.RetryCount,
		Metadata:         p.Metadata,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
		CompletedAt:      p.CompletedAt,
	}
	if p.LedgerTransactionID != "" {
		resp.LedgerTransactionID = &p.LedgerTransactionID
	}
	if p.ExternalPayoutID != "" {
		resp.ExternalPayoutID = &p.ExternalPayoutID
	}
	if p.ErrorMessage != "" {
		resp.ErrorMessage = &p.ErrorMessage
	}
	return resp
}

// parseAmount accepts the amount as either a JSON string or a bare
// number; both forms land in the same strict decimal parse.
func parseAmount(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("amount is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

func (s *Server) createPayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldErrors(w, map[string]string{"body": "invalid JSON"})
		return
	}
	amountStr, err := parseAmount(req.Amount)
	if err != nil {
		writeFieldErrors(w, map[string]string{"amount": err.Error()})
		return
	}
	amount, err := money.ParsePositive(amountStr)
	if err != nil {
		writeFieldErrors(w, map[string]string{"amount": err.Error()})
		return
	}

	p, created, err := s.engine.Admit(r.Context(), payout.AdmitInput{
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           amount,
		Currency:         req.Currency,
		RecipientAccount: req.RecipientAccount,
		RecipientName:    req.RecipientName,
		Description:      req.Description,
		Metadata:         req.Metadata,
	})
	if err != nil {
		if field, ok := validationField(err); ok {
			writeFieldErrors(w, map[string]string{field: err.Error()})
			return
		}
		s.logger.Error("payout admission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if created {
		if err := s.runner.Enqueue(r.Context(), taskrunner.JobProcessPayout, p.ID, nil); err != nil {
			// The payout row is committed; a reaper or manual re-enqueue can
			// still advance it. Surface the payout, log the queue failure.
			s.logger.Error("enqueue after admission failed",
				zap.String("payout_id", p.ID),
				zap.Error(err),
			)
		}
		writeJSON(w, http.StatusCreated, toResponse(p))
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

func (s *Server) getPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, payout.ErrNotFound) {
		writeError(w, http.StatusNotFound, "payout not found")
		return
	}
	if err != nil {
		s.logger.Error("payout lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(p))
}

type trailEventResponse struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	EventData map[string]string `json:"event_data"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Server) getPayoutEvents(w http.ResponseWriter, r *http.Request) {
	rows, err := s.engine.Trail(r.Context(), r.PathValue("id"))
	if errors.Is(err, payout.ErrNotFound) {
		writeError(w, http.StatusNotFound, "payout not found")
		return
	}
	if err != nil {
		s.logger.Error("payout trail lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]trailEventResponse, 0, len(rows))
	for _, t := range rows {
		out = append(out, trailEventResponse{
			ID:        t.ID,
			EventType: string(t.Type),
			EventData: t.Data,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "count": len(out)})
}

func (s *Server) cancelPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, payout.ErrNotFound):
		writeError(w, http.StatusNotFound, "payout not found")
	case errors.Is(err, payout.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("payout cancel failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, toResponse(p))
	}
}

// validationField maps caller mistakes onto the request field that
// caused them.
func validationField(err error) (string, bool) {
	switch {
	case errors.Is(err, payout.ErrEmptyIdempotencyKey), errors.Is(err, payout.ErrKeyTooLong):
		return "idempotency_key", true
	case errors.Is(err, payout.ErrEmptyRecipient):
		return "recipient_account", true
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrScale), errors.Is(err, money.ErrNotPositive):
		return "amount", true
	case errors.Is(err, money.ErrBadCurrency):
		return "currency", true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeFieldErrors(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"errors": fields})
}
