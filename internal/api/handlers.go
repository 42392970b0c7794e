// Package api exposes the settlement engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pair"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/wallet"
)

// accountHeader carries the authenticated account id, set by the gateway.
const accountHeader = "X-Account-ID"

type ctxKey struct{}

// Handler serves the /api/v1 routes.
type Handler struct {
	engine *trade.Engine
	wallet *wallet.Service
	hub    *WSHub
}

// NewHandler creates a Handler. hub may be nil, which disables /ws.
func NewHandler(engine *trade.Engine, w *wallet.Service, hub *WSHub) *Handler {
	return &Handler{engine: engine, wallet: w, hub: hub}
}

// Routes mounts the API on r. Account-scoped routes require X-Account-ID;
// /admin routes are expected to be gated upstream.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.OpenAccount)

	r.Group(func(r chi.Router) {
		r.Use(RequireAccount)

		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Post("/trades", h.PlaceTrade)
		r.Get("/trades", h.ListTrades)
		r.Get("/trades/{tradeID}", h.GetTrade)

		r.Get("/account", h.GetAccount)
		r.Get("/account/ledger", h.GetLedger)
		r.Post("/account/deposits", h.Deposit)
		r.Post("/account/withdrawals", h.RequestWithdrawal)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/trades/{tradeID}/cancel", h.CancelTrade)
		r.Post("/trades/{tradeID}/settle", h.SettleTrade)
		r.Put("/controls/{accountID}", h.SetControl)
		r.Post("/accounts/{accountID}/adjustments", h.Adjust)
		r.Post("/withdrawals/{withdrawalID}/reject", h.RejectWithdrawal)
	})
}

// RequireAccount rejects requests without an X-Account-ID header and stores
// the account id in the request context.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(accountHeader)
		if id == "" {
			writeError(w, "missing "+accountHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func accountFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// PlaceTradeBody is the client payload for POST /trades. The account comes
// from the header, never the body.
type PlaceTradeBody struct {
	Pair            string          `json:"pair"`
	Direction       model.Direction `json:"direction"`
	Stake           decimal.Decimal `json:"stake"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	DurationSeconds int             `json:"duration_seconds"`
	Leverage        int             `json:"leverage,omitempty"`
	OrderNo         string          `json:"order_no,omitempty"`
}

// TradeResponse is returned by placement and cancellation.
type TradeResponse struct {
	Trade   *model.Trade    `json:"trade"`
	Balance decimal.Decimal `json:"balance"`
}

// BalanceResponse is returned by wallet operations.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Reference string          `json:"reference,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

// PlaceTrade handles POST /api/v1/trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var body PlaceTradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, bal, err := h.engine.PlaceTrade(r.Context(), trade.PlaceTradeRequest{
		AccountID:       accountFrom(r),
		Pair:            body.Pair,
		Direction:       body.Direction,
		Stake:           body.Stake,
		EntryPrice:      body.EntryPrice,
		DurationSeconds: body.DurationSeconds,
		Leverage:        body.Leverage,
		OrderNo:         body.OrderNo,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TradeResponse{Trade: redact(t), Balance: bal})
}

// ListTrades handles GET /api/v1/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.engine.GetTradeHistory(r.Context(), accountFrom(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	for i := range trades {
		trades[i] = *redact(&trades[i])
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	// Another account's trade is indistinguishable from a missing one.
	if t.AccountID != accountFrom(r) {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, redact(t))
}

// GetAccount handles GET /api/v1/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.engine.GetAccount(r.Context(), accountFrom(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetLedger handles GET /api/v1/account/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.LedgerHistory(r.Context(), accountFrom(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID        string          `json:"owner_id"`
		InitialBalance decimal.Decimal `json:"initial_balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.wallet.OpenAccount(r.Context(), req.OwnerID, req.InitialBalance)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Deposit handles POST /api/v1/account/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Reference string          `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	accountID := accountFrom(r)
	bal, err := h.wallet.Deposit(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: accountID, Reference: req.Reference, Balance: bal})
}

// RequestWithdrawal handles POST /api/v1/account/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WithdrawalID string          `json:"withdrawal_id"`
		Amount       decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WithdrawalID == "" {
		req.WithdrawalID = uuid.NewString()
	}
	accountID := accountFrom(r)
	bal, err := h.wallet.RequestWithdrawal(r.Context(), accountID, req.WithdrawalID, req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, BalanceResponse{AccountID: accountID, Reference: req.WithdrawalID, Balance: bal})
}

// CancelTrade handles POST /api/v1/admin/trades/{tradeID}/cancel
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&req)

	t, err := h.engine.CancelTrade(r.Context(), chi.URLParam(r, "tradeID"), req.Reason)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	a, err := h.engine.GetAccount(r.Context(), t.AccountID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{Trade: t, Balance: a.Balance})
}

// SettleTrade handles POST /api/v1/admin/trades/{tradeID}/settle. Settling
// early or twice is safe; the result is the trade as stored afterwards.
func (h *Handler) SettleTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	if err := h.engine.Settle(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	t, err := h.engine.GetTrade(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SetControl handles PUT /api/v1/admin/controls/{accountID}
func (h *Handler) SetControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level  model.ControlLevel `json:"level"`
		Active *bool              `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	c, err := h.engine.SetControl(r.Context(), chi.URLParam(r, "accountID"), req.Level, active)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	slog.Info("outcome control changed", "account_id", c.AccountID, "level", c.Level, "active", c.Active)
	writeJSON(w, http.StatusOK, c)
}

// Adjust handles POST /api/v1/admin/accounts/{accountID}/adjustments
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta     decimal.Decimal `json:"delta"`
		Reference string          `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	accountID := chi.URLParam(r, "accountID")
	bal, err := h.wallet.Adjust(r.Context(), accountID, req.Delta, req.Reference)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: accountID, Reference: req.Reference, Balance: bal})
}

// RejectWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := chi.URLParam(r, "withdrawalID")
	orig, bal, err := h.wallet.RejectWithdrawal(r.Context(), id, req.Reason)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: orig.AccountID, Reference: id, Balance: bal})
}

// redact hides the drawn outcome from account holders. Admin routes return
// trades unredacted.
func redact(t *model.Trade) *model.Trade {
	c := *t
	c.PrecomputedOutcome = nil
	c.WinProbability = nil
	c.TargetPrice = nil
	return &c
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *trade.ValidationError
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.As(err, &ve),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, pair.ErrInvalidPair),
		errors.Is(err, wallet.ErrOwnerRequired):
		return http.StatusBadRequest
	case errors.Is(err, trade.ErrNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTradeNotFound),
		errors.Is(err, wallet.ErrWithdrawalNotFound):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrNotPending),
		errors.Is(err, ledger.ErrReferenceMismatch):
		return http.StatusConflict
	case errors.Is(err, trade.ErrConcurrencyConflict),
		errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
