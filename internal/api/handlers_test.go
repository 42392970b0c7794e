package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type winSource struct{}

func (winSource) Float64() float64 { return 0 }

// newTestEnv wires an in-memory engine and wallet behind a chi router. No
// scheduler is attached, so trades settle only through the admin route.
func newTestEnv(t *testing.T) (*store.MemoryStore, *wallet.Service, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	led := ledger.New(ms)
	engine := trade.NewEngine(ms, led, outcome.NewPolicy(winSource{}), trade.Options{})
	svc := wallet.NewService(ms, led, nil, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(engine, svc, nil).Routes)
	return ms, svc, r
}

func openAccount(t *testing.T, svc *wallet.Service, balance float64) string {
	t.Helper()
	a, err := svc.OpenAccount(context.Background(), "owner-1", d(balance))
	if err != nil {
		t.Fatalf("open account: %v", err)
	}
	return a.ID
}

func doRequest(t *testing.T, router chi.Router, method, path, accountID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func placeBody(stake float64) api.PlaceTradeBody {
	return api.PlaceTradeBody{
		Pair:            "BTC/USDT",
		Direction:       model.DirectionBuy,
		Stake:           d(stake),
		EntryPrice:      d(50000),
		DurationSeconds: 60,
	}
}

func TestPlaceTrade_Created(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 1000)

	w := doRequest(t, router, "POST", "/api/v1/trades", acct, placeBody(100))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.TradeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Balance.Equal(d(900)) {
		t.Errorf("expected balance 900, got %s", resp.Balance)
	}
	if resp.Trade.Status != model.StatusPending || resp.Trade.AccountID != acct {
		t.Errorf("unexpected trade: %+v", resp.Trade)
	}
	if resp.Trade.PrecomputedOutcome != nil || resp.Trade.WinProbability != nil {
		t.Error("drawn outcome must not be exposed to the account holder")
	}
}

func TestPlaceTrade_MissingAccountHeader(t *testing.T) {
	_, _, router := newTestEnv(t)
	w := doRequest(t, router, "POST", "/api/v1/trades", "", placeBody(100))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPlaceTrade_ErrorStatuses(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 50)

	badPair := placeBody(10)
	badPair.Pair = "not a pair"
	badDuration := placeBody(10)
	badDuration.DurationSeconds = 7

	tests := []struct {
		name    string
		account string
		body    any
		want    int
	}{
		{"insufficient funds", acct, placeBody(100), http.StatusPaymentRequired},
		{"zero stake", acct, placeBody(0), http.StatusBadRequest},
		{"invalid pair", acct, badPair, http.StatusBadRequest},
		{"unknown duration", acct, badDuration, http.StatusBadRequest},
		{"unknown account", "ghost", placeBody(10), http.StatusNotFound},
		{"malformed body", acct, "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, "POST", "/api/v1/trades", tt.account, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetTrade_OtherAccountIsNotFound(t *testing.T) {
	_, svc, router := newTestEnv(t)
	owner := openAccount(t, svc, 1000)
	other := openAccount(t, svc, 1000)

	w := doRequest(t, router, "POST", "/api/v1/trades", owner, placeBody(100))
	var resp api.TradeResponse
	json.NewDecoder(w.Body).Decode(&resp)

	if w := doRequest(t, router, "GET", "/api/v1/trades/"+resp.Trade.ID, owner, nil); w.Code != http.StatusOK {
		t.Errorf("owner: expected 200, got %d", w.Code)
	}
	if w := doRequest(t, router, "GET", "/api/v1/trades/"+resp.Trade.ID, other, nil); w.Code != http.StatusNotFound {
		t.Errorf("other account: expected 404, got %d", w.Code)
	}
}

func TestListTrades_EmptyIsArray(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 10)

	w := doRequest(t, router, "GET", "/api/v1/trades", acct, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestSettleAndCancel_AdminRoutes(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 1000)

	first := doRequest(t, router, "POST", "/api/v1/trades", acct, placeBody(100))
	var won api.TradeResponse
	json.NewDecoder(first.Body).Decode(&won)

	w := doRequest(t, router, "POST", "/api/v1/admin/trades/"+won.Trade.ID+"/settle", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var settled model.Trade
	json.NewDecoder(w.Body).Decode(&settled)
	if settled.Status != model.StatusWon || settled.PnL == nil || !settled.PnL.Equal(d(90)) {
		t.Errorf("expected won with pnl 90, got %s %v", settled.Status, settled.PnL)
	}

	// Settled trades cannot be cancelled.
	w = doRequest(t, router, "POST", "/api/v1/admin/trades/"+won.Trade.ID+"/cancel", "", map[string]string{"reason": "late"})
	if w.Code != http.StatusConflict {
		t.Errorf("cancel settled: expected 409, got %d", w.Code)
	}

	second := doRequest(t, router, "POST", "/api/v1/trades", acct, placeBody(200))
	var pending api.TradeResponse
	json.NewDecoder(second.Body).Decode(&pending)

	w = doRequest(t, router, "POST", "/api/v1/admin/trades/"+pending.Trade.ID+"/cancel", "", map[string]string{"reason": "feed outage"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cancelled api.TradeResponse
	json.NewDecoder(w.Body).Decode(&cancelled)
	// 1000 - 100 + 190 = 1090 after the win; the 200 stake is refunded.
	if cancelled.Trade.Status != model.StatusCancelled || !cancelled.Balance.Equal(d(1090)) {
		t.Errorf("expected cancelled at 1090, got %s at %s", cancelled.Trade.Status, cancelled.Balance)
	}
}

func TestAccountRoutes(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doRequest(t, router, "POST", "/api/v1/accounts", "", map[string]any{"owner_id": "alice", "initial_balance": "250"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.NewDecoder(w.Body).Decode(&acct)

	w = doRequest(t, router, "POST", "/api/v1/account/deposits", acct.ID, map[string]string{"amount": "50", "reference": "bank-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/api/v1/account/withdrawals", acct.ID, map[string]string{"withdrawal_id": "wd-1", "amount": "100"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("withdraw: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, router, "POST", "/api/v1/admin/withdrawals/wd-1/reject", "", map[string]string{"reason": "kyc"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rejected api.BalanceResponse
	json.NewDecoder(w.Body).Decode(&rejected)
	if !rejected.Balance.Equal(d(300)) {
		t.Errorf("expected 300 after refund, got %s", rejected.Balance)
	}

	w = doRequest(t, router, "GET", "/api/v1/account/ledger", acct.ID, nil)
	var entries []model.LedgerEntry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 4 {
		t.Errorf("expected 4 ledger entries, got %d", len(entries))
	}

	w = doRequest(t, router, "GET", "/api/v1/account", acct.ID, nil)
	var got model.Account
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Balance.Equal(d(300)) {
		t.Errorf("expected account balance 300, got %s", got.Balance)
	}
}

func TestDeposit_ReferenceMismatchConflicts(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 0)

	doRequest(t, router, "POST", "/api/v1/account/deposits", acct, map[string]string{"amount": "50", "reference": "bank-1"})
	w := doRequest(t, router, "POST", "/api/v1/account/deposits", acct, map[string]string{"amount": "75", "reference": "bank-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for reused reference, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetControl(t *testing.T) {
	ms, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 10)

	w := doRequest(t, router, "PUT", "/api/v1/admin/controls/"+acct, "", map[string]string{"level": "high"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	c, err := ms.GetOutcomeControl(context.Background(), acct)
	if err != nil || c.Level != model.ControlHigh || !c.Active {
		t.Errorf("expected active high control, got %+v (%v)", c, err)
	}

	w = doRequest(t, router, "PUT", "/api/v1/admin/controls/"+acct, "", map[string]string{"level": "extreme"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid level: expected 400, got %d", w.Code)
	}
	w = doRequest(t, router, "PUT", "/api/v1/admin/controls/ghost", "", map[string]string{"level": "low"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown account: expected 404, got %d", w.Code)
	}
}

func TestAdjust_Overdraw(t *testing.T) {
	_, svc, router := newTestEnv(t)
	acct := openAccount(t, svc, 10)

	w := doRequest(t, router, "POST", "/api/v1/admin/accounts/"+acct+"/adjustments", "", map[string]string{"delta": "-20", "reference": "fix-1"})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}
