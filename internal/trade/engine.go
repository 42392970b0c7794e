// Package trade is the timed-trade settlement engine: it places trades,
// settles them exactly once when their duration elapses, and recovers
// pending trades after a restart.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/outcome"
	"github.com/atmx/settlement-engine/internal/pair"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrNotFound   = errors.New("trade: not found")
	ErrNotPending = errors.New("trade: trade is not pending")

	// ErrConcurrencyConflict is returned when a transaction kept losing lock
	// races after all internal retries. Nothing was applied; the caller may
	// retry with the same order number.
	ErrConcurrencyConflict = errors.New("trade: concurrency conflict")
)

// ValidationError reports a rejected request field. No state was changed.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PlaceTradeRequest is the input to PlaceTrade.
type PlaceTradeRequest struct {
	AccountID       string          `json:"account_id"`
	Pair            string          `json:"pair"`
	Direction       model.Direction `json:"direction"`
	Stake           decimal.Decimal `json:"stake"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	DurationSeconds int             `json:"duration_seconds"`
	Leverage        int             `json:"leverage,omitempty"` // 0 → 1
	OrderNo         string          `json:"order_no,omitempty"` // idempotency key; generated when empty
}

// Scheduler is the part of the settlement scheduler the engine drives.
type Scheduler interface {
	Schedule(tradeID string, resolveAt time.Time)
	Cancel(tradeID string)
	RecoverOverdue(ctx context.Context) (int, error)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Limiter      *exposure.Limiter
	Audit        audit.Emitter
	Logger       *slog.Logger
	ProfitRates  map[int]decimal.Decimal // duration seconds → percent
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProfitRates is the duration → profit-rate schedule.
func DefaultProfitRates() map[int]decimal.Decimal {
	return map[int]decimal.Decimal{
		30:  decimal.NewFromInt(85),
		60:  decimal.NewFromInt(90),
		120: decimal.NewFromInt(92),
		300: decimal.NewFromInt(95),
	}
}

// Engine coordinates the ledger, outcome policy, store and scheduler.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	policy  *outcome.Policy
	limiter *exposure.Limiter
	audit   audit.Emitter
	sched   Scheduler
	logger  *slog.Logger

	rates        map[int]decimal.Decimal
	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time
}

// NewEngine creates an engine. Call SetScheduler before placing trades in
// production; without one, trades are only settled by explicit Settle calls.
func NewEngine(st store.Store, led *ledger.Ledger, policy *outcome.Policy, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProfitRates == nil {
		opts.ProfitRates = DefaultProfitRates()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	return &Engine{
		store:        st,
		ledger:       led,
		policy:       policy,
		limiter:      opts.Limiter,
		audit:        opts.Audit,
		logger:       opts.Logger,
		rates:        opts.ProfitRates,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler attaches the settlement scheduler. The scheduler in turn calls
// Settle, so the two are wired after both exist.
func (e *Engine) SetScheduler(s Scheduler) {
	e.sched = s
}

func placeRef(orderNo string) string  { return "place:" + orderNo }
func settleRef(orderNo string) string { return "settle:" + orderNo }
func cancelRef(orderNo string) string { return "cancel:" + orderNo }

// PlaceTrade debits the stake and creates a pending trade in one atomic
// unit, then draws and persists the outcome and schedules settlement.
// Repeating a request with the same OrderNo returns the original trade.
func (e *Engine) PlaceTrade(ctx context.Context, req PlaceTradeRequest) (*model.Trade, decimal.Decimal, error) {
	p, rate, err := e.validate(&req)
	if err != nil {
		return nil, decimal.Zero, err
	}

	orderNo := req.OrderNo
	if orderNo == "" {
		orderNo = uuid.NewString()
	}
	tradeID := uuid.NewString()

	var (
		placed  *model.Trade
		balance decimal.Decimal
		replay  bool
	)
	err = e.withRetry(ctx, "place", func() error {
		return e.store.InTx(ctx, func(tx store.Tx) error {
			acct, err := tx.LockAccount(ctx, req.AccountID)
			if err != nil {
				return err
			}

			existing, err := tx.GetTradeByOrderNo(ctx, orderNo)
			if err == nil {
				if existing.AccountID != req.AccountID {
					return &ValidationError{Field: "order_no", Reason: "already used by another account", Err: store.ErrDuplicateOrderNo}
				}
				placed, balance, replay = existing, acct.Balance, true
				return nil
			}
			if !errors.Is(err, store.ErrTradeNotFound) {
				return err
			}

			open, err := tx.PendingStakeByPair(ctx, acct.ID)
			if err != nil {
				return err
			}
			if err := e.limiter.CheckLimit(p, req.Stake, open); err != nil {
				metrics.ExposureRejections.Inc()
				return &ValidationError{Field: "stake", Reason: err.Error(), Err: err}
			}

			bal, err := e.ledger.DebitTx(ctx, tx, acct.ID, req.Stake, placeRef(orderNo), model.EntryPlacementDebit)
			if err != nil {
				return err
			}

			now := e.now()
			t := &model.Trade{
				ID:              tradeID,
				AccountID:       acct.ID,
				OrderNo:         orderNo,
				Pair:            p.String(),
				Direction:       req.Direction,
				Stake:           req.Stake,
				EntryPrice:      req.EntryPrice,
				Leverage:        req.Leverage,
				ProfitRate:      rate,
				DurationSeconds: req.DurationSeconds,
				Status:          model.StatusPending,
				ResolveAt:       now.Add(time.Duration(req.DurationSeconds) * time.Second),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.InsertTrade(ctx, t); err != nil {
				return err
			}
			placed, balance, replay = t, bal, false
			return nil
		})
	})
	if err != nil {
		return nil, decimal.Zero, mapStoreErr(err)
	}
	if replay {
		return placed, balance, nil
	}

	e.drawOutcome(ctx, placed)
	if e.sched != nil {
		e.sched.Schedule(placed.ID, placed.ResolveAt)
	}

	metrics.TradesPlaced.WithLabelValues(string(placed.Direction)).Inc()
	e.emit(audit.Event{
		Action:    audit.ActionTradePlaced,
		AccountID: placed.AccountID,
		TradeID:   placed.ID,
		Reference: placeRef(orderNo),
		Amount:    placed.Stake.Neg(),
		Balance:   balance,
	})
	e.logger.Info("trade placed",
		"trade_id", placed.ID, "account_id", placed.AccountID, "pair", placed.Pair,
		"direction", placed.Direction, "stake", placed.Stake.String(), "resolve_at", placed.ResolveAt)

	return placed, balance, nil
}

func (e *Engine) validate(req *PlaceTradeRequest) (pair.Pair, decimal.Decimal, error) {
	if req.AccountID == "" {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "account_id", Reason: "required"}
	}
	if !req.Stake.IsPositive() {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "stake", Reason: "must be positive", Err: ledger.ErrInvalidAmount}
	}
	if !model.FitsMoneyScale(req.Stake) {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "stake", Reason: fmt.Sprintf("at most %d decimal places", model.MoneyScale), Err: ledger.ErrInvalidAmount}
	}
	if !req.EntryPrice.IsPositive() {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "entry_price", Reason: "must be positive"}
	}
	if !model.FitsMoneyScale(req.EntryPrice) {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "entry_price", Reason: fmt.Sprintf("at most %d decimal places", model.MoneyScale)}
	}
	if !req.Direction.Valid() {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "direction", Reason: "must be buy or sell"}
	}
	p, err := pair.Parse(req.Pair)
	if err != nil {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "pair", Reason: err.Error(), Err: err}
	}
	rate, ok := e.rates[req.DurationSeconds]
	if !ok {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "duration_seconds", Reason: fmt.Sprintf("no profit rate configured for %ds", req.DurationSeconds)}
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if req.Leverage < 1 {
		return pair.Pair{}, decimal.Zero, &ValidationError{Field: "leverage", Reason: "must be at least 1"}
	}
	return p, rate, nil
}

// drawOutcome freezes the trade's outcome right after placement. Failures
// are logged: Settle draws for any trade that reaches it undrawn.
func (e *Engine) drawOutcome(ctx context.Context, t *model.Trade) {
	dec := e.policy.Decide(e.control(ctx, t.AccountID), t.EntryPrice, t.Direction)

	var applied bool
	at := e.now()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.LockTrade(ctx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusPending || cur.PrecomputedOutcome != nil {
			return nil
		}
		applyDecision(cur, dec, at)
		if err := tx.UpdateTrade(ctx, cur); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		e.logger.Warn("outcome draw not persisted, settlement will draw", "trade_id", t.ID, "err", err)
		return
	}
	if applied {
		applyDecision(t, dec, at)
	}
}

func applyDecision(t *model.Trade, dec outcome.Decision, at time.Time) {
	won := dec.Won
	prob := dec.Probability
	target := dec.TargetPrice
	t.PrecomputedOutcome = &won
	t.WinProbability = &prob
	t.TargetPrice = &target
	t.UpdatedAt = at
}

// control returns the account's outcome control, or nil when it has none or
// the lookup fails.
func (e *Engine) control(ctx context.Context, accountID string) *model.OutcomeControl {
	c, err := e.store.GetOutcomeControl(ctx, accountID)
	if err != nil {
		if !errors.Is(err, store.ErrControlNotFound) {
			e.logger.Warn("outcome control lookup failed, using default", "account_id", accountID, "err", err)
		}
		return nil
	}
	return c
}

// Settle resolves a pending trade: credits the payout on a win, records a
// zero-delta entry on a loss, and moves the trade to its terminal status, all
// in one transaction. Settling a trade that is no longer pending is a no-op
// success, so Settle may be called any number of times from any path.
func (e *Engine) Settle(ctx context.Context, tradeID string) error {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return mapStoreErr(err)
	}
	if t.Status != model.StatusPending {
		return nil
	}

	var (
		settled *model.Trade
		balance decimal.Decimal
	)
	err = e.withRetry(ctx, "settle", func() error {
		settled = nil
		return e.store.InTx(ctx, func(tx store.Tx) error {
			// Account before trade, the same order PlaceTrade and the wallet use.
			if _, err := tx.LockAccount(ctx, t.AccountID); err != nil {
				return err
			}
			cur, err := tx.LockTrade(ctx, tradeID)
			if err != nil {
				return err
			}
			if cur.Status != model.StatusPending {
				return nil
			}

			now := e.now()
			if cur.PrecomputedOutcome == nil {
				applyDecision(cur, e.policy.Decide(e.control(ctx, cur.AccountID), cur.EntryPrice, cur.Direction), now)
			}
			if cur.TargetPrice == nil {
				target := outcome.TargetPrice(cur.EntryPrice, cur.Direction, *cur.PrecomputedOutcome)
				cur.TargetPrice = &target
			}

			var (
				bal decimal.Decimal
				pnl decimal.Decimal
			)
			if *cur.PrecomputedOutcome {
				bal, err = e.ledger.CreditTx(ctx, tx, cur.AccountID, cur.Payout(), settleRef(cur.OrderNo), model.EntryWinCredit)
				cur.Status = model.StatusWon
				pnl = cur.Profit()
			} else {
				bal, err = e.ledger.RecordNoopTx(ctx, tx, cur.AccountID, settleRef(cur.OrderNo), model.EntryLossNoop)
				cur.Status = model.StatusLost
				pnl = cur.Stake.Neg()
			}
			if err != nil {
				return err
			}

			exit := *cur.TargetPrice
			cur.ExitPrice = &exit
			cur.PnL = &pnl
			cur.SettledAt = &now
			cur.UpdatedAt = now
			if err := tx.UpdateTrade(ctx, cur); err != nil {
				return err
			}
			settled, balance = cur, bal
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", tradeID, mapStoreErr(err))
	}
	if settled == nil {
		return nil
	}

	if e.sched != nil {
		e.sched.Cancel(settled.ID)
	}
	metrics.TradesSettled.WithLabelValues(string(settled.Status)).Inc()
	metrics.SettleLag.Observe(settled.SettledAt.Sub(settled.ResolveAt).Seconds())

	ev := audit.Event{
		Action:    audit.ActionTradeLoss,
		AccountID: settled.AccountID,
		TradeID:   settled.ID,
		Reference: settleRef(settled.OrderNo),
		Amount:    decimal.Zero,
		Balance:   balance,
	}
	if settled.Status == model.StatusWon {
		ev.Action = audit.ActionTradeWon
		ev.Amount = settled.Payout()
	}
	e.emit(ev)
	e.logger.Info("trade settled",
		"trade_id", settled.ID, "account_id", settled.AccountID,
		"status", settled.Status, "pnl", settled.PnL.String(), "balance", balance.String())
	return nil
}

// CancelTrade refunds the stake of a pending trade and marks it cancelled.
func (e *Engine) CancelTrade(ctx context.Context, tradeID, reason string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if t.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, tradeID, t.Status)
	}

	var (
		cancelled *model.Trade
		balance   decimal.Decimal
	)
	err = e.withRetry(ctx, "cancel", func() error {
		return e.store.InTx(ctx, func(tx store.Tx) error {
			if _, err := tx.LockAccount(ctx, t.AccountID); err != nil {
				return err
			}
			cur, err := tx.LockTrade(ctx, tradeID)
			if err != nil {
				return err
			}
			if !cur.Status.CanTransition(model.StatusCancelled) {
				return fmt.Errorf("%w: %s is %s", ErrNotPending, tradeID, cur.Status)
			}

			bal, err := e.ledger.CreditTx(ctx, tx, cur.AccountID, cur.Stake, cancelRef(cur.OrderNo), model.EntryRefund)
			if err != nil {
				return err
			}
			now := e.now()
			zero := decimal.Zero
			cur.Status = model.StatusCancelled
			cur.PnL = &zero
			cur.SettledAt = &now
			cur.UpdatedAt = now
			if err := tx.UpdateTrade(ctx, cur); err != nil {
				return err
			}
			cancelled, balance = cur, bal
			return nil
		})
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if e.sched != nil {
		e.sched.Cancel(cancelled.ID)
	}
	metrics.TradesSettled.WithLabelValues(string(model.StatusCancelled)).Inc()
	e.emit(audit.Event{
		Action:    audit.ActionTradeCancelled,
		AccountID: cancelled.AccountID,
		TradeID:   cancelled.ID,
		Reference: cancelRef(cancelled.OrderNo),
		Amount:    cancelled.Stake,
		Balance:   balance,
		Detail:    reason,
	})
	e.logger.Info("trade cancelled", "trade_id", cancelled.ID, "account_id", cancelled.AccountID, "reason", reason)
	return cancelled, nil
}

// GetTrade returns one trade.
func (e *Engine) GetTrade(ctx context.Context, tradeID string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return t, nil
}

// GetTradeHistory returns the account's trades, newest first.
func (e *Engine) GetTradeHistory(ctx context.Context, accountID string) ([]model.Trade, error) {
	trades, err := e.store.ListTradesByAccount(ctx, accountID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// GetAccount returns the account snapshot.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return a, nil
}

// LedgerHistory returns the account's ledger entries, newest first.
func (e *Engine) LedgerHistory(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, mapStoreErr(err)
	}
	entries, err := e.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// SetControl upserts the outcome control for an account. Trades whose
// outcome is already drawn are not affected.
func (e *Engine) SetControl(ctx context.Context, accountID string, level model.ControlLevel, active bool) (*model.OutcomeControl, error) {
	switch level {
	case model.ControlNone, model.ControlLow, model.ControlMedium, model.ControlHigh:
	default:
		return nil, &ValidationError{Field: "level", Reason: "must be none, low, medium or high"}
	}
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, mapStoreErr(err)
	}
	c := &model.OutcomeControl{AccountID: accountID, Level: level, Active: active, UpdatedAt: e.now()}
	if err := e.store.UpsertOutcomeControl(ctx, c); err != nil {
		return nil, err
	}
	e.emit(audit.Event{Action: audit.ActionControlChanged, AccountID: accountID, Detail: string(level)})
	return c, nil
}

// RecoverPendingTrades settles every overdue pending trade and registers
// timers for the rest. It must complete before new placements are accepted.
func (e *Engine) RecoverPendingTrades(ctx context.Context) (int, error) {
	if e.sched == nil {
		return 0, errors.New("trade: no scheduler attached")
	}
	settled, recoverErr := e.sched.RecoverOverdue(ctx)

	pending, err := e.store.ListPendingTrades(ctx)
	if err != nil {
		return settled, errors.Join(recoverErr, fmt.Errorf("list pending trades: %w", err))
	}
	for i := range pending {
		e.sched.Schedule(pending[i].ID, pending[i].ResolveAt)
	}

	e.logger.Info("pending trades recovered", "settled", settled, "scheduled", len(pending))
	return settled, recoverErr
}

// withRetry reruns fn while it fails with a lock conflict or a unique
// violation raced by a concurrent writer, up to maxRetries extra attempts.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= e.maxRetries {
			e.logger.Warn("retries exhausted", "op", op, "attempts", attempt+1, "err", err)
			return fmt.Errorf("%w: %s: %v", ErrConcurrencyConflict, op, err)
		}
		metrics.ConcurrencyRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

func retryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrDuplicateReference) ||
		errors.Is(err, store.ErrDuplicateOrderNo)
}

// mapStoreErr folds store lookups into the engine's ErrNotFound.
func mapStoreErr(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	if errors.Is(err, store.ErrAccountNotFound) || errors.Is(err, store.ErrTradeNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (e *Engine) emit(ev audit.Event) {
	if e.audit != nil {
		e.audit.Emit(ev)
	}
}
