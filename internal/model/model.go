// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a user's spendable balance. Balance is never negative and is
// only ever changed by the ledger package.
type Account struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryPlacementDebit EntryKind = "placement_debit"
	EntryWinCredit      EntryKind = "win_credit"
	EntryLossNoop       EntryKind = "loss_noop"
	EntryRefund         EntryKind = "refund"
	EntryAdjustment     EntryKind = "adjustment"
	EntryDeposit        EntryKind = "deposit"
	EntryWithdrawal     EntryKind = "withdrawal"
)

// LedgerEntry is an immutable record of one balance mutation.
// Once created, these are never modified or deleted.
// Invariant: BalanceAfter = BalanceBefore + Delta.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Delta         decimal.Decimal `json:"delta" db:"delta"` // signed
	BalanceBefore decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Kind          EntryKind       `json:"kind" db:"kind"`
	Reference     string          `json:"reference" db:"reference"` // globally unique
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Direction is the side a trade bets on.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Valid reports whether d is buy or sell.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusWon       TradeStatus = "won"
	StatusLost      TradeStatus = "lost"
	StatusCancelled TradeStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TradeStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusCancelled
}

// CanTransition reports whether s → to is a legal state change.
// Only pending trades move, and only into a terminal state.
func (s TradeStatus) CanTransition(to TradeStatus) bool {
	return s == StatusPending && to.Terminal()
}

// Trade is one timed wager. It is created pending and transitions exactly
// once into won, lost or cancelled; after that it is immutable.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	OrderNo         string          `json:"order_no" db:"order_no"`
	Pair            string          `json:"pair" db:"pair"`
	Direction       Direction       `json:"direction" db:"direction"`
	Stake           decimal.Decimal `json:"stake" db:"stake"`
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	Leverage        int             `json:"leverage" db:"leverage"`
	ProfitRate      decimal.Decimal `json:"profit_rate" db:"profit_rate"` // percent, e.g. 90
	DurationSeconds int             `json:"duration_seconds" db:"duration_seconds"`
	Status          TradeStatus     `json:"status" db:"status"`

	// Drawn once, right after placement. Nil until then.
	PrecomputedOutcome *bool            `json:"precomputed_outcome,omitempty" db:"precomputed_outcome"`
	WinProbability     *float64         `json:"win_probability,omitempty" db:"win_probability"`
	TargetPrice        *decimal.Decimal `json:"target_price,omitempty" db:"target_price"`

	ResolveAt time.Time        `json:"resolve_at" db:"resolve_at"`
	ExitPrice *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	PnL       *decimal.Decimal `json:"pnl,omitempty" db:"pnl"`
	SettledAt *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// MoneyScale is the number of decimal places every stored amount carries,
// matching the NUMERIC(28, 8) money columns.
const MoneyScale int32 = 8

// FitsMoneyScale reports whether d needs no rounding to be stored.
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// Payout is the amount credited when the trade wins: stake + stake*rate/100.
func (t *Trade) Payout() decimal.Decimal {
	return t.Stake.Add(t.Profit())
}

// Profit is stake*rate/100, rounded to MoneyScale.
func (t *Trade) Profit() decimal.Decimal {
	return t.Stake.Mul(t.ProfitRate).Div(decimal.NewFromInt(100)).Round(MoneyScale)
}

// ControlLevel biases the win probability of one account's trades.
type ControlLevel string

const (
	ControlNone   ControlLevel = "none"
	ControlLow    ControlLevel = "low"
	ControlMedium ControlLevel = "medium"
	ControlHigh   ControlLevel = "high"
)

// OutcomeControl is an admin-managed bias for one account.
type OutcomeControl struct {
	AccountID string       `json:"account_id" db:"account_id"`
	Level     ControlLevel `json:"level" db:"level"`
	Active    bool         `json:"active" db:"active"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}
