// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	ErrAccountNotFound    = errors.New("store: account not found")
	ErrTradeNotFound      = errors.New("store: trade not found")
	ErrControlNotFound    = errors.New("store: outcome control not found")
	ErrEntryNotFound      = errors.New("store: ledger entry not found")
	ErrTradeNotPending    = errors.New("store: trade is not pending")
	ErrDuplicateReference = errors.New("store: duplicate ledger reference")
	ErrDuplicateOrderNo   = errors.New("store: duplicate order number")
	ErrDuplicateAccount   = errors.New("store: account already exists")

	// ErrConflict marks lock/serialization failures. The whole transaction
	// can be retried.
	ErrConflict = errors.New("store: concurrency conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Reads outside InTx take no row locks. Every balance or trade mutation goes
// through a Tx.
type Store interface {
	// InTx runs fn inside one atomic unit. If fn returns an error the unit is
	// rolled back and the error returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Unlocked reads ---

	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByAccount returns the account's trades, newest first.
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)

	// ListPendingTrades returns every pending trade ordered by ResolveAt.
	ListPendingTrades(ctx context.Context) ([]model.Trade, error)

	// ListLedgerEntries returns the account's ledger, newest first.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// GetOutcomeControl returns ErrControlNotFound when the account has none.
	GetOutcomeControl(ctx context.Context, accountID string) (*model.OutcomeControl, error)

	// UpsertOutcomeControl is the admin write path for controls.
	UpsertOutcomeControl(ctx context.Context, c *model.OutcomeControl) error
}

// Tx is the set of operations available inside a transaction. Lock* methods
// hold the row until the transaction ends. Callers that lock both an account
// and a trade must lock the account first.
type Tx interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	LockAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error

	GetLedgerEntryByReference(ctx context.Context, reference string) (*model.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error

	LockTrade(ctx context.Context, id string) (*model.Trade, error)
	GetTradeByOrderNo(ctx context.Context, orderNo string) (*model.Trade, error)
	InsertTrade(ctx context.Context, t *model.Trade) error

	// UpdateTrade writes t only if the stored row is still pending; otherwise
	// it returns ErrTradeNotPending.
	UpdateTrade(ctx context.Context, t *model.Trade) error

	// PendingStakeByPair sums the stake of the account's pending trades per pair.
	PendingStakeByPair(ctx context.Context, accountID string) (map[string]decimal.Decimal, error)
}
