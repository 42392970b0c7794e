// Package ledger is the only code path that changes an account balance.
//
// Every applied call writes exactly one append-only LedgerEntry and updates
// the balance under the account row lock, in the same transaction. Calls are
// idempotent by reference: repeating a reference returns the balance recorded
// by the first call and writes nothing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInvalidReference  = errors.New("ledger: reference is required")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrReferenceMismatch is returned when a reference is reused for a
	// different account, kind or amount than the entry that first claimed it.
	ErrReferenceMismatch = errors.New("ledger: reference already used for a different mutation")
)

// Ledger applies balance mutations through a store.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates a ledger on top of st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Debit subtracts amount from the account in its own transaction and returns
// the resulting balance.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		balance, err = l.DebitTx(ctx, tx, accountID, amount, reference, kind)
		return err
	})
	return balance, err
}

// Credit adds amount to the account in its own transaction and returns the
// resulting balance.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount decimal.Decimal, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		balance, err = l.CreditTx(ctx, tx, accountID, amount, reference, kind)
		return err
	})
	return balance, err
}

// DebitTx is Debit inside the caller's transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return l.apply(ctx, tx, accountID, amount.Neg(), reference, kind)
}

// CreditTx is Credit inside the caller's transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return l.apply(ctx, tx, accountID, amount, reference, kind)
}

// RecordNoopTx writes a zero-delta entry, marking that a reference was
// processed without moving money (a lost trade).
func (l *Ledger) RecordNoopTx(ctx context.Context, tx store.Tx, accountID, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	return l.apply(ctx, tx, accountID, decimal.Zero, reference, kind)
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, accountID string, delta decimal.Decimal, reference string, kind model.EntryKind) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, ErrInvalidReference
	}
	if !model.FitsMoneyScale(delta) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, delta, model.MoneyScale)
	}

	// Lock first so a concurrent replay on the same account waits and then
	// takes the replay path below.
	acct, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	prior, err := tx.GetLedgerEntryByReference(ctx, reference)
	switch {
	case err == nil:
		if prior.AccountID != accountID || prior.Kind != kind || !prior.Delta.Equal(delta) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrReferenceMismatch, reference)
		}
		return prior.BalanceAfter, nil
	case !errors.Is(err, store.ErrEntryNotFound):
		return decimal.Zero, err
	}

	after := acct.Balance.Add(delta)
	if after.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, acct.Balance, delta.Neg())
	}

	now := l.now()
	entry := &model.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Delta:         delta,
		BalanceBefore: acct.Balance,
		BalanceAfter:  after,
		Kind:          kind,
		Reference:     reference,
		CreatedAt:     now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return decimal.Zero, err
	}
	if !delta.IsZero() {
		if err := tx.UpdateBalance(ctx, accountID, after, now); err != nil {
			return decimal.Zero, err
		}
	}
	metrics.LedgerEntries.WithLabelValues(string(kind)).Inc()
	return after, nil
}
