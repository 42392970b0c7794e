// Package wallet handles balance movements outside trading: account opening,
// deposits, withdrawals and admin adjustments. Every movement goes through
// the ledger, so it is idempotent by reference and locks only the account.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/audit"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrOwnerRequired      = errors.New("wallet: owner id is required")
	ErrWithdrawalNotFound = errors.New("wallet: withdrawal not found")
)

func depositRef(ref string) string { return "deposit:" + ref }
func withdrawRef(id string) string { return "withdraw:" + id }
func withdrawRefundRef(id string) string { return "withdraw-refund:" + id }
func openRef(accountID string) string { return "open:" + accountID }
func adjustRef(ref string) string { return "adjust:" + ref }

// Service applies wallet operations.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	audit  audit.Emitter
	logger *slog.Logger
}

// NewService creates a wallet service. emitter may be nil.
func NewService(st store.Store, led *ledger.Ledger, emitter audit.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, ledger: led, audit: emitter, logger: logger}
}

// OpenAccount creates an account and books a positive initial balance as a
// deposit entry.
func (s *Service) OpenAccount(ctx context.Context, ownerID string, initial decimal.Decimal) (*model.Account, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if initial.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance %s", ledger.ErrInvalidAmount, initial)
	}

	now := time.Now().UTC()
	acct := &model.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acct); err != nil {
			return err
		}
		if initial.IsPositive() {
			bal, err := s.ledger.CreditTx(ctx, tx, acct.ID, initial, openRef(acct.ID), model.EntryDeposit)
			if err != nil {
				return err
			}
			acct.Balance = bal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if initial.IsPositive() {
		s.emit(audit.Event{Action: audit.ActionDeposit, AccountID: acct.ID, Reference: openRef(acct.ID), Amount: initial, Balance: acct.Balance})
	}
	s.logger.Info("account opened", "account_id", acct.ID, "owner_id", ownerID)
	return acct, nil
}

// Deposit credits amount. reference identifies the external transfer and
// makes the call idempotent.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, ledger.ErrInvalidReference
	}
	bal, err := s.ledger.Credit(ctx, accountID, amount, depositRef(reference), model.EntryDeposit)
	if err != nil {
		return decimal.Zero, err
	}
	s.emit(audit.Event{Action: audit.ActionDeposit, AccountID: accountID, Reference: depositRef(reference), Amount: amount, Balance: bal})
	return bal, nil
}

// RequestWithdrawal debits amount immediately, holding it until the
// withdrawal is paid out or rejected.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID, withdrawalID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if withdrawalID == "" {
		return decimal.Zero, ledger.ErrInvalidReference
	}
	bal, err := s.ledger.Debit(ctx, accountID, amount, withdrawRef(withdrawalID), model.EntryWithdrawal)
	if err != nil {
		return decimal.Zero, err
	}
	s.emit(audit.Event{Action: audit.ActionWithdrawal, AccountID: accountID, Reference: withdrawRef(withdrawalID), Amount: amount.Neg(), Balance: bal})
	return bal, nil
}

// RejectWithdrawal refunds a requested withdrawal to the account it was
// debited from. Rejecting twice refunds once.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID, reason string) (*model.LedgerEntry, decimal.Decimal, error) {
	var (
		orig *model.LedgerEntry
		bal  decimal.Decimal
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		orig, err = tx.GetLedgerEntryByReference(ctx, withdrawRef(withdrawalID))
		if errors.Is(err, store.ErrEntryNotFound) {
			return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, withdrawalID)
		}
		if err != nil {
			return err
		}
		if orig.Kind != model.EntryWithdrawal {
			return fmt.Errorf("%w: %s", ErrWithdrawalNotFound, withdrawalID)
		}
		bal, err = s.ledger.CreditTx(ctx, tx, orig.AccountID, orig.Delta.Neg(), withdrawRefundRef(withdrawalID), model.EntryRefund)
		return err
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	s.emit(audit.Event{
		Action:    audit.ActionWithdrawalRejected,
		AccountID: orig.AccountID,
		Reference: withdrawRefundRef(withdrawalID),
		Amount:    orig.Delta.Neg(),
		Balance:   bal,
		Detail:    reason,
	})
	return orig, bal, nil
}

// Adjust applies a signed admin correction.
func (s *Service) Adjust(ctx context.Context, accountID string, delta decimal.Decimal, reference string) (decimal.Decimal, error) {
	if reference == "" {
		return decimal.Zero, ledger.ErrInvalidReference
	}
	var (
		bal decimal.Decimal
		err error
	)
	switch {
	case delta.IsPositive():
		bal, err = s.ledger.Credit(ctx, accountID, delta, adjustRef(reference), model.EntryAdjustment)
	case delta.IsNegative():
		bal, err = s.ledger.Debit(ctx, accountID, delta.Neg(), adjustRef(reference), model.EntryAdjustment)
	default:
		return decimal.Zero, fmt.Errorf("%w: zero adjustment", ledger.ErrInvalidAmount)
	}
	if err != nil {
		return decimal.Zero, err
	}
	s.emit(audit.Event{Action: audit.ActionAdjustment, AccountID: accountID, Reference: adjustRef(reference), Amount: delta, Balance: bal})
	return bal, nil
}

func (s *Service) emit(e audit.Event) {
	if s.audit != nil {
		s.audit.Emit(e)
	}
}
