package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func setup(t *testing.T, balance float64) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateAccount(context.Background(), &model.Account{
			ID: "acc1", OwnerID: "u1", Balance: d(balance), CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return New(ms), ms
}

func TestDebit_UpdatesBalanceAndWritesEntry(t *testing.T) {
	l, ms := setup(t, 1000)
	ctx := context.Background()

	bal, err := l.Debit(ctx, "acc1", d(100), "place:O1", model.EntryPlacementDebit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(d(900)) {
		t.Errorf("expected 900, got %s", bal)
	}

	entries, _ := ms.ListLedgerEntries(ctx, "acc1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.Delta.Equal(d(-100)) || !e.BalanceBefore.Equal(d(1000)) || !e.BalanceAfter.Equal(d(900)) {
		t.Errorf("unexpected entry: %+v", e)
	}
	if !e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Delta)) {
		t.Error("balance_after must equal balance_before + delta")
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	l, ms := setup(t, 50)
	ctx := context.Background()

	_, err := l.Debit(ctx, "acc1", d(100), "place:O1", model.EntryPlacementDebit)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acct, _ := ms.GetAccount(ctx, "acc1")
	if !acct.Balance.Equal(d(50)) {
		t.Errorf("balance should be unchanged, got %s", acct.Balance)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "acc1")
	if len(entries) != 0 {
		t.Errorf("no entry should be written, got %d", len(entries))
	}
}

func TestDebit_ExactBalanceAllowed(t *testing.T) {
	l, _ := setup(t, 100)
	bal, err := l.Debit(context.Background(), "acc1", d(100), "place:O1", model.EntryPlacementDebit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.IsZero() {
		t.Errorf("expected zero balance, got %s", bal)
	}
}

func TestInvalidAmount(t *testing.T) {
	l, _ := setup(t, 100)
	ctx := context.Background()

	for _, amt := range []decimal.Decimal{d(0), d(-5)} {
		if _, err := l.Debit(ctx, "acc1", amt, "r1", model.EntryPlacementDebit); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("debit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
		if _, err := l.Credit(ctx, "acc1", amt, "r2", model.EntryWinCredit); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("credit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestEmptyReferenceRejected(t *testing.T) {
	l, _ := setup(t, 100)
	_, err := l.Credit(context.Background(), "acc1", d(1), "", model.EntryDeposit)
	if !errors.Is(err, ErrInvalidReference) {
		t.Errorf("expected ErrInvalidReference, got %v", err)
	}
}

func TestUnknownAccount(t *testing.T) {
	l, _ := setup(t, 100)
	_, err := l.Credit(context.Background(), "ghost", d(1), "r1", model.EntryDeposit)
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCredit_ReplayReturnsPriorBalance(t *testing.T) {
	l, ms := setup(t, 900)
	ctx := context.Background()

	first, err := l.Credit(ctx, "acc1", d(190), "settle:O1", model.EntryWinCredit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Move the balance so a replay that re-applied would be visible.
	if _, err := l.Debit(ctx, "acc1", d(50), "place:O2", model.EntryPlacementDebit); err != nil {
		t.Fatalf("debit: %v", err)
	}

	replay, err := l.Credit(ctx, "acc1", d(190), "settle:O1", model.EntryWinCredit)
	if err != nil {
		t.Fatalf("replay should succeed, got %v", err)
	}
	if !replay.Equal(first) {
		t.Errorf("replay should return the first balance %s, got %s", first, replay)
	}

	acct, _ := ms.GetAccount(ctx, "acc1")
	if !acct.Balance.Equal(d(1040)) {
		t.Errorf("expected 1040, got %s", acct.Balance)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "acc1")
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestReplayMismatch(t *testing.T) {
	l, _ := setup(t, 1000)
	ctx := context.Background()

	if _, err := l.Debit(ctx, "acc1", d(100), "place:O1", model.EntryPlacementDebit); err != nil {
		t.Fatalf("debit: %v", err)
	}
	_, err := l.Debit(ctx, "acc1", d(200), "place:O1", model.EntryPlacementDebit)
	if !errors.Is(err, ErrReferenceMismatch) {
		t.Errorf("different amount: expected ErrReferenceMismatch, got %v", err)
	}
	_, err = l.Credit(ctx, "acc1", d(100), "place:O1", model.EntryRefund)
	if !errors.Is(err, ErrReferenceMismatch) {
		t.Errorf("different kind: expected ErrReferenceMismatch, got %v", err)
	}
}

func TestRecordNoop_WritesZeroDeltaEntry(t *testing.T) {
	l, ms := setup(t, 900)
	ctx := context.Background()

	var bal decimal.Decimal
	err := ms.InTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = l.RecordNoopTx(ctx, tx, "acc1", "settle:O1", model.EntryLossNoop)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bal.Equal(d(900)) {
		t.Errorf("balance should stay 900, got %s", bal)
	}
	entries, _ := ms.ListLedgerEntries(ctx, "acc1")
	if len(entries) != 1 || !entries[0].Delta.IsZero() || entries[0].Kind != model.EntryLossNoop {
		t.Errorf("expected one zero-delta loss_noop entry, got %+v", entries)
	}
}

func TestTxVariantRollsBackWithCaller(t *testing.T) {
	l, ms := setup(t, 1000)
	ctx := context.Background()

	boom := errors.New("trade insert failed")
	err := ms.InTx(ctx, func(tx store.Tx) error {
		if _, err := l.DebitTx(ctx, tx, "acc1", d(100), "place:O1", model.EntryPlacementDebit); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	acct, _ := ms.GetAccount(ctx, "acc1")
	if !acct.Balance.Equal(d(1000)) {
		t.Errorf("debit must roll back with the caller, got %s", acct.Balance)
	}
}

func TestConcurrentDebits_NeverNegative(t *testing.T) {
	l, ms := setup(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := "place:" + string(rune('A'+i))
			if _, err := l.Debit(ctx, "acc1", d(75), ref, model.EntryPlacementDebit); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 13 {
		t.Errorf("expected 13 successful debits of 75 from 1000, got %d", ok)
	}
	acct, _ := ms.GetAccount(ctx, "acc1")
	if !acct.Balance.Equal(d(25)) {
		t.Errorf("expected 25 left, got %s", acct.Balance)
	}
}

func TestAmountBeyondMoneyScaleRejected(t *testing.T) {
	l, ms := setup(t, 10)
	ctx := context.Background()

	if _, err := l.Credit(ctx, "acc1", decimal.RequireFromString("0.123456789"), "deposit:r1", model.EntryDeposit); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Debit(ctx, "acc1", decimal.RequireFromString("0.000000001"), "withdraw:w1", model.EntryWithdrawal); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for debit, got %v", err)
	}
	if entries, _ := ms.ListLedgerEntries(ctx, "acc1"); len(entries) != 0 {
		t.Errorf("rejected amounts must not write entries, got %d", len(entries))
	}
}

func TestReplayAtFullMoneyScale(t *testing.T) {
	l, _ := setup(t, 10)
	ctx := context.Background()
	amt := decimal.RequireFromString("0.12345678")

	first, err := l.Credit(ctx, "acc1", amt, "deposit:r1", model.EntryDeposit)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	again, err := l.Credit(ctx, "acc1", amt, "deposit:r1", model.EntryDeposit)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !first.Equal(again) || !first.Equal(decimal.RequireFromString("10.12345678")) {
		t.Errorf("expected replay to return 10.12345678, got %s then %s", first, again)
	}
}
