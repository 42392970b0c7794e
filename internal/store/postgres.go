package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Transactions run at READ COMMITTED; per-account linearization comes from
// SELECT ... FOR UPDATE on the account row.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: 5 * time.Second}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// A lock wait longer than this is a transient conflict, not a hang.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

const accountColumns = `id, owner_id, balance::TEXT, created_at, updated_at`

const tradeColumns = `id, account_id, order_no, pair, direction,
	stake::TEXT, entry_price::TEXT, leverage, profit_rate::TEXT, duration_seconds, status,
	precomputed_outcome, win_probability, target_price::TEXT,
	resolve_at, exit_price::TEXT, pnl::TEXT, settled_at, created_at, updated_at`

const entryColumns = `id, account_id, delta::TEXT, balance_before::TEXT, balance_after::TEXT,
	kind, reference, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound, "account "+id)
	}
	return a, nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrTradeNotFound, "trade "+id)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListPendingTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = 'pending' ORDER BY resolve_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE account_id = $1 ORDER BY created_at DESC, seq DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetOutcomeControl(ctx context.Context, accountID string) (*model.OutcomeControl, error) {
	var c model.OutcomeControl
	var level string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, level, active, updated_at
		 FROM outcome_controls WHERE account_id = $1`, accountID).
		Scan(&c.AccountID, &level, &c.Active, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, ErrControlNotFound, "control for "+accountID)
	}
	c.Level = model.ControlLevel(level)
	return &c, nil
}

func (s *PostgresStore) UpsertOutcomeControl(ctx context.Context, c *model.OutcomeControl) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcome_controls (account_id, level, active, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id) DO UPDATE
		 SET level = EXCLUDED.level, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		c.AccountID, string(c.Level), c.Active, c.UpdatedAt,
	)
	return err
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, balance, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		a.ID, a.OwnerID, a.Balance.String(), a.CreatedAt, a.UpdatedAt,
	)
	return classify(err)
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(classify(err), ErrAccountNotFound, "account "+id)
	}
	return a, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, balance.String(), at,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	return nil
}

func (t *pgTx) GetLedgerEntryByReference(ctx context.Context, reference string) (*model.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference = $1`, reference))
	if err != nil {
		return nil, notFound(classify(err), ErrEntryNotFound, "reference "+reference)
	}
	return e, nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta, balance_before, balance_after, kind, reference, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		e.ID, e.AccountID, e.Delta.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		string(e.Kind), e.Reference, e.CreatedAt,
	)
	return classify(err)
}

func (t *pgTx) LockTrade(ctx context.Context, id string) (*model.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(classify(err), ErrTradeNotFound, "trade "+id)
	}
	return tr, nil
}

func (t *pgTx) GetTradeByOrderNo(ctx context.Context, orderNo string) (*model.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE order_no = $1`, orderNo))
	if err != nil {
		return nil, notFound(classify(err), ErrTradeNotFound, "order "+orderNo)
	}
	return tr, nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, account_id, order_no, pair, direction,
		        stake, entry_price, leverage, profit_rate, duration_seconds, status,
		        precomputed_outcome, win_probability, target_price,
		        resolve_at, exit_price, pnl, settled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11,
		         $12, $13, $14::NUMERIC,
		         $15, $16::NUMERIC, $17::NUMERIC, $18, $19, $20)`,
		tr.ID, tr.AccountID, tr.OrderNo, tr.Pair, string(tr.Direction),
		tr.Stake.String(), tr.EntryPrice.String(), tr.Leverage, tr.ProfitRate.String(), tr.DurationSeconds, string(tr.Status),
		tr.PrecomputedOutcome, tr.WinProbability, decimalPtrString(tr.TargetPrice),
		tr.ResolveAt, decimalPtrString(tr.ExitPrice), decimalPtrString(tr.PnL), tr.SettledAt, tr.CreatedAt, tr.UpdatedAt,
	)
	return classify(err)
}

func (t *pgTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		 SET status = $2, precomputed_outcome = $3, win_probability = $4,
		     target_price = $5::NUMERIC, exit_price = $6::NUMERIC, pnl = $7::NUMERIC,
		     settled_at = $8, updated_at = $9
		 WHERE id = $1 AND status = 'pending'`,
		tr.ID, string(tr.Status), tr.PrecomputedOutcome, tr.WinProbability,
		decimalPtrString(tr.TargetPrice), decimalPtrString(tr.ExitPrice), decimalPtrString(tr.PnL),
		tr.SettledAt, tr.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s: %w", tr.ID, ErrTradeNotPending)
	}
	return nil
}

func (t *pgTx) PendingStakeByPair(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT pair, COALESCE(SUM(stake), 0)::TEXT
		 FROM trades WHERE account_id = $1 AND status = 'pending'
		 GROUP BY pair`, accountID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var pair, sumS string
		if err := rows.Scan(&pair, &sumS); err != nil {
			return nil, err
		}
		sum, err := decimal.NewFromString(sumS)
		if err != nil {
			return nil, fmt.Errorf("parse pending stake: %w", err)
		}
		out[pair] = sum
	}
	return out, rows.Err()
}

// --- Scanning ---

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &a.OwnerID, &balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var direction, status string
	var stakeS, entryS, rateS string
	var targetS, exitS, pnlS *string

	if err := row.Scan(&t.ID, &t.AccountID, &t.OrderNo, &t.Pair, &direction,
		&stakeS, &entryS, &t.Leverage, &rateS, &t.DurationSeconds, &status,
		&t.PrecomputedOutcome, &t.WinProbability, &targetS,
		&t.ResolveAt, &exitS, &pnlS, &t.SettledAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Direction = model.Direction(direction)
	t.Status = model.TradeStatus(status)

	var err error
	if t.Stake, err = decimal.NewFromString(stakeS); err != nil {
		return nil, fmt.Errorf("parse stake: %w", err)
	}
	if t.EntryPrice, err = decimal.NewFromString(entryS); err != nil {
		return nil, fmt.Errorf("parse entry price: %w", err)
	}
	if t.ProfitRate, err = decimal.NewFromString(rateS); err != nil {
		return nil, fmt.Errorf("parse profit rate: %w", err)
	}
	if t.TargetPrice, err = parseDecimalPtr(targetS); err != nil {
		return nil, fmt.Errorf("parse target price: %w", err)
	}
	if t.ExitPrice, err = parseDecimalPtr(exitS); err != nil {
		return nil, fmt.Errorf("parse exit price: %w", err)
	}
	if t.PnL, err = parseDecimalPtr(pnlS); err != nil {
		return nil, fmt.Errorf("parse pnl: %w", err)
	}
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var deltaS, beforeS, afterS, kind string
	if err := row.Scan(&e.ID, &e.AccountID, &deltaS, &beforeS, &afterS,
		&kind, &e.Reference, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = model.EntryKind(kind)

	var err error
	if e.Delta, err = decimal.NewFromString(deltaS); err != nil {
		return nil, fmt.Errorf("parse delta: %w", err)
	}
	if e.BalanceBefore, err = decimal.NewFromString(beforeS); err != nil {
		return nil, fmt.Errorf("parse balance_before: %w", err)
	}
	if e.BalanceAfter, err = decimal.NewFromString(afterS); err != nil {
		return nil, fmt.Errorf("parse balance_after: %w", err)
	}
	return &e, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Error classification ---

// Postgres SQLSTATE codes the store maps onto its own errors.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// classify maps driver errors onto store sentinels while keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "ledger_entries_reference_key":
			return fmt.Errorf("%w: %w", ErrDuplicateReference, err)
		case "trades_order_no_key":
			return fmt.Errorf("%w: %w", ErrDuplicateOrderNo, err)
		case "accounts_pkey":
			return fmt.Errorf("%w: %w", ErrDuplicateAccount, err)
		}
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func notFound(err, sentinel error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, sentinel)
	}
	return err
}
