package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool the writer needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWriter appends events to the audit_events table.
type PostgresWriter struct {
	db Execer
}

// NewPostgresWriter creates a writer over db.
func NewPostgresWriter(db Execer) *PostgresWriter {
	return &PostgresWriter{db: db}
}

func (w *PostgresWriter) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = w.db.Exec(ctx,
		`INSERT INTO audit_events (action, account_id, trade_id, payload, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		string(e.Action), e.AccountID, e.TradeID, payload, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
