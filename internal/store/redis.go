package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only reads that are never used for a money decision are cached: account
// snapshots, trade history and outcome controls. Locked reads inside InTx
// always hit the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &touchRecorder{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		rec.reset()
		return fn(&recordingTx{Tx: tx, rec: rec})
	})
	if err != nil {
		return err
	}
	// Invalidate only after commit; next read will re-populate.
	if keys := rec.keys(); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

func (s *CachedStore) UpsertOutcomeControl(ctx context.Context, c *model.OutcomeControl) error {
	if err := s.primary.UpsertOutcomeControl(ctx, c); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, controlKey(c.AccountID)).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", []string{controlKey(c.AccountID)}, "err", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.getJSON(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.getJSON(ctx, historyKey(accountID), &trades) {
		return trades, nil
	}

	trades, err := s.primary.ListTradesByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, historyKey(accountID), trades)
	return trades, nil
}

func (s *CachedStore) GetOutcomeControl(ctx context.Context, accountID string) (*model.OutcomeControl, error) {
	var c model.OutcomeControl
	if s.getJSON(ctx, controlKey(accountID), &c) {
		return &c, nil
	}

	ctl, err := s.primary.GetOutcomeControl(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, controlKey(accountID), ctl)
	return ctl, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListPendingTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListPendingTrades(ctx)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string        { return fmt.Sprintf("account:%s", id) }
func historyKey(accountID string) string { return fmt.Sprintf("trades:%s", accountID) }
func controlKey(accountID string) string { return fmt.Sprintf("control:%s", accountID) }

// touchRecorder collects the cache keys a transaction makes stale.
type touchRecorder struct {
	mu      sync.Mutex
	touched map[string]struct{}
}

func (r *touchRecorder) reset() {
	r.mu.Lock()
	r.touched = make(map[string]struct{})
	r.mu.Unlock()
}

func (r *touchRecorder) add(keys ...string) {
	r.mu.Lock()
	for _, k := range keys {
		r.touched[k] = struct{}{}
	}
	r.mu.Unlock()
}

func (r *touchRecorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.touched))
	for k := range r.touched {
		out = append(out, k)
	}
	return out
}

// recordingTx forwards to the primary Tx and records which accounts'
// cached views each write invalidates.
type recordingTx struct {
	Tx
	rec *touchRecorder
}

func (t *recordingTx) CreateAccount(ctx context.Context, a *model.Account) error {
	t.rec.add(accountKey(a.ID), historyKey(a.ID))
	return t.Tx.CreateAccount(ctx, a)
}

func (t *recordingTx) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	t.rec.add(accountKey(id))
	return t.Tx.UpdateBalance(ctx, id, balance, at)
}

func (t *recordingTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	t.rec.add(historyKey(tr.AccountID))
	return t.Tx.InsertTrade(ctx, tr)
}

func (t *recordingTx) UpdateTrade(ctx context.Context, tr *model.Trade) error {
	t.rec.add(historyKey(tr.AccountID))
	return t.Tx.UpdateTrade(ctx, tr)
}
