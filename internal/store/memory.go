package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by txMu, which makes every InTx trivially
// serializable. Writes are staged on the memTx and applied under mu on commit.
type MemoryStore struct {
	txMu sync.Mutex

	mu         sync.RWMutex
	accounts   map[string]*model.Account
	trades     map[string]*model.Trade
	tradeOrder []string // insertion order
	orderNos   map[string]string
	entries    []model.LedgerEntry
	refs       map[string]int // reference → index in entries
	controls   map[string]*model.OutcomeControl
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		trades:   make(map[string]*model.Trade),
		orderNos: make(map[string]string),
		refs:     make(map[string]int),
		controls: make(map[string]*model.OutcomeControl),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:        s,
		accounts: make(map[string]model.Account),
		trades:   make(map[string]model.Trade),
		refs:     make(map[string]int),
		orderNos: make(map[string]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range tx.accounts {
		a := a
		s.accounts[id] = &a
	}
	for _, id := range tx.newTrades {
		s.tradeOrder = append(s.tradeOrder, id)
	}
	for id, t := range tx.trades {
		t := cloneTrade(t)
		s.trades[id] = &t
	}
	for no, id := range tx.orderNos {
		s.orderNos[no] = id
	}
	for _, e := range tx.entries {
		s.refs[e.Reference] = len(s.entries)
		s.entries = append(s.entries, e)
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrTradeNotFound)
	}
	copy := cloneTrade(*t)
	return &copy, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.tradeOrder) - 1; i >= 0; i-- {
		t := s.trades[s.tradeOrder[i]]
		if t.AccountID == accountID {
			result = append(result, cloneTrade(*t))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPendingTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeOrder {
		if t := s.trades[id]; t.Status == model.StatusPending {
			result = append(result, cloneTrade(*t))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ResolveAt.Before(result[j].ResolveAt)
	})
	return result, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].AccountID == accountID {
			result = append(result, s.entries[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOutcomeControl(_ context.Context, accountID string) (*model.OutcomeControl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.controls[accountID]
	if !ok {
		return nil, fmt.Errorf("control for %s: %w", accountID, ErrControlNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) UpsertOutcomeControl(_ context.Context, c *model.OutcomeControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.controls[c.AccountID] = &copy
	return nil
}

// SeedTrade overwrites a trade row directly, bypassing every guard. It exists
// for fixtures: recovery scenarios and replay harnesses.
func (s *MemoryStore) SeedTrade(_ context.Context, t *model.Trade) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[t.ID]; !ok {
		s.tradeOrder = append(s.tradeOrder, t.ID)
	}
	copy := cloneTrade(*t)
	s.trades[t.ID] = &copy
	s.orderNos[t.OrderNo] = t.ID
}

// memTx stages writes until commit. Reads fall through to the committed
// state when the tx has not touched a row.
type memTx struct {
	s *MemoryStore

	accounts  map[string]model.Account
	trades    map[string]model.Trade
	newTrades []string
	orderNos  map[string]string
	entries   []model.LedgerEntry
	refs      map[string]int
}

func (tx *memTx) account(id string) (model.Account, bool) {
	if a, ok := tx.accounts[id]; ok {
		return a, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if a, ok := tx.s.accounts[id]; ok {
		return *a, true
	}
	return model.Account{}, false
}

func (tx *memTx) trade(id string) (model.Trade, bool) {
	if t, ok := tx.trades[id]; ok {
		return cloneTrade(t), true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if t, ok := tx.s.trades[id]; ok {
		return cloneTrade(*t), true
	}
	return model.Trade{}, false
}

func (tx *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := tx.account(a.ID); ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrDuplicateAccount)
	}
	tx.accounts[a.ID] = *a
	return nil
}

func (tx *memTx) LockAccount(_ context.Context, id string) (*model.Account, error) {
	a, ok := tx.account(id)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	return &a, nil
}

func (tx *memTx) UpdateBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	a, ok := tx.account(id)
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrAccountNotFound)
	}
	a.Balance = balance
	a.UpdatedAt = at
	tx.accounts[id] = a
	return nil
}

func (tx *memTx) GetLedgerEntryByReference(_ context.Context, reference string) (*model.LedgerEntry, error) {
	if i, ok := tx.refs[reference]; ok {
		e := tx.entries[i]
		return &e, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if i, ok := tx.s.refs[reference]; ok {
		e := tx.s.entries[i]
		return &e, nil
	}
	return nil, fmt.Errorf("reference %s: %w", reference, ErrEntryNotFound)
}

func (tx *memTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if _, err := tx.GetLedgerEntryByReference(ctx, e.Reference); err == nil {
		return fmt.Errorf("reference %s: %w", e.Reference, ErrDuplicateReference)
	}
	tx.refs[e.Reference] = len(tx.entries)
	tx.entries = append(tx.entries, *e)
	return nil
}

func (tx *memTx) LockTrade(_ context.Context, id string) (*model.Trade, error) {
	t, ok := tx.trade(id)
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrTradeNotFound)
	}
	return &t, nil
}

func (tx *memTx) GetTradeByOrderNo(ctx context.Context, orderNo string) (*model.Trade, error) {
	id, ok := tx.orderNos[orderNo]
	if !ok {
		tx.s.mu.RLock()
		id, ok = tx.s.orderNos[orderNo]
		tx.s.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderNo, ErrTradeNotFound)
	}
	return tx.LockTrade(ctx, id)
}

func (tx *memTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	if _, err := tx.GetTradeByOrderNo(ctx, t.OrderNo); err == nil {
		return fmt.Errorf("order %s: %w", t.OrderNo, ErrDuplicateOrderNo)
	}
	if _, ok := tx.account(t.AccountID); !ok {
		return fmt.Errorf("account %s: %w", t.AccountID, ErrAccountNotFound)
	}
	tx.trades[t.ID] = cloneTrade(*t)
	tx.newTrades = append(tx.newTrades, t.ID)
	tx.orderNos[t.OrderNo] = t.ID
	return nil
}

func (tx *memTx) UpdateTrade(_ context.Context, t *model.Trade) error {
	cur, ok := tx.trade(t.ID)
	if !ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrTradeNotFound)
	}
	if cur.Status != model.StatusPending {
		return fmt.Errorf("trade %s is %s: %w", t.ID, cur.Status, ErrTradeNotPending)
	}
	tx.trades[t.ID] = cloneTrade(*t)
	return nil
}

func (tx *memTx) PendingStakeByPair(_ context.Context, accountID string) (map[string]decimal.Decimal, error) {
	seen := make(map[string]bool)
	out := make(map[string]decimal.Decimal)
	add := func(t model.Trade) {
		seen[t.ID] = true
		if t.AccountID == accountID && t.Status == model.StatusPending {
			out[t.Pair] = out[t.Pair].Add(t.Stake)
		}
	}
	for _, t := range tx.trades {
		add(t)
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for id, t := range tx.s.trades {
		if !seen[id] {
			add(*t)
		}
	}
	return out, nil
}

// cloneTrade copies t including the values behind its pointer fields, so
// neither callers nor staged txs can alias committed rows.
func cloneTrade(t model.Trade) model.Trade {
	if t.PrecomputedOutcome != nil {
		v := *t.PrecomputedOutcome
		t.PrecomputedOutcome = &v
	}
	if t.WinProbability != nil {
		v := *t.WinProbability
		t.WinProbability = &v
	}
	if t.TargetPrice != nil {
		v := *t.TargetPrice
		t.TargetPrice = &v
	}
	if t.ExitPrice != nil {
		v := *t.ExitPrice
		t.ExitPrice = &v
	}
	if t.PnL != nil {
		v := *t.PnL
		t.PnL = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		t.SettledAt = &v
	}
	return t
}
