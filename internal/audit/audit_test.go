package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type collectingWriter struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (w *collectingWriter) Write(_ context.Context, e Event) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	w.events = append(w.events, e)
	w.mu.Unlock()
	return nil
}

func (w *collectingWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestSink_FansOutToAllWriters(t *testing.T) {
	a, b := &collectingWriter{}, &collectingWriter{}
	failing := WriterFunc(func(context.Context, Event) error { return errors.New("down") })
	s := NewSink(8, nil, a, failing, b)
	s.Start()

	s.Emit(Event{Action: ActionTradePlaced, AccountID: "acc1", Amount: decimal.NewFromInt(100)})
	s.Emit(Event{Action: ActionTradeWon, AccountID: "acc1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if a.len() != 2 || b.len() != 2 {
		t.Errorf("expected both writers to get 2 events, got %d and %d", a.len(), b.len())
	}
	if a.events[0].At.IsZero() {
		t.Error("Emit should stamp the event time")
	}
}

func TestSink_DropsWhenFull(t *testing.T) {
	w := &collectingWriter{block: make(chan struct{})}
	s := NewSink(1, nil, w)
	s.Start()

	// First event is taken by the worker and blocks; second fills the
	// queue; the rest are dropped without blocking the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Emit(Event{Action: ActionDeposit, AccountID: "acc1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(w.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Close(ctx)

	if n := w.len(); n < 1 || n > 2 {
		t.Errorf("expected 1 or 2 events written, got %d", n)
	}
}

func TestSink_EmitAfterCloseIsSafe(t *testing.T) {
	s := NewSink(1, nil)
	s.Start()
	_ = s.Close(context.Background())
	s.Emit(Event{Action: ActionDeposit})
}

type fakeExecer struct {
	sql  string
	args []any
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresWriter_InsertsPayload(t *testing.T) {
	db := &fakeExecer{}
	w := NewPostgresWriter(db)

	e := Event{Action: ActionTradeLoss, AccountID: "acc1", TradeID: "t1", Amount: decimal.NewFromInt(-100), At: time.Now()}
	if err := w.Write(context.Background(), e); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO audit_events") {
		t.Errorf("unexpected sql: %s", db.sql)
	}
	if db.args[0] != "trade_loss" || db.args[2] != "t1" {
		t.Errorf("unexpected args: %v", db.args)
	}

	var decoded Event
	if err := json.Unmarshal(db.args[3].([]byte), &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if !decoded.Amount.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("payload amount mismatch: %s", decoded.Amount)
	}
}
