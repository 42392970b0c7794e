// Package audit records money-moving events off the hot path.
//
// Emit never blocks and never fails the caller: events go into a bounded
// queue drained by one worker that fans out to every configured Writer. When
// the queue is full the event is dropped and counted.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
)

// Action names a recorded event.
type Action string

const (
	ActionTradePlaced        Action = "trade_placed"
	ActionTradeWon           Action = "trade_won"
	ActionTradeLoss          Action = "trade_loss"
	ActionTradeCancelled     Action = "trade_cancelled"
	ActionDeposit            Action = "deposit"
	ActionWithdrawal         Action = "withdrawal"
	ActionWithdrawalRejected Action = "withdrawal_rejected"
	ActionAdjustment         Action = "adjustment"
	ActionControlChanged     Action = "control_changed"
)

// Event is one audit record.
type Event struct {
	Action    Action          `json:"action"`
	AccountID string          `json:"account_id"`
	TradeID   string          `json:"trade_id,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Detail    string          `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(e Event)
}

// Writer persists or forwards one event. Errors are logged by the sink.
type Writer interface {
	Write(ctx context.Context, e Event) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, e Event) error

func (f WriterFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// Sink is a bounded asynchronous Emitter.
type Sink struct {
	queue   chan Event
	writers []Writer
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewSink creates a sink with room for size queued events. Call Start to
// begin draining.
func NewSink(size int, logger *slog.Logger, writers ...Writer) *Sink {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		queue:   make(chan Event, size),
		writers: writers,
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (s *Sink) Start() {
	go s.run()
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		for _, w := range s.writers {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := w.Write(ctx, e); err != nil {
				s.logger.Warn("audit write failed", "action", e.Action, "account_id", e.AccountID, "err", err)
			}
			cancel()
		}
	}
}

// Emit enqueues e, stamping At if unset. Drops e if the queue is full or the
// sink is closed.
func (s *Sink) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case s.queue <- e:
	default:
		metrics.AuditDropped.Inc()
		s.logger.Warn("audit queue full, event dropped", "action", e.Action, "account_id", e.AccountID)
	}
}

// Close stops accepting events and waits until queued ones are written or
// ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogWriter writes events to a structured logger.
type LogWriter struct {
	Logger *slog.Logger
}

func (w LogWriter) Write(_ context.Context, e Event) error {
	l := w.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("audit",
		"action", e.Action,
		"account_id", e.AccountID,
		"trade_id", e.TradeID,
		"reference", e.Reference,
		"amount", e.Amount.String(),
		"balance", e.Balance.String(),
		"at", e.At,
	)
	return nil
}
