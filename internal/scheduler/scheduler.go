// Package scheduler triggers trade settlement when each trade's resolve time
// arrives.
//
// Three paths lead to settlement: an in-process timer per trade (the normal
// latency path), RecoverOverdue at startup, and a periodic cron sweep that
// picks up anything a timer missed. Settlement itself is idempotent, so the
// paths may overlap freely.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// SettleFunc settles one trade. It must be safe to call repeatedly and
// concurrently for the same trade.
type SettleFunc func(ctx context.Context, tradeID string) error

// PendingLister lists trades still awaiting settlement.
type PendingLister interface {
	ListPendingTrades(ctx context.Context) ([]model.Trade, error)
}

// Config tunes retries and recovery parallelism.
type Config struct {
	Workers       int           // parallel settlements during recovery
	MaxAttempts   int           // timer attempts before leaving a trade to the sweep
	Backoff       time.Duration // multiplied by the attempt number
	SettleTimeout time.Duration // per-attempt deadline
	SweepSpec     string        // cron spec for the overdue sweep; empty disables it
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   5,
		Backoff:       time.Second,
		SettleTimeout: 10 * time.Second,
		SweepSpec:     "@every 30s",
	}
}

// Scheduler owns the settlement timers and the sweep job.
type Scheduler struct {
	settle  SettleFunc
	pending PendingLister
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	cron     *cron.Cron
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates a scheduler. Zero config fields fall back to DefaultConfig.
func New(settle SettleFunc, pending PendingLister, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = def.SettleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		settle:  settle,
		pending: pending,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Schedule registers a timer that settles tradeID at resolveAt, or
// immediately if resolveAt has passed. A second call for the same trade is a
// no-op while the first timer is live.
func (s *Scheduler) Schedule(tradeID string, resolveAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.timers[tradeID]; ok {
		return
	}
	delay := resolveAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[tradeID] = time.AfterFunc(delay, func() { s.fire(tradeID, 1) })
	metrics.PendingTimers.Inc()
}

// Cancel stops the timer for tradeID if one is registered.
func (s *Scheduler) Cancel(tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(tradeID)
}

// Scheduled reports whether a timer is registered for tradeID.
func (s *Scheduler) Scheduled(tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[tradeID]
	return ok
}

func (s *Scheduler) removeLocked(tradeID string) {
	if t, ok := s.timers[tradeID]; ok {
		t.Stop()
		delete(s.timers, tradeID)
		metrics.PendingTimers.Dec()
	}
}

func (s *Scheduler) fire(tradeID string, attempt int) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SettleTimeout)
	err := s.settle(ctx, tradeID)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.removeLocked(tradeID)
		return
	}

	metrics.SettleFailures.Inc()
	if s.stopped {
		return
	}
	// Cancelled while settling: the entry and its gauge count are gone.
	if _, ok := s.timers[tradeID]; !ok {
		return
	}
	if attempt >= s.cfg.MaxAttempts {
		s.logger.Error("settlement retries exhausted, leaving trade to sweep",
			"trade_id", tradeID, "attempts", attempt, "err", err)
		s.removeLocked(tradeID)
		return
	}

	backoff := s.cfg.Backoff * time.Duration(attempt)
	s.logger.Warn("settlement failed, retrying",
		"trade_id", tradeID, "attempt", attempt, "backoff", backoff, "err", err)
	// Replace the fired timer in place; the gauge already counts this trade.
	s.timers[tradeID] = time.AfterFunc(backoff, func() { s.fire(tradeID, attempt+1) })
}

// RecoverOverdue settles every pending trade whose resolve time has passed,
// using at most cfg.Workers concurrent settlements. It returns how many were
// settled and the first error encountered; one failure does not stop the
// others.
func (s *Scheduler) RecoverOverdue(ctx context.Context) (int, error) {
	trades, err := s.pending.ListPendingTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending trades: %w", err)
	}

	now := s.now()
	var settled atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i := range trades {
		if trades[i].ResolveAt.After(now) {
			continue
		}
		id := trades[i].ID
		g.Go(func() error {
			if err := s.settle(ctx, id); err != nil {
				metrics.SettleFailures.Inc()
				s.logger.Error("overdue settlement failed", "trade_id", id, "err", err)
				return fmt.Errorf("settle %s: %w", id, err)
			}
			settled.Add(1)
			metrics.RecoveredTrades.Inc()
			return nil
		})
	}

	err = g.Wait()
	return int(settled.Load()), err
}

// StartSweep runs RecoverOverdue on cfg.SweepSpec until Stop. An empty spec
// leaves the sweep disabled.
func (s *Scheduler) StartSweep() error {
	if s.cfg.SweepSpec == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.SweepSpec, func() {
		n, err := s.RecoverOverdue(s.baseCtx)
		if err != nil {
			s.logger.Warn("overdue sweep finished with errors", "settled", n, "err", err)
			return
		}
		if n > 0 {
			s.logger.Info("overdue sweep settled trades", "settled", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep spec %q: %w", s.cfg.SweepSpec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("overdue sweep started", "spec", s.cfg.SweepSpec)
	return nil
}

// Stop halts the sweep and all timers and waits for in-flight settlements.
// Trades left pending are picked up by recovery on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id := range s.timers {
		s.removeLocked(id)
	}
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}
