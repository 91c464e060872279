// Package scheduler settles pending trades when they expire. Each trade gets
// a timer; fired trades are settled by a bounded worker pool that retries
// while persistence is unavailable. A periodic sweep replays degraded
// writes and re-arms any pending trade that lost its timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"

	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/trade"
)

// Settler settles one trade.
type Settler interface {
	SettleTrade(ctx context.Context, tradeID string, action model.OverrideAction) (trade.Settlement, error)
}

// PendingSource lists pending trades and replays degraded writes.
type PendingSource interface {
	ListPendingTrades(ctx context.Context) ([]model.Trade, error)
	Reconcile(ctx context.Context) int
}

// Config tunes the scheduler.
type Config struct {
	Workers         int
	QueueSize       int
	SweepInterval   time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 5 * time.Minute
	}
}

// Scheduler arms one timer per pending trade.
type Scheduler struct {
	settler Settler
	source  PendingSource
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string
	cron   *cron.Cron
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	inQueue map[string]bool // queued or being settled
	running bool
	stopped bool
}

// New creates a scheduler. Trades may be scheduled before Start; they are
// settled once the workers run.
func New(settler Settler, source PendingSource, cfg Config) *Scheduler {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		settler: settler,
		source:  source,
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan string, cfg.QueueSize),
		timers:  make(map[string]*time.Timer),
		inQueue: make(map[string]bool),
	}
}

// Start launches the workers, arms every pending trade (overdue ones are
// settled immediately) and starts the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	pending, err := s.rescan(ctx)
	if err != nil {
		slog.Warn("pending trade recovery failed, sweep will retry", "err", err)
	}

	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	s.cron.Start()

	slog.Info("settlement scheduler started",
		"workers", s.cfg.Workers,
		"pending", pending,
		"sweep", schedule,
	)
	return nil
}

// Stop halts timers, the sweep and the workers. A settlement already in
// progress completes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	metrics.PendingTrades.Set(0)

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("settlement scheduler stopped")
}

// Schedule arms a timer for the trade's expiry. Scheduling the same trade
// again is a no-op.
func (s *Scheduler) Schedule(t model.Trade) {
	if !t.Pending() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, armed := s.timers[t.ID]; armed || s.inQueue[t.ID] {
		return
	}

	delay := t.ExpiresAt.Sub(s.now())
	if delay <= 0 {
		s.enqueueLocked(t.ID)
		return
	}

	id := t.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	metrics.PendingTrades.Set(float64(len(s.timers)))
}

// Cancel disarms the trade's timer, if any.
func (s *Scheduler) Cancel(tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[tradeID]; ok {
		t.Stop()
		delete(s.timers, tradeID)
		metrics.PendingTrades.Set(float64(len(s.timers)))
	}
}

// Armed returns the number of trades waiting on a timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[id]; !ok {
		return // cancelled
	}
	delete(s.timers, id)
	metrics.PendingTrades.Set(float64(len(s.timers)))
	if !s.stopped {
		s.enqueueLocked(id)
	}
}

// enqueueLocked hands id to the workers without blocking the caller.
func (s *Scheduler) enqueueLocked(id string) {
	if s.inQueue[id] {
		return
	}
	s.inQueue[id] = true

	select {
	case s.queue <- id:
	default:
		go func() {
			select {
			case s.queue <- id:
			case <-s.ctx.Done():
			}
		}()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.queue:
			s.settle(id)
			s.mu.Lock()
			delete(s.inQueue, id)
			s.mu.Unlock()
		}
	}
}

// settle retries with exponential backoff while persistence is unavailable.
func (s *Scheduler) settle(id string) {
	op := func() (trade.Settlement, error) {
		st, err := s.settler.SettleTrade(s.ctx, id, model.OverrideNone)
		switch {
		case err == nil:
			return st, nil
		case errors.Is(err, model.ErrPersistenceUnavailable):
			metrics.SettlementRetries.Inc()
			slog.Warn("settlement deferred, persistence unavailable", "trade_id", id, "err", err)
			return st, err
		}
		return st, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax

	_, err := backoff.Retry(s.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.RetryMaxElapsed),
	)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrAlreadySettled), errors.Is(err, model.ErrNotFound):
		slog.Debug("trade already settled elsewhere", "trade_id", id)
	case errors.Is(err, context.Canceled):
		slog.Info("settlement abandoned at shutdown, will resume on restart", "trade_id", id)
	default:
		slog.Error("settlement failed, sweep will retry", "trade_id", id, "err", err)
	}
}

// rescan schedules every pending trade not already armed and returns how
// many pending trades it saw.
func (s *Scheduler) rescan(ctx context.Context) (int, error) {
	trades, err := s.source.ListPendingTrades(ctx)
	if err != nil {
		return 0, err
	}

	for _, t := range trades {
		s.Schedule(t)
	}
	return len(trades), nil
}

func (s *Scheduler) sweep() {
	if pending := s.source.Reconcile(s.ctx); pending > 0 {
		slog.Warn("reconciliation backlog remains", "pending", pending)
	}
	if _, err := s.rescan(s.ctx); err != nil {
		slog.Warn("pending trade sweep failed", "err", err)
	}
}
