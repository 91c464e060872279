// Package persistence is the single entry point for account, ledger, trade and
// outcome-mode state. It writes to a durable store first and falls back to an
// in-process cache when that store is unreachable, queuing the cache-only
// writes for replay once the durable store answers again.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/keylock"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/store"
)

// MutateFunc computes the change to apply to an account. It runs while the
// user's lock is held and receives the current account. Returning a nil
// mutation leaves the account untouched.
type MutateFunc func(acct model.Account) (*store.Mutation, error)

// Result describes a committed mutation.
type Result struct {
	Account  model.Account
	Trade    *model.Trade
	Degraded bool // true when the write reached only the fallback cache
}

// Ledger is a user's account together with its full ledger, read from one source.
type Ledger struct {
	Account  model.Account
	Entries  []model.LedgerEntry
	Degraded bool
}

// Options tune a Facade.
type Options struct {
	// DefaultBalance is credited (as a deposit) to accounts created on first use.
	DefaultBalance decimal.Decimal
	// DurableTimeout bounds every call to the durable store.
	DurableTimeout time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Facade serializes balance mutations per user and hides durable-store outages.
type Facade struct {
	durable        store.Store
	cache          *store.MemoryStore
	locks          *keylock.Map
	defaultBalance decimal.Decimal
	timeout        time.Duration
	now            func() time.Time

	mu      sync.Mutex
	backlog map[string][]pendingWrite
}

// New creates a Facade over durable. The durable store may be a
// MemoryStore, in which case the Facade never degrades.
func New(durable store.Store, opts Options) *Facade {
	if opts.DurableTimeout <= 0 {
		opts.DurableTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Facade{
		durable:        durable,
		cache:          store.NewMemoryStore(),
		locks:          keylock.New(),
		defaultBalance: opts.DefaultBalance,
		timeout:        opts.DurableTimeout,
		now:            opts.Now,
		backlog:        make(map[string][]pendingWrite),
	}
}

// Now returns the Facade's clock reading.
func (f *Facade) Now() time.Time {
	return f.now().UTC()
}

// WithBalance runs fn under the user's lock and commits the mutation it
// returns atomically. Accounts are created on first use with the default
// balance and an opening deposit entry.
func (f *Facade) WithBalance(ctx context.Context, userID string, fn MutateFunc) (Result, error) {
	if userID == "" {
		return Result{}, model.NewValidationError("userId", "is required")
	}

	unlock := f.locks.Lock(userID)
	defer unlock()

	acct, degraded, err := f.loadAccountLocked(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	m, err := fn(acct)
	if err != nil {
		return Result{Account: acct, Degraded: degraded}, err
	}
	if m == nil {
		return Result{Account: acct, Degraded: degraded}, nil
	}
	if m.UserID == "" {
		m.UserID = userID
	}
	if m.At.IsZero() {
		m.At = f.Now()
	}
	if err := m.Check(acct.Balance); err != nil {
		slog.Error("rejected unbalanced mutation", "user", userID, "err", err)
		return Result{Account: acct, Degraded: degraded}, err
	}

	wrote, err := f.commitLocked(ctx, userID, mutationWrite{m})
	if err != nil {
		return Result{Account: acct, Degraded: degraded}, err
	}

	res := Result{
		Account: model.Account{
			UserID:    userID,
			Balance:   m.Balance,
			Currency:  model.Currency,
			UpdatedAt: m.At,
		},
		Degraded: degraded || wrote,
	}
	if m.Trade != nil {
		t := *m.Trade
		res.Trade = &t
	}
	return res, nil
}

// loadAccountLocked returns the user's current account, creating it when
// the durable store has never seen the user. Caller holds the user lock.
func (f *Facade) loadAccountLocked(ctx context.Context, userID string) (model.Account, bool, error) {
	if err := f.drainLocked(ctx, userID); err != nil {
		// Queued writes are still ahead of the durable store; the cache is
		// the only up-to-date copy.
		if cached, cerr := f.cache.GetAccount(ctx, userID); cerr == nil {
			return *cached, true, nil
		}
		return model.Account{}, false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
	}

	dctx, cancel := f.durableCtx(ctx)
	acct, err := f.durable.GetAccount(dctx, userID)
	cancel()

	switch {
	case err == nil:
		if !f.cache.HasAccount(userID) {
			if werr := f.warmCache(ctx, *acct); werr != nil {
				err = werr
				break
			}
		}
		return *acct, false, nil

	case errors.Is(err, model.ErrNotFound):
		return f.openAccountLocked(ctx, userID)
	}

	slog.Warn("durable account read failed, using cache", "user", userID, "err", err)
	if cached, cerr := f.cache.GetAccount(ctx, userID); cerr == nil {
		return *cached, true, nil
	}
	return model.Account{}, false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
}

// warmCache copies a user's durable ledger and trades into the cache so that
// a later fallback starts from a conserved state.
func (f *Facade) warmCache(ctx context.Context, acct model.Account) error {
	dctx, cancel := f.durableCtx(ctx)
	defer cancel()

	entries, err := f.durable.ListLedgerEntries(dctx, acct.UserID)
	if err != nil {
		return err
	}
	trades, err := f.durable.ListTrades(dctx, acct.UserID, "")
	if err != nil {
		return err
	}
	f.cache.Load(acct, entries, trades)
	return nil
}

func (f *Facade) openAccountLocked(ctx context.Context, userID string) (model.Account, bool, error) {
	at := f.Now()
	m := &store.Mutation{UserID: userID, Balance: f.defaultBalance, At: at}
	if f.defaultBalance.IsPositive() {
		m.Entries = []model.LedgerEntry{{
			ID:          ulid.Make().String(),
			UserID:      userID,
			Kind:        model.KindDeposit,
			Amount:      f.defaultBalance,
			Description: "opening balance",
			CreatedAt:   at,
		}}
	}

	degraded, err := f.commitLocked(ctx, userID, mutationWrite{m})
	if err != nil {
		return model.Account{}, false, err
	}
	slog.Info("account opened", "user", userID, "balance", f.defaultBalance.String(), "degraded", degraded)

	return model.Account{UserID: userID, Balance: m.Balance, Currency: model.Currency, UpdatedAt: at}, degraded, nil
}

// commitLocked writes w durably and mirrors it into the cache. When the
// durable store fails, or earlier writes for the user are still queued, w is
// applied to the cache only and queued. Caller holds the user lock.
func (f *Facade) commitLocked(ctx context.Context, userID string, w pendingWrite) (bool, error) {
	if f.queued(userID) == 0 {
		dctx, cancel := f.durableCtx(ctx)
		err := w.apply(dctx, f.durable)
		cancel()
		if err == nil {
			if cerr := w.apply(ctx, f.cache); cerr != nil {
				slog.Error("cache mirror failed", "user", userID, "err", cerr)
			}
			return false, nil
		}
		if errors.Is(err, model.ErrAlreadySettled) {
			return false, err
		}
		slog.Warn("durable write failed, degrading to cache", "user", userID, "op", w.op(), "err", err)
	}

	if err := w.apply(ctx, f.cache); err != nil {
		if errors.Is(err, model.ErrAlreadySettled) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
	}

	f.mu.Lock()
	f.backlog[userID] = append(f.backlog[userID], w)
	f.mu.Unlock()
	metrics.DegradedWrites.WithLabelValues(w.op()).Inc()
	return true, nil
}

// drainLocked replays the user's queued writes in order, stopping at the
// first failure. Caller holds the user lock.
func (f *Facade) drainLocked(ctx context.Context, userID string) error {
	for {
		f.mu.Lock()
		q := f.backlog[userID]
		if len(q) == 0 {
			delete(f.backlog, userID)
			f.mu.Unlock()
			return nil
		}
		w := q[0]
		f.mu.Unlock()

		dctx, cancel := f.durableCtx(ctx)
		err := w.apply(dctx, f.durable)
		cancel()
		if err != nil {
			return err
		}

		f.mu.Lock()
		f.backlog[userID] = f.backlog[userID][1:]
		f.mu.Unlock()
		slog.Info("replayed degraded write", "user", userID, "op", w.op())
	}
}

func (f *Facade) queued(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backlog[userID])
}

// Reconcile replays every queued write it can. The remaining backlog is
// exported as a gauge, logged, and returned.
func (f *Facade) Reconcile(ctx context.Context) int {
	f.mu.Lock()
	users := make([]string, 0, len(f.backlog))
	for u := range f.backlog {
		users = append(users, u)
	}
	f.mu.Unlock()
	sort.Strings(users)

	for _, u := range users {
		unlock := f.locks.Lock(u)
		if err := f.drainLocked(ctx, u); err != nil {
			slog.Warn("reconcile replay failed", "user", u, "err", err)
		}
		unlock()
	}

	remaining := 0
	for u, n := range f.PendingWrites() {
		remaining += n
		slog.Error("degraded writes not yet durable", "user", u, "pending", n)
	}
	metrics.DegradedWritesPending.Set(float64(remaining))
	return remaining
}

// PendingWrites returns the number of queued writes per user.
func (f *Facade) PendingWrites() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int, len(f.backlog))
	for u, q := range f.backlog {
		if len(q) > 0 {
			out[u] = len(q)
		}
	}
	return out
}

// Ping checks the durable store.
func (f *Facade) Ping(ctx context.Context) error {
	dctx, cancel := f.durableCtx(ctx)
	defer cancel()
	return f.durable.Ping(dctx)
}

// durableCtx detaches from the caller's cancellation so a write is never
// abandoned halfway, and bounds it by the durable timeout instead.
func (f *Facade) durableCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
}

// pendingWrite is a write that can be replayed against any store.
type pendingWrite interface {
	apply(ctx context.Context, s store.Store) error
	op() string
}

type mutationWrite struct {
	m *store.Mutation
}

func (w mutationWrite) apply(ctx context.Context, s store.Store) error {
	return s.Apply(ctx, w.m)
}

func (w mutationWrite) op() string {
	if w.m.Trade != nil {
		return "trade"
	}
	return "balance"
}

type modeWrite struct {
	setting model.OutcomeSetting
}

func (w modeWrite) apply(ctx context.Context, s store.Store) error {
	setting := w.setting
	return s.SetOutcomeMode(ctx, &setting)
}

func (w modeWrite) op() string { return "outcome_mode" }
