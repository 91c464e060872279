package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/atmx/options-engine/internal/model"
)

// GetAccount returns the user's account without creating it. The bool
// reports whether the answer came from the fallback cache.
func (f *Facade) GetAccount(ctx context.Context, userID string) (model.Account, bool, error) {
	if f.queued(userID) > 0 {
		if a, err := f.cache.GetAccount(ctx, userID); err == nil {
			return *a, true, nil
		}
	}

	dctx, cancel := f.durableCtx(ctx)
	a, err := f.durable.GetAccount(dctx, userID)
	cancel()
	switch {
	case err == nil:
		return *a, false, nil
	case errors.Is(err, model.ErrNotFound):
		return model.Account{}, false, err
	}

	slog.Warn("durable account read failed, using cache", "user", userID, "err", err)
	if a, cerr := f.cache.GetAccount(ctx, userID); cerr == nil {
		return *a, true, nil
	}
	return model.Account{}, false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
}

// GetTrade looks a trade up durably, preferring the cache copy when the
// owner has writes the durable store has not seen yet. Outside the owner's
// lock the answer can be stale by the time it is used, so callers that act
// on a trade's status re-read it inside WithBalance.
func (f *Facade) GetTrade(ctx context.Context, tradeID string) (model.Trade, bool, error) {
	// The cache is written before the backlog drains, so a copy taken while
	// writes are queued is never older than the durable row.
	if c, cerr := f.cache.GetTrade(ctx, tradeID); cerr == nil && f.queued(c.UserID) > 0 {
		return *c, true, nil
	}

	dctx, cancel := f.durableCtx(ctx)
	t, err := f.durable.GetTrade(dctx, tradeID)
	cancel()

	switch {
	case err == nil:
		if f.queued(t.UserID) > 0 {
			if c, cerr := f.cache.GetTrade(ctx, tradeID); cerr == nil {
				return *c, true, nil
			}
		}
		return *t, false, nil

	case errors.Is(err, model.ErrNotFound):
		// Placed while degraded and not yet replayed.
		if c, cerr := f.cache.GetTrade(ctx, tradeID); cerr == nil {
			return *c, true, nil
		}
		return model.Trade{}, false, err
	}

	slog.Warn("durable trade read failed, using cache", "trade_id", tradeID, "err", err)
	if c, cerr := f.cache.GetTrade(ctx, tradeID); cerr == nil {
		return *c, true, nil
	}
	return model.Trade{}, false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
}

// ListPendingTrades returns every pending trade known to either store,
// ordered by expiry. Cache copies win for users with queued writes.
func (f *Facade) ListPendingTrades(ctx context.Context) ([]model.Trade, error) {
	byID := make(map[string]model.Trade)

	dctx, cancel := f.durableCtx(ctx)
	durable, err := f.durable.ListTrades(dctx, "", model.StatusPending)
	cancel()
	if err != nil {
		slog.Warn("durable pending-trade scan failed, using cache", "err", err)
	}
	for _, t := range durable {
		byID[t.ID] = t
	}

	cached, cerr := f.cache.ListTrades(ctx, "", "")
	if cerr != nil {
		return nil, cerr
	}
	for _, t := range cached {
		if err == nil && f.queued(t.UserID) == 0 {
			continue
		}
		if t.Pending() {
			byID[t.ID] = t
		} else {
			delete(byID, t.ID)
		}
	}

	out := make([]model.Trade, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// ListUserTrades returns a user's trades in creation order.
func (f *Facade) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, bool, error) {
	if f.queued(userID) > 0 {
		trades, err := f.cache.ListTrades(ctx, userID, "")
		return trades, true, err
	}

	dctx, cancel := f.durableCtx(ctx)
	trades, err := f.durable.ListTrades(dctx, userID, "")
	cancel()
	if err == nil {
		return trades, false, nil
	}

	slog.Warn("durable trade list failed, using cache", "user", userID, "err", err)
	if !f.cache.HasAccount(userID) {
		return nil, false, fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
	}
	trades, cerr := f.cache.ListTrades(ctx, userID, "")
	return trades, true, cerr
}

// ListLedger returns the user's account and every ledger entry, read from a
// single source so the two can be compared.
func (f *Facade) ListLedger(ctx context.Context, userID string) (Ledger, error) {
	if f.queued(userID) == 0 {
		dctx, cancel := f.durableCtx(ctx)
		defer cancel()

		a, err := f.durable.GetAccount(dctx, userID)
		if err == nil {
			var entries []model.LedgerEntry
			entries, err = f.durable.ListLedgerEntries(dctx, userID)
			if err == nil {
				return Ledger{Account: *a, Entries: entries}, nil
			}
		}
		if errors.Is(err, model.ErrNotFound) {
			return Ledger{}, err
		}
		slog.Warn("durable ledger read failed, using cache", "user", userID, "err", err)
	}

	a, err := f.cache.GetAccount(ctx, userID)
	if err != nil {
		return Ledger{}, fmt.Errorf("%w: no copy of %s available", model.ErrPersistenceUnavailable, userID)
	}
	entries, err := f.cache.ListLedgerEntries(ctx, userID)
	if err != nil {
		return Ledger{}, err
	}
	return Ledger{Account: *a, Entries: entries, Degraded: true}, nil
}

// GetOutcomeMode returns the user's mode, ModeNormal when none was set.
// Durable answers are remembered in the cache, including the default, so
// settlement can still honour a forced mode during an outage.
func (f *Facade) GetOutcomeMode(ctx context.Context, userID string) (model.OutcomeMode, error) {
	if f.queued(userID) > 0 {
		if o, err := f.cache.GetOutcomeMode(ctx, userID); err == nil {
			return o.Mode, nil
		}
	}

	dctx, cancel := f.durableCtx(ctx)
	o, err := f.durable.GetOutcomeMode(dctx, userID)
	cancel()
	switch {
	case err == nil:
		_ = f.cache.SetOutcomeMode(ctx, o)
		return o.Mode, nil
	case errors.Is(err, model.ErrNotFound):
		_ = f.cache.SetOutcomeMode(ctx, &model.OutcomeSetting{UserID: userID, Mode: model.ModeNormal})
		return model.ModeNormal, nil
	}

	slog.Warn("durable outcome-mode read failed, using cache", "user", userID, "err", err)
	if o, cerr := f.cache.GetOutcomeMode(ctx, userID); cerr == nil {
		return o.Mode, nil
	}
	return "", fmt.Errorf("%w: %v", model.ErrPersistenceUnavailable, err)
}

// SetOutcomeMode upserts the user's mode. The bool reports a cache-only write.
func (f *Facade) SetOutcomeMode(ctx context.Context, userID string, mode model.OutcomeMode) (bool, error) {
	if userID == "" {
		return false, model.NewValidationError("userId", "is required")
	}

	unlock := f.locks.Lock(userID)
	defer unlock()

	if err := f.drainLocked(ctx, userID); err != nil {
		slog.Warn("replay before mode change failed", "user", userID, "err", err)
	}
	return f.commitLocked(ctx, userID, modeWrite{model.OutcomeSetting{
		UserID:    userID,
		Mode:      mode,
		UpdatedAt: f.Now(),
	}})
}
