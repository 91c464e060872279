// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL and SQLite (durable backends), Redis
// (read-through cache decorator), and in-memory (process-local cache and
// tests).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

// Store is the persistence interface. Every balance change reaches a Store
// as a single Mutation so that the account row, its ledger entries and the
// trade they belong to are committed together or not at all.
type Store interface {
	// --- Accounts and ledger ---

	// GetAccount returns model.ErrNotFound when the user has no account.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListAccounts returns every account, ordered by user id.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// Apply commits a mutation atomically. Applying the same mutation twice
	// is a no-op the second time: ledger ids are insert-once. A mutation
	// that would rewrite a completed trade with anything but its own
	// settlement fails with model.ErrAlreadySettled and commits nothing.
	Apply(ctx context.Context, m *Mutation) error

	// ListLedgerEntries returns a user's entries in append order.
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Trades ---

	// GetTrade returns model.ErrNotFound for unknown ids.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTrades returns trades in creation order. Empty userID matches all
	// users; empty status matches every status.
	ListTrades(ctx context.Context, userID string, status model.TradeStatus) ([]model.Trade, error)

	// --- Outcome modes ---

	// GetOutcomeMode returns model.ErrNotFound when no mode was ever assigned.
	GetOutcomeMode(ctx context.Context, userID string) (*model.OutcomeSetting, error)

	// SetOutcomeMode upserts a user's mode.
	SetOutcomeMode(ctx context.Context, s *model.OutcomeSetting) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Mutation is one atomic change to a user's account: the new balance, the
// ledger entries explaining the change, and optionally the trade row that
// changed with it.
type Mutation struct {
	UserID  string
	Balance decimal.Decimal
	Entries []model.LedgerEntry
	Trade   *model.Trade
	At      time.Time
}

// Check verifies the mutation against the balance it replaces: the entries
// must explain the balance change exactly and the result may not go negative.
func (m *Mutation) Check(previous decimal.Decimal) error {
	if m.Balance.IsNegative() {
		return fmt.Errorf("%w: balance for %s would become %s", model.ErrInternal, m.UserID, m.Balance)
	}
	delta := m.Balance.Sub(previous)
	if sum := model.SumLedger(m.Entries); !sum.Equal(delta) {
		return fmt.Errorf("%w: ledger entries sum to %s but balance changes by %s", model.ErrInternal, sum, delta)
	}
	for _, e := range m.Entries {
		if e.UserID != m.UserID {
			return fmt.Errorf("%w: ledger entry %s belongs to %s, not %s", model.ErrInternal, e.ID, e.UserID, m.UserID)
		}
	}
	if m.Trade != nil && m.Trade.UserID != m.UserID {
		return fmt.Errorf("%w: trade %s belongs to %s, not %s", model.ErrInternal, m.Trade.ID, m.Trade.UserID, m.UserID)
	}
	return nil
}

// checkFrozen rejects a mutation that would rewrite a completed trade.
// Replaying the settlement that completed it is allowed, so queued writes
// stay idempotent.
func checkFrozen(existing *model.Trade, m *Mutation) error {
	if existing == nil || existing.Pending() || m.Trade == nil {
		return nil
	}
	if sameSettlement(*existing, *m.Trade) {
		return nil
	}
	return fmt.Errorf("trade %s is %s: %w", existing.ID, existing.Result, model.ErrAlreadySettled)
}

// sameSettlement compares at microsecond precision, the resolution of a
// Postgres timestamptz.
func sameSettlement(a, b model.Trade) bool {
	if a.Status != b.Status || a.Result != b.Result {
		return false
	}
	if a.SettledAt == nil || b.SettledAt == nil {
		return a.SettledAt == nil && b.SettledAt == nil
	}
	return a.SettledAt.Truncate(time.Microsecond).Equal(b.SettledAt.Truncate(time.Microsecond))
}
