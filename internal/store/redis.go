package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Only frozen data is cached: completed trades and outcome modes. Balances
// and pending trades are always read from the primary so a cache entry can
// never disagree with the ledger.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) Apply(ctx context.Context, m *Mutation) error {
	if err := s.primary.Apply(ctx, m); err != nil {
		return err
	}
	if m.Trade != nil {
		if m.Trade.Pending() {
			s.rdb.Del(ctx, tradeKey(m.Trade.ID))
		} else {
			s.cacheTrade(ctx, m.Trade)
		}
	}
	return nil
}

func (s *CachedStore) SetOutcomeMode(ctx context.Context, o *model.OutcomeSetting) error {
	if err := s.primary.SetOutcomeMode(ctx, o); err != nil {
		return err
	}
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, modeKey(o.UserID), data, s.ttl)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil && !t.Pending() {
			return &t, nil
		}
	}

	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Pending() {
		s.cacheTrade(ctx, t)
	}
	return t, nil
}

func (s *CachedStore) GetOutcomeMode(ctx context.Context, userID string) (*model.OutcomeSetting, error) {
	data, err := s.rdb.Get(ctx, modeKey(userID)).Bytes()
	if err == nil {
		var o model.OutcomeSetting
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOutcomeMode(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, modeKey(userID), data, s.ttl)
	}
	return o, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, status model.TradeStatus) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, status)
}

// Ping checks the primary only; Redis being down degrades to cache misses.
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheTrade(ctx context.Context, t *model.Trade) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tradeKey(t.ID), data, s.ttl)
	}
}

func tradeKey(id string) string    { return fmt.Sprintf("trade:%s", id) }
func modeKey(userID string) string { return fmt.Sprintf("outcome_mode:%s", userID) }
