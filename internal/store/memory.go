package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/options-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. The persistence façade
// uses it as the process-local fallback cache; tests use it as a backend.
// Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	ledger    []model.LedgerEntry
	ledgerIDs map[string]struct{}
	trades    map[string]*model.Trade
	tradeSeq  []string // insertion order
	modes     map[string]*model.OutcomeSetting
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		ledgerIDs: make(map[string]struct{}),
		trades:    make(map[string]*model.Trade),
		modes:     make(map[string]*model.OutcomeSetting),
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

// HasAccount reports whether the user's account is held in memory.
func (s *MemoryStore) HasAccount(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[userID]
	return ok
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].UserID < accounts[j].UserID })
	return accounts, nil
}

func (s *MemoryStore) Apply(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Trade != nil {
		if err := checkFrozen(s.trades[m.Trade.ID], m); err != nil {
			return err
		}
	}
	s.applyLocked(m)
	return nil
}

func (s *MemoryStore) applyLocked(m *Mutation) {
	s.accounts[m.UserID] = &model.Account{
		UserID:    m.UserID,
		Balance:   m.Balance,
		Currency:  model.Currency,
		UpdatedAt: m.At,
	}

	for _, e := range m.Entries {
		if _, dup := s.ledgerIDs[e.ID]; dup {
			continue
		}
		s.ledgerIDs[e.ID] = struct{}{}
		s.ledger = append(s.ledger, e)
	}

	if m.Trade != nil {
		s.putTradeLocked(*m.Trade)
	}
}

// putTradeLocked inserts or updates a trade. Completed trades are frozen;
// Apply has already rejected anything but a replay of their settlement.
func (s *MemoryStore) putTradeLocked(t model.Trade) {
	existing, ok := s.trades[t.ID]
	if ok && !existing.Pending() {
		return
	}
	if !ok {
		s.tradeSeq = append(s.tradeSeq, t.ID)
	}
	s.trades[t.ID] = &t
}

// Load seeds the store with a user's durable state: the account, its full
// ledger and its trades. Existing data for the user is replaced.
func (s *MemoryStore) Load(acct model.Account, entries []model.LedgerEntry, trades []model.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := acct
	s.accounts[acct.UserID] = &a

	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if e.UserID != acct.UserID {
			kept = append(kept, e)
		} else {
			delete(s.ledgerIDs, e.ID)
		}
	}
	s.ledger = kept
	for _, e := range entries {
		s.ledgerIDs[e.ID] = struct{}{}
		s.ledger = append(s.ledger, e)
	}

	for _, t := range trades {
		if _, ok := s.trades[t.ID]; !ok {
			s.tradeSeq = append(s.tradeSeq, t.ID)
		}
		tc := t
		s.trades[t.ID] = &tc
	}
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, status model.TradeStatus) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeSeq {
		t := s.trades[id]
		if userID != "" && t.UserID != userID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		result = append(result, *t)
	}
	return result, nil
}

func (s *MemoryStore) GetOutcomeMode(_ context.Context, userID string) (*model.OutcomeSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modes[userID]
	if !ok {
		return nil, fmt.Errorf("outcome mode for %s: %w", userID, model.ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) SetOutcomeMode(_ context.Context, setting *model.OutcomeSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *setting
	s.modes[setting.UserID] = &copy
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
