package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/store"
)

var errDown = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

// flakyStore is a MemoryStore that can be switched off.
type flakyStore struct {
	*store.MemoryStore
	down atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *flakyStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.GetAccount(ctx, userID)
}

func (s *flakyStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.ListAccounts(ctx)
}

func (s *flakyStore) Apply(ctx context.Context, m *store.Mutation) error {
	if s.down.Load() {
		return errDown
	}
	return s.MemoryStore.Apply(ctx, m)
}

func (s *flakyStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.ListLedgerEntries(ctx, userID)
}

func (s *flakyStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.GetTrade(ctx, id)
}

func (s *flakyStore) ListTrades(ctx context.Context, userID string, status model.TradeStatus) ([]model.Trade, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.ListTrades(ctx, userID, status)
}

func (s *flakyStore) GetOutcomeMode(ctx context.Context, userID string) (*model.OutcomeSetting, error) {
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryStore.GetOutcomeMode(ctx, userID)
}

func (s *flakyStore) SetOutcomeMode(ctx context.Context, setting *model.OutcomeSetting) error {
	if s.down.Load() {
		return errDown
	}
	return s.MemoryStore.SetOutcomeMode(ctx, setting)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return errDown
	}
	return s.MemoryStore.Ping(ctx)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFacade(durable store.Store) *Facade {
	return New(durable, Options{
		DefaultBalance: d("10000"),
		DurableTimeout: time.Second,
		Now:            func() time.Time { return t0 },
	})
}

// debit returns a MutateFunc taking amount off the balance.
func debit(id string, amount decimal.Decimal) MutateFunc {
	return func(acct model.Account) (*store.Mutation, error) {
		if acct.Balance.LessThan(amount) {
			return nil, model.ErrInsufficientFunds
		}
		return &store.Mutation{
			UserID:  acct.UserID,
			Balance: acct.Balance.Sub(amount),
			Entries: []model.LedgerEntry{{
				ID: id, UserID: acct.UserID, Kind: model.KindWithdrawal,
				Amount: amount.Neg(), Description: "test debit", CreatedAt: t0,
			}},
		}, nil
	}
}

// placeTrade returns a MutateFunc debiting a stake and storing a pending trade.
func placeTrade(tradeID string, stake decimal.Decimal) MutateFunc {
	return func(acct model.Account) (*store.Mutation, error) {
		t := model.Trade{
			ID: tradeID, UserID: acct.UserID, Symbol: "BTCUSDT", Direction: model.DirectionUp,
			Stake: stake, DurationSeconds: 30, EntryPrice: d("65000"),
			Status: model.StatusPending, Result: model.ResultNone, Payout: decimal.Zero,
			CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Second),
		}
		return &store.Mutation{
			UserID:  acct.UserID,
			Balance: acct.Balance.Sub(stake),
			Entries: []model.LedgerEntry{{
				ID: "debit-" + tradeID, UserID: acct.UserID, Kind: model.KindTradeDebit,
				Amount: stake.Neg(), RelatedTradeID: tradeID, CreatedAt: t0,
			}},
			Trade: &t,
		}, nil
	}
}

func noop(model.Account) (*store.Mutation, error) { return nil, nil }

func TestWithBalance_OpensAccountWithDeposit(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	res, err := f.WithBalance(ctx, "alice", noop)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.True(t, res.Account.Balance.Equal(d("10000")))

	entries, err := durable.ListLedgerEntries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindDeposit, entries[0].Kind)
	assert.True(t, entries[0].Amount.Equal(d("10000")))

	// A second call must not deposit again.
	_, err = f.WithBalance(ctx, "alice", noop)
	require.NoError(t, err)
	entries, _ = durable.ListLedgerEntries(ctx, "alice")
	assert.Len(t, entries, 1)
}

func TestWithBalance_ZeroDefaultOpensEmpty(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := New(durable, Options{})

	res, err := f.WithBalance(ctx, "bob", noop)
	require.NoError(t, err)
	assert.True(t, res.Account.Balance.IsZero())

	entries, _ := durable.ListLedgerEntries(ctx, "bob")
	assert.Empty(t, entries)
}

func TestWithBalance_RequiresUser(t *testing.T) {
	f := newFacade(newFlakyStore())
	_, err := f.WithBalance(context.Background(), "", noop)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestWithBalance_RejectsUnbalancedMutation(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", func(acct model.Account) (*store.Mutation, error) {
		return &store.Mutation{UserID: "alice", Balance: acct.Balance.Add(d("100"))}, nil
	})
	assert.ErrorIs(t, err, model.ErrInternal)

	acct, err := durable.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("10000")), "balance changed to %s", acct.Balance)
}

func TestWithBalance_CallbackErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", debit("e1", d("20000")))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	entries, _ := durable.ListLedgerEntries(ctx, "alice")
	assert.Len(t, entries, 1, "only the opening deposit")
}

func TestDegradedWritesReconcile(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", noop)
	require.NoError(t, err)

	durable.down.Store(true)

	res, err := f.WithBalance(ctx, "alice", debit("e1", d("1000")))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.Account.Balance.Equal(d("9000")))

	res, err = f.WithBalance(ctx, "alice", debit("e2", d("1000")))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.True(t, res.Account.Balance.Equal(d("8000")))

	assert.Equal(t, map[string]int{"alice": 2}, f.PendingWrites())
	assert.Equal(t, 2, f.Reconcile(ctx), "nothing can drain while down")

	acct, degraded, err := f.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, acct.Balance.Equal(d("8000")))

	durable.down.Store(false)
	assert.Equal(t, 0, f.Reconcile(ctx))
	assert.Empty(t, f.PendingWrites())

	stored, err := durable.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(d("8000")))

	entries, err := durable.ListLedgerEntries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, model.SumLedger(entries).Equal(stored.Balance))
	assert.Equal(t, "e1", entries[1].ID)
	assert.Equal(t, "e2", entries[2].ID)
}

func TestQueuedWritesReplayBeforeNextMutation(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", noop)
	require.NoError(t, err)

	durable.down.Store(true)
	_, err = f.WithBalance(ctx, "alice", debit("e1", d("1000")))
	require.NoError(t, err)
	durable.down.Store(false)

	res, err := f.WithBalance(ctx, "alice", debit("e2", d("500")))
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.True(t, res.Account.Balance.Equal(d("8500")))

	stored, _ := durable.GetAccount(ctx, "alice")
	assert.True(t, stored.Balance.Equal(d("8500")))
	entries, _ := durable.ListLedgerEntries(ctx, "alice")
	assert.Len(t, entries, 3)
}

// settleTrade returns a MutateFunc completing a trade as a win credited with credit.
func settleTrade(tradeID string, credit decimal.Decimal, at time.Time) MutateFunc {
	return func(acct model.Account) (*store.Mutation, error) {
		exit := d("65100")
		t := model.Trade{
			ID: tradeID, UserID: acct.UserID, Symbol: "BTCUSDT", Direction: model.DirectionUp,
			Stake: d("1000"), DurationSeconds: 30, EntryPrice: d("65000"), ExitPrice: &exit,
			Status: model.StatusCompleted, Result: model.ResultWin, Payout: credit.Sub(d("1000")),
			CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Second), SettledAt: &at,
		}
		return &store.Mutation{
			UserID:  acct.UserID,
			Balance: acct.Balance.Add(credit),
			Entries: []model.LedgerEntry{{
				ID: "credit-" + tradeID + "-" + at.Format(time.RFC3339Nano), UserID: acct.UserID,
				Kind: model.KindTradeCredit, Amount: credit, RelatedTradeID: tradeID, CreatedAt: at,
			}},
			Trade: &t,
		}, nil
	}
}

func TestSecondSettlementIsRejectedNotDegraded(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", placeTrade("t-1", d("1000")))
	require.NoError(t, err)
	_, err = f.WithBalance(ctx, "alice", settleTrade("t-1", d("1100"), t0.Add(31*time.Second)))
	require.NoError(t, err)

	_, err = f.WithBalance(ctx, "alice", settleTrade("t-1", d("1100"), t0.Add(40*time.Second)))
	assert.ErrorIs(t, err, model.ErrAlreadySettled)
	assert.Empty(t, f.PendingWrites())

	acct, _, err := f.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("10100")), "balance %s", acct.Balance)
}

func TestDegradedSettlementReplaysOnce(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", placeTrade("t-1", d("1000")))
	require.NoError(t, err)

	durable.down.Store(true)
	res, err := f.WithBalance(ctx, "alice", settleTrade("t-1", d("1100"), t0.Add(31*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	durable.down.Store(false)

	// A second attempt after recovery sees the replayed settlement.
	_, err = f.WithBalance(ctx, "alice", settleTrade("t-1", d("1100"), t0.Add(45*time.Second)))
	assert.ErrorIs(t, err, model.ErrAlreadySettled)
	assert.Zero(t, f.Reconcile(ctx))

	acct, err := durable.MemoryStore.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("10100")), "durable balance %s", acct.Balance)
	entries, err := durable.MemoryStore.ListLedgerEntries(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestColdCacheWithDurableDown(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	durable.down.Store(true)
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "bob", noop)
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)

	_, _, err = f.GetAccount(ctx, "bob")
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)

	_, err = f.ListLedger(ctx, "bob")
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
}

func TestGetAccount_DoesNotCreate(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, _, err := f.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = durable.MemoryStore.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWarmCacheServesLedgerDuringOutage(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()

	// Seed the durable store as a previous process would have left it.
	seed := New(durable, Options{DefaultBalance: d("10000"), Now: func() time.Time { return t0 }})
	_, err := seed.WithBalance(ctx, "alice", placeTrade("t1", d("1000")))
	require.NoError(t, err)

	f := newFacade(durable)
	_, err = f.WithBalance(ctx, "alice", noop)
	require.NoError(t, err)

	durable.down.Store(true)

	l, err := f.ListLedger(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, l.Degraded)
	assert.Len(t, l.Entries, 2)
	assert.True(t, model.SumLedger(l.Entries).Equal(l.Account.Balance))

	tr, degraded, err := f.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, model.StatusPending, tr.Status)
}

func TestPendingTradesMergeCacheAndDurable(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	_, err := f.WithBalance(ctx, "alice", placeTrade("t1", d("100")))
	require.NoError(t, err)

	durable.down.Store(true)
	res, err := f.WithBalance(ctx, "alice", placeTrade("t2", d("100")))
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	pending, err := f.ListPendingTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	durable.down.Store(false)

	// t2 exists only in the cache until the backlog drains.
	tr, degraded, err := f.GetTrade(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, "t2", tr.ID)

	pending, err = f.ListPendingTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	f.Reconcile(ctx)
	stored, err := durable.ListTrades(ctx, "alice", model.StatusPending)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOutcomeMode_DefaultAndCached(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	mode, err := f.GetOutcomeMode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, mode)

	degraded, err := f.SetOutcomeMode(ctx, "alice", model.ModeWin)
	require.NoError(t, err)
	assert.False(t, degraded)

	durable.down.Store(true)

	mode, err = f.GetOutcomeMode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.ModeWin, mode, "forced mode survives an outage")

	_, err = f.GetOutcomeMode(ctx, "never-seen")
	assert.ErrorIs(t, err, model.ErrPersistenceUnavailable)
}

func TestSetOutcomeMode_DegradedThenReplayed(t *testing.T) {
	ctx := context.Background()
	durable := newFlakyStore()
	f := newFacade(durable)

	durable.down.Store(true)
	degraded, err := f.SetOutcomeMode(ctx, "carol", model.ModeLose)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, map[string]int{"carol": 1}, f.PendingWrites())

	mode, err := f.GetOutcomeMode(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.ModeLose, mode)

	durable.down.Store(false)
	assert.Equal(t, 0, f.Reconcile(ctx))

	stored, err := durable.GetOutcomeMode(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.ModeLose, stored.Mode)
}

func TestPing(t *testing.T) {
	durable := newFlakyStore()
	f := newFacade(durable)
	assert.NoError(t, f.Ping(context.Background()))

	durable.down.Store(true)
	assert.Error(t, f.Ping(context.Background()))
}
