package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openingMutation(userID string, amount decimal.Decimal) *Mutation {
	return &Mutation{
		UserID:  userID,
		Balance: amount,
		Entries: []model.LedgerEntry{{
			ID: "open-" + userID, UserID: userID, Kind: model.KindDeposit,
			Amount: amount, Description: "opening balance", CreatedAt: t0,
		}},
		At: t0,
	}
}

func pendingTrade(id, userID string) model.Trade {
	return model.Trade{
		ID: id, UserID: userID, Symbol: "BTCUSDT", Direction: model.DirectionUp,
		Stake: d("1000"), DurationSeconds: 30, EntryPrice: d("65000.5"),
		Status: model.StatusPending, Result: model.ResultNone, Payout: decimal.Zero,
		CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Second),
	}
}

// runStoreContract exercises behaviour every Store backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("missing account", func(t *testing.T) {
		_, err := s.GetAccount(ctx, "nobody")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("apply opening deposit", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, openingMutation("alice", d("10000"))))

		acct, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(d("10000")))
		assert.Equal(t, model.Currency, acct.Currency)

		entries, err := s.ListLedgerEntries(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, model.KindDeposit, entries[0].Kind)
	})

	t.Run("replay is idempotent", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, openingMutation("alice", d("10000"))))

		entries, err := s.ListLedgerEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("debit with pending trade", func(t *testing.T) {
		tr := pendingTrade("t-1", "alice")
		m := &Mutation{
			UserID:  "alice",
			Balance: d("9000"),
			Entries: []model.LedgerEntry{{
				ID: "debit-t-1", UserID: "alice", Kind: model.KindTradeDebit,
				Amount: d("-1000"), RelatedTradeID: "t-1", CreatedAt: t0.Add(time.Second),
			}},
			Trade: &tr,
			At:    t0.Add(time.Second),
		}
		require.NoError(t, m.Check(d("10000")))
		require.NoError(t, s.Apply(ctx, m))

		got, err := s.GetTrade(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Nil(t, got.ExitPrice)
		assert.True(t, got.EntryPrice.Equal(d("65000.5")))
		assert.True(t, got.ExpiresAt.Equal(t0.Add(30*time.Second)))

		pending, err := s.ListTrades(ctx, "", model.StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "t-1", pending[0].ID)
	})

	t.Run("completed trade is frozen", func(t *testing.T) {
		tr := pendingTrade("t-1", "alice")
		exit := d("65100")
		settled := t0.Add(31 * time.Second)
		tr.Status, tr.Result, tr.Payout = model.StatusCompleted, model.ResultWin, d("100")
		tr.ExitPrice, tr.SettledAt = &exit, &settled

		require.NoError(t, s.Apply(ctx, &Mutation{
			UserID:  "alice",
			Balance: d("10100"),
			Entries: []model.LedgerEntry{{
				ID: "credit-t-1", UserID: "alice", Kind: model.KindTradeCredit,
				Amount: d("1100"), RelatedTradeID: "t-1", CreatedAt: settled,
			}},
			Trade: &tr,
			At:    settled,
		}))

		// Replaying the same settlement is a no-op.
		replay := tr
		require.NoError(t, s.Apply(ctx, &Mutation{
			UserID:  "alice",
			Balance: d("10100"),
			Entries: []model.LedgerEntry{{
				ID: "credit-t-1", UserID: "alice", Kind: model.KindTradeCredit,
				Amount: d("1100"), RelatedTradeID: "t-1", CreatedAt: settled,
			}},
			Trade: &replay,
			At:    settled,
		}))

		// A stale rewrite must not reopen or alter it.
		stale := pendingTrade("t-1", "alice")
		err := s.Apply(ctx, &Mutation{UserID: "alice", Balance: d("10100"), Trade: &stale, At: settled})
		assert.True(t, errors.Is(err, model.ErrAlreadySettled), "got %v", err)

		// Nor may a second settlement credit the account again.
		again := tr
		later := settled.Add(5 * time.Second)
		again.SettledAt = &later
		err = s.Apply(ctx, &Mutation{
			UserID:  "alice",
			Balance: d("11200"),
			Entries: []model.LedgerEntry{{
				ID: "credit-t-1-again", UserID: "alice", Kind: model.KindTradeCredit,
				Amount: d("1100"), RelatedTradeID: "t-1", CreatedAt: later,
			}},
			Trade: &again,
			At:    later,
		})
		assert.True(t, errors.Is(err, model.ErrAlreadySettled), "got %v", err)

		got, err := s.GetTrade(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
		assert.Equal(t, model.ResultWin, got.Result)
		require.NotNil(t, got.ExitPrice)
		assert.True(t, got.ExitPrice.Equal(exit))
		require.NotNil(t, got.SettledAt)
		assert.True(t, got.SettledAt.Equal(settled))

		acct, err := s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, acct.Balance.Equal(d("10100")), "balance %s", acct.Balance)
		entries, err := s.ListLedgerEntries(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, entries, 3)
		assert.True(t, model.SumLedger(entries).Equal(acct.Balance))
	})

	t.Run("list trades by user", func(t *testing.T) {
		require.NoError(t, s.Apply(ctx, openingMutation("bob", d("500"))))

		trades, err := s.ListTrades(ctx, "bob", "")
		require.NoError(t, err)
		assert.Empty(t, trades)

		trades, err = s.ListTrades(ctx, "alice", "")
		require.NoError(t, err)
		assert.Len(t, trades, 1)

		accounts, err := s.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "alice", accounts[0].UserID)
	})

	t.Run("outcome modes", func(t *testing.T) {
		_, err := s.GetOutcomeMode(ctx, "alice")
		assert.True(t, errors.Is(err, model.ErrNotFound))

		require.NoError(t, s.SetOutcomeMode(ctx, &model.OutcomeSetting{UserID: "alice", Mode: model.ModeWin, UpdatedAt: t0}))
		require.NoError(t, s.SetOutcomeMode(ctx, &model.OutcomeSetting{UserID: "alice", Mode: model.ModeLose, UpdatedAt: t0}))

		o, err := s.GetOutcomeMode(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, model.ModeLose, o.Mode)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

func TestSQLiteStore_File(t *testing.T) {
	path := t.TempDir() + "/data/options.db"
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, openingMutation("carol", d("42.12345678"))))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	acct, err := reopened.GetAccount(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "42.12345678", acct.Balance.String())
}

func TestMutationCheck(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		prev    string
		wantErr bool
	}{
		{
			name: "balanced debit",
			m: Mutation{UserID: "u", Balance: d("900"), Entries: []model.LedgerEntry{
				{ID: "1", UserID: "u", Amount: d("-100")},
			}},
			prev: "1000",
		},
		{
			name: "entries do not explain delta",
			m: Mutation{UserID: "u", Balance: d("900"), Entries: []model.LedgerEntry{
				{ID: "1", UserID: "u", Amount: d("-50")},
			}},
			prev:    "1000",
			wantErr: true,
		},
		{
			name: "negative balance",
			m: Mutation{UserID: "u", Balance: d("-1"), Entries: []model.LedgerEntry{
				{ID: "1", UserID: "u", Amount: d("-1001")},
			}},
			prev:    "1000",
			wantErr: true,
		},
		{
			name: "foreign entry",
			m: Mutation{UserID: "u", Balance: d("900"), Entries: []model.LedgerEntry{
				{ID: "1", UserID: "v", Amount: d("-100")},
			}},
			prev:    "1000",
			wantErr: true,
		},
		{
			name: "no-op",
			m:    Mutation{UserID: "u", Balance: d("1000")},
			prev: "1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Check(d(tt.prev))
			if tt.wantErr {
				assert.True(t, errors.Is(err, model.ErrInternal), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryStore_Load(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, openingMutation("alice", d("100"))))
	assert.True(t, s.HasAccount("alice"))
	assert.False(t, s.HasAccount("bob"))

	s.Load(
		model.Account{UserID: "alice", Balance: d("250"), Currency: model.Currency, UpdatedAt: t0},
		[]model.LedgerEntry{
			{ID: "a", UserID: "alice", Kind: model.KindDeposit, Amount: d("200"), CreatedAt: t0},
			{ID: "b", UserID: "alice", Kind: model.KindDeposit, Amount: d("50"), CreatedAt: t0},
		},
		[]model.Trade{pendingTrade("t-9", "alice")},
	)

	entries, err := s.ListLedgerEntries(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.True(t, model.SumLedger(entries).Equal(d("250")))

	_, err = s.GetTrade(ctx, "t-9")
	assert.NoError(t, err)
}
