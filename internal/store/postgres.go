package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0),
	currency   TEXT NOT NULL DEFAULT 'USDT',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	amount           NUMERIC NOT NULL,
	related_trade_id TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id, created_at);
CREATE TABLE IF NOT EXISTS trades (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	direction        TEXT NOT NULL,
	stake            NUMERIC NOT NULL,
	duration_seconds INTEGER NOT NULL,
	entry_price      NUMERIC NOT NULL,
	exit_price       NUMERIC,
	status           TEXT NOT NULL,
	result           TEXT NOT NULL,
	payout           NUMERIC NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	settled_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trades_status_idx ON trades (status, expires_at);
CREATE INDEX IF NOT EXISTS trades_user_idx ON trades (user_id, created_at);
CREATE TABLE IF NOT EXISTS outcome_modes (
	user_id    TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, currency, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &balance, &a.Currency, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, balance::TEXT, currency, updated_at
		 FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var balance string
		if err := rows.Scan(&a.UserID, &balance, &a.Currency, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Balance, _ = decimal.NewFromString(balance)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Apply writes the account, ledger entries and trade in one transaction.
// A failed ledger insert rolls back the balance change with it, and so does
// an attempt to settle a trade row that is already completed.
func (s *PostgresStore) Apply(ctx context.Context, m *Mutation) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if t := m.Trade; t != nil {
		existing, err := lockPostgresTrade(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := checkFrozen(existing, m); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, currency, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		m.UserID, m.Balance.String(), model.Currency, m.At,
	); err != nil {
		return fmt.Errorf("upsert account %s: %w", m.UserID, err)
	}

	for _, e := range m.Entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, kind, amount, related_trade_id, description, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.UserID, string(e.Kind), e.Amount.String(), e.RelatedTradeID, e.Description, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
		}
	}

	if t := m.Trade; t != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, symbol, direction, stake, duration_seconds, entry_price,
			                     exit_price, status, result, payout, created_at, expires_at, settled_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE
			 SET exit_price = EXCLUDED.exit_price, status = EXCLUDED.status, result = EXCLUDED.result,
			     payout = EXCLUDED.payout, settled_at = EXCLUDED.settled_at
			 WHERE trades.status = 'pending'`,
			t.ID, t.UserID, t.Symbol, string(t.Direction), t.Stake.String(), t.DurationSeconds,
			t.EntryPrice.String(), nullableDecimal(t.ExitPrice), string(t.Status), string(t.Result),
			t.Payout.String(), t.CreatedAt, t.ExpiresAt, t.SettledAt,
		); err != nil {
			return fmt.Errorf("upsert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// lockPostgresTrade reads the settlement columns of a trade row and locks
// it for the rest of the transaction. A nil trade means the row is new.
func lockPostgresTrade(ctx context.Context, tx pgx.Tx, id string) (*model.Trade, error) {
	t := model.Trade{ID: id}
	var status, result string
	err := tx.QueryRow(ctx,
		`SELECT status, result, settled_at FROM trades WHERE id = $1 FOR UPDATE`, id).
		Scan(&status, &result, &t.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock trade %s: %w", id, err)
	}
	t.Status = model.TradeStatus(status)
	t.Result = model.Result(result)
	return &t, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, related_trade_id, description, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amount string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &e.RelatedTradeID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.LedgerKind(kind)
		e.Amount, _ = decimal.NewFromString(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const tradeColumns = `id, user_id, symbol, direction, stake::TEXT, duration_seconds, entry_price::TEXT,
	exit_price::TEXT, status, result, payout::TEXT, created_at, expires_at, settled_at`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer rows.Close()

	trades, err := scanPostgresTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, status model.TradeStatus) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at, id`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostgresTrades(rows)
}

func (s *PostgresStore) GetOutcomeMode(ctx context.Context, userID string) (*model.OutcomeSetting, error) {
	var o model.OutcomeSetting
	var mode string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, mode, updated_at FROM outcome_modes WHERE user_id = $1`, userID).
		Scan(&o.UserID, &mode, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outcome mode for %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome mode %s: %w", userID, err)
	}
	o.Mode = model.OutcomeMode(mode)
	return &o, nil
}

func (s *PostgresStore) SetOutcomeMode(ctx context.Context, o *model.OutcomeSetting) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcome_modes (user_id, mode, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET mode = EXCLUDED.mode, updated_at = EXCLUDED.updated_at`,
		o.UserID, string(o.Mode), o.UpdatedAt)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgxRows is the subset of pgx.Rows the scanner needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPostgresTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var direction, stake, entry, status, result, payout string
		var exit *string
		var settledAt *time.Time

		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &direction, &stake, &t.DurationSeconds, &entry,
			&exit, &status, &result, &payout, &t.CreatedAt, &t.ExpiresAt, &settledAt); err != nil {
			return nil, err
		}

		t.Direction = model.Direction(direction)
		t.Status = model.TradeStatus(status)
		t.Result = model.Result(result)
		t.Stake, _ = decimal.NewFromString(stake)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.Payout, _ = decimal.NewFromString(payout)
		if exit != nil {
			d, _ := decimal.NewFromString(*exit)
			t.ExitPrice = &d
		}
		t.SettledAt = settledAt

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
