package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/atmx/options-engine/internal/model"
)

// sqliteTime is the on-disk time layout. Fixed width keeps TEXT ordering
// equal to chronological ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on an embedded SQLite database. Decimals and
// timestamps are stored as TEXT.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path and
// bootstraps the schema. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	if path != ":memory:" {
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	currency   TEXT NOT NULL DEFAULT 'USDT',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	user_id          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	amount           TEXT NOT NULL,
	related_trade_id TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id, seq);
CREATE TABLE IF NOT EXISTS trades (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	user_id          TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	direction        TEXT NOT NULL,
	stake            TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL,
	entry_price      TEXT NOT NULL,
	exit_price       TEXT,
	status           TEXT NOT NULL,
	result           TEXT NOT NULL,
	payout           TEXT NOT NULL DEFAULT '0',
	created_at       TEXT NOT NULL,
	expires_at       TEXT NOT NULL,
	settled_at       TEXT
);
CREATE INDEX IF NOT EXISTS trades_status_idx ON trades (status, expires_at);
CREATE INDEX IF NOT EXISTS trades_user_idx ON trades (user_id, seq);
CREATE TABLE IF NOT EXISTS outcome_modes (
	user_id    TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var balance, updated string

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, balance, currency, updated_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.UserID, &balance, &a.Currency, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	a.UpdatedAt = parseSQLiteTime(updated)
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, balance, currency, updated_at FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var balance, updated string
		if err := rows.Scan(&a.UserID, &balance, &a.Currency, &updated); err != nil {
			return nil, err
		}
		a.Balance, _ = decimal.NewFromString(balance)
		a.UpdatedAt = parseSQLiteTime(updated)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) Apply(ctx context.Context, m *Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if t := m.Trade; t != nil {
		existing, err := readSQLiteSettlement(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if err := checkFrozen(existing, m); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (user_id, balance, currency, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		m.UserID, m.Balance.String(), model.Currency, formatSQLiteTime(m.At),
	); err != nil {
		return fmt.Errorf("upsert account %s: %w", m.UserID, err)
	}

	for _, e := range m.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, user_id, kind, amount, related_trade_id, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.UserID, string(e.Kind), e.Amount.String(), e.RelatedTradeID, e.Description,
			formatSQLiteTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
		}
	}

	if t := m.Trade; t != nil {
		var exit, settled sql.NullString
		if t.ExitPrice != nil {
			exit = sql.NullString{String: t.ExitPrice.String(), Valid: true}
		}
		if t.SettledAt != nil {
			settled = sql.NullString{String: formatSQLiteTime(*t.SettledAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trades (id, user_id, symbol, direction, stake, duration_seconds, entry_price,
			                     exit_price, status, result, payout, created_at, expires_at, settled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE
			 SET exit_price = excluded.exit_price, status = excluded.status, result = excluded.result,
			     payout = excluded.payout, settled_at = excluded.settled_at
			 WHERE trades.status = 'pending'`,
			t.ID, t.UserID, t.Symbol, string(t.Direction), t.Stake.String(), t.DurationSeconds,
			t.EntryPrice.String(), exit, string(t.Status), string(t.Result), t.Payout.String(),
			formatSQLiteTime(t.CreatedAt), formatSQLiteTime(t.ExpiresAt), settled,
		); err != nil {
			return fmt.Errorf("upsert trade %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func readSQLiteSettlement(ctx context.Context, tx *sql.Tx, id string) (*model.Trade, error) {
	t := model.Trade{ID: id}
	var status, result string
	var settled sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT status, result, settled_at FROM trades WHERE id = ?`, id).
		Scan(&status, &result, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trade %s: %w", id, err)
	}
	t.Status = model.TradeStatus(status)
	t.Result = model.Result(result)
	if settled.Valid {
		at := parseSQLiteTime(settled.String)
		t.SettledAt = &at
	}
	return &t, nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, related_trade_id, description, created_at
		 FROM ledger_entries WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amount, created string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &amount, &e.RelatedTradeID, &e.Description, &created); err != nil {
			return nil, err
		}
		e.Kind = model.LedgerKind(kind)
		e.Amount, _ = decimal.NewFromString(amount)
		e.CreatedAt = parseSQLiteTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const sqliteTradeColumns = `id, user_id, symbol, direction, stake, duration_seconds, entry_price,
	exit_price, status, result, payout, created_at, expires_at, settled_at`

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer rows.Close()

	trades, err := scanSQLiteTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	return &trades[0], nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, status model.TradeStatus) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades
		 WHERE (?1 = '' OR user_id = ?1) AND (?2 = '' OR status = ?2)
		 ORDER BY seq`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLiteTrades(rows)
}

func (s *SQLiteStore) GetOutcomeMode(ctx context.Context, userID string) (*model.OutcomeSetting, error) {
	var o model.OutcomeSetting
	var mode, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, mode, updated_at FROM outcome_modes WHERE user_id = ?`, userID).
		Scan(&o.UserID, &mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outcome mode for %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome mode %s: %w", userID, err)
	}
	o.Mode = model.OutcomeMode(mode)
	o.UpdatedAt = parseSQLiteTime(updated)
	return &o, nil
}

func (s *SQLiteStore) SetOutcomeMode(ctx context.Context, o *model.OutcomeSetting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcome_modes (user_id, mode, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		o.UserID, string(o.Mode), formatSQLiteTime(o.UpdatedAt))
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanSQLiteTrades(rows *sql.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var direction, stake, entry, status, result, payout, created, expires string
		var exit, settled sql.NullString

		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &direction, &stake, &t.DurationSeconds, &entry,
			&exit, &status, &result, &payout, &created, &expires, &settled); err != nil {
			return nil, err
		}

		t.Direction = model.Direction(direction)
		t.Status = model.TradeStatus(status)
		t.Result = model.Result(result)
		t.Stake, _ = decimal.NewFromString(stake)
		t.EntryPrice, _ = decimal.NewFromString(entry)
		t.Payout, _ = decimal.NewFromString(payout)
		t.CreatedAt = parseSQLiteTime(created)
		t.ExpiresAt = parseSQLiteTime(expires)
		if exit.Valid {
			d, _ := decimal.NewFromString(exit.String)
			t.ExitPrice = &d
		}
		if settled.Valid {
			at := parseSQLiteTime(settled.String)
			t.SettledAt = &at
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseSQLiteTime(s string) time.Time {
	t, _ := time.Parse(sqliteTime, s)
	return t
}
