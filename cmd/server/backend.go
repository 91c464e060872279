package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/config"
	"github.com/atmx/options-engine/internal/store"
)

// backend is the durable store plus the connections behind it.
type backend struct {
	store   store.Store
	rdb     *redis.Client // nil without REDIS_URL
	cleanup []func()
}

// openBackend picks the durable store: PostgreSQL when DATABASE_URL is set,
// else SQLite when SQLITE_PATH is set, else process memory. Redis, when
// configured, fronts the store as a read-through cache.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	switch {
	case cfg.Store.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		b.cleanup = append(b.cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("schema bootstrap failed: %w", err)
		}
		b.store = pg
		slog.Info("connected to PostgreSQL")

	case cfg.Store.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { lite.Close() })
		b.store = lite
		slog.Info("using SQLite store", "path", cfg.Store.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}

	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		b.rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.rdb.Close() })
		b.store = store.NewCachedStore(b.store, b.rdb, cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
	}

	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
	b.cleanup = nil
}
