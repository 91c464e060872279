// Package config loads engine settings from the environment, an optional
// .env file, and an optional YAML profit-rate table.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// HTTP server
	Server struct {
		Port            string        `envconfig:"PORT" default:"8080"`
		ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
		AdminTimeout    time.Duration `envconfig:"ADMIN_REQUEST_TIMEOUT" default:"10s"`
		RateLimitRPS    float64       `envconfig:"RATE_LIMIT_RPS" default:"20"`
		RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" default:"40"`
	}

	Log struct {
		Level string `envconfig:"LOG_LEVEL" default:"info"`
	}

	// Storage backends, tried in order: Postgres, SQLite, memory.
	Store struct {
		DatabaseURL    string        `envconfig:"DATABASE_URL"`
		SQLitePath     string        `envconfig:"SQLITE_PATH"`
		RedisURL       string        `envconfig:"REDIS_URL"`
		CacheTTL       time.Duration `envconfig:"CACHE_TTL" default:"30s"`
		DurableTimeout time.Duration `envconfig:"DURABLE_TIMEOUT" default:"2s"`
	}

	Audit struct {
		KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
		KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"options.audit"`
	}

	Trading struct {
		DefaultBalance  decimal.Decimal `envconfig:"DEFAULT_BALANCE" default:"10000"`
		WinProbability  float64         `envconfig:"WIN_PROBABILITY" default:"0.5"`
		ProfitRatesFile string          `envconfig:"PROFIT_RATES_FILE"`
		PriceTick       time.Duration   `envconfig:"PRICE_TICK" default:"1s"`
	}

	// Zero disables a limit.
	Risk struct {
		MinStake         decimal.Decimal `envconfig:"RISK_MIN_STAKE" default:"0"`
		MaxStake         decimal.Decimal `envconfig:"RISK_MAX_STAKE" default:"0"`
		MaxOpenPerSymbol decimal.Decimal `envconfig:"RISK_MAX_OPEN_PER_SYMBOL" default:"0"`
		MaxOpenTotal     decimal.Decimal `envconfig:"RISK_MAX_OPEN_TOTAL" default:"0"`
	}

	Scheduler struct {
		Workers       int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
		SweepInterval time.Duration `envconfig:"SCHEDULER_SWEEP_INTERVAL" default:"30s"`
	}

	// ProfitRates is read from ProfitRatesFile; nil means the built-in table.
	ProfitRates map[int]decimal.Decimal `ignored:"true"`
}

// ValidateConfig checks ranges that envconfig cannot express.
func ValidateConfig(cfg *Config) error {
	if cfg.Trading.WinProbability < 0 || cfg.Trading.WinProbability > 1 {
		return fmt.Errorf("WIN_PROBABILITY must be within [0, 1], got %v", cfg.Trading.WinProbability)
	}
	if cfg.Trading.DefaultBalance.IsNegative() {
		return fmt.Errorf("DEFAULT_BALANCE must not be negative, got %s", cfg.Trading.DefaultBalance)
	}
	if cfg.Scheduler.Workers < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.SweepInterval < time.Second {
		return fmt.Errorf("SCHEDULER_SWEEP_INTERVAL must be at least 1s, got %s", cfg.Scheduler.SweepInterval)
	}
	if cfg.Server.AdminTimeout <= 0 || cfg.Store.DurableTimeout <= 0 {
		return errors.New("ADMIN_REQUEST_TIMEOUT and DURABLE_TIMEOUT must be positive")
	}
	if cfg.Server.RateLimitRPS <= 0 || cfg.Server.RateLimitBurst < 1 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	for name, v := range map[string]decimal.Decimal{
		"RISK_MIN_STAKE":           cfg.Risk.MinStake,
		"RISK_MAX_STAKE":           cfg.Risk.MaxStake,
		"RISK_MAX_OPEN_PER_SYMBOL": cfg.Risk.MaxOpenPerSymbol,
		"RISK_MAX_OPEN_TOTAL":      cfg.Risk.MaxOpenTotal,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative, got %s", name, v)
		}
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadConfig reads envFile (or ./.env when empty and present), then the
// environment, then the profit-rate file, and validates the result.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if cfg.Trading.ProfitRatesFile != "" {
		rates, err := LoadProfitRates(cfg.Trading.ProfitRatesFile)
		if err != nil {
			return nil, err
		}
		cfg.ProfitRates = rates
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ProfitRate is one row of the profit-rate file.
type ProfitRate struct {
	Duration int    `yaml:"duration"` // seconds
	Rate     string `yaml:"rate"`     // decimal string, e.g. "0.15"
}

// ProfitRateFile is the top-level YAML structure.
type ProfitRateFile struct {
	ProfitRates []ProfitRate `yaml:"profit_rates"`
}

// LoadProfitRates reads a duration to rate table from a YAML file.
func LoadProfitRates(path string) (map[int]decimal.Decimal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profit rates: %w", err)
	}

	var file ProfitRateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(file.ProfitRates) == 0 {
		return nil, fmt.Errorf("%s: no profit_rates defined", path)
	}

	rates := make(map[int]decimal.Decimal, len(file.ProfitRates))
	for _, row := range file.ProfitRates {
		if row.Duration <= 0 {
			return nil, fmt.Errorf("%s: duration must be positive, got %d", path, row.Duration)
		}
		if _, dup := rates[row.Duration]; dup {
			return nil, fmt.Errorf("%s: duration %d listed twice", path, row.Duration)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(row.Rate))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid rate %q for %ds: %w", path, row.Rate, row.Duration, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("%s: rate for %ds must be positive, got %s", path, row.Duration, rate)
		}
		rates[row.Duration] = rate
	}
	return rates, nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
