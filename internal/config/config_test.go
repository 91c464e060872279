package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Trading.DefaultBalance.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 0.5, cfg.Trading.WinProbability)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.Server.AdminTimeout)
	assert.Equal(t, 2*time.Second, cfg.Store.DurableTimeout)
	assert.True(t, cfg.Risk.MaxStake.IsZero())
	assert.Nil(t, cfg.ProfitRates)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_BALANCE", "2500.75")
	t.Setenv("WIN_PROBABILITY", "0.3")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("RISK_MAX_STAKE", "5000")
	t.Setenv("SCHEDULER_SWEEP_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.Trading.DefaultBalance.Equal(decimal.RequireFromString("2500.75")))
	assert.Equal(t, 0.3, cfg.Trading.WinProbability)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Audit.KafkaBrokers)
	assert.True(t, cfg.Risk.MaxStake.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadConfig_EnvFile(t *testing.T) {
	path := writeFile(t, "test.env", "PORT=7070\nSQLITE_PATH=/tmp/engine.db\n")
	// godotenv never overrides variables that are already set.
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")
	t.Setenv("SQLITE_PATH", "")
	os.Unsetenv("SQLITE_PATH")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "/tmp/engine.db", cfg.Store.SQLitePath)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err, "an explicit file must exist")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"WIN_PROBABILITY", "1.5"},
		{"WIN_PROBABILITY", "abc"},
		{"DEFAULT_BALANCE", "-1"},
		{"DEFAULT_BALANCE", "lots"},
		{"SCHEDULER_WORKERS", "0"},
		{"SCHEDULER_SWEEP_INTERVAL", "10ms"},
		{"RISK_MAX_OPEN_TOTAL", "-100"},
		{"LOG_LEVEL", "chatty"},
		{"RATE_LIMIT_BURST", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestLoadProfitRates(t *testing.T) {
	path := writeFile(t, "rates.yaml", `
profit_rates:
  - duration: 30
    rate: "0.12"
  - duration: 90
    rate: "0.18"
`)
	t.Setenv("PROFIT_RATES_FILE", path)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Len(t, cfg.ProfitRates, 2)
	assert.True(t, cfg.ProfitRates[30].Equal(decimal.RequireFromString("0.12")))
	assert.True(t, cfg.ProfitRates[90].Equal(decimal.RequireFromString("0.18")))
}

func TestLoadProfitRates_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":     "profit_rates: []\n",
		"negative":  "profit_rates:\n  - duration: 30\n    rate: \"-0.1\"\n",
		"zero dur":  "profit_rates:\n  - duration: 0\n    rate: \"0.1\"\n",
		"not num":   "profit_rates:\n  - duration: 30\n    rate: \"ten\"\n",
		"duplicate": "profit_rates:\n  - duration: 30\n    rate: \"0.1\"\n  - duration: 30\n    rate: \"0.2\"\n",
		"bad yaml":  "profit_rates: [\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadProfitRates(writeFile(t, "rates.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadProfitRates(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
