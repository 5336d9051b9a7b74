package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebot/sim-engine/internal/fill"
)

const minimal = `
data:
  symbols: [AAPL, MSFT]
strategies:
  - id: mom-1
    type: momentum
    params:
      lookback_window: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, 5*time.Second, c.Dispatch.BarTimeout)
	assert.Equal(t, 252, c.Dispatch.PeriodsPerYear)
	assert.True(t, c.Portfolio.InitialCapital.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, "USD", c.Portfolio.Currency)
	assert.Equal(t, 5.0, c.Risk.MaxPositionSizePct)
	assert.Equal(t, 10.0, c.Risk.MaxDrawdownPct)
	assert.Equal(t, 3.0, c.Risk.MaxDailyLossPct)
	assert.True(t, c.RiskConfig().AutoDisable)
	assert.True(t, c.Policy().CloseOnFlat)
	assert.Equal(t, []int{5, 10, 20}, c.Features.SMAPeriods)
	assert.Equal(t, "majority", c.Ensemble.Method)
	assert.Equal(t, 10, c.Strategies[0].Params["lookback_window"])

	sim := c.Simulator()
	assert.Equal(t, fill.Instant, sim.Model)
	assert.True(t, sim.SlippageBps.Equal(decimal.NewFromInt(5)))
}

func TestLoadOverrides(t *testing.T) {
	c, err := Load(writeConfig(t, minimal+`
portfolio:
  initial_capital: "250000.50"
  currency: EUR
execution:
  model: realistic
  commission_per_trade: 0.5
risk:
  auto_disable: false
  max_drawdown_pct: 20
dispatch:
  workers: 4
  bar_timeout: 250ms
`))
	require.NoError(t, err)

	assert.True(t, c.Portfolio.InitialCapital.Equal(decimal.RequireFromString("250000.50")))
	assert.Equal(t, "EUR", c.Portfolio.Currency)
	assert.True(t, c.Execution.CommissionPerTrade.Equal(decimal.RequireFromString("0.5")))
	assert.False(t, c.RiskConfig().AutoDisable)
	assert.Equal(t, 20.0, c.RiskConfig().MaxDrawdownPct)

	dc := c.DispatchConfig()
	assert.Equal(t, 4, dc.Workers)
	assert.Equal(t, 250*time.Millisecond, dc.BarTimeout)

	rc := c.RuntimeConfig(c.Strategies[0])
	assert.Equal(t, "mom-1", rc.ID)
	assert.Equal(t, "EUR", rc.Currency)
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, minimal))
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/sim")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	c, err := LoadWithEnv()
	require.NoError(t, err)
	assert.Equal(t, "9090", c.Server.Port)
	assert.Equal(t, "postgres://localhost/sim", c.Storage.PostgresURL)
	assert.Equal(t, "redis://localhost:6379/0", c.Storage.RedisURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Load(writeConfig(t, `
data:
  symbols: []
portfolio:
  initial_capital: -5
execution:
  slippage_bps: -1
strategies:
  - id: a
    type: momentum
  - id: a
    type: sma_crossover
`))
	require.ErrorIs(t, err, ErrInvalid)
	msg := err.Error()
	assert.Contains(t, msg, "Data.Symbols")
	assert.Contains(t, msg, "initial_capital must be positive")
	assert.Contains(t, msg, "slippage_bps must not be negative")
	assert.Contains(t, msg, `duplicate id "a"`)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "data: [unclosed"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, minimal+"execution:\n  model: magic\n"))
	require.ErrorIs(t, err, ErrInvalid)
}
