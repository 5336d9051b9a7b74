// Package config loads the engine configuration from YAML, applies defaults
// and environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/firebot/sim-engine/internal/aggregate"
	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/features"
	"github.com/firebot/sim-engine/internal/fill"
	"github.com/firebot/sim-engine/internal/limits"
	"github.com/firebot/sim-engine/internal/risk"
	"github.com/firebot/sim-engine/internal/runtime"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("config: invalid")

var validate = validator.New()

type Config struct {
	App       App             `yaml:"app"`
	Server    Server          `yaml:"server"`
	Data      Data            `yaml:"data"`
	Features  features.Config `yaml:"features"`
	Execution Execution       `yaml:"execution"`
	Risk      Risk            `yaml:"risk"`
	Portfolio Portfolio       `yaml:"portfolio"`
	Sizing    Sizing          `yaml:"sizing"`
	Dispatch  Dispatch        `yaml:"dispatch"`
	Ensemble  Ensemble        `yaml:"ensemble"`
	// Strategies run side by side, each with its own ledger.
	Strategies []Strategy `yaml:"strategies" validate:"min=1,dive"`
	Storage    Storage    `yaml:"storage"`
	Kafka      Kafka      `yaml:"kafka"`
}

type App struct {
	Name     string `yaml:"name" default:"sim-engine"`
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`
}

type Server struct {
	Port            string        `yaml:"port" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"5s"`
}

type Data struct {
	Dir        string   `yaml:"dir" default:"data"`
	Symbols    []string `yaml:"symbols" validate:"min=1,dive,required"`
	Resolution string   `yaml:"resolution" default:"1d"`
	// From and To accept RFC 3339, a date, or unix seconds/milliseconds.
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type Execution struct {
	Model              string          `yaml:"model" default:"instant" validate:"oneof=instant realistic"`
	SlippageBps        decimal.Decimal `yaml:"slippage_bps" default:"5"`
	CommissionPerTrade decimal.Decimal `yaml:"commission_per_trade" default:"1"`
	ParticipationRate  decimal.Decimal `yaml:"participation_rate" default:"0.1"`
	ImpactBps          decimal.Decimal `yaml:"impact_bps" default:"10"`
}

type Risk struct {
	MaxPositionSizePct  float64 `yaml:"max_position_size_pct" default:"5" validate:"gte=0,lte=100"`
	MaxGrossExposurePct float64 `yaml:"max_gross_exposure_pct" validate:"gte=0"`
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct" default:"10" validate:"gte=0,lte=100"`
	MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct" default:"3" validate:"gte=0,lte=100"`
	LosingStreak        int     `yaml:"losing_streak" validate:"gte=0"`
	AutoDisable         *bool   `yaml:"auto_disable" default:"true"`
}

type Portfolio struct {
	InitialCapital decimal.Decimal `yaml:"initial_capital" default:"100000"`
	Currency       string          `yaml:"currency" default:"USD" validate:"len=3"`
}

type Sizing struct {
	MaxPositionFraction decimal.Decimal `yaml:"max_position_fraction" default:"0.05"`
	MinConfidence       float64         `yaml:"min_confidence" validate:"gte=0,lte=1"`
	AllowShort          bool            `yaml:"allow_short"`
	CloseOnFlat         *bool           `yaml:"close_on_flat" default:"true"`
	StopLossPct         float64         `yaml:"stop_loss_pct" validate:"gte=0,lt=100"`
	TakeProfitPct       float64         `yaml:"take_profit_pct" validate:"gte=0"`
}

type Dispatch struct {
	// Workers of zero runs every strategy concurrently.
	Workers        int           `yaml:"workers" validate:"gte=0"`
	BarTimeout     time.Duration `yaml:"bar_timeout" default:"5s" validate:"gte=0"`
	PeriodsPerYear int           `yaml:"periods_per_year" default:"252" validate:"gt=0"`
}

type Ensemble struct {
	Enabled          bool `yaml:"enabled"`
	aggregate.Config `yaml:",inline"`
}

type Strategy struct {
	ID   string `yaml:"id" validate:"required"`
	Type string `yaml:"type" validate:"required"`
	// Symbols restricts the strategy to a subset of the data symbols.
	Symbols []string       `yaml:"symbols"`
	Params  map[string]any `yaml:"params"`
}

type Storage struct {
	PostgresURL string        `yaml:"postgres_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl" default:"30s"`
}

type Kafka struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"sim-engine.events"`
	BatchSize    int           `yaml:"batch_size" default:"100" validate:"gt=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout" default:"1s"`
}

// Load reads path (when non-empty), applies defaults and validates.
func Load(path string) (*Config, error) {
	return load(path, false)
}

// LoadWithEnv loads CONFIG_PATH and overrides it with environment variables.
func LoadWithEnv() (*Config, error) {
	return load(os.Getenv("CONFIG_PATH"), true)
}

func load(path string, env bool) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if env {
		c.applyEnv()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
}

// Validate runs struct validation plus the decimal checks the validator
// cannot express. All failures are reported together.
func (c *Config) Validate() error {
	var errs error
	var verrs validator.ValidationErrors
	if err := validate.Struct(c); errors.As(err, &verrs) {
		for _, fe := range verrs {
			errs = multierr.Append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
	} else if err != nil {
		errs = multierr.Append(errs, err)
	}

	if !c.Portfolio.InitialCapital.IsPositive() {
		errs = multierr.Append(errs, errors.New("portfolio.initial_capital must be positive"))
	}
	if c.Execution.SlippageBps.IsNegative() {
		errs = multierr.Append(errs, errors.New("execution.slippage_bps must not be negative"))
	}
	if c.Execution.CommissionPerTrade.IsNegative() {
		errs = multierr.Append(errs, errors.New("execution.commission_per_trade must not be negative"))
	}
	if c.Execution.Model == string(fill.Realistic) && !c.Execution.ParticipationRate.IsPositive() {
		errs = multierr.Append(errs, errors.New("execution.participation_rate must be positive for the realistic model"))
	}
	if f := c.Sizing.MaxPositionFraction; !f.IsPositive() || f.GreaterThan(decimal.NewFromInt(1)) {
		errs = multierr.Append(errs, errors.New("sizing.max_position_fraction must be in (0, 1]"))
	}

	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.ID] {
			errs = multierr.Append(errs, fmt.Errorf("strategies: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// LogLevel maps App.LogLevel to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.App.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Simulator returns the fill simulator settings.
func (c *Config) Simulator() fill.Config {
	return fill.Config{
		Model:             fill.Model(c.Execution.Model),
		SlippageBps:       c.Execution.SlippageBps,
		Commission:        c.Execution.CommissionPerTrade,
		ParticipationRate: c.Execution.ParticipationRate,
		ImpactBps:         c.Execution.ImpactBps,
	}
}

// Limiter returns the position limiter for the risk section.
func (c *Config) Limiter() *limits.PositionLimiter {
	return limits.NewPositionLimiter(c.Risk.MaxPositionSizePct, c.Risk.MaxGrossExposurePct)
}

// RiskConfig returns the governor settings.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		MaxDrawdownPct:  c.Risk.MaxDrawdownPct,
		MaxDailyLossPct: c.Risk.MaxDailyLossPct,
		LosingStreak:    c.Risk.LosingStreak,
		AutoDisable:     c.Risk.AutoDisable == nil || *c.Risk.AutoDisable,
	}
}

// Policy returns the sizing policy.
func (c *Config) Policy() runtime.Policy {
	return runtime.Policy{
		MaxPositionFraction: c.Sizing.MaxPositionFraction,
		MinConfidence:       c.Sizing.MinConfidence,
		AllowShort:          c.Sizing.AllowShort,
		CloseOnFlat:         c.Sizing.CloseOnFlat == nil || *c.Sizing.CloseOnFlat,
		StopLossPct:         c.Sizing.StopLossPct,
		TakeProfitPct:       c.Sizing.TakeProfitPct,
	}
}

// DispatchConfig returns the dispatcher settings.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Workers:        c.Dispatch.Workers,
		BarTimeout:     c.Dispatch.BarTimeout,
		PeriodsPerYear: c.Dispatch.PeriodsPerYear,
	}
}

// RuntimeConfig returns the runtime settings for one configured strategy.
func (c *Config) RuntimeConfig(s Strategy) runtime.Config {
	return runtime.Config{
		ID:             s.ID,
		InitialCapital: c.Portfolio.InitialCapital,
		Currency:       c.Portfolio.Currency,
		Symbols:        s.Symbols,
		Policy:         c.Policy(),
		Risk:           c.RiskConfig(),
	}
}
