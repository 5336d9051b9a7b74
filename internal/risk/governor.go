// Package risk implements the per-strategy risk governor: a one-way
// ACTIVE → DISABLED state machine driven by pluggable breach rules.
package risk

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

// Config is the risk section of the configuration. A zero limit disables
// the corresponding rule.
type Config struct {
	MaxDrawdownPct  float64
	MaxDailyLossPct float64
	// LosingStreak is the number of consecutive bars with negative
	// closed-trade PnL that counts as sustained underperformance.
	LosingStreak int
	AutoDisable  bool
}

// DefaultConfig mirrors the stock risk settings.
func DefaultConfig() Config {
	return Config{MaxDrawdownPct: 10, MaxDailyLossPct: 3, AutoDisable: true}
}

// Rules builds a fresh rule set for cfg.
func Rules(cfg Config) []Rule {
	var rules []Rule
	if cfg.MaxDrawdownPct > 0 {
		rules = append(rules, &DrawdownRule{MaxPct: decimal.NewFromFloat(cfg.MaxDrawdownPct)})
	}
	if cfg.MaxDailyLossPct > 0 {
		rules = append(rules, &DailyLossRule{MaxPct: decimal.NewFromFloat(cfg.MaxDailyLossPct)})
	}
	if cfg.LosingStreak > 0 {
		rules = append(rules, &LosingStreakRule{Bars: cfg.LosingStreak})
	}
	return rules
}

// Governor tracks the risk state of one strategy. Not safe for concurrent
// use; each runtime owns one.
type Governor struct {
	strategyID  string
	autoDisable bool
	rules       []Rule
	state       model.RiskState
	observed    map[string]bool
	logger      *slog.Logger
}

// NewGovernor creates an ACTIVE governor with the rules built from cfg.
func NewGovernor(strategyID string, cfg Config, logger *slog.Logger) *Governor {
	return NewGovernorWithRules(strategyID, cfg.AutoDisable, logger, Rules(cfg)...)
}

// NewGovernorWithRules creates an ACTIVE governor with explicit rules.
func NewGovernorWithRules(strategyID string, autoDisable bool, logger *slog.Logger, rules ...Rule) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		strategyID:  strategyID,
		autoDisable: autoDisable,
		rules:       rules,
		state:       model.RiskState{StrategyID: strategyID, Status: model.RiskActive},
		observed:    make(map[string]bool),
		logger:      logger.With("strategy", strategyID),
	}
}

// Evaluate checks snap against every rule. With auto-disable on, the first
// breach disables the governor and its transition event is returned. With it
// off, each rule reports one observation event (From == To) the first time
// it breaches. A disabled governor never re-enables.
func (g *Governor) Evaluate(snap model.Snapshot) []model.RiskEvent {
	if g.state.Status == model.RiskDisabled {
		return nil
	}

	// Every rule sees every snapshot so stateful rules stay current.
	var breached []string
	for _, rule := range g.rules {
		if rule.Breached(snap) {
			breached = append(breached, rule.Name())
		}
	}

	var events []model.RiskEvent
	for _, reason := range breached {
		ev := model.RiskEvent{
			StrategyID: g.strategyID,
			From:       model.RiskActive,
			To:         model.RiskActive,
			Reason:     reason,
			Timestamp:  snap.Timestamp,
			Equity:     snap.Equity,
			Drawdown:   snap.Drawdown,
		}

		if g.autoDisable {
			ts := snap.Timestamp
			ev.To = model.RiskDisabled
			g.state.Status = model.RiskDisabled
			g.state.Reason = reason
			g.state.TransitionedAt = &ts
			g.logger.Warn("strategy disabled",
				"reason", reason,
				"equity", snap.Equity.String(),
				"drawdown", snap.Drawdown.StringFixed(4),
			)
			return []model.RiskEvent{ev}
		}

		if g.observed[reason] {
			continue
		}
		g.observed[reason] = true
		g.logger.Warn("risk limit breached, auto-disable off",
			"reason", reason,
			"equity", snap.Equity.String(),
		)
		events = append(events, ev)
	}
	return events
}

// Allow returns an error wrapping model.ErrRiskBreach once the strategy has
// been disabled.
func (g *Governor) Allow() error {
	if g.state.Status == model.RiskDisabled {
		return fmt.Errorf("%w: %s disabled: %s", model.ErrRiskBreach, g.strategyID, g.state.Reason)
	}
	return nil
}

// Disabled reports whether the governor has tripped.
func (g *Governor) Disabled() bool { return g.state.Status == model.RiskDisabled }

// State returns a copy of the current state.
func (g *Governor) State() model.RiskState {
	s := g.state
	if s.TransitionedAt != nil {
		ts := *s.TransitionedAt
		s.TransitionedAt = &ts
	}
	return s
}
