// Package model defines the core domain types shared across the simulation engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the stance expressed by a strategy signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// Side is the side of an order or fill.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PriceBar is one OHLCV observation for a symbol at a given resolution.
// Bars are passed by value and never mutated after construction.
type PriceBar struct {
	Timestamp  time.Time       `json:"timestamp"`
	Symbol     string          `json:"symbol"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Resolution string          `json:"resolution"`
}

// Validate reports whether the bar is usable. The returned error wraps
// ErrMalformedBar.
func (b PriceBar) Validate() error {
	switch {
	case b.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrMalformedBar)
	case b.Timestamp.IsZero():
		return fmt.Errorf("%w: %s: zero timestamp", ErrMalformedBar, b.Symbol)
	case !b.Open.IsPositive(), !b.High.IsPositive(), !b.Low.IsPositive(), !b.Close.IsPositive():
		return fmt.Errorf("%w: %s@%s: prices must be positive", ErrMalformedBar, b.Symbol, b.Timestamp.Format(time.RFC3339))
	case b.Volume.IsNegative():
		return fmt.Errorf("%w: %s@%s: negative volume", ErrMalformedBar, b.Symbol, b.Timestamp.Format(time.RFC3339))
	}

	hi := decimal.Max(b.Open, b.Close, b.Low)
	lo := decimal.Min(b.Open, b.Close, b.High)
	if b.High.LessThan(hi) || b.Low.GreaterThan(lo) {
		return fmt.Errorf("%w: %s@%s: high/low do not bound open/close", ErrMalformedBar, b.Symbol, b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Signal is a strategy's opinion about one symbol at one bar.
type Signal struct {
	Timestamp  time.Time      `json:"timestamp"`
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"direction"`
	Confidence float64        `json:"confidence"` // [0, 1]
	StrategyID string         `json:"strategy_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks direction and confidence bounds.
func (s Signal) Validate() error {
	switch s.Direction {
	case Long, Short, Flat:
	default:
		return fmt.Errorf("signal: unknown direction %q", s.Direction)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal: confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// Fill is the simulated execution of one order. Produced exactly once per
// filled order.
type Fill struct {
	OrderID    string          `json:"order_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`    // post-slippage
	Quantity   decimal.Decimal `json:"quantity"` // always positive
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Notional returns price × quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// Position is a strategy's holding in one symbol. Quantity is signed:
// positive for long, negative for short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"` // volume-weighted
	LastPrice     decimal.Decimal `json:"last_price"`
	MarketValue   decimal.Decimal `json:"market_value"` // quantity × last price
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// TradeRecord is one entry of a ledger's append-only trade history.
type TradeRecord struct {
	Fill          Fill            `json:"fill"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	PositionAfter decimal.Decimal `json:"position_after"`
}

// Snapshot is the per-bar view of a ledger reported to collaborators.
type Snapshot struct {
	StrategyID    string          `json:"strategy_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Currency      string          `json:"currency"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	HighWaterMark decimal.Decimal `json:"high_water_mark"`
	Drawdown      decimal.Decimal `json:"drawdown"` // fraction, 0.1 = 10%
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	ClosedPnL     decimal.Decimal `json:"closed_pnl"` // realized on reducing fills only
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Positions     []Position      `json:"positions"`
	TradeCount    int             `json:"trade_count"`
}

// PositionValue returns Σ market value of the snapshot's positions.
func (s Snapshot) PositionValue() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.MarketValue)
	}
	return total
}

// Frame is what the feed hands the dispatcher for one bar: the bar itself
// and the feature mappings computed for it.
type Frame struct {
	Bar              PriceBar                      `json:"bar"`
	Features         map[string]float64            `json:"features,omitempty"`
	StrategyFeatures map[string]map[string]float64 `json:"strategy_features,omitempty"`
}

// FeaturesFor returns the feature mapping for one strategy, falling back to
// the shared mapping.
func (f Frame) FeaturesFor(strategyID string) map[string]float64 {
	if m, ok := f.StrategyFeatures[strategyID]; ok {
		return m
	}
	return f.Features
}

// Run describes one multi-strategy simulation run.
type Run struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"` // "running", "completed", "stopped"
	Strategies []string   `json:"strategies"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunStopped   = "stopped"
)

// StrategyState is the stored status of one strategy within a run. The
// first fault recorded for a strategy is kept.
type StrategyState struct {
	StrategyID string     `json:"strategy_id"`
	Status     string     `json:"status"`
	Fault      string     `json:"fault,omitempty"`
	FaultAt    *time.Time `json:"fault_at,omitempty"`
	RiskStatus RiskStatus `json:"risk_status,omitempty"`
	RiskReason string     `json:"risk_reason,omitempty"`
}
