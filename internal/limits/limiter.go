// Package limits enforces position-size limits expressed as fractions of
// strategy equity.
//
// Two limits apply to an order that would grow exposure:
//   - per symbol: |resulting market value| ≤ MaxPosition × equity
//   - gross: Σ |market value| across symbols ≤ MaxGross × equity
//
// Orders that only reduce an existing position are always allowed.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// symbol's position beyond the per-symbol maximum.
	ErrPositionLimitExceeded = errors.New("limits: position size limit exceeded")

	// ErrGrossExposureExceeded is returned when a trade would push the
	// aggregate absolute exposure across all symbols beyond the gross maximum.
	ErrGrossExposureExceeded = errors.New("limits: gross exposure limit exceeded")

	// ErrNoEquity is returned when exposure would grow on a ledger whose
	// equity is not positive.
	ErrNoEquity = errors.New("limits: no equity to size against")
)

// PositionLimiter enforces per-symbol and gross exposure limits. A zero
// fraction disables that limit. It is read-only after construction and safe
// to share between strategies.
type PositionLimiter struct {
	// MaxPosition is the maximum absolute market value of one symbol as a
	// fraction of equity (0.05 = 5%).
	MaxPosition decimal.Decimal

	// MaxGross is the maximum summed absolute market value as a fraction of
	// equity.
	MaxGross decimal.Decimal
}

// NewPositionLimiter creates a limiter from percentages, the unit used in
// risk configuration (5.0 = 5% of equity).
func NewPositionLimiter(maxPositionPct, maxGrossPct float64) *PositionLimiter {
	hundred := decimal.NewFromInt(100)
	return &PositionLimiter{
		MaxPosition: decimal.NewFromFloat(maxPositionPct).Div(hundred),
		MaxGross:    decimal.NewFromFloat(maxGrossPct).Div(hundred),
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - symbol: instrument being traded
//   - delta: signed quantity change (+buy / -sell)
//   - price: current reference price of the symbol
//   - equity: current strategy equity
//   - exposures: map of symbol → current signed market value
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(
	symbol string,
	delta, price, equity decimal.Decimal,
	exposures map[string]decimal.Decimal,
) error {
	current := exposures[symbol]
	next := current.Add(delta.Mul(price))

	// Reducing never needs capital.
	if next.Abs().LessThanOrEqual(current.Abs()) && next.Sign()*current.Sign() >= 0 {
		return nil
	}
	if !equity.IsPositive() {
		return ErrNoEquity
	}

	// 1. Per-symbol limit.
	if l.MaxPosition.IsPositive() && next.Abs().GreaterThan(l.MaxPosition.Mul(equity)) {
		return ErrPositionLimitExceeded
	}

	// 2. Gross exposure across every symbol.
	if !l.MaxGross.IsPositive() {
		return nil
	}
	gross := next.Abs()
	for sym, exposure := range exposures {
		if sym == symbol {
			continue // already counted via next above
		}
		gross = gross.Add(exposure.Abs())
	}
	if gross.GreaterThan(l.MaxGross.Mul(equity)) {
		return ErrGrossExposureExceeded
	}
	return nil
}
