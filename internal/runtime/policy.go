package runtime

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/firebot/sim-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Policy turns a signal into a target position. It is pure configuration.
type Policy struct {
	// MaxPositionFraction of equity committed at full confidence.
	MaxPositionFraction decimal.Decimal
	// MinConfidence below which signals are ignored.
	MinConfidence float64
	AllowShort    bool
	CloseOnFlat   bool
	// StopLossPct and TakeProfitPct attach protective children relative to
	// the entry price. Zero disables.
	StopLossPct   float64
	TakeProfitPct float64
}

// DefaultPolicy commits up to 5% of equity per position.
func DefaultPolicy() Policy {
	return Policy{
		MaxPositionFraction: decimal.NewFromFloat(0.05),
		CloseOnFlat:         true,
	}
}

// Target returns the absolute quantity the signal asks for:
// floor(equity × MaxPositionFraction × confidence / price).
func (p Policy) Target(sig model.Signal, equity, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !equity.IsPositive() {
		return decimal.Zero
	}
	return equity.
		Mul(p.MaxPositionFraction).
		Mul(decimal.NewFromFloat(sig.Confidence)).
		Div(price).
		Floor()
}

// Size returns the side and quantity needed to move from current towards
// the signal. ok is false when no order is needed.
func (p Policy) Size(sig model.Signal, current, equity, price decimal.Decimal) (side model.Side, qty decimal.Decimal, ok bool) {
	if sig.Confidence < p.MinConfidence {
		return "", decimal.Zero, false
	}
	target := p.Target(sig, equity, price)

	switch sig.Direction {
	case model.Long:
		if current.IsPositive() {
			return "", decimal.Zero, false
		}
		side, qty = model.Buy, target.Sub(current)
	case model.Short:
		switch {
		case current.IsNegative():
			return "", decimal.Zero, false
		case p.AllowShort:
			side, qty = model.Sell, target.Add(current)
		default:
			side, qty = model.Sell, current
		}
	case model.Flat:
		if !p.CloseOnFlat || current.IsZero() {
			return "", decimal.Zero, false
		}
		side, qty = model.Sell, current
		if current.IsNegative() {
			side, qty = model.Buy, current.Neg()
		}
	}

	if !qty.IsPositive() {
		return "", decimal.Zero, false
	}
	return side, qty, true
}

// limitPrice reads an optional "limit_price" from signal metadata. ok is
// true when the key is present; price is nil if it does not parse.
func limitPrice(sig model.Signal) (price *decimal.Decimal, ok bool) {
	v, ok := sig.Metadata["limit_price"]
	if !ok {
		return nil, false
	}
	d, err := decimal.NewFromString(cast.ToString(v))
	if err != nil || !d.IsPositive() {
		return nil, true
	}
	return &d, true
}

// brackets returns the trigger prices of the stop-loss and take-profit for
// a position; nil when disabled.
func (p Policy) brackets(pos model.Position) (stop, take *decimal.Decimal) {
	dir := decimal.NewFromInt(int64(pos.Quantity.Sign()))
	if p.StopLossPct > 0 {
		off := decimal.NewFromFloat(p.StopLossPct).Div(hundred).Mul(dir)
		v := pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(off))
		stop = &v
	}
	if p.TakeProfitPct > 0 {
		off := decimal.NewFromFloat(p.TakeProfitPct).Div(hundred).Mul(dir)
		v := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(off))
		take = &v
	}
	return stop, take
}
