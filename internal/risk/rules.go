package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

// Breach reasons.
const (
	ReasonMaxDrawdown    = "max_drawdown_breach"
	ReasonMaxDailyLoss   = "max_daily_loss_breach"
	ReasonUnderperformed = "sustained_underperformance"
)

var hundred = decimal.NewFromInt(100)

// Rule inspects one snapshot and reports whether its limit is breached.
// Rules may keep state across snapshots, so each governor owns its own.
type Rule interface {
	Name() string
	Breached(snap model.Snapshot) bool
}

// DrawdownRule breaches when drawdown from the high-water mark reaches
// MaxPct percent.
type DrawdownRule struct {
	MaxPct decimal.Decimal
}

func (r *DrawdownRule) Name() string { return ReasonMaxDrawdown }

func (r *DrawdownRule) Breached(snap model.Snapshot) bool {
	return snap.Drawdown.Mul(hundred).GreaterThanOrEqual(r.MaxPct)
}

// DailyLossRule breaches when equity falls MaxPct percent below the first
// equity observed on the same UTC day.
type DailyLossRule struct {
	MaxPct decimal.Decimal

	day      time.Time
	dayStart decimal.Decimal
}

func (r *DailyLossRule) Name() string { return ReasonMaxDailyLoss }

func (r *DailyLossRule) Breached(snap model.Snapshot) bool {
	day := snap.Timestamp.UTC().Truncate(24 * time.Hour)
	if !day.Equal(r.day) {
		r.day = day
		r.dayStart = snap.Equity
	}
	if !r.dayStart.IsPositive() {
		return false
	}
	loss := r.dayStart.Sub(snap.Equity).Div(r.dayStart).Mul(hundred)
	return loss.GreaterThanOrEqual(r.MaxPct)
}

// LosingStreakRule breaches after closed-trade PnL has been negative at the
// end of Bars consecutive bar timestamps. Opening commissions do not count.
// Snapshots sharing a timestamp are one bar; the latest one decides it.
type LosingStreakRule struct {
	Bars int

	last   time.Time
	prior  int
	streak int
}

func (r *LosingStreakRule) Name() string { return ReasonUnderperformed }

func (r *LosingStreakRule) Breached(snap model.Snapshot) bool {
	if !snap.Timestamp.Equal(r.last) {
		r.last = snap.Timestamp
		r.prior = r.streak
	}
	if snap.ClosedPnL.IsNegative() {
		r.streak = r.prior + 1
	} else {
		r.streak = 0
	}
	return r.streak >= r.Bars
}
