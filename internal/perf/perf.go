// Package perf computes performance statistics from equity curves and trade
// history.
package perf

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

// DefaultPeriodsPerYear assumes daily bars.
const DefaultPeriodsPerYear = 252

// ratioCap bounds ratios that would otherwise be infinite.
const ratioCap = 100.0

const epsilon = 1e-12

// Point is one sample of an equity curve.
type Point struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// Stats summarises one strategy's run.
type Stats struct {
	TotalReturn  float64 `json:"total_return"`
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Volatility   float64 `json:"volatility"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	Trades       int     `json:"trades"`
}

// Compute derives Stats from an equity curve and trade history.
func Compute(curve []Point, trades []model.TradeRecord, periodsPerYear int) Stats {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	rets := Returns(curve)

	s := Stats{
		Sharpe:       Sharpe(rets, 0, periodsPerYear),
		Sortino:      Sortino(rets, 0, periodsPerYear),
		MaxDrawdown:  MaxDrawdown(curve).InexactFloat64(),
		WinRate:      WinRate(trades),
		ProfitFactor: ProfitFactor(trades),
		Trades:       len(trades),
	}
	if len(rets) >= 2 {
		s.Volatility = stddev(rets) * math.Sqrt(float64(periodsPerYear))
	}
	if len(curve) >= 2 && curve[0].Equity.IsPositive() {
		s.TotalReturn = curve[len(curve)-1].Equity.Sub(curve[0].Equity).Div(curve[0].Equity).InexactFloat64()
	}
	return s
}

// Returns computes simple period returns, skipping points after a zero.
func Returns(curve []Point) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		out = append(out, curve[i].Equity.Sub(prev).Div(prev).InexactFloat64())
	}
	return out
}

// Sharpe is the annualised mean excess return over its standard deviation.
func Sharpe(rets []float64, riskFree float64, periodsPerYear int) float64 {
	if len(rets) < 2 {
		return 0
	}
	std := stddev(rets)
	if std < epsilon {
		return 0
	}
	excess := mean(rets) - riskFree/float64(periodsPerYear)
	return excess / std * math.Sqrt(float64(periodsPerYear))
}

// Sortino is Sharpe with downside deviation in the denominator. With no
// losing periods it returns a capped value.
func Sortino(rets []float64, riskFree float64, periodsPerYear int) float64 {
	if len(rets) < 2 {
		return 0
	}
	var downside float64
	for _, r := range rets {
		if r < 0 {
			downside += r * r
		}
	}
	dd := math.Sqrt(downside / float64(len(rets)))
	if dd < epsilon {
		return ratioCap
	}
	excess := mean(rets) - riskFree/float64(periodsPerYear)
	return excess / dd * math.Sqrt(float64(periodsPerYear))
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction.
func MaxDrawdown(curve []Point) decimal.Decimal {
	maxDD := decimal.Zero
	if len(curve) < 2 {
		return maxDD
	}
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsPositive() {
			continue
		}
		if dd := peak.Sub(p.Equity).Div(peak); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// WinRate is the share of closing trades with positive realized PnL.
// Opening trades, whose realized PnL is only the commission, are ignored.
func WinRate(trades []model.TradeRecord) float64 {
	var wins, closing int
	for _, t := range trades {
		gross := t.RealizedPnL.Add(t.Fill.Commission)
		if gross.IsZero() {
			continue
		}
		closing++
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	if closing == 0 {
		return 0
	}
	return float64(wins) / float64(closing)
}

// ProfitFactor is gross profit over gross loss, capped when there is no loss.
func ProfitFactor(trades []model.TradeRecord) float64 {
	profit, loss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.RealizedPnL.IsPositive() {
			profit = profit.Add(t.RealizedPnL)
		} else {
			loss = loss.Add(t.RealizedPnL.Neg())
		}
	}
	if loss.IsZero() {
		if profit.IsPositive() {
			return ratioCap
		}
		return 0
	}
	return profit.Div(loss).InexactFloat64()
}

func mean(xs []float64) float64 {
	return talib.Sma(xs, len(xs))[len(xs)-1]
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	return talib.StdDev(xs, len(xs), 1)[len(xs)-1]
}
