package features

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

func bar(sym string, i int, close float64) model.PriceBar {
	c := decimal.NewFromFloat(close)
	return model.PriceBar{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		Symbol:    sym,
		Open:      c, High: c, Low: c, Close: c,
		Volume: decimal.NewFromInt(10),
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTechnical_WarmUp(t *testing.T) {
	p := NewTechnical(Config{SMAPeriods: []int{3}, VolatilityPeriod: 3, MomentumPeriod: 2, RSIPeriod: 2})

	f := p.Update(bar("AAPL", 0, 100))
	if len(f) != 2 || f["close"] != 100 || f["volume"] != 10 {
		t.Fatalf("first bar should only carry close and volume, got %v", f)
	}

	f = p.Update(bar("AAPL", 1, 110))
	if _, ok := f["sma_3"]; ok {
		t.Error("sma_3 present before three bars")
	}
	if !near(f["returns"], 0.1) {
		t.Errorf("expected returns 0.1, got %v", f["returns"])
	}

	f = p.Update(bar("AAPL", 2, 121))
	if !near(f["sma_3"], 110.33333333333333) {
		t.Errorf("expected sma_3 110.333, got %v", f["sma_3"])
	}
	if !near(f["momentum_2"], 0.21) {
		t.Errorf("expected momentum_2 0.21, got %v", f["momentum_2"])
	}
	if f["rsi_2"] != 100 {
		t.Errorf("expected rsi_2 100 on a straight rise, got %v", f["rsi_2"])
	}
	if !near(f["volatility"], 0) {
		t.Errorf("expected zero volatility for constant returns, got %v", f["volatility"])
	}
	for k, v := range f {
		if math.IsNaN(v) {
			t.Errorf("%s is NaN", k)
		}
	}
}

func TestTechnical_SymbolsIndependent(t *testing.T) {
	p := NewTechnical(Config{SMAPeriods: []int{2}, VolatilityPeriod: 2, MomentumPeriod: 1, RSIPeriod: 2})

	p.Update(bar("AAPL", 0, 100))
	f := p.Update(bar("MSFT", 0, 300))
	if _, ok := f["returns"]; ok {
		t.Error("MSFT returns computed from AAPL history")
	}
	f = p.Update(bar("AAPL", 1, 102))
	if !near(f["sma_2"], 101) {
		t.Errorf("expected sma_2 101, got %v", f["sma_2"])
	}
}

func TestTechnical_Names(t *testing.T) {
	p := NewTechnical(Config{SMAPeriods: []int{5}, VolatilityPeriod: 20, MomentumPeriod: 10, RSIPeriod: 14})
	names := p.Names()
	want := []string{"close", "momentum_10", "returns", "rsi_14", "sma_5", "volatility", "volume"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %v, got %v", want, names)
			break
		}
	}
}
