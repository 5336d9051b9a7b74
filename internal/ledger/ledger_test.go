package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func fill(side model.Side, qty, price, commission float64) model.Fill {
	return model.Fill{
		OrderID:    "o",
		StrategyID: "s1",
		Symbol:     "AAPL",
		Side:       side,
		Price:      d(price),
		Quantity:   d(qty),
		Commission: d(commission),
		Timestamp:  t0,
	}
}

func bar(close float64, ts time.Time) model.PriceBar {
	c := d(close)
	return model.PriceBar{Timestamp: ts, Symbol: "AAPL", Open: c, High: c, Low: c, Close: c, Volume: d(1000)}
}

func checkReconciles(t *testing.T, l *Ledger) {
	t.Helper()
	snap := l.Snapshot(t0)
	if !snap.Cash.Add(snap.PositionValue()).Equal(snap.Equity) {
		t.Errorf("cash %s + positions %s != equity %s", snap.Cash, snap.PositionValue(), snap.Equity)
	}
	pnl := snap.RealizedPnL.Add(snap.UnrealizedPnL)
	if !pnl.Equal(snap.Equity.Sub(l.InitialCapital())) {
		t.Errorf("realized %s + unrealized %s != equity - initial %s",
			snap.RealizedPnL, snap.UnrealizedPnL, snap.Equity.Sub(l.InitialCapital()))
	}
}

func TestApply_BuyWithSlippageAndCommission(t *testing.T) {
	l := New("s1", d(100000), "USD")

	// 50 × (1 + 5/10000) = 50.025
	if _, err := l.Apply(fill(model.Buy, 10, 50.025, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !l.Cash().Equal(d(99498.75)) {
		t.Errorf("expected cash 99498.75, got %s", l.Cash())
	}
	pos, ok := l.Position("AAPL")
	if !ok {
		t.Fatal("expected open position")
	}
	if !pos.Quantity.Equal(d(10)) {
		t.Errorf("expected quantity 10, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(d(50.025)) {
		t.Errorf("expected entry 50.025, got %s", pos.EntryPrice)
	}

	l.MarkToMarket(bar(50, t0))
	if !l.Equity().Equal(d(99998.75)) {
		t.Errorf("expected equity 99998.75, got %s", l.Equity())
	}
	checkReconciles(t, l)
}

func TestMarkToMarket_Drawdown(t *testing.T) {
	l := New("s1", d(100000), "USD")
	if _, err := l.Apply(fill(model.Buy, 100, 100, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.MarkToMarket(bar(200, t0))
	if !l.HighWaterMark().Equal(d(110000)) {
		t.Fatalf("expected HWM 110000, got %s", l.HighWaterMark())
	}

	l.MarkToMarket(bar(80, t0.Add(time.Hour)))
	if !l.Equity().Equal(d(98000)) {
		t.Fatalf("expected equity 98000, got %s", l.Equity())
	}
	if !l.HighWaterMark().Equal(d(110000)) {
		t.Errorf("HWM must not decrease, got %s", l.HighWaterMark())
	}
	// 12000 / 110000 ≈ 0.10909
	if l.Drawdown().LessThan(d(0.109)) || l.Drawdown().GreaterThan(d(0.1091)) {
		t.Errorf("expected drawdown ≈ 0.10909, got %s", l.Drawdown())
	}
}

func TestApply_AveragesEntry(t *testing.T) {
	l := New("s1", d(100000), "USD")
	l.Apply(fill(model.Buy, 10, 100, 0))
	l.Apply(fill(model.Buy, 10, 110, 0))

	pos, _ := l.Position("AAPL")
	if !pos.Quantity.Equal(d(20)) {
		t.Errorf("expected quantity 20, got %s", pos.Quantity)
	}
	if !pos.EntryPrice.Equal(d(105)) {
		t.Errorf("expected entry 105, got %s", pos.EntryPrice)
	}
}

func TestApply_PartialCloseRealizesPnL(t *testing.T) {
	l := New("s1", d(100000), "USD")
	l.Apply(fill(model.Buy, 10, 100, 0))

	rec, err := l.Apply(fill(model.Sell, 4, 110, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.RealizedPnL.Equal(d(40)) {
		t.Errorf("expected realized 40, got %s", rec.RealizedPnL)
	}
	if !rec.PositionAfter.Equal(d(6)) {
		t.Errorf("expected position after 6, got %s", rec.PositionAfter)
	}
	pos, _ := l.Position("AAPL")
	if !pos.EntryPrice.Equal(d(100)) {
		t.Errorf("entry must not change on reduce, got %s", pos.EntryPrice)
	}
	checkReconciles(t, l)
}

func TestApply_ShortRoundTrip(t *testing.T) {
	l := New("s1", d(100000), "USD")
	l.Apply(fill(model.Sell, 5, 100, 0))

	if q := l.Quantity("AAPL"); !q.Equal(d(-5)) {
		t.Fatalf("expected -5, got %s", q)
	}

	rec, _ := l.Apply(fill(model.Buy, 5, 90, 0))
	if !rec.RealizedPnL.Equal(d(50)) {
		t.Errorf("expected realized 50, got %s", rec.RealizedPnL)
	}
	if _, ok := l.Position("AAPL"); ok {
		t.Error("flat position should be removed")
	}
	if !l.Cash().Equal(d(100050)) {
		t.Errorf("expected cash 100050, got %s", l.Cash())
	}
}

func TestApply_FlipOpensRemainderAtFillPrice(t *testing.T) {
	l := New("s1", d(100000), "USD")
	l.Apply(fill(model.Buy, 10, 100, 0))

	rec, _ := l.Apply(fill(model.Sell, 15, 110, 0))
	if !rec.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", rec.RealizedPnL)
	}
	pos, ok := l.Position("AAPL")
	if !ok {
		t.Fatal("expected short remainder")
	}
	if !pos.Quantity.Equal(d(-5)) || !pos.EntryPrice.Equal(d(110)) {
		t.Errorf("expected -5 @ 110, got %s @ %s", pos.Quantity, pos.EntryPrice)
	}
	checkReconciles(t, l)
}

func TestLedger_ReconcilesAcrossSequence(t *testing.T) {
	l := New("s1", d(50000), "USD")
	steps := []struct {
		side  model.Side
		qty   float64
		price float64
		close float64
	}{
		{model.Buy, 1, 10, 10.5},
		{model.Buy, 2, 11, 11.2},
		{model.Sell, 1, 12.3, 12},
		{model.Sell, 5, 12.1, 11.7},
		{model.Buy, 3, 9.87, 9.9},
		{model.Buy, 7, 10.01, 10.4},
	}
	ts := t0
	for i, s := range steps {
		if _, err := l.Apply(fill(s.side, s.qty, s.price, 1.25)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		ts = ts.Add(time.Minute)
		l.MarkToMarket(bar(s.close, ts))
		checkReconciles(t, l)
	}
	if got := len(l.Trades()); got != len(steps) {
		t.Errorf("expected %d trades, got %d", len(steps), got)
	}
}

func TestLedger_HighWaterMarkMonotonic(t *testing.T) {
	l := New("s1", d(10000), "USD")
	l.Apply(fill(model.Buy, 10, 100, 0))

	prev := l.HighWaterMark()
	ts := t0
	for _, c := range []float64{101, 99, 120, 80, 119, 121, 60} {
		ts = ts.Add(time.Hour)
		l.MarkToMarket(bar(c, ts))
		if l.HighWaterMark().LessThan(prev) {
			t.Fatalf("HWM decreased from %s to %s", prev, l.HighWaterMark())
		}
		if l.Drawdown().IsNegative() {
			t.Fatalf("negative drawdown %s", l.Drawdown())
		}
		prev = l.HighWaterMark()
	}
}

func TestApply_InvalidFill(t *testing.T) {
	l := New("s1", d(1000), "USD")

	tests := []struct {
		name string
		f    model.Fill
		want error
	}{
		{"zero quantity", fill(model.Buy, 0, 10, 0), ErrInvalidFill},
		{"negative price", fill(model.Buy, 1, -10, 0), ErrInvalidFill},
		{"negative commission", fill(model.Buy, 1, 10, -1), ErrInvalidFill},
		{"unknown side", fill("HOLD", 1, 10, 0), ErrInvalidFill},
		{"other strategy", func() model.Fill { f := fill(model.Buy, 1, 10, 0); f.StrategyID = "s2"; return f }(), ErrStrategyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Apply(tt.f); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if !l.Cash().Equal(d(1000)) || len(l.Trades()) != 0 {
		t.Error("rejected fills must not change the ledger")
	}
}

func TestSnapshot_SortedPositions(t *testing.T) {
	l := New("s1", d(100000), "USD")
	for _, sym := range []string{"MSFT", "AAPL", "GOOG"} {
		f := fill(model.Buy, 1, 10, 0)
		f.Symbol = sym
		l.Apply(f)
	}
	snap := l.Snapshot(t0)
	if len(snap.Positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(snap.Positions))
	}
	for i, want := range []string{"AAPL", "GOOG", "MSFT"} {
		if snap.Positions[i].Symbol != want {
			t.Errorf("position %d: expected %s, got %s", i, want, snap.Positions[i].Symbol)
		}
	}
	if snap.TradeCount != 3 {
		t.Errorf("expected 3 trades, got %d", snap.TradeCount)
	}
}

func TestSnapshot_ClosedPnLOnlyOnReducingFills(t *testing.T) {
	l := New("s1", d(100000), "USD")
	l.Apply(fill(model.Buy, 10, 100, 1))

	snap := l.Snapshot(t0)
	if !snap.RealizedPnL.Equal(d(-1)) {
		t.Errorf("expected realized -1 after opening, got %s", snap.RealizedPnL)
	}
	if !snap.ClosedPnL.IsZero() {
		t.Errorf("expected closed 0 after opening, got %s", snap.ClosedPnL)
	}

	l.Apply(fill(model.Sell, 10, 105, 1))
	snap = l.Snapshot(t0)
	// (105 − 100) × 10 − 1
	if !snap.ClosedPnL.Equal(d(49)) {
		t.Errorf("expected closed 49, got %s", snap.ClosedPnL)
	}
	if !snap.RealizedPnL.Equal(d(48)) {
		t.Errorf("expected realized 48, got %s", snap.RealizedPnL)
	}
	checkReconciles(t, l)
}
