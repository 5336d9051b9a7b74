// Package ledger keeps the cash, positions and PnL of one strategy.
//
// Positions carry a signed cost basis rather than a rounded entry price, so
// realized plus unrealized PnL always reconciles exactly with equity minus
// initial capital.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

var (
	// ErrInvalidFill is returned for fills with a non-positive quantity or
	// price, a negative commission or an unknown side.
	ErrInvalidFill = errors.New("ledger: invalid fill")

	// ErrStrategyMismatch is returned when a fill belongs to another strategy.
	ErrStrategyMismatch = errors.New("ledger: fill belongs to another strategy")
)

type holding struct {
	qty      decimal.Decimal // signed
	cost     decimal.Decimal // signed, qty × average entry
	realized decimal.Decimal
}

// Ledger is owned by exactly one strategy runtime and is not safe for
// concurrent use.
type Ledger struct {
	strategyID string
	currency   string
	initial    decimal.Decimal

	cash     decimal.Decimal
	realized decimal.Decimal
	closed   decimal.Decimal // realized on reducing fills only
	equity   decimal.Decimal
	hwm      decimal.Decimal
	drawdown decimal.Decimal

	holdings   map[string]*holding
	lastPrices map[string]decimal.Decimal
	trades     []model.TradeRecord
}

// New creates a flat ledger holding initialCapital in cash.
func New(strategyID string, initialCapital decimal.Decimal, currency string) *Ledger {
	return &Ledger{
		strategyID: strategyID,
		currency:   currency,
		initial:    initialCapital,
		cash:       initialCapital,
		realized:   decimal.Zero,
		closed:     decimal.Zero,
		equity:     initialCapital,
		hwm:        initialCapital,
		drawdown:   decimal.Zero,
		holdings:   make(map[string]*holding),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

// Apply books a fill: cash, position quantity, cost basis and realized PnL.
// The commission of every fill is charged to realized PnL. Closed PnL only
// moves on fills that reduce or flip a position.
func (l *Ledger) Apply(f model.Fill) (model.TradeRecord, error) {
	if err := l.validate(f); err != nil {
		return model.TradeRecord{}, err
	}

	delta := f.Quantity
	notional := f.Notional()
	if f.Side == model.Buy {
		l.cash = l.cash.Sub(notional).Sub(f.Commission)
	} else {
		delta = delta.Neg()
		l.cash = l.cash.Add(notional).Sub(f.Commission)
	}

	h, ok := l.holdings[f.Symbol]
	if !ok {
		h = &holding{qty: decimal.Zero, cost: decimal.Zero, realized: decimal.Zero}
		l.holdings[f.Symbol] = h
	}

	pnl := f.Commission.Neg()
	switch {
	case h.qty.IsZero() || h.qty.Sign() == delta.Sign():
		// Opening or adding in the same direction.
		h.cost = h.cost.Add(delta.Mul(f.Price))
		h.qty = h.qty.Add(delta)
	default:
		closed := decimal.Min(h.qty.Abs(), f.Quantity)
		removed := h.cost
		if !closed.Equal(h.qty.Abs()) {
			removed = h.cost.Mul(closed).Div(h.qty.Abs())
		}
		closedDelta := closed
		if delta.IsNegative() {
			closedDelta = closed.Neg()
		}
		// Cash received for the closed part minus the cost it carried.
		pnl = pnl.Add(closedDelta.Mul(f.Price).Neg().Sub(removed))
		h.cost = h.cost.Sub(removed)
		h.qty = h.qty.Add(closedDelta)

		if rest := delta.Sub(closedDelta); !rest.IsZero() {
			// Flip: the remainder opens at the fill price.
			h.qty = rest
			h.cost = rest.Mul(f.Price)
		}
		l.closed = l.closed.Add(pnl)
	}
	h.realized = h.realized.Add(pnl)
	l.realized = l.realized.Add(pnl)

	after := h.qty
	if h.qty.IsZero() {
		delete(l.holdings, f.Symbol)
	}
	if _, ok := l.lastPrices[f.Symbol]; !ok {
		l.lastPrices[f.Symbol] = f.Price
	}
	l.revalue()

	rec := model.TradeRecord{Fill: f, RealizedPnL: pnl, PositionAfter: after}
	l.trades = append(l.trades, rec)
	return rec, nil
}

func (l *Ledger) validate(f model.Fill) error {
	if f.StrategyID != "" && f.StrategyID != l.strategyID {
		return fmt.Errorf("%w: %s != %s", ErrStrategyMismatch, f.StrategyID, l.strategyID)
	}
	switch {
	case f.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidFill)
	case f.Side != model.Buy && f.Side != model.Sell:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidFill, f.Side)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", ErrInvalidFill, f.Quantity)
	case !f.Price.IsPositive():
		return fmt.Errorf("%w: price %s", ErrInvalidFill, f.Price)
	case f.Commission.IsNegative():
		return fmt.Errorf("%w: commission %s", ErrInvalidFill, f.Commission)
	}
	return nil
}

// MarkToMarket records the bar close as the latest price for its symbol and
// revalues every open position.
func (l *Ledger) MarkToMarket(bar model.PriceBar) {
	l.lastPrices[bar.Symbol] = bar.Close
	l.revalue()
}

func (l *Ledger) revalue() {
	equity := l.cash
	for sym, h := range l.holdings {
		equity = equity.Add(h.qty.Mul(l.lastPrices[sym]))
	}
	l.equity = equity
	if equity.GreaterThan(l.hwm) {
		l.hwm = equity
	}
	if l.hwm.IsPositive() {
		l.drawdown = l.hwm.Sub(equity).Div(l.hwm)
	} else {
		l.drawdown = decimal.Zero
	}
}

// Snapshot returns the ledger state as of ts. Positions are sorted by symbol.
func (l *Ledger) Snapshot(ts time.Time) model.Snapshot {
	positions := make([]model.Position, 0, len(l.holdings))
	unrealized := decimal.Zero
	for sym := range l.holdings {
		p := l.position(sym)
		unrealized = unrealized.Add(p.UnrealizedPnL)
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	return model.Snapshot{
		StrategyID:    l.strategyID,
		Timestamp:     ts,
		Currency:      l.currency,
		Cash:          l.cash,
		Equity:        l.equity,
		HighWaterMark: l.hwm,
		Drawdown:      l.drawdown,
		RealizedPnL:   l.realized,
		ClosedPnL:     l.closed,
		UnrealizedPnL: unrealized,
		Positions:     positions,
		TradeCount:    len(l.trades),
	}
}

func (l *Ledger) position(sym string) model.Position {
	h := l.holdings[sym]
	last := l.lastPrices[sym]
	value := h.qty.Mul(last)
	return model.Position{
		Symbol:        sym,
		Quantity:      h.qty,
		EntryPrice:    h.cost.Div(h.qty),
		LastPrice:     last,
		MarketValue:   value,
		RealizedPnL:   h.realized,
		UnrealizedPnL: value.Sub(h.cost),
	}
}

// Position returns the open position in sym and whether one exists.
func (l *Ledger) Position(sym string) (model.Position, bool) {
	if _, ok := l.holdings[sym]; !ok {
		return model.Position{}, false
	}
	return l.position(sym), true
}

// Quantity returns the signed quantity held in sym, zero when flat.
func (l *Ledger) Quantity(sym string) decimal.Decimal {
	if h, ok := l.holdings[sym]; ok {
		return h.qty
	}
	return decimal.Zero
}

// Exposures returns the signed market value per open symbol.
func (l *Ledger) Exposures() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.holdings))
	for sym, h := range l.holdings {
		out[sym] = h.qty.Mul(l.lastPrices[sym])
	}
	return out
}

func (l *Ledger) StrategyID() string              { return l.strategyID }
func (l *Ledger) Currency() string                { return l.currency }
func (l *Ledger) InitialCapital() decimal.Decimal { return l.initial }
func (l *Ledger) Cash() decimal.Decimal           { return l.cash }
func (l *Ledger) Equity() decimal.Decimal         { return l.equity }
func (l *Ledger) HighWaterMark() decimal.Decimal  { return l.hwm }
func (l *Ledger) Drawdown() decimal.Decimal       { return l.drawdown }
func (l *Ledger) RealizedPnL() decimal.Decimal    { return l.realized }

// Trades returns a copy of the append-only trade history.
func (l *Ledger) Trades() []model.TradeRecord {
	out := make([]model.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}
