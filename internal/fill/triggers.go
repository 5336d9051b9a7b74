package fill

import (
	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

// TriggerBook holds pending STOP_LOSS and TAKE_PROFIT children of one
// strategy. Children attached to the same parent cancel each other.
// Owned by a single runtime; not safe for concurrent use.
type TriggerBook struct {
	pending []*model.Order
}

// NewTriggerBook returns an empty book.
func NewTriggerBook() *TriggerBook {
	return &TriggerBook{}
}

// Attach adds pending child orders to the book.
func (b *TriggerBook) Attach(orders ...*model.Order) {
	for _, o := range orders {
		if o.Status == model.OrderPending {
			b.pending = append(b.pending, o)
		}
	}
}

// Pending returns the pending children for symbol, or for every symbol
// when symbol is empty.
func (b *TriggerBook) Pending(symbol string) []*model.Order {
	var out []*model.Order
	for _, o := range b.pending {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of pending children.
func (b *TriggerBook) Len() int { return len(b.pending) }

// CancelSymbol cancels every pending child for symbol and returns them.
func (b *TriggerBook) CancelSymbol(symbol, reason string) []*model.Order {
	var cancelled []*model.Order
	for _, o := range b.pending {
		if o.Symbol == symbol && o.Cancel(reason) == nil {
			cancelled = append(cancelled, o)
		}
	}
	b.compact()
	return cancelled
}

// CancelAll cancels every pending child and returns them.
func (b *TriggerBook) CancelAll(reason string) []*model.Order {
	var cancelled []*model.Order
	for _, o := range b.pending {
		if o.Cancel(reason) == nil {
			cancelled = append(cancelled, o)
		}
	}
	b.compact()
	return cancelled
}

func (b *TriggerBook) compact() {
	kept := b.pending[:0]
	for _, o := range b.pending {
		if o.Status == model.OrderPending {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = kept
}

// TriggerResult lists the children that changed state on one bar.
type TriggerResult struct {
	Orders []*model.Order
	Fills  []model.Fill
	Errors []error
}

// Trigger fires pending children of bar.Symbol created strictly before the
// bar. A SELL child protects a long: its stop fires when Low ≤ trigger and
// its take-profit when High ≥ trigger. BUY children mirror this. The base
// price is the worse of trigger and close for the holder. When both
// siblings fire on one bar the stop wins.
func (s *Simulator) Trigger(book *TriggerBook, bar model.PriceBar, acct Account) TriggerResult {
	var res TriggerResult

	groups := make(map[string][]*model.Order)
	var parents []string
	for _, o := range book.pending {
		if o.Symbol != bar.Symbol || !o.Timestamp.Before(bar.Timestamp) {
			continue
		}
		if _, seen := groups[o.ParentID]; !seen {
			parents = append(parents, o.ParentID)
		}
		groups[o.ParentID] = append(groups[o.ParentID], o)
	}

	for _, parent := range parents {
		siblings := groups[parent]
		fired := pickFired(siblings, bar)
		if fired == nil {
			continue
		}

		base := decimal.Min(*fired.TriggerPrice, bar.Close)
		if fired.Side == model.Buy {
			base = decimal.Max(*fired.TriggerPrice, bar.Close)
		}
		f, err := s.execute(fired, base, &bar, acct)
		res.Orders = append(res.Orders, fired)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Fills = append(res.Fills, *f)

		for _, o := range siblings {
			if o != fired && o.Cancel(ReasonOCO) == nil {
				res.Orders = append(res.Orders, o)
			}
		}
	}
	book.compact()
	return res
}

func pickFired(siblings []*model.Order, bar model.PriceBar) *model.Order {
	var stop, take *model.Order
	for _, o := range siblings {
		if o.TriggerPrice == nil || !fires(o, bar) {
			continue
		}
		switch o.Kind {
		case model.StopLoss:
			if stop == nil {
				stop = o
			}
		case model.TakeProfit:
			if take == nil {
				take = o
			}
		}
	}
	if stop != nil {
		return stop
	}
	return take
}

func fires(o *model.Order, bar model.PriceBar) bool {
	trigger := *o.TriggerPrice
	below := bar.Low.LessThanOrEqual(trigger)
	above := bar.High.GreaterThanOrEqual(trigger)
	switch {
	case o.Side == model.Sell && o.Kind == model.StopLoss:
		return below
	case o.Side == model.Sell && o.Kind == model.TakeProfit:
		return above
	case o.Side == model.Buy && o.Kind == model.StopLoss:
		return above
	case o.Side == model.Buy && o.Kind == model.TakeProfit:
		return below
	}
	return false
}
