package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderKind is the execution style of an order.
type OrderKind string

const (
	Market     OrderKind = "MARKET"
	Limit      OrderKind = "LIMIT"
	StopLoss   OrderKind = "STOP_LOSS"
	TakeProfit OrderKind = "TAKE_PROFIT"
)

// OrderStatus tracks the lifecycle of an order:
//
//	PENDING → FILLED | REJECTED | CANCELLED
//
// Terminal states are final.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// Order is an instruction to trade, owned by exactly one strategy.
type Order struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Kind         OrderKind        `json:"kind"`
	Quantity     decimal.Decimal  `json:"quantity"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
	ParentID     string           `json:"parent_id,omitempty"` // set on STOP_LOSS/TAKE_PROFIT children
	StrategyID   string           `json:"strategy_id"`
	Status       OrderStatus      `json:"status"`
	Reason       string           `json:"reason,omitempty"` // why it was rejected or cancelled
}

// MarkFilled moves a pending order to FILLED.
func (o *Order) MarkFilled() error {
	return o.transition(OrderFilled, "")
}

// Reject moves a pending order to REJECTED with the given reason.
func (o *Order) Reject(reason string) error {
	return o.transition(OrderRejected, reason)
}

// Cancel moves a pending order to CANCELLED with the given reason.
func (o *Order) Cancel(reason string) error {
	return o.transition(OrderCancelled, reason)
}

func (o *Order) transition(to OrderStatus, reason string) error {
	if o.Status != OrderPending {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, to)
	}
	o.Status = to
	o.Reason = reason
	return nil
}

// orderNamespace scopes deterministic order IDs.
var orderNamespace = uuid.MustParse("6f0d5c1e-54a3-4d1b-9b0e-3c2f7f0a9e11")

// OrderID derives a stable order identifier from the owning strategy and the
// strategy-local sequence number, so identical runs produce identical IDs.
func OrderID(strategyID string, seq uint64) string {
	return uuid.NewSHA1(orderNamespace, []byte(fmt.Sprintf("%s/%d", strategyID, seq))).String()
}
