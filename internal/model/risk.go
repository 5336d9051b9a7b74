package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskStatus is the governor state of one strategy.
type RiskStatus string

const (
	RiskActive   RiskStatus = "ACTIVE"
	RiskDisabled RiskStatus = "DISABLED"
)

// RiskState is the current governor state of one strategy.
type RiskState struct {
	StrategyID     string     `json:"strategy_id"`
	Status         RiskStatus `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	TransitionedAt *time.Time `json:"transitioned_at,omitempty"`
}

// RiskEvent records a governor transition, or a breach observed while
// auto-disable is off (From == To).
type RiskEvent struct {
	StrategyID string          `json:"strategy_id"`
	From       RiskStatus      `json:"from"`
	To         RiskStatus      `json:"to"`
	Reason     string          `json:"reason"`
	Timestamp  time.Time       `json:"timestamp"`
	Equity     decimal.Decimal `json:"equity"`
	Drawdown   decimal.Decimal `json:"drawdown"`
}
