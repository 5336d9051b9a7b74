// Package fill turns orders into simulated executions against the current
// bar. The simulator never reads anything beyond the bar it is handed.
package fill

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/limits"
	"github.com/firebot/sim-engine/internal/model"
)

var (
	// ErrInvalidConfig is returned by NewSimulator for unusable settings.
	ErrInvalidConfig = errors.New("fill: invalid simulator config")

	// ErrLimitNotMarketable is returned when a LIMIT order cannot execute at
	// the current close. The order is cancelled, not rejected.
	ErrLimitNotMarketable = errors.New("fill: limit order not marketable")

	// ErrExceedsLiquidity is returned by the realistic model when the order
	// is larger than the bar's volume allows.
	ErrExceedsLiquidity = errors.New("fill: order exceeds available liquidity")
)

// Model selects the execution model.
type Model string

const (
	// Instant fills the whole order at the bar close plus fixed slippage.
	Instant Model = "instant"
	// Realistic adds a participation cap and size-dependent market impact.
	Realistic Model = "realistic"
)

// Rejection reasons recorded on orders.
const (
	ReasonNonPositiveQty = "non_positive_quantity"
	ReasonNoMarketData   = "no_market_data"
	ReasonPositionLimit  = "position_limit"
	ReasonLiquidity      = "exceeds_liquidity"
	ReasonNotMarketable  = "limit_not_marketable"
	ReasonBadOrder       = "malformed_order"
	ReasonOCO            = "one_cancels_other"
)

var tenThousand = decimal.NewFromInt(10000)

// Config holds the simulator settings.
type Config struct {
	Model       Model
	SlippageBps decimal.Decimal
	// Commission is charged once per fill regardless of quantity.
	Commission decimal.Decimal
	// ParticipationRate caps order quantity at this fraction of bar volume
	// (realistic model only).
	ParticipationRate decimal.Decimal
	// ImpactBps is extra slippage per unit of quantity/volume (realistic
	// model only).
	ImpactBps decimal.Decimal
}

// Account is the read-only view of a ledger needed for limit checks.
type Account interface {
	Equity() decimal.Decimal
	Exposures() map[string]decimal.Decimal
}

// Simulator is immutable after construction and safe for concurrent use.
type Simulator struct {
	cfg     Config
	limiter *limits.PositionLimiter
}

// NewSimulator validates cfg and builds a simulator. limiter may be nil.
func NewSimulator(cfg Config, limiter *limits.PositionLimiter) (*Simulator, error) {
	if cfg.Model == "" {
		cfg.Model = Instant
	}
	switch cfg.Model {
	case Instant:
	case Realistic:
		if !cfg.ParticipationRate.IsPositive() || cfg.ParticipationRate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: participation rate %s outside (0,1]", ErrInvalidConfig, cfg.ParticipationRate)
		}
		if cfg.ImpactBps.IsNegative() {
			return nil, fmt.Errorf("%w: negative impact", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, cfg.Model)
	}
	if cfg.SlippageBps.IsNegative() {
		return nil, fmt.Errorf("%w: negative slippage", ErrInvalidConfig)
	}
	if cfg.Commission.IsNegative() {
		return nil, fmt.Errorf("%w: negative commission", ErrInvalidConfig)
	}
	return &Simulator{cfg: cfg, limiter: limiter}, nil
}

// Config returns the simulator settings.
func (s *Simulator) Config() Config { return s.cfg }

// Simulate executes a MARKET or LIMIT order against bar. On success the
// order is FILLED and exactly one fill is returned. Otherwise the order is
// REJECTED (error wraps model.ErrInvalidOrder) or, for a non-marketable
// LIMIT, CANCELLED (error is ErrLimitNotMarketable).
func (s *Simulator) Simulate(order *model.Order, bar *model.PriceBar, acct Account) (*model.Fill, error) {
	if order.Status != model.OrderPending {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, order.ID, order.Status)
	}
	if err := s.precheck(order, bar); err != nil {
		return nil, err
	}

	base := bar.Close
	switch order.Kind {
	case model.Market:
	case model.Limit:
		if order.LimitPrice == nil || !order.LimitPrice.IsPositive() {
			return nil, reject(order, ReasonBadOrder, "limit order without limit price")
		}
		limit := *order.LimitPrice
		marketable := (order.Side == model.Buy && base.LessThanOrEqual(limit)) ||
			(order.Side == model.Sell && base.GreaterThanOrEqual(limit))
		if !marketable {
			_ = order.Cancel(ReasonNotMarketable)
			return nil, fmt.Errorf("%w: %s %s close %s limit %s", ErrLimitNotMarketable, order.Side, order.Symbol, base, limit)
		}
	default:
		return nil, reject(order, ReasonBadOrder, fmt.Sprintf("kind %s is only executed by triggers", order.Kind))
	}

	return s.execute(order, base, bar, acct)
}

func (s *Simulator) precheck(order *model.Order, bar *model.PriceBar) error {
	if !order.Quantity.IsPositive() {
		return reject(order, ReasonNonPositiveQty, fmt.Sprintf("quantity %s", order.Quantity))
	}
	if order.Side != model.Buy && order.Side != model.Sell {
		return reject(order, ReasonBadOrder, fmt.Sprintf("unknown side %q", order.Side))
	}
	if bar == nil || bar.Symbol != order.Symbol {
		return reject(order, ReasonNoMarketData, "no current bar for "+order.Symbol)
	}
	return nil
}

// execute applies liquidity, limit and slippage rules to a base price.
func (s *Simulator) execute(order *model.Order, base decimal.Decimal, bar *model.PriceBar, acct Account) (*model.Fill, error) {
	bps := s.cfg.SlippageBps
	if s.cfg.Model == Realistic {
		maxQty := bar.Volume.Mul(s.cfg.ParticipationRate)
		if !bar.Volume.IsPositive() || order.Quantity.GreaterThan(maxQty) {
			_ = order.Reject(ReasonLiquidity)
			return nil, fmt.Errorf("%w: %w: %s of %s volume", model.ErrInvalidOrder, ErrExceedsLiquidity, order.Quantity, bar.Volume)
		}
		bps = bps.Add(s.cfg.ImpactBps.Mul(order.Quantity).Div(bar.Volume))
	}

	if s.limiter != nil && acct != nil {
		delta := order.Quantity
		if order.Side == model.Sell {
			delta = delta.Neg()
		}
		if err := s.limiter.CheckLimit(order.Symbol, delta, bar.Close, acct.Equity(), acct.Exposures()); err != nil {
			_ = order.Reject(ReasonPositionLimit)
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidOrder, err)
		}
	}

	price := Slip(base, order.Side, bps)
	if order.Kind == model.Limit && order.LimitPrice != nil {
		if order.Side == model.Buy {
			price = decimal.Min(price, *order.LimitPrice)
		} else {
			price = decimal.Max(price, *order.LimitPrice)
		}
	}

	if err := order.MarkFilled(); err != nil {
		return nil, err
	}
	return &model.Fill{
		OrderID:    order.ID,
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      price,
		Quantity:   order.Quantity,
		Commission: s.cfg.Commission,
		Timestamp:  bar.Timestamp,
	}, nil
}

// Slip moves price against the order direction by bps basis points.
func Slip(price decimal.Decimal, side model.Side, bps decimal.Decimal) decimal.Decimal {
	f := bps.Div(tenThousand)
	if side == model.Buy {
		return price.Mul(decimal.NewFromInt(1).Add(f))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(f))
}

func reject(order *model.Order, reason, detail string) error {
	_ = order.Reject(reason)
	return fmt.Errorf("%w: %s: %s", model.ErrInvalidOrder, reason, detail)
}
