// Package runtime drives one strategy through the bar feed. A Runtime owns
// the strategy, its ledger, risk governor and trigger book, and turns each
// frame into a Result. Failures inside the strategy are contained here.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/fill"
	"github.com/firebot/sim-engine/internal/ledger"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/risk"
	"github.com/firebot/sim-engine/internal/strategy"
)

// Status is the lifecycle state of a runtime.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusDisabled Status = "DISABLED" // by the risk governor
	StatusFailed   Status = "FAILED"
	StatusStopped  Status = "STOPPED" // by an operator
)

// Reasons recorded on orders the runtime cancels or rejects.
const (
	ReasonRiskDisabled = "risk_disabled"
	ReasonReplaced     = "replaced"
	ReasonStopped      = "strategy_stopped"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("runtime: invalid config")

// Config describes one strategy instance.
type Config struct {
	ID             string
	InitialCapital decimal.Decimal
	Currency       string
	// Symbols restricts the bars the strategy sees. Empty means all.
	Symbols []string
	Policy  Policy
	Risk    risk.Config
}

// Result is the outcome of one bar for one strategy.
type Result struct {
	StrategyID string              `json:"strategy_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Symbol     string              `json:"symbol"`
	Status     Status              `json:"status"`
	Signal     *model.Signal       `json:"signal,omitempty"`
	Orders     []model.Order       `json:"orders,omitempty"`
	Fills      []model.Fill        `json:"fills,omitempty"`
	Trades     []model.TradeRecord `json:"trades,omitempty"`
	RiskEvents []model.RiskEvent   `json:"risk_events,omitempty"`
	Snapshot   model.Snapshot      `json:"snapshot"`
	RiskState  model.RiskState     `json:"risk_state"`
	Fault      error               `json:"-"`
	FaultMsg   string              `json:"fault,omitempty"`
}

// Runtime is driven by one goroutine at a time; bars are processed strictly
// in order.
type Runtime struct {
	cfg      Config
	strat    strategy.Strategy
	sim      *fill.Simulator
	ledger   *ledger.Ledger
	governor *risk.Governor
	book     *fill.TriggerBook
	symbols  map[string]bool
	logger   *slog.Logger

	status   Status
	fault    error
	seq      uint64
	lastGood model.Snapshot
}

// New assembles a runtime around strat.
func New(cfg Config, strat strategy.Strategy, sim *fill.Simulator, logger *slog.Logger) (*Runtime, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("%w: empty id", ErrInvalidConfig)
	case strat == nil:
		return nil, fmt.Errorf("%w: %s: nil strategy", ErrInvalidConfig, cfg.ID)
	case sim == nil:
		return nil, fmt.Errorf("%w: %s: nil simulator", ErrInvalidConfig, cfg.ID)
	case !cfg.InitialCapital.IsPositive():
		return nil, fmt.Errorf("%w: %s: initial capital %s", ErrInvalidConfig, cfg.ID, cfg.InitialCapital)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var symbols map[string]bool
	if len(cfg.Symbols) > 0 {
		symbols = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			symbols[s] = true
		}
	}

	l := ledger.New(cfg.ID, cfg.InitialCapital, cfg.Currency)
	return &Runtime{
		cfg:      cfg,
		strat:    strat,
		sim:      sim,
		ledger:   l,
		governor: risk.NewGovernor(cfg.ID, cfg.Risk, logger),
		book:     fill.NewTriggerBook(),
		symbols:  symbols,
		logger:   logger.With("strategy", cfg.ID),
		status:   StatusActive,
		lastGood: l.Snapshot(time.Time{}),
	}, nil
}

func (r *Runtime) ID() string                 { return r.cfg.ID }
func (r *Runtime) Status() Status             { return r.status }
func (r *Runtime) Fault() error               { return r.fault }
func (r *Runtime) Snapshot() model.Snapshot   { return r.lastGood }
func (r *Runtime) RiskState() model.RiskState { return r.governor.State() }

// Done reports whether the runtime takes no further bars.
func (r *Runtime) Done() bool {
	return r.status == StatusFailed || r.status == StatusStopped
}

// Stop moves the runtime to STOPPED and cancels its pending children.
// A failed runtime stays FAILED.
func (r *Runtime) Stop() []model.Order {
	if r.status == StatusFailed || r.status == StatusStopped {
		return nil
	}
	r.status = StatusStopped
	return copyOrders(r.book.CancelAll(ReasonStopped))
}

// Fail marks the runtime FAILED with err, which should wrap
// model.ErrStrategyFault.
func (r *Runtime) Fail(err error) {
	if r.status == StatusFailed {
		return
	}
	r.status = StatusFailed
	r.fault = err
	r.logger.Error("strategy failed", "err", err)
}

// ProcessBar runs one frame through the strategy. Any panic or error in
// signal generation or fill application marks the runtime FAILED; the
// returned result then carries the fault and the last good snapshot.
func (r *Runtime) ProcessBar(ctx context.Context, frame model.Frame) (res Result) {
	bar := frame.Bar
	res = Result{StrategyID: r.cfg.ID, Timestamp: bar.Timestamp, Symbol: bar.Symbol}

	if r.Done() {
		return r.frozen(res)
	}

	defer func() {
		if p := recover(); p != nil {
			r.Fail(fmt.Errorf("%w: %s: panic: %v", model.ErrStrategyFault, r.cfg.ID, p))
			res = r.frozen(Result{StrategyID: r.cfg.ID, Timestamp: bar.Timestamp, Symbol: bar.Symbol})
		}
	}()

	if r.symbols != nil && !r.symbols[bar.Symbol] {
		return r.finish(res, bar)
	}

	r.ledger.MarkToMarket(bar)

	if err := r.fireTriggers(&res, bar); err != nil {
		return r.faulted(res, bar, err)
	}
	r.evaluate(&res, bar)

	sig, err := r.strat.GenerateSignal(ctx, strategy.Observation{Bar: bar, Features: frame.FeaturesFor(r.cfg.ID)})
	if err != nil {
		return r.faulted(res, bar, fmt.Errorf("generate signal: %w", err))
	}
	if sig != nil {
		if sig.StrategyID == "" {
			sig.StrategyID = r.cfg.ID
		}
		if sig.Symbol == "" {
			sig.Symbol = bar.Symbol
		}
		if sig.Timestamp.IsZero() {
			sig.Timestamp = bar.Timestamp
		}
		if err := sig.Validate(); err != nil {
			return r.faulted(res, bar, err)
		}
		res.Signal = sig

		if err := r.execute(&res, *sig, bar); err != nil {
			return r.faulted(res, bar, err)
		}
	}

	r.evaluate(&res, bar)
	return r.finish(res, bar)
}

// execute sizes, gates and simulates the order for sig.
func (r *Runtime) execute(res *Result, sig model.Signal, bar model.PriceBar) error {
	if sig.Symbol != bar.Symbol {
		// No bar for the symbol means no price to size against.
		r.logger.Debug("signal for another symbol ignored", "signal_symbol", sig.Symbol, "bar_symbol", bar.Symbol)
		return nil
	}

	side, qty, ok := r.cfg.Policy.Size(sig, r.ledger.Quantity(bar.Symbol), r.ledger.Equity(), bar.Close)
	if !ok {
		return nil
	}

	order := r.newOrder(bar, side, model.Market, qty)
	if lp, ok := limitPrice(sig); ok {
		order.Kind = model.Limit
		order.LimitPrice = lp
	}

	if err := r.governor.Allow(); err != nil {
		_ = order.Reject(ReasonRiskDisabled)
		res.Orders = append(res.Orders, *order)
		r.logger.Debug("order rejected", "order", order.ID, "err", err)
		return nil
	}

	f, err := r.sim.Simulate(order, &bar, r.ledger)
	res.Orders = append(res.Orders, *order)
	switch {
	case errors.Is(err, model.ErrInvalidOrder), errors.Is(err, fill.ErrLimitNotMarketable):
		r.logger.Debug("order not filled", "order", order.ID, "err", err)
		return nil
	case err != nil:
		return err
	}

	if err := r.applyFill(res, *order, *f); err != nil {
		return err
	}
	r.rebracket(res, bar, order.ID)
	return nil
}

func (r *Runtime) applyFill(res *Result, order model.Order, f model.Fill) error {
	rec, err := r.ledger.Apply(f)
	if err != nil {
		return fmt.Errorf("apply fill %s: %w", f.OrderID, err)
	}
	res.Fills = append(res.Fills, f)
	res.Trades = append(res.Trades, rec)
	r.strat.OnFill(order, f)
	return nil
}

// rebracket replaces the protective children of the bar's symbol so they
// match the current position.
func (r *Runtime) rebracket(res *Result, bar model.PriceBar, parent string) {
	res.Orders = append(res.Orders, copyOrders(r.book.CancelSymbol(bar.Symbol, ReasonReplaced))...)

	pos, open := r.ledger.Position(bar.Symbol)
	if !open || r.governor.Disabled() {
		return
	}
	stop, take := r.cfg.Policy.brackets(pos)
	if stop == nil && take == nil {
		return
	}

	side := model.Sell
	if pos.Quantity.IsNegative() {
		side = model.Buy
	}
	for _, c := range []struct {
		kind    model.OrderKind
		trigger *decimal.Decimal
	}{{model.StopLoss, stop}, {model.TakeProfit, take}} {
		if c.trigger == nil {
			continue
		}
		child := r.newOrder(bar, side, c.kind, pos.Quantity.Abs())
		child.TriggerPrice = c.trigger
		child.ParentID = parent
		r.book.Attach(child)
		res.Orders = append(res.Orders, *child)
	}
}

func (r *Runtime) fireTriggers(res *Result, bar model.PriceBar) error {
	if r.book.Len() == 0 {
		return nil
	}
	tr := r.sim.Trigger(r.book, bar, r.ledger)
	res.Orders = append(res.Orders, copyOrders(tr.Orders)...)
	for _, err := range tr.Errors {
		r.logger.Debug("trigger not filled", "err", err)
	}
	for _, f := range tr.Fills {
		order := findOrder(tr.Orders, f.OrderID)
		if err := r.applyFill(res, order, f); err != nil {
			return err
		}
	}
	if r.ledger.Quantity(bar.Symbol).IsZero() {
		res.Orders = append(res.Orders, copyOrders(r.book.CancelSymbol(bar.Symbol, ReasonReplaced))...)
	}
	return nil
}

// evaluate runs the governor over the current ledger state.
func (r *Runtime) evaluate(res *Result, bar model.PriceBar) {
	events := r.governor.Evaluate(r.ledger.Snapshot(bar.Timestamp))
	res.RiskEvents = append(res.RiskEvents, events...)
	if r.governor.Disabled() && r.status == StatusActive {
		r.status = StatusDisabled
		res.Orders = append(res.Orders, copyOrders(r.book.CancelAll(ReasonRiskDisabled))...)
	}
}

func (r *Runtime) newOrder(bar model.PriceBar, side model.Side, kind model.OrderKind, qty decimal.Decimal) *model.Order {
	r.seq++
	return &model.Order{
		ID:         model.OrderID(r.cfg.ID, r.seq),
		Timestamp:  bar.Timestamp,
		Symbol:     bar.Symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   qty,
		StrategyID: r.cfg.ID,
		Status:     model.OrderPending,
	}
}

func (r *Runtime) finish(res Result, bar model.PriceBar) Result {
	r.lastGood = r.ledger.Snapshot(bar.Timestamp)
	res.Status = r.status
	res.Snapshot = r.lastGood
	res.RiskState = r.governor.State()
	return res
}

func (r *Runtime) faulted(res Result, bar model.PriceBar, err error) Result {
	if !errors.Is(err, model.ErrStrategyFault) {
		err = fmt.Errorf("%w: %s: %w", model.ErrStrategyFault, r.cfg.ID, err)
	}
	r.Fail(err)
	return r.frozen(Result{StrategyID: res.StrategyID, Timestamp: bar.Timestamp, Symbol: bar.Symbol})
}

// frozen reports the state as of the last completed bar.
func (r *Runtime) frozen(res Result) Result {
	res.Status = r.status
	res.Snapshot = r.lastGood
	res.RiskState = r.governor.State()
	if r.fault != nil {
		res.Fault = r.fault
		res.FaultMsg = r.fault.Error()
	}
	return res
}

func copyOrders(orders []*model.Order) []model.Order {
	if len(orders) == 0 {
		return nil
	}
	out := make([]model.Order, len(orders))
	for i, o := range orders {
		out[i] = *o
	}
	return out
}

func findOrder(orders []*model.Order, id string) model.Order {
	for _, o := range orders {
		if o.ID == id {
			return *o
		}
	}
	return model.Order{ID: id}
}
