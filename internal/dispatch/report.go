package dispatch

import (
	"time"

	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/perf"
	"github.com/firebot/sim-engine/internal/runtime"
)

// Report is the outcome of a run.
type Report struct {
	Bars           int              `json:"bars"`
	Skipped        int              `json:"skipped"`
	Stopped        bool             `json:"stopped"`
	StopReason     string           `json:"stop_reason,omitempty"`
	ObserverErrors int              `json:"observer_errors"`
	ObserverErr    error            `json:"-"`
	Strategies     []StrategyReport `json:"strategies"`
}

// Strategy returns the report for id.
func (r *Report) Strategy(id string) (StrategyReport, bool) {
	for _, s := range r.Strategies {
		if s.StrategyID == id {
			return s, true
		}
	}
	return StrategyReport{}, false
}

// StrategyReport is the final state and full history of one strategy.
type StrategyReport struct {
	StrategyID  string              `json:"strategy_id"`
	Status      runtime.Status      `json:"status"`
	Snapshot    model.Snapshot      `json:"snapshot"`
	RiskState   model.RiskState     `json:"risk_state"`
	Fault       string              `json:"fault,omitempty"`
	FaultAt     *time.Time          `json:"fault_at,omitempty"`
	Orders      []model.Order       `json:"orders"`
	Fills       []model.Fill        `json:"fills"`
	Trades      []model.TradeRecord `json:"trades"`
	RiskEvents  []model.RiskEvent   `json:"risk_events"`
	EquityCurve []perf.Point        `json:"equity_curve"`
	Stats       perf.Stats          `json:"stats"`
}

// entry is the dispatcher's view of one runtime. Everything reported comes
// from results, so a timed-out runtime is never read again.
type entry struct {
	id        string
	rt        *runtime.Runtime
	abandoned bool

	status   runtime.Status
	snapshot model.Snapshot
	risk     model.RiskState
	fault    error
	faultAt  time.Time

	orderIDs []string
	orders   map[string]model.Order
	fills    []model.Fill
	trades   []model.TradeRecord
	events   []model.RiskEvent
	curve    []perf.Point
}

func newEntry(rt *runtime.Runtime) *entry {
	return &entry{
		id:       rt.ID(),
		rt:       rt,
		status:   rt.Status(),
		snapshot: rt.Snapshot(),
		risk:     rt.RiskState(),
		orders:   make(map[string]model.Order),
	}
}

func (e *entry) done() bool {
	return e.status == runtime.StatusFailed || e.status == runtime.StatusStopped
}

// record folds one bar result into the history. Orders keep their first
// position and their latest state.
func (e *entry) record(res runtime.Result) {
	e.status = res.Status
	e.snapshot = res.Snapshot
	e.risk = res.RiskState
	if res.Fault != nil && e.fault == nil {
		e.fault = res.Fault
		e.faultAt = res.Timestamp
	}

	e.mergeOrders(res.Orders)
	e.fills = append(e.fills, res.Fills...)
	e.trades = append(e.trades, res.Trades...)
	e.events = append(e.events, res.RiskEvents...)

	if res.Status == runtime.StatusFailed {
		return
	}
	p := perf.Point{Timestamp: res.Timestamp, Equity: res.Snapshot.Equity}
	if n := len(e.curve); n > 0 && e.curve[n-1].Timestamp.Equal(p.Timestamp) {
		e.curve[n-1] = p
		return
	}
	e.curve = append(e.curve, p)
}

func (e *entry) mergeOrders(orders []model.Order) {
	for _, o := range orders {
		if _, ok := e.orders[o.ID]; !ok {
			e.orderIDs = append(e.orderIDs, o.ID)
		}
		e.orders[o.ID] = o
	}
}

// stop moves a live runtime to STOPPED at a barrier.
func (e *entry) stop() {
	if !e.abandoned {
		e.mergeOrders(e.rt.Stop())
	}
	e.status = runtime.StatusStopped
}

func (e *entry) timeoutResult(bar model.PriceBar, err error) runtime.Result {
	return runtime.Result{
		StrategyID: e.id,
		Timestamp:  bar.Timestamp,
		Symbol:     bar.Symbol,
		Status:     runtime.StatusFailed,
		Snapshot:   e.snapshot,
		RiskState:  e.risk,
		Fault:      err,
		FaultMsg:   err.Error(),
	}
}

func (e *entry) report(periodsPerYear int) StrategyReport {
	r := StrategyReport{
		StrategyID:  e.id,
		Status:      e.status,
		Snapshot:    e.snapshot,
		RiskState:   e.risk,
		Orders:      make([]model.Order, len(e.orderIDs)),
		Fills:       append([]model.Fill(nil), e.fills...),
		Trades:      append([]model.TradeRecord(nil), e.trades...),
		RiskEvents:  append([]model.RiskEvent(nil), e.events...),
		EquityCurve: append([]perf.Point(nil), e.curve...),
		Stats:       perf.Compute(e.curve, e.trades, periodsPerYear),
	}
	for i, id := range e.orderIDs {
		r.Orders[i] = e.orders[id]
	}
	if e.fault != nil {
		at := e.faultAt
		r.Fault = e.fault.Error()
		r.FaultAt = &at
	}
	return r
}
