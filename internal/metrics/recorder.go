package metrics

import (
	"context"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

// Recorder is a dispatch observer that exports per-bar results.
type Recorder struct{}

// OnBar implements dispatch.Observer.
func (Recorder) OnBar(_ context.Context, br dispatch.BarReport) error {
	BarsTotal.Inc()
	for _, res := range br.Results {
		StrategyResults.WithLabelValues(res.StrategyID, string(res.Status)).Inc()
		if res.Status == runtime.StatusFailed {
			StrategyFaults.WithLabelValues(res.StrategyID).Inc()
			continue
		}

		for _, f := range res.Fills {
			FillsTotal.WithLabelValues(f.StrategyID, string(f.Side)).Inc()
			FilledVolume.WithLabelValues(f.Symbol, string(f.Side)).Add(f.Quantity.InexactFloat64())
		}
		for _, o := range res.Orders {
			if o.Status == model.OrderRejected || o.Status == model.OrderCancelled {
				OrderRejections.WithLabelValues(o.StrategyID, o.Reason).Inc()
			}
		}
		for _, e := range res.RiskEvents {
			RiskEvents.WithLabelValues(e.StrategyID, e.Reason, string(e.To)).Inc()
		}

		Equity.WithLabelValues(res.StrategyID).Set(res.Snapshot.Equity.InexactFloat64())
		Drawdown.WithLabelValues(res.StrategyID).Set(res.Snapshot.Drawdown.InexactFloat64())
	}
	return nil
}
