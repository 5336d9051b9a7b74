package aggregate

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

// SignalSink receives consensus signals.
type SignalSink func(ctx context.Context, sig model.Signal) error

// Ensemble is a dispatch observer that combines the signals of one barrier
// into a consensus per symbol. Every barrier is a consistent snapshot, so
// the inputs always belong to the same bar.
type Ensemble struct {
	agg   Aggregator
	sinks []SignalSink

	mu     sync.RWMutex
	latest map[string]model.Signal
}

// NewEnsemble creates an ensemble that forwards consensus signals to sinks.
func NewEnsemble(agg Aggregator, sinks ...SignalSink) *Ensemble {
	return &Ensemble{agg: agg, sinks: sinks, latest: make(map[string]model.Signal)}
}

// OnBar implements dispatch.Observer.
func (e *Ensemble) OnBar(ctx context.Context, br dispatch.BarReport) error {
	bySymbol := make(map[string][]model.Signal)
	var order []string
	for _, res := range br.Results {
		if res.Signal == nil || res.Status == runtime.StatusFailed {
			continue
		}
		sym := res.Signal.Symbol
		if _, ok := bySymbol[sym]; !ok {
			order = append(order, sym)
		}
		bySymbol[sym] = append(bySymbol[sym], *res.Signal)
	}

	var errs error
	for _, sym := range order {
		sig := e.agg.Aggregate(bySymbol[sym])
		if sig == nil {
			continue
		}
		e.mu.Lock()
		e.latest[sym] = *sig
		e.mu.Unlock()

		for _, sink := range e.sinks {
			errs = multierr.Append(errs, sink(ctx, *sig))
		}
	}
	return errs
}

// Latest returns the most recent consensus for symbol.
func (e *Ensemble) Latest(symbol string) (model.Signal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sig, ok := e.latest[symbol]
	return sig, ok
}
