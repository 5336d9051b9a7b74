package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/firebot/sim-engine/internal/model"
)

// MomentumName is the registry name of the momentum strategy.
const MomentumName = "momentum"

// Momentum goes LONG when the momentum of price exceeds Threshold, SHORT
// when it falls below -Threshold, and FLAT in between. Confidence scales
// linearly up to 5× the threshold.
//
// The momentum value is read from the Feature key when present; otherwise
// it is the rate of change of close over Lookback bars of the strategy's own
// history.
type Momentum struct {
	id        string
	lookback  int
	threshold float64
	feature   string
	maxBuffer int
	closes    map[string][]float64
}

// NewMomentum builds a Momentum strategy. Params: lookback_window (20),
// threshold (0.02), feature ("returns"), max_buffer_size (1000).
func NewMomentum(id string, params Params) (Strategy, error) {
	lookback, err := intParam(params, "lookback_window", 20)
	if err != nil {
		return nil, err
	}
	threshold, err := floatParam(params, "threshold", 0.02)
	if err != nil {
		return nil, err
	}
	maxBuffer, err := intParam(params, "max_buffer_size", 1000)
	if err != nil {
		return nil, err
	}
	if lookback < 2 || threshold <= 0 || maxBuffer < lookback {
		return nil, fmt.Errorf("%w: lookback %d threshold %v buffer %d", ErrInvalidParam, lookback, threshold, maxBuffer)
	}
	return &Momentum{
		id:        id,
		lookback:  lookback,
		threshold: threshold,
		feature:   stringParam(params, "feature", "returns"),
		maxBuffer: maxBuffer,
		closes:    make(map[string][]float64),
	}, nil
}

func (m *Momentum) GenerateSignal(_ context.Context, obs Observation) (*model.Signal, error) {
	sym := obs.Bar.Symbol
	buf := append(m.closes[sym], obs.Bar.Close.InexactFloat64())
	if len(buf) > m.maxBuffer {
		buf = buf[len(buf)-m.maxBuffer:]
	}
	m.closes[sym] = buf

	value, ok := obs.Features[m.feature]
	if !ok {
		if len(buf) < m.lookback+1 {
			return nil, nil
		}
		roc := talib.Rocp(buf[len(buf)-m.lookback-1:], m.lookback)
		value = roc[len(roc)-1]
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, nil
	}

	dir := model.Flat
	switch {
	case value > m.threshold:
		dir = model.Long
	case value < -m.threshold:
		dir = model.Short
	}

	return &model.Signal{
		Timestamp:  obs.Bar.Timestamp,
		Symbol:     sym,
		Direction:  dir,
		Confidence: math.Min(math.Abs(value)/(m.threshold*5), 1),
		StrategyID: m.id,
		Metadata: map[string]any{
			"momentum":        value,
			"threshold":       m.threshold,
			"lookback_window": m.lookback,
		},
	}, nil
}

func (m *Momentum) OnFill(model.Order, model.Fill) {}
