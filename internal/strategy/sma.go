package strategy

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/firebot/sim-engine/internal/model"
)

// SMACrossoverName is the registry name of the moving-average crossover.
const SMACrossoverName = "sma_crossover"

// SMACrossover is LONG while the fast simple moving average of close is
// above the slow one and SHORT while it is below. Confidence is the gap
// between the averages relative to Spread, capped at 1.
type SMACrossover struct {
	id     string
	fast   int
	slow   int
	spread float64
	closes map[string][]float64
}

// NewSMACrossover builds an SMACrossover. Params: fast (10), slow (30),
// spread (0.01).
func NewSMACrossover(id string, params Params) (Strategy, error) {
	fast, err := intParam(params, "fast", 10)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow", 30)
	if err != nil {
		return nil, err
	}
	spread, err := floatParam(params, "spread", 0.01)
	if err != nil {
		return nil, err
	}
	if fast < 2 || slow <= fast || spread <= 0 {
		return nil, fmt.Errorf("%w: fast %d slow %d spread %v", ErrInvalidParam, fast, slow, spread)
	}
	return &SMACrossover{
		id:     id,
		fast:   fast,
		slow:   slow,
		spread: spread,
		closes: make(map[string][]float64),
	}, nil
}

func (s *SMACrossover) GenerateSignal(_ context.Context, obs Observation) (*model.Signal, error) {
	sym := obs.Bar.Symbol
	buf := append(s.closes[sym], obs.Bar.Close.InexactFloat64())
	if len(buf) > s.slow {
		buf = buf[len(buf)-s.slow:]
	}
	s.closes[sym] = buf
	if len(buf) < s.slow {
		return nil, nil
	}

	fast := talib.Sma(buf, s.fast)[len(buf)-1]
	slow := talib.Sma(buf, s.slow)[len(buf)-1]
	if slow == 0 {
		return nil, nil
	}
	gap := (fast - slow) / slow

	dir := model.Flat
	switch {
	case gap > 0:
		dir = model.Long
	case gap < 0:
		dir = model.Short
	}

	return &model.Signal{
		Timestamp:  obs.Bar.Timestamp,
		Symbol:     sym,
		Direction:  dir,
		Confidence: math.Min(math.Abs(gap)/s.spread, 1),
		StrategyID: s.id,
		Metadata: map[string]any{
			"sma_fast": fast,
			"sma_slow": slow,
		},
	}, nil
}

func (s *SMACrossover) OnFill(model.Order, model.Fill) {}
