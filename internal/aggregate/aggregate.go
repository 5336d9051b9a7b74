// Package aggregate combines same-bar signals from several strategies into
// one consensus signal.
package aggregate

import (
	"errors"
	"fmt"
	"math"

	"github.com/firebot/sim-engine/internal/model"
)

// ErrUnknownMethod is returned by New for unsupported methods.
var ErrUnknownMethod = errors.New("aggregate: unknown method")

// Methods.
const (
	MethodMajority  = "majority"
	MethodWeighted  = "weighted"
	MethodUnanimity = "unanimity"
)

// Aggregator combines signals. It returns nil for an empty input.
type Aggregator interface {
	Aggregate(signals []model.Signal) *model.Signal
}

// Config selects and parameterises an aggregator.
type Config struct {
	Method        string             `yaml:"method" default:"majority" validate:"oneof=majority weighted unanimity"`
	ID            string             `yaml:"id" default:"ensemble"`
	Weights       map[string]float64 `yaml:"weights"`
	DefaultWeight float64            `yaml:"default_weight" default:"1"`
	Threshold     float64            `yaml:"threshold" validate:"gte=0,lte=1"`
	// TieBreak is the direction a tied majority vote resolves to.
	TieBreak model.Direction `yaml:"tie_break" default:"FLAT" validate:"oneof=LONG SHORT FLAT"`
}

// New builds the aggregator described by cfg.
func New(cfg Config) (Aggregator, error) {
	switch cfg.Method {
	case MethodMajority, "":
		return &MajorityVote{ID: cfg.ID, TieBreak: cfg.TieBreak}, nil
	case MethodWeighted:
		return &WeightedAverage{ID: cfg.ID, Weights: cfg.Weights, DefaultWeight: cfg.DefaultWeight, Threshold: cfg.Threshold}, nil
	case MethodUnanimity:
		return &Unanimity{ID: cfg.ID}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, cfg.Method)
}

// MajorityVote gives every signal one vote. Confidence is the winning
// share of votes. Ties resolve to TieBreak (FLAT by default) with zero
// confidence.
type MajorityVote struct {
	ID       string
	TieBreak model.Direction
}

func (m *MajorityVote) Aggregate(signals []model.Signal) *model.Signal {
	if len(signals) == 0 {
		return nil
	}
	var long, short int
	for _, s := range signals {
		switch s.Direction {
		case model.Long:
			long++
		case model.Short:
			short++
		}
	}
	total := float64(len(signals))
	switch {
	case long > short:
		return result(m.ID, MethodMajority, model.Long, float64(long)/total, signals)
	case short > long:
		return result(m.ID, MethodMajority, model.Short, float64(short)/total, signals)
	}
	tie := m.TieBreak
	if tie == "" {
		tie = model.Flat
	}
	return result(m.ID, MethodMajority, tie, 0, signals)
}

// WeightedAverage scores each signal as direction × confidence × weight
// (LONG +1, SHORT -1, FLAT 0). A weighted mean below Threshold in absolute
// value is FLAT.
type WeightedAverage struct {
	ID            string
	Weights       map[string]float64
	DefaultWeight float64
	Threshold     float64
}

func (w *WeightedAverage) Aggregate(signals []model.Signal) *model.Signal {
	if len(signals) == 0 {
		return nil
	}
	var sum, total float64
	for _, s := range signals {
		weight, ok := w.Weights[s.StrategyID]
		if !ok {
			weight = w.DefaultWeight
		}
		sum += directionValue(s.Direction) * s.Confidence * weight
		total += weight
	}
	if total == 0 {
		return result(w.ID, MethodWeighted, model.Flat, 0, signals)
	}

	score := sum / total
	dir := model.Flat
	switch {
	case math.Abs(score) < w.Threshold:
	case score > 0:
		dir = model.Long
	case score < 0:
		dir = model.Short
	}
	return result(w.ID, MethodWeighted, dir, math.Abs(score), signals)
}

// Unanimity is directional only when every non-FLAT signal agrees.
// Confidence is the mean confidence of the agreeing signals.
type Unanimity struct {
	ID string
}

func (u *Unanimity) Aggregate(signals []model.Signal) *model.Signal {
	if len(signals) == 0 {
		return nil
	}
	var (
		dir   model.Direction
		sum   float64
		count int
	)
	for _, s := range signals {
		if s.Direction == model.Flat {
			continue
		}
		if dir != "" && s.Direction != dir {
			return result(u.ID, MethodUnanimity, model.Flat, 0, signals)
		}
		dir = s.Direction
		sum += s.Confidence
		count++
	}
	if count == 0 {
		return result(u.ID, MethodUnanimity, model.Flat, 0, signals)
	}
	return result(u.ID, MethodUnanimity, dir, sum/float64(count), signals)
}

func directionValue(d model.Direction) float64 {
	switch d {
	case model.Long:
		return 1
	case model.Short:
		return -1
	}
	return 0
}

// result stamps the consensus with the latest source timestamp so reruns
// produce identical output.
func result(id, method string, dir model.Direction, confidence float64, signals []model.Signal) *model.Signal {
	sources := make([]string, len(signals))
	ts := signals[0].Timestamp
	for i, s := range signals {
		sources[i] = s.StrategyID
		if s.Timestamp.After(ts) {
			ts = s.Timestamp
		}
	}
	return &model.Signal{
		Timestamp:  ts,
		Symbol:     signals[0].Symbol,
		Direction:  dir,
		Confidence: math.Min(math.Max(confidence, 0), 1),
		StrategyID: id,
		Metadata: map[string]any{
			"source_strategies":  sources,
			"aggregation_method": method,
		},
	}
}
