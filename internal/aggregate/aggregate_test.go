package aggregate

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

var ts = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func sig(id string, dir model.Direction, conf float64) model.Signal {
	return model.Signal{Timestamp: ts, Symbol: "AAPL", Direction: dir, Confidence: conf, StrategyID: id}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMajorityVote(t *testing.T) {
	agg := &MajorityVote{ID: "ens"}

	got := agg.Aggregate([]model.Signal{
		sig("a", model.Long, 0.5),
		sig("b", model.Long, 0.9),
		sig("c", model.Short, 0.7),
	})
	if got.Direction != model.Long {
		t.Errorf("expected LONG, got %s", got.Direction)
	}
	if !approx(got.Confidence, 2.0/3.0) {
		t.Errorf("expected confidence 0.667, got %v", got.Confidence)
	}
	if got.StrategyID != "ens" || got.Symbol != "AAPL" || !got.Timestamp.Equal(ts) {
		t.Errorf("unexpected envelope: %+v", got)
	}
	sources, _ := got.Metadata["source_strategies"].([]string)
	if len(sources) != 3 || sources[0] != "a" || sources[2] != "c" {
		t.Errorf("expected sources [a b c], got %v", sources)
	}
}

func TestMajorityVoteTie(t *testing.T) {
	signals := []model.Signal{sig("a", model.Long, 1), sig("b", model.Short, 1)}

	got := (&MajorityVote{}).Aggregate(signals)
	if got.Direction != model.Flat || got.Confidence != 0 {
		t.Errorf("expected FLAT/0 on tie, got %s/%v", got.Direction, got.Confidence)
	}

	got = (&MajorityVote{TieBreak: model.Long}).Aggregate(signals)
	if got.Direction != model.Long {
		t.Errorf("expected tie break LONG, got %s", got.Direction)
	}
}

func TestWeightedAverage(t *testing.T) {
	agg := &WeightedAverage{
		ID:            "ens",
		Weights:       map[string]float64{"a": 3},
		DefaultWeight: 1,
		Threshold:     0.1,
	}

	// (0.8*3 - 0.4*1) / 4 = 0.5
	got := agg.Aggregate([]model.Signal{sig("a", model.Long, 0.8), sig("b", model.Short, 0.4)})
	if got.Direction != model.Long {
		t.Errorf("expected LONG, got %s", got.Direction)
	}
	if !approx(got.Confidence, 0.5) {
		t.Errorf("expected confidence 0.5, got %v", got.Confidence)
	}

	// (0.2 - 0.1) / 2 = 0.05 < threshold
	got = agg.Aggregate([]model.Signal{sig("b", model.Long, 0.2), sig("c", model.Short, 0.1)})
	if got.Direction != model.Flat {
		t.Errorf("expected FLAT below threshold, got %s", got.Direction)
	}

	zero := &WeightedAverage{Weights: map[string]float64{"a": 0}}
	got = zero.Aggregate([]model.Signal{sig("a", model.Long, 1)})
	if got.Direction != model.Flat || got.Confidence != 0 {
		t.Errorf("expected FLAT/0 with zero weight, got %s/%v", got.Direction, got.Confidence)
	}
}

func TestUnanimity(t *testing.T) {
	agg := &Unanimity{ID: "ens"}

	got := agg.Aggregate([]model.Signal{
		sig("a", model.Short, 0.6),
		sig("b", model.Flat, 0),
		sig("c", model.Short, 0.8),
	})
	if got.Direction != model.Short || !approx(got.Confidence, 0.7) {
		t.Errorf("expected SHORT/0.7, got %s/%v", got.Direction, got.Confidence)
	}

	got = agg.Aggregate([]model.Signal{sig("a", model.Short, 0.6), sig("b", model.Long, 0.6)})
	if got.Direction != model.Flat || got.Confidence != 0 {
		t.Errorf("expected FLAT/0 on disagreement, got %s/%v", got.Direction, got.Confidence)
	}

	got = agg.Aggregate([]model.Signal{sig("a", model.Flat, 0.3)})
	if got.Direction != model.Flat {
		t.Errorf("expected FLAT when no directional signal, got %s", got.Direction)
	}
}

func TestEmptyInput(t *testing.T) {
	for _, agg := range []Aggregator{&MajorityVote{}, &WeightedAverage{}, &Unanimity{}} {
		if got := agg.Aggregate(nil); got != nil {
			t.Errorf("%T: expected nil, got %+v", agg, got)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Method: "median"}); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}
	agg, err := New(Config{Method: MethodWeighted, DefaultWeight: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := agg.(*WeightedAverage); !ok {
		t.Errorf("expected *WeightedAverage, got %T", agg)
	}
}

func TestEnsembleOnBar(t *testing.T) {
	var got []model.Signal
	ens := NewEnsemble(&MajorityVote{ID: "ens"}, func(_ context.Context, s model.Signal) error {
		got = append(got, s)
		return nil
	})

	long := sig("a", model.Long, 1)
	short := sig("c", model.Short, 1)
	report := dispatch.BarReport{
		Timestamp: ts,
		Symbol:    "AAPL",
		Results: []runtime.Result{
			{StrategyID: "a", Status: runtime.StatusActive, Signal: &long},
			{StrategyID: "b", Status: runtime.StatusActive},
			{StrategyID: "c", Status: runtime.StatusFailed, Signal: &short},
		},
	}
	if err := ens.OnBar(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 consensus signal, got %d", len(got))
	}
	if got[0].Direction != model.Long || got[0].Confidence != 1 {
		t.Errorf("expected LONG/1 ignoring failed result, got %s/%v", got[0].Direction, got[0].Confidence)
	}
	if latest, ok := ens.Latest("AAPL"); !ok || latest.Direction != model.Long {
		t.Errorf("expected latest LONG, got %+v", latest)
	}
}

func TestEnsembleSinkError(t *testing.T) {
	boom := errors.New("boom")
	ens := NewEnsemble(&MajorityVote{}, func(context.Context, model.Signal) error { return boom })

	s := sig("a", model.Long, 1)
	err := ens.OnBar(context.Background(), dispatch.BarReport{Results: []runtime.Result{{Signal: &s}}})
	if !errors.Is(err, boom) {
		t.Errorf("expected sink error, got %v", err)
	}
}
