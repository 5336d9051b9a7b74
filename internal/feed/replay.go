package feed

import (
	"context"
	"io"
	"time"

	"github.com/firebot/sim-engine/internal/features"
	"github.com/firebot/sim-engine/internal/model"
)

// Replay hands out pre-loaded bars one at a time, attaching features
// computed from the bars already replayed. Bars the dispatcher would skip
// (invalid, out of order, duplicate) are handed out without features and
// never reach the pipelines. Not safe for concurrent use.
type Replay struct {
	bars     []model.PriceBar
	pos      int
	shared   features.Pipeline
	perStrat map[string]features.Pipeline
	ids      []string

	lastTS time.Time
	seenAt map[string]bool
}

// ReplayOption configures a Replay.
type ReplayOption func(*Replay)

// WithPipeline sets the shared feature pipeline.
func WithPipeline(p features.Pipeline) ReplayOption {
	return func(r *Replay) { r.shared = p }
}

// WithStrategyPipeline gives one strategy its own feature pipeline.
func WithStrategyPipeline(strategyID string, p features.Pipeline) ReplayOption {
	return func(r *Replay) {
		if _, ok := r.perStrat[strategyID]; !ok {
			r.ids = append(r.ids, strategyID)
		}
		r.perStrat[strategyID] = p
	}
}

// NewReplay replays bars in the given order.
func NewReplay(bars []model.PriceBar, opts ...ReplayOption) *Replay {
	r := &Replay{
		bars:     bars,
		perStrat: make(map[string]features.Pipeline),
		seenAt:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next frame, or io.EOF once every bar has been replayed.
func (r *Replay) Next(ctx context.Context) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	if r.pos >= len(r.bars) {
		return model.Frame{}, io.EOF
	}
	bar := r.bars[r.pos]
	r.pos++

	frame := model.Frame{Bar: bar}
	if !r.admit(bar) {
		return frame, nil
	}
	if r.shared != nil {
		frame.Features = r.shared.Update(bar)
	}
	if len(r.ids) > 0 {
		frame.StrategyFeatures = make(map[string]map[string]float64, len(r.ids))
		for _, id := range r.ids {
			frame.StrategyFeatures[id] = r.perStrat[id].Update(bar)
		}
	}
	return frame, nil
}

func (r *Replay) admit(bar model.PriceBar) bool {
	if bar.Validate() != nil || bar.Timestamp.Before(r.lastTS) {
		return false
	}
	if bar.Timestamp.After(r.lastTS) {
		r.lastTS = bar.Timestamp
		clear(r.seenAt)
	} else if r.seenAt[bar.Symbol] {
		return false
	}
	r.seenAt[bar.Symbol] = true
	return true
}

// Len returns the total number of bars.
func (r *Replay) Len() int { return len(r.bars) }

// Remaining returns the number of bars not yet replayed.
func (r *Replay) Remaining() int { return len(r.bars) - r.pos }
