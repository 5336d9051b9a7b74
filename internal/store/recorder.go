package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

// Recorder is a dispatch observer that persists every barrier of one run.
type Recorder struct {
	store  Store
	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder for a fresh run ID.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		runID:  uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
}

// RunID returns the ID the recorder writes under.
func (r *Recorder) RunID() string { return r.runID }

// Start creates the run record.
func (r *Recorder) Start(ctx context.Context, name string, strategies []string) error {
	run := &model.Run{
		ID:         r.runID,
		Name:       name,
		Status:     model.RunRunning,
		Strategies: strategies,
		StartedAt:  r.now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("start run %s: %w", r.runID, err)
	}
	r.logger.Info("run started", "run", r.runID, "strategies", len(strategies))
	return nil
}

// OnBar implements dispatch.Observer.
func (r *Recorder) OnBar(ctx context.Context, br dispatch.BarReport) error {
	bar := FromReport(br)
	if err := r.store.SaveBar(ctx, r.runID, &bar); err != nil {
		return fmt.Errorf("record bar %d: %w", br.Sequence, err)
	}
	return nil
}

// Finish stores orders cancelled outside a barrier (operator stops) and the
// final state of every strategy, then closes the run.
func (r *Recorder) Finish(ctx context.Context, rep *dispatch.Report) error {
	var final Bar
	for _, s := range rep.Strategies {
		final.Orders = append(final.Orders, s.Orders...)
		final.States = append(final.States, model.StrategyState{
			StrategyID: s.StrategyID,
			Status:     string(s.Status),
			Fault:      s.Fault,
			FaultAt:    s.FaultAt,
			RiskStatus: s.RiskState.Status,
			RiskReason: s.RiskState.Reason,
		})
	}
	if err := r.store.SaveBar(ctx, r.runID, &final); err != nil {
		return fmt.Errorf("finish run %s: %w", r.runID, err)
	}

	status := model.RunCompleted
	if rep.Stopped {
		status = model.RunStopped
	}
	if err := r.store.FinishRun(ctx, r.runID, status, r.now().UTC()); err != nil {
		return fmt.Errorf("finish run %s: %w", r.runID, err)
	}
	r.logger.Info("run recorded", "run", r.runID, "status", status, "bars", rep.Bars)
	return nil
}

// FromReport flattens one barrier. Failed results carry a frozen snapshot
// and are recorded as a fault instead of a new point.
func FromReport(br dispatch.BarReport) Bar {
	bar := Bar{Sequence: br.Sequence, Timestamp: br.Timestamp}
	for _, res := range br.Results {
		if res.Status == runtime.StatusFailed {
			at := res.Timestamp
			bar.States = append(bar.States, model.StrategyState{
				StrategyID: res.StrategyID,
				Status:     string(res.Status),
				Fault:      res.FaultMsg,
				FaultAt:    &at,
				RiskStatus: res.RiskState.Status,
				RiskReason: res.RiskState.Reason,
			})
		} else {
			bar.Snapshots = append(bar.Snapshots, res.Snapshot)
		}
		bar.Orders = append(bar.Orders, res.Orders...)
		bar.Fills = append(bar.Fills, res.Fills...)
		bar.RiskEvents = append(bar.RiskEvents, res.RiskEvents...)
	}
	return bar
}
