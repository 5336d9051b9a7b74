// Package store persists simulation runs and their per-bar results.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process runs).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/firebot/sim-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrRunExists = errors.New("store: run already exists")
)

// Bar is everything one barrier produced for a run.
type Bar struct {
	Sequence   int64
	Timestamp  time.Time
	Snapshots  []model.Snapshot
	Orders     []model.Order
	Fills      []model.Fill
	RiskEvents []model.RiskEvent
	States     []model.StrategyState
}

// Store is the persistence interface. Listing methods take an optional
// strategy ID; empty means every strategy of the run.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *model.Run) error

	// FinishRun sets the final status and finish time of a run.
	FinishRun(ctx context.Context, id, status string, at time.Time) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// --- Bar results ---

	// SaveBar appends snapshots, fills and risk events and upserts orders
	// and strategy states so each keeps its latest status. A strategy's
	// first fault is never overwritten.
	SaveBar(ctx context.Context, runID string, bar *Bar) error

	// LatestSnapshot returns the most recent snapshot of one strategy.
	LatestSnapshot(ctx context.Context, runID, strategyID string) (*model.Snapshot, error)

	// ListSnapshots returns snapshots in bar order.
	ListSnapshots(ctx context.Context, runID, strategyID string) ([]model.Snapshot, error)

	// ListOrders returns orders in submission order.
	ListOrders(ctx context.Context, runID, strategyID string) ([]model.Order, error)

	// ListFills returns fills in execution order.
	ListFills(ctx context.Context, runID, strategyID string) ([]model.Fill, error)

	// ListRiskEvents returns governor events in the order they occurred.
	ListRiskEvents(ctx context.Context, runID, strategyID string) ([]model.RiskEvent, error)

	// ListStrategyStates returns the stored state of every strategy that
	// has one, in the order first written.
	ListStrategyStates(ctx context.Context, runID string) ([]model.StrategyState, error)
}

// mergeState folds next into prev, keeping prev's fault once one is set.
func mergeState(prev, next model.StrategyState) model.StrategyState {
	if prev.FaultAt != nil {
		next.Fault = prev.Fault
		next.FaultAt = prev.FaultAt
	}
	return next
}
