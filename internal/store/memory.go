package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/firebot/sim-engine/internal/model"
)

type memRun struct {
	run       model.Run
	snapshots map[string][]model.Snapshot
	orders    []model.Order
	orderIdx  map[string]int
	fills     []model.Fill
	risk      []model.RiskEvent
	states    []model.StrategyState
	stateIdx  map[string]int
}

// MemoryStore implements Store with in-memory maps. Not suitable for
// production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memRun
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memRun)}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}
	r := *run
	r.Strategies = slices.Clone(run.Strategies)
	s.runs[run.ID] = &memRun{
		run:       r,
		snapshots: make(map[string][]model.Snapshot),
		orderIdx:  make(map[string]int),
		stateIdx:  make(map[string]int),
	}
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	r.run.Status = status
	r.run.FinishedAt = &at
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run := r.run
	run.Strategies = slices.Clone(r.run.Strategies)
	return &run, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r.run)
	}
	slices.SortFunc(runs, func(a, b model.Run) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return runs, nil
}

func (s *MemoryStore) SaveBar(_ context.Context, runID string, bar *Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	for _, snap := range bar.Snapshots {
		r.snapshots[snap.StrategyID] = append(r.snapshots[snap.StrategyID], snap)
	}
	for _, o := range bar.Orders {
		if i, ok := r.orderIdx[o.ID]; ok {
			r.orders[i] = o
			continue
		}
		r.orderIdx[o.ID] = len(r.orders)
		r.orders = append(r.orders, o)
	}
	r.fills = append(r.fills, bar.Fills...)
	r.risk = append(r.risk, bar.RiskEvents...)
	for _, st := range bar.States {
		if i, ok := r.stateIdx[st.StrategyID]; ok {
			r.states[i] = mergeState(r.states[i], st)
			continue
		}
		r.stateIdx[st.StrategyID] = len(r.states)
		r.states = append(r.states, st)
	}
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, runID, strategyID string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	snaps := r.snapshots[strategyID]
	if len(snaps) == 0 {
		return nil, fmt.Errorf("snapshot %s/%s: %w", runID, strategyID, ErrNotFound)
	}
	snap := snaps[len(snaps)-1]
	return &snap, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, runID, strategyID string) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if strategyID != "" {
		return slices.Clone(r.snapshots[strategyID]), nil
	}
	var out []model.Snapshot
	for _, id := range r.run.Strategies {
		out = append(out, r.snapshots[id]...)
	}
	return out, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, runID, strategyID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return filter(r.orders, strategyID, func(o model.Order) string { return o.StrategyID }), nil
}

func (s *MemoryStore) ListFills(_ context.Context, runID, strategyID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return filter(r.fills, strategyID, func(f model.Fill) string { return f.StrategyID }), nil
}

func (s *MemoryStore) ListRiskEvents(_ context.Context, runID, strategyID string) ([]model.RiskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return filter(r.risk, strategyID, func(e model.RiskEvent) string { return e.StrategyID }), nil
}

func (s *MemoryStore) ListStrategyStates(_ context.Context, runID string) ([]model.StrategyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return slices.Clone(r.states), nil
}

func filter[T any](items []T, strategyID string, owner func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if strategyID == "" || owner(it) == strategyID {
			out = append(out, it)
		}
	}
	return out
}
