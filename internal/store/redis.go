package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firebot/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for runs and latest snapshots. Writes go to the primary store and
// refresh or invalidate the cache; reads check Redis first then fall back
// to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) CreateRun(ctx context.Context, run *model.Run) error {
	if err := s.primary.CreateRun(ctx, run); err != nil {
		return err
	}
	s.cache(ctx, runKey(run.ID), run)
	return nil
}

func (s *CachedStore) FinishRun(ctx context.Context, id, status string, at time.Time) error {
	if err := s.primary.FinishRun(ctx, id, status, at); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, runKey(id))
	return nil
}

func (s *CachedStore) SaveBar(ctx context.Context, runID string, bar *Bar) error {
	if err := s.primary.SaveBar(ctx, runID, bar); err != nil {
		return err
	}
	for i := range bar.Snapshots {
		snap := &bar.Snapshots[i]
		s.cache(ctx, snapshotKey(runID, snap.StrategyID), snap)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	if s.lookup(ctx, runKey(id), &run) {
		return &run, nil
	}

	r, err := s.primary.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, runKey(id), r)
	return r, nil
}

func (s *CachedStore) LatestSnapshot(ctx context.Context, runID, strategyID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if s.lookup(ctx, snapshotKey(runID, strategyID), &snap) {
		return &snap, nil
	}

	sp, err := s.primary.LatestSnapshot(ctx, runID, strategyID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, snapshotKey(runID, strategyID), sp)
	return sp, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	return s.primary.ListRuns(ctx)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, runID, strategyID string) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, runID, strategyID)
}

func (s *CachedStore) ListOrders(ctx context.Context, runID, strategyID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, runID, strategyID)
}

func (s *CachedStore) ListFills(ctx context.Context, runID, strategyID string) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, runID, strategyID)
}

func (s *CachedStore) ListRiskEvents(ctx context.Context, runID, strategyID string) ([]model.RiskEvent, error) {
	return s.primary.ListRiskEvents(ctx, runID, strategyID)
}

func (s *CachedStore) ListStrategyStates(ctx context.Context, runID string) ([]model.StrategyState, error) {
	return s.primary.ListStrategyStates(ctx, runID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func runKey(id string) string                 { return fmt.Sprintf("run:%s", id) }
func snapshotKey(run, strategy string) string { return fmt.Sprintf("snapshot:%s:%s", run, strategy) }
