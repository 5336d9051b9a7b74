// Package api provides the HTTP handlers for querying simulation results
// and controlling live runs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/store"
)

// Controller is the control surface of a live run; *dispatch.Dispatcher
// satisfies it.
type Controller interface {
	Stop()
	Pause()
	Resume()
	StopStrategy(id string) error
	Strategies() []dispatch.StrategyReport
}

// Service serves stored results and forwards stop requests to live runs.
type Service struct {
	store store.Store

	mu   sync.RWMutex
	live map[string]Controller
}

// NewService creates a new results service.
func NewService(st store.Store) *Service {
	return &Service{store: st, live: make(map[string]Controller)}
}

// Attach registers a live run so it can be stopped over HTTP.
func (s *Service) Attach(runID string, c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[runID] = c
}

// Detach removes a finished run from the live set.
func (s *Service) Detach(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, runID)
}

func (s *Service) controller(runID string) (Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.live[runID]
	return c, ok
}

// Routes mounts the service under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/runs", s.ListRuns)
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.GetRun)
		r.Post("/stop", s.StopRun)
		r.Post("/pause", s.PauseRun)
		r.Post("/resume", s.ResumeRun)
		r.Get("/orders", s.ListOrders)
		r.Get("/fills", s.ListFills)
		r.Get("/risk-events", s.ListRiskEvents)
		r.Get("/strategies", s.ListStrategies)
		r.Get("/strategies/{strategyID}/snapshot", s.GetSnapshot)
		r.Get("/strategies/{strategyID}/snapshots", s.ListSnapshots)
		r.Post("/strategies/{strategyID}/stop", s.StopStrategy)
	})
}

// StrategySummary is one row of GET /runs/{runID}/strategies for runs that
// are no longer live.
type StrategySummary struct {
	StrategyID string           `json:"strategy_id"`
	Status     string           `json:"status,omitempty"`
	Fault      string           `json:"fault,omitempty"`
	FaultAt    *time.Time       `json:"fault_at,omitempty"`
	RiskStatus model.RiskStatus `json:"risk_status,omitempty"`
	RiskReason string           `json:"risk_reason,omitempty"`
	Snapshot   *model.Snapshot  `json:"snapshot,omitempty"`
}

// --- HTTP Handlers ---

// ListRuns handles GET /api/v1/runs
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListStrategies handles GET /api/v1/runs/{runID}/strategies
// Live runs report their in-memory state including performance stats.
func (s *Service) ListStrategies(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if c, ok := s.controller(runID); ok {
		writeJSON(w, http.StatusOK, c.Strategies())
		return
	}

	run, ok := s.run(w, r)
	if !ok {
		return
	}
	states, err := s.store.ListStrategyStates(r.Context(), runID)
	if err != nil {
		writeError(w, "failed to load strategy states", http.StatusInternalServerError)
		return
	}
	byID := make(map[string]model.StrategyState, len(states))
	for _, st := range states {
		byID[st.StrategyID] = st
	}

	out := make([]StrategySummary, 0, len(run.Strategies))
	for _, id := range run.Strategies {
		st := byID[id]
		sum := StrategySummary{
			StrategyID: id,
			Status:     st.Status,
			Fault:      st.Fault,
			FaultAt:    st.FaultAt,
			RiskStatus: st.RiskStatus,
			RiskReason: st.RiskReason,
		}
		snap, err := s.store.LatestSnapshot(r.Context(), runID, id)
		switch {
		case err == nil:
			sum.Snapshot = snap
		case !errors.Is(err, store.ErrNotFound):
			writeError(w, "failed to load snapshot", http.StatusInternalServerError)
			return
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSnapshot handles GET /api/v1/runs/{runID}/strategies/{strategyID}/snapshot
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "strategyID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListSnapshots handles GET /api/v1/runs/{runID}/strategies/{strategyID}/snapshots
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "strategyID"))
	respond(w, snaps, err)
}

// ListOrders handles GET /api/v1/runs/{runID}/orders?strategy=<id>
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.ListOrders(r.Context(), chi.URLParam(r, "runID"), r.URL.Query().Get("strategy"))
	respond(w, orders, err)
}

// ListFills handles GET /api/v1/runs/{runID}/fills?strategy=<id>
func (s *Service) ListFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.store.ListFills(r.Context(), chi.URLParam(r, "runID"), r.URL.Query().Get("strategy"))
	respond(w, fills, err)
}

// ListRiskEvents handles GET /api/v1/runs/{runID}/risk-events?strategy=<id>
func (s *Service) ListRiskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRiskEvents(r.Context(), chi.URLParam(r, "runID"), r.URL.Query().Get("strategy"))
	respond(w, events, err)
}

// StopRun handles POST /api/v1/runs/{runID}/stop
// The run ends at its next barrier.
func (s *Service) StopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	c, ok := s.liveController(w, r)
	if !ok {
		return
	}
	c.Stop()
	slog.Info("run stop requested", "run", runID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// PauseRun handles POST /api/v1/runs/{runID}/pause
// The run holds at its next barrier until resumed or stopped.
func (s *Service) PauseRun(w http.ResponseWriter, r *http.Request) {
	c, ok := s.liveController(w, r)
	if !ok {
		return
	}
	c.Pause()
	slog.Info("run pause requested", "run", chi.URLParam(r, "runID"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "paused"})
}

// ResumeRun handles POST /api/v1/runs/{runID}/resume
func (s *Service) ResumeRun(w http.ResponseWriter, r *http.Request) {
	c, ok := s.liveController(w, r)
	if !ok {
		return
	}
	c.Resume()
	slog.Info("run resume requested", "run", chi.URLParam(r, "runID"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// StopStrategy handles POST /api/v1/runs/{runID}/strategies/{strategyID}/stop
func (s *Service) StopStrategy(w http.ResponseWriter, r *http.Request) {
	strategyID := chi.URLParam(r, "strategyID")
	c, ok := s.liveController(w, r)
	if !ok {
		return
	}
	if err := c.StopStrategy(strategyID); err != nil {
		if errors.Is(err, dispatch.ErrUnknownStrategy) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("strategy stop requested", "run", chi.URLParam(r, "runID"), "strategy", strategyID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// --- helpers ---

func (s *Service) run(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		writeError(w, "failed to load run", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func (s *Service) liveController(w http.ResponseWriter, r *http.Request) (Controller, bool) {
	if c, ok := s.controller(chi.URLParam(r, "runID")); ok {
		return c, true
	}
	if _, ok := s.run(w, r); ok {
		writeError(w, "run is not live", http.StatusConflict)
	}
	return nil, false
}

func respond[T any](w http.ResponseWriter, items []T, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load results", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
