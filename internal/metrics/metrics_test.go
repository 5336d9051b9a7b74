package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

func TestRecorderOnBar(t *testing.T) {
	id := "metrics-test"
	br := dispatch.BarReport{
		Sequence: 1,
		Results: []runtime.Result{{
			StrategyID: id,
			Status:     runtime.StatusActive,
			Fills: []model.Fill{
				{StrategyID: id, Symbol: "MT", Side: model.Buy, Quantity: decimal.NewFromInt(7)},
			},
			Orders: []model.Order{
				{StrategyID: id, Status: model.OrderFilled},
				{StrategyID: id, Status: model.OrderRejected, Reason: "position_limit"},
			},
			Snapshot: model.Snapshot{Equity: decimal.NewFromInt(98000), Drawdown: decimal.RequireFromString("0.1090909")},
		}},
	}

	if err := (Recorder{}).OnBar(context.Background(), br); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(FillsTotal.WithLabelValues(id, "BUY")); got != 1 {
		t.Errorf("expected 1 fill, got %v", got)
	}
	if got := testutil.ToFloat64(FilledVolume.WithLabelValues("MT", "BUY")); got != 7 {
		t.Errorf("expected volume 7, got %v", got)
	}
	if got := testutil.ToFloat64(OrderRejections.WithLabelValues(id, "position_limit")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(Equity.WithLabelValues(id)); got != 98000 {
		t.Errorf("expected equity 98000, got %v", got)
	}

	failed := dispatch.BarReport{Results: []runtime.Result{{StrategyID: id, Status: runtime.StatusFailed}}}
	_ = (Recorder{}).OnBar(context.Background(), failed)
	if got := testutil.ToFloat64(StrategyFaults.WithLabelValues(id)); got != 1 {
		t.Errorf("expected 1 fault, got %v", got)
	}
	if got := testutil.ToFloat64(Equity.WithLabelValues(id)); got != 98000 {
		t.Errorf("expected frozen equity 98000, got %v", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/runs/{runID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/runs/{runID}", "418")); got != 1 {
		t.Errorf("expected 1 request on route pattern, got %v", got)
	}
}
