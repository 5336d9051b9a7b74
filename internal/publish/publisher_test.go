package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/runtime"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var ts = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func report() dispatch.BarReport {
	return dispatch.BarReport{
		Sequence:  7,
		Timestamp: ts,
		Symbol:    "AAPL",
		Results: []runtime.Result{
			{
				StrategyID: "a",
				Status:     runtime.StatusActive,
				Fills:      []model.Fill{{OrderID: "o1", StrategyID: "a", Price: decimal.NewFromInt(50), Quantity: decimal.NewFromInt(10)}},
				RiskEvents: []model.RiskEvent{{StrategyID: "a", From: model.RiskActive, To: model.RiskDisabled, Reason: "max_drawdown_breach"}},
				Snapshot:   model.Snapshot{StrategyID: "a", Equity: decimal.NewFromInt(99000)},
			},
			{
				StrategyID: "b",
				Status:     runtime.StatusFailed,
				Fault:      model.ErrStrategyFault,
				FaultMsg:   "strategy fault: boom",
			},
		},
	}
}

func TestPublisherOnBar(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "run-1", nil)

	require.NoError(t, p.OnBar(context.Background(), report()))
	require.Len(t, w.msgs, 4)

	var types []string
	for _, m := range w.msgs {
		var ev Event
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, int64(7), ev.Sequence)
		assert.Equal(t, string(m.Key), ev.StrategyID)
		assert.True(t, m.Time.Equal(ts))
		require.Len(t, m.Headers, 1)
		assert.Equal(t, ev.Type, string(m.Headers[0].Value))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{TypeFill, TypeRisk, TypeSnapshot, TypeFault}, types)

	var fault Event
	require.NoError(t, json.Unmarshal(w.msgs[3].Value, &fault))
	assert.Equal(t, "b", fault.StrategyID)
	assert.Equal(t, map[string]any{"fault": "strategy fault: boom"}, fault.Payload)
}

func TestPublisherWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := newPublisher(&fakeWriter{err: boom}, "", nil)

	err := p.OnBar(context.Background(), report())
	assert.ErrorIs(t, err, boom)
}

func TestPublisherEmptyBar(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "", nil)

	require.NoError(t, p.OnBar(context.Background(), dispatch.BarReport{}))
	assert.Empty(t, w.msgs)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Config{Topic: "events"}, nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}
