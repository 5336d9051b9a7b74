// Package publish streams per-bar results to Kafka as JSON events.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/runtime"
)

// ErrNoBrokers is returned by New when no broker address is configured.
var ErrNoBrokers = errors.New("publish: brokers are required")

// Event types.
const (
	TypeSnapshot = "snapshot"
	TypeFill     = "fill"
	TypeRisk     = "risk"
	TypeFault    = "fault"
)

// Event is the envelope of every published message.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	Sequence   int64     `json:"sequence"`
	StrategyID string    `json:"strategy_id"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}

// Config configures the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RunID        string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a dispatch observer. Messages are keyed by strategy ID so
// each strategy's events stay ordered within one partition.
type Publisher struct {
	w      messageWriter
	runID  string
	logger *slog.Logger
}

// New creates a publisher backed by a kafka-go writer.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newPublisher(w, cfg.RunID, logger), nil
}

func newPublisher(w messageWriter, runID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{w: w, runID: runID, logger: logger}
}

// OnBar implements dispatch.Observer.
func (p *Publisher) OnBar(ctx context.Context, br dispatch.BarReport) error {
	msgs, err := p.messages(br)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish bar %d: %w", br.Sequence, err)
	}
	return nil
}

func (p *Publisher) messages(br dispatch.BarReport) ([]kafka.Message, error) {
	var msgs []kafka.Message
	add := func(typ, strategyID string, payload any) error {
		ev := Event{
			Type:       typ,
			RunID:      p.runID,
			Sequence:   br.Sequence,
			StrategyID: strategyID,
			Timestamp:  br.Timestamp,
			Payload:    payload,
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", typ, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(strategyID),
			Value:   value,
			Time:    br.Timestamp,
			Headers: []kafka.Header{{Key: "type", Value: []byte(typ)}},
		})
		return nil
	}

	for _, res := range br.Results {
		if res.Status == runtime.StatusFailed {
			if err := add(TypeFault, res.StrategyID, map[string]string{"fault": res.FaultMsg}); err != nil {
				return nil, err
			}
			continue
		}
		for _, f := range res.Fills {
			if err := add(TypeFill, res.StrategyID, f); err != nil {
				return nil, err
			}
		}
		for _, e := range res.RiskEvents {
			if err := add(TypeRisk, res.StrategyID, e); err != nil {
				return nil, err
			}
		}
		if err := add(TypeSnapshot, res.StrategyID, res.Snapshot); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
