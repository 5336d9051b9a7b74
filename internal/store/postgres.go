package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/firebot/sim-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, name, status, strategies, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.Name, r.Status, r.Strategies, r.StartedAt, r.FinishedAt,
	)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, id, status string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3 WHERE id = $1`,
		id, status, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, strategies, started_at, finished_at
		 FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Status, &r.Strategies, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, status, strategies, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.Strategies, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveBar writes one barrier in a single round trip.
func (s *PostgresStore) SaveBar(ctx context.Context, runID string, bar *Bar) error {
	b := &pgx.Batch{}

	for _, snap := range bar.Snapshots {
		positions, err := json.Marshal(snap.Positions)
		if err != nil {
			return fmt.Errorf("encode positions: %w", err)
		}
		b.Queue(
			`INSERT INTO snapshots (run_id, strategy_id, seq, ts, currency, cash, equity, high_water_mark,
			                        drawdown, realized_pnl, closed_pnl, unrealized_pnl, trade_count, positions)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14::JSONB)
			 ON CONFLICT (run_id, strategy_id, seq) DO NOTHING`,
			runID, snap.StrategyID, bar.Sequence, snap.Timestamp, snap.Currency,
			snap.Cash.String(), snap.Equity.String(), snap.HighWaterMark.String(),
			snap.Drawdown.String(), snap.RealizedPnL.String(), snap.ClosedPnL.String(),
			snap.UnrealizedPnL.String(), snap.TradeCount, string(positions),
		)
	}

	for _, o := range bar.Orders {
		b.Queue(
			`INSERT INTO orders (run_id, id, strategy_id, ts, symbol, side, kind, quantity,
			                     limit_price, trigger_price, parent_id, status, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)
			 ON CONFLICT (run_id, id) DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason`,
			runID, o.ID, o.StrategyID, o.Timestamp, o.Symbol, string(o.Side), string(o.Kind),
			o.Quantity.String(), nullDecimal(o.LimitPrice), nullDecimal(o.TriggerPrice),
			o.ParentID, string(o.Status), o.Reason,
		)
	}

	for _, f := range bar.Fills {
		b.Queue(
			`INSERT INTO fills (run_id, order_id, strategy_id, symbol, side, price, quantity, commission, ts)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
			 ON CONFLICT (run_id, order_id) DO NOTHING`,
			runID, f.OrderID, f.StrategyID, f.Symbol, string(f.Side),
			f.Price.String(), f.Quantity.String(), f.Commission.String(), f.Timestamp,
		)
	}

	for _, e := range bar.RiskEvents {
		b.Queue(
			`INSERT INTO risk_events (run_id, strategy_id, from_status, to_status, reason, ts, equity, drawdown)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC)`,
			runID, e.StrategyID, string(e.From), string(e.To), e.Reason, e.Timestamp,
			e.Equity.String(), e.Drawdown.String(),
		)
	}

	for _, st := range bar.States {
		b.Queue(
			`INSERT INTO strategy_states (run_id, strategy_id, status, fault, fault_at, risk_status, risk_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (run_id, strategy_id) DO UPDATE SET
			     status      = EXCLUDED.status,
			     fault       = CASE WHEN strategy_states.fault_at IS NULL THEN EXCLUDED.fault ELSE strategy_states.fault END,
			     fault_at    = COALESCE(strategy_states.fault_at, EXCLUDED.fault_at),
			     risk_status = EXCLUDED.risk_status,
			     risk_reason = EXCLUDED.risk_reason`,
			runID, st.StrategyID, st.Status, st.Fault, st.FaultAt, string(st.RiskStatus), st.RiskReason,
		)
	}

	if b.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save bar %d: %w", bar.Sequence, err)
	}
	return nil
}

const snapshotColumns = `strategy_id, ts, currency, cash::TEXT, equity::TEXT, high_water_mark::TEXT,
		        drawdown::TEXT, realized_pnl::TEXT, closed_pnl::TEXT, unrealized_pnl::TEXT, trade_count, positions`

func (s *PostgresStore) LatestSnapshot(ctx context.Context, runID, strategyID string) (*model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM snapshots WHERE run_id = $1 AND strategy_id = $2
		 ORDER BY seq DESC LIMIT 1`, runID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("snapshot %s/%s: %w", runID, strategyID, ErrNotFound)
	}
	return &snaps[0], nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, runID, strategyID string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM snapshots WHERE run_id = $1 AND ($2 = '' OR strategy_id = $2)
		 ORDER BY strategy_id, seq`, runID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *PostgresStore) ListOrders(ctx context.Context, runID, strategyID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy_id, ts, symbol, side, kind, quantity::TEXT,
		        limit_price::TEXT, trigger_price::TEXT, parent_id, status, reason
		 FROM orders WHERE run_id = $1 AND ($2 = '' OR strategy_id = $2)
		 ORDER BY pos`, runID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o                  model.Order
			side, kind, status string
			qty                string
			limitPx, triggerPx *string
		)
		if err := rows.Scan(&o.ID, &o.StrategyID, &o.Timestamp, &o.Symbol, &side, &kind, &qty,
			&limitPx, &triggerPx, &o.ParentID, &status, &o.Reason); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Kind = model.OrderKind(kind)
		o.Status = model.OrderStatus(status)
		o.Quantity, _ = decimal.NewFromString(qty)
		o.LimitPrice = parseNullDecimal(limitPx)
		o.TriggerPrice = parseNullDecimal(triggerPx)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListFills(ctx context.Context, runID, strategyID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, strategy_id, symbol, side, price::TEXT, quantity::TEXT, commission::TEXT, ts
		 FROM fills WHERE run_id = $1 AND ($2 = '' OR strategy_id = $2)
		 ORDER BY pos`, runID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var (
			f                      model.Fill
			side, price, qty, comm string
		)
		if err := rows.Scan(&f.OrderID, &f.StrategyID, &f.Symbol, &side, &price, &qty, &comm, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.Price, _ = decimal.NewFromString(price)
		f.Quantity, _ = decimal.NewFromString(qty)
		f.Commission, _ = decimal.NewFromString(comm)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) ListRiskEvents(ctx context.Context, runID, strategyID string) ([]model.RiskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT strategy_id, from_status, to_status, reason, ts, equity::TEXT, drawdown::TEXT
		 FROM risk_events WHERE run_id = $1 AND ($2 = '' OR strategy_id = $2)
		 ORDER BY pos`, runID, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RiskEvent
	for rows.Next() {
		var (
			e                      model.RiskEvent
			from, to, eq, drawdown string
		)
		if err := rows.Scan(&e.StrategyID, &from, &to, &e.Reason, &e.Timestamp, &eq, &drawdown); err != nil {
			return nil, err
		}
		e.From = model.RiskStatus(from)
		e.To = model.RiskStatus(to)
		e.Equity, _ = decimal.NewFromString(eq)
		e.Drawdown, _ = decimal.NewFromString(drawdown)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListStrategyStates(ctx context.Context, runID string) ([]model.StrategyState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT strategy_id, status, fault, fault_at, risk_status, risk_reason
		 FROM strategy_states WHERE run_id = $1
		 ORDER BY pos`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.StrategyState
	for rows.Next() {
		var (
			st         model.StrategyState
			riskStatus string
		)
		if err := rows.Scan(&st.StrategyID, &st.Status, &st.Fault, &st.FaultAt, &riskStatus, &st.RiskReason); err != nil {
			return nil, err
		}
		st.RiskStatus = model.RiskStatus(riskStatus)
		states = append(states, st)
	}
	return states, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSnapshots(rows pgxRows) ([]model.Snapshot, error) {
	var snaps []model.Snapshot
	for rows.Next() {
		var (
			snap                  model.Snapshot
			cash, equity, hwm, dd string
			realized, closed      string
			unrealized            string
			positions             []byte
		)
		if err := rows.Scan(&snap.StrategyID, &snap.Timestamp, &snap.Currency,
			&cash, &equity, &hwm, &dd, &realized, &closed, &unrealized, &snap.TradeCount, &positions); err != nil {
			return nil, err
		}
		snap.Cash, _ = decimal.NewFromString(cash)
		snap.Equity, _ = decimal.NewFromString(equity)
		snap.HighWaterMark, _ = decimal.NewFromString(hwm)
		snap.Drawdown, _ = decimal.NewFromString(dd)
		snap.RealizedPnL, _ = decimal.NewFromString(realized)
		snap.ClosedPnL, _ = decimal.NewFromString(closed)
		snap.UnrealizedPnL, _ = decimal.NewFromString(unrealized)
		if err := json.Unmarshal(positions, &snap.Positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
