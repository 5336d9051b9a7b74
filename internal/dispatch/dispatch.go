// Package dispatch fans a chronological frame feed out to many strategy
// runtimes. Every runtime processes bar t before any runtime sees bar t+1;
// within a bar the runtimes run concurrently on a bounded pool. Results are
// collected in registration order, so a parallel run is identical to a
// sequential one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/firebot/sim-engine/internal/model"
	"github.com/firebot/sim-engine/internal/perf"
	"github.com/firebot/sim-engine/internal/runtime"
)

var (
	ErrNoRuntimes       = errors.New("dispatch: no runtimes")
	ErrDuplicateRuntime = errors.New("dispatch: duplicate strategy id")
	ErrUnknownStrategy  = errors.New("dispatch: unknown strategy")
	ErrAlreadyStarted   = errors.New("dispatch: run already started")
)

// Stop reasons.
const (
	StopRequested  = "stop_requested"
	StopCanceled   = "context_canceled"
	StopNoStrategy = "no_active_strategies"
)

// Feed yields frames in chronological order and io.EOF when exhausted.
type Feed interface {
	Next(ctx context.Context) (model.Frame, error)
}

// Config controls the worker pool.
type Config struct {
	// Workers bounds the runtimes processed concurrently. Zero means one per
	// runtime; one gives a sequential run.
	Workers int
	// BarTimeout is the per-runtime deadline for one bar. Zero disables it.
	BarTimeout time.Duration
	// PeriodsPerYear annualises performance statistics.
	PeriodsPerYear int
}

// BarReport is handed to observers after every barrier.
type BarReport struct {
	Sequence  int64            `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
	Symbol    string           `json:"symbol"`
	Results   []runtime.Result `json:"results"`
}

// Observer consumes per-bar results. Errors are logged and counted, never
// fatal to the run.
type Observer interface {
	OnBar(ctx context.Context, report BarReport) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, report BarReport) error

func (f ObserverFunc) OnBar(ctx context.Context, report BarReport) error { return f(ctx, report) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers an observer. Observers are called in registration
// order.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher runs one feed through a fixed set of runtimes. It is single-use.
type Dispatcher struct {
	cfg       Config
	entries   []*entry
	byID      map[string]*entry
	observers []Observer
	logger    *slog.Logger
	started   atomic.Bool

	// mu guards stop and pause requests and the reported state of every
	// entry.
	mu         sync.RWMutex
	stopReason string
	stopIDs    []string
	resume     chan struct{} // non-nil while paused

	lastTS  time.Time
	seenAt  map[string]bool
	seq     int64
	obsErrs error
}

// New creates a dispatcher over runtimes, which keep their order in every
// report.
func New(cfg Config, runtimes []*runtime.Runtime, opts ...Option) (*Dispatcher, error) {
	if len(runtimes) == 0 {
		return nil, ErrNoRuntimes
	}
	if cfg.Workers <= 0 || cfg.Workers > len(runtimes) {
		cfg.Workers = len(runtimes)
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = perf.DefaultPeriodsPerYear
	}

	d := &Dispatcher{
		cfg:    cfg,
		byID:   make(map[string]*entry, len(runtimes)),
		logger: slog.Default(),
		seenAt: make(map[string]bool),
	}
	for _, rt := range runtimes {
		if _, ok := d.byID[rt.ID()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRuntime, rt.ID())
		}
		e := newEntry(rt)
		d.entries = append(d.entries, e)
		d.byID[rt.ID()] = e
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Stop ends the run at the next barrier, releasing a paused run. Safe to
// call from any goroutine.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopReason == "" {
		d.stopReason = StopRequested
	}
	d.release()
}

// Pause holds the run at the next barrier: the bar in flight completes and
// no further frame is read until Resume, Stop or context cancellation.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resume == nil && d.stopReason == "" {
		d.resume = make(chan struct{})
		d.logger.Info("run paused")
	}
}

// Resume releases a paused run.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resume != nil {
		d.release()
		d.logger.Info("run resumed")
	}
}

// Paused reports whether the run is held at a barrier or about to be.
func (d *Dispatcher) Paused() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resume != nil
}

// release must be called with mu held.
func (d *Dispatcher) release() {
	if d.resume != nil {
		close(d.resume)
		d.resume = nil
	}
}

// waitResumed blocks while the run is paused.
func (d *Dispatcher) waitResumed(ctx context.Context) {
	d.mu.RLock()
	ch := d.resume
	d.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// StopStrategy removes one runtime at the next barrier without affecting
// the others. Safe to call from any goroutine.
func (d *Dispatcher) StopStrategy(id string) error {
	if _, ok := d.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopIDs = append(d.stopIDs, id)
	return nil
}

// Run drives feed to exhaustion or until stopped and returns the final
// report. Only feed failures are returned as errors.
func (d *Dispatcher) Run(ctx context.Context, feed Feed) (*Report, error) {
	if !d.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	rep := &Report{}
	for {
		d.waitResumed(ctx)
		if reason := d.pendingStop(ctx); reason != "" {
			rep.Stopped = true
			rep.StopReason = reason
			break
		}
		d.applyStrategyStops()
		if d.allDone() {
			rep.StopReason = StopNoStrategy
			break
		}

		frame, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				rep.Stopped = true
				rep.StopReason = StopCanceled
				break
			}
			if errors.Is(err, model.ErrMalformedBar) {
				rep.Skipped++
				d.logger.Warn("bar skipped", "err", err)
				continue
			}
			d.finish(rep)
			return rep, fmt.Errorf("dispatch: read feed: %w", err)
		}

		if err := d.admit(frame.Bar); err != nil {
			rep.Skipped++
			d.logger.Warn("bar skipped", "symbol", frame.Bar.Symbol, "err", err)
			continue
		}

		br := d.step(ctx, frame)
		rep.Bars++
		d.notify(ctx, br)
	}

	d.finish(rep)
	d.logger.Info("run finished",
		"bars", rep.Bars,
		"skipped", rep.Skipped,
		"stopped", rep.Stopped,
		"reason", rep.StopReason,
	)
	return rep, nil
}

// admit enforces bar validity and chronological order.
func (d *Dispatcher) admit(bar model.PriceBar) error {
	if err := bar.Validate(); err != nil {
		return err
	}
	switch {
	case bar.Timestamp.Before(d.lastTS):
		return fmt.Errorf("%w: %s@%s arrived after %s", model.ErrMalformedBar,
			bar.Symbol, bar.Timestamp.Format(time.RFC3339), d.lastTS.Format(time.RFC3339))
	case bar.Timestamp.Equal(d.lastTS) && d.seenAt[bar.Symbol]:
		return fmt.Errorf("%w: duplicate %s@%s", model.ErrMalformedBar,
			bar.Symbol, bar.Timestamp.Format(time.RFC3339))
	case bar.Timestamp.After(d.lastTS):
		d.lastTS = bar.Timestamp
		clear(d.seenAt)
	}
	d.seenAt[bar.Symbol] = true
	return nil
}

// step is one barrier: every live runtime processes frame, then results are
// folded into the entries in registration order.
func (d *Dispatcher) step(ctx context.Context, frame model.Frame) BarReport {
	var live []*entry
	for _, e := range d.entries {
		if !e.done() {
			live = append(live, e)
		}
	}

	// In-flight bars finish even when the run is cancelled; the stop takes
	// effect at the next barrier.
	barCtx := context.WithoutCancel(ctx)

	results := make([]runtime.Result, len(live))
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, e := range live {
		i, e := i, e
		g.Go(func() error {
			results[i] = d.process(barCtx, e, frame)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	for i, e := range live {
		e.record(results[i])
	}
	d.mu.Unlock()

	d.seq++
	return BarReport{
		Sequence:  d.seq,
		Timestamp: frame.Bar.Timestamp,
		Symbol:    frame.Bar.Symbol,
		Results:   results,
	}
}

// process runs one runtime under the bar timeout. A runtime that misses the
// deadline is abandoned: its goroutine may still finish, but nothing reads
// or drives it again.
func (d *Dispatcher) process(ctx context.Context, e *entry, frame model.Frame) runtime.Result {
	if d.cfg.BarTimeout <= 0 {
		return e.rt.ProcessBar(ctx, frame)
	}

	tctx, cancel := context.WithTimeout(ctx, d.cfg.BarTimeout)
	defer cancel()

	done := make(chan runtime.Result, 1)
	go func() { done <- e.rt.ProcessBar(tctx, frame) }()

	timer := time.NewTimer(d.cfg.BarTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		e.abandoned = true
		err := fmt.Errorf("%w: %s after %s", model.ErrDispatchTimeout, e.id, d.cfg.BarTimeout)
		d.logger.Error("strategy timed out", "strategy", e.id, "bar", frame.Bar.Timestamp, "err", err)
		return e.timeoutResult(frame.Bar, err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, br BarReport) {
	for _, o := range d.observers {
		if err := o.OnBar(ctx, br); err != nil {
			d.obsErrs = multierr.Append(d.obsErrs, err)
			d.logger.Warn("observer failed", "seq", br.Sequence, "err", err)
		}
	}
}

func (d *Dispatcher) pendingStop(ctx context.Context) string {
	d.mu.RLock()
	reason := d.stopReason
	d.mu.RUnlock()
	if reason != "" {
		return reason
	}
	if ctx.Err() != nil {
		return StopCanceled
	}
	return ""
}

func (d *Dispatcher) applyStrategyStops() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.stopIDs {
		e := d.byID[id]
		if e.done() {
			continue
		}
		e.stop()
		d.logger.Info("strategy stopped", "strategy", id)
	}
	d.stopIDs = nil
}

func (d *Dispatcher) allDone() bool {
	for _, e := range d.entries {
		if !e.done() {
			return false
		}
	}
	return true
}

func (d *Dispatcher) finish(rep *Report) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rep.ObserverErrors = len(multierr.Errors(d.obsErrs))
	rep.ObserverErr = d.obsErrs
	rep.Strategies = make([]StrategyReport, len(d.entries))
	for i, e := range d.entries {
		rep.Strategies[i] = e.report(d.cfg.PeriodsPerYear)
	}
}

// Strategies returns the current state of every strategy. Safe to call
// while Run is in progress.
func (d *Dispatcher) Strategies() []StrategyReport {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]StrategyReport, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.report(d.cfg.PeriodsPerYear)
	}
	return out
}
