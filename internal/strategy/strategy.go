// Package strategy defines the interface trading strategies implement and
// the registry used to build them from configuration.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cast"

	"github.com/firebot/sim-engine/internal/model"
)

var (
	// ErrDuplicateStrategy is returned when a name is registered twice.
	ErrDuplicateStrategy = errors.New("strategy: already registered")

	// ErrUnknownStrategy is returned for names that were never registered.
	ErrUnknownStrategy = errors.New("strategy: not registered")

	// ErrInvalidParam is returned by factories for unusable parameters.
	ErrInvalidParam = errors.New("strategy: invalid parameter")
)

// Observation is everything a strategy may look at for one bar.
type Observation struct {
	Bar      model.PriceBar
	Features map[string]float64
}

// Strategy turns observations into signals. A nil signal means no opinion.
// Implementations are driven by a single runtime and need no locking.
type Strategy interface {
	GenerateSignal(ctx context.Context, obs Observation) (*model.Signal, error)
	OnFill(order model.Order, fill model.Fill)
}

// Params are the free-form parameters of a strategy instance.
type Params map[string]any

// Factory builds a strategy instance.
type Factory func(id string, params Params) (Strategy, error)

// Registry maps strategy names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStrategy, name)
	}
	r.factories[name] = f
	return nil
}

// Unregister removes name from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	delete(r.factories, name)
	return nil
}

// Create builds a new instance of the strategy registered as name.
func (r *Registry) Create(name, id string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	s, err := f(id, params)
	if err != nil {
		return nil, fmt.Errorf("create %s (%s): %w", id, name, err)
	}
	return s, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins adds the strategies shipped with the engine.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(MomentumName, NewMomentum); err != nil {
		return err
	}
	return r.Register(SMACrossoverName, NewSMACrossover)
}

func intParam(p Params, key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParam, key, err)
	}
	return n, nil
}

func floatParam(p Params, key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParam, key, err)
	}
	return f, nil
}

func stringParam(p Params, key, def string) string {
	if v, ok := p[key]; ok {
		return cast.ToString(v)
	}
	return def
}
