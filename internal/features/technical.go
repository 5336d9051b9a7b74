// Package features computes per-bar feature mappings for strategies from
// the bar history seen so far. Nothing here reads ahead of the current bar.
package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"github.com/firebot/sim-engine/internal/model"
)

// Pipeline turns each new bar into a feature mapping. Implementations keep
// per-symbol history and are driven by a single goroutine.
type Pipeline interface {
	Update(bar model.PriceBar) map[string]float64
	Names() []string
}

// Config selects the technical indicators.
type Config struct {
	SMAPeriods       []int `yaml:"sma_periods" default:"[5,10,20]"`
	VolatilityPeriod int   `yaml:"volatility_period" default:"20" validate:"gte=2"`
	MomentumPeriod   int   `yaml:"momentum_period" default:"10" validate:"gte=1"`
	RSIPeriod        int   `yaml:"rsi_period" default:"14" validate:"gte=2"`
	MaxHistory       int   `yaml:"max_history" default:"500" validate:"gte=2"`
}

// Technical computes close, volume, returns, sma_N, volatility, momentum_N
// and rsi_N. A key is absent until enough history exists, so values are
// never NaN.
type Technical struct {
	cfg    Config
	closes map[string][]float64
	rets   map[string][]float64
}

// NewTechnical builds the pipeline. MaxHistory is raised to cover the
// longest indicator window.
func NewTechnical(cfg Config) *Technical {
	longest := max(cfg.VolatilityPeriod+1, cfg.MomentumPeriod+1, cfg.RSIPeriod*4)
	for _, p := range cfg.SMAPeriods {
		longest = max(longest, p)
	}
	cfg.MaxHistory = max(cfg.MaxHistory, longest)
	return &Technical{
		cfg:    cfg,
		closes: make(map[string][]float64),
		rets:   make(map[string][]float64),
	}
}

// Update appends bar to the symbol's history and returns its features.
func (t *Technical) Update(bar model.PriceBar) map[string]float64 {
	sym := bar.Symbol
	px := bar.Close.InexactFloat64()

	closes := t.closes[sym]
	rets := t.rets[sym]
	if n := len(closes); n > 0 && closes[n-1] != 0 {
		rets = append(rets, (px-closes[n-1])/closes[n-1])
	}
	closes = append(closes, px)
	if len(closes) > t.cfg.MaxHistory {
		closes = closes[len(closes)-t.cfg.MaxHistory:]
	}
	if len(rets) > t.cfg.MaxHistory {
		rets = rets[len(rets)-t.cfg.MaxHistory:]
	}
	t.closes[sym] = closes
	t.rets[sym] = rets

	out := map[string]float64{
		"close":  px,
		"volume": bar.Volume.InexactFloat64(),
	}
	if len(rets) > 0 {
		out["returns"] = rets[len(rets)-1]
	}

	for _, p := range t.cfg.SMAPeriods {
		if p >= 1 && len(closes) >= p {
			put(out, fmt.Sprintf("sma_%d", p), last(talib.Sma(closes[len(closes)-p:], p)))
		}
	}

	// Volatility falls back to the available returns until the window fills.
	if n := min(len(rets), t.cfg.VolatilityPeriod); n >= 2 {
		put(out, "volatility", last(talib.StdDev(rets[len(rets)-n:], n, 1)))
	}

	if p := t.cfg.MomentumPeriod; len(closes) > p {
		put(out, fmt.Sprintf("momentum_%d", p), last(talib.Rocp(closes[len(closes)-p-1:], p)))
	}

	if p := t.cfg.RSIPeriod; len(closes) > p {
		put(out, fmt.Sprintf("rsi_%d", p), last(talib.Rsi(closes, p)))
	}
	return out
}

// Names lists every key Update can produce, sorted.
func (t *Technical) Names() []string {
	names := []string{"close", "volume", "returns", "volatility",
		fmt.Sprintf("momentum_%d", t.cfg.MomentumPeriod),
		fmt.Sprintf("rsi_%d", t.cfg.RSIPeriod),
	}
	for _, p := range t.cfg.SMAPeriods {
		names = append(names, fmt.Sprintf("sma_%d", p))
	}
	sort.Strings(names)
	return names
}

func last(xs []float64) float64 { return xs[len(xs)-1] }

func put(m map[string]float64, key string, v float64) {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		m[key] = v
	}
}
