package feed

import (
	"sort"

	"github.com/firebot/sim-engine/internal/model"
)

// Merge interleaves per-symbol series into one chronological series. Bars
// with equal timestamps follow the order of symbols; symbols missing from
// the list come last, by name.
func Merge(series map[string][]model.PriceBar, symbols []string) []model.PriceBar {
	rank := make(map[string]int, len(series))
	for i, s := range symbols {
		if _, ok := rank[s]; !ok {
			rank[s] = i
		}
	}
	var extra []string
	for s := range series {
		if _, ok := rank[s]; !ok {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	for i, s := range extra {
		rank[s] = len(symbols) + i
	}

	var out []model.PriceBar
	for _, bars := range series {
		out = append(out, bars...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return rank[a.Symbol] < rank[b.Symbol]
	})
	return out
}
