// Package feed loads historical bars and replays them as a chronological
// frame feed.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/firebot/sim-engine/internal/model"
)

var (
	// ErrNoData is returned when a symbol has no data file.
	ErrNoData = errors.New("feed: no data for symbol")

	// ErrBadHeader is returned when a CSV file lacks a required column.
	ErrBadHeader = errors.New("feed: missing csv column")
)

var columns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// CSVSource reads {symbol}.csv files with the columns
// timestamp,open,high,low,close,volume from Dir.
type CSVSource struct {
	Dir        string
	Resolution string
	// From and To bound the timestamps loaded, inclusive. Zero means open.
	From, To time.Time
	Logger   *slog.Logger
}

// Load reads the bars of one symbol in chronological order. Malformed rows
// are skipped and logged.
func (s *CSVSource) Load(symbol string) ([]model.PriceBar, error) {
	path := filepath.Join(s.Dir, symbol+".csv")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	bars, skipped, err := s.read(symbol, f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if skipped > 0 {
		s.logger().Warn("malformed rows skipped", "symbol", symbol, "rows", skipped)
	}
	return bars, nil
}

// LoadAll reads every symbol and merges them into one chronological series.
// Bars sharing a timestamp keep the order of symbols.
func (s *CSVSource) LoadAll(symbols []string) ([]model.PriceBar, error) {
	series := make(map[string][]model.PriceBar, len(symbols))
	for _, sym := range symbols {
		bars, err := s.Load(sym)
		if err != nil {
			return nil, err
		}
		series[sym] = bars
	}
	return Merge(series, symbols), nil
}

func (s *CSVSource) read(symbol string, r io.Reader) ([]model.PriceBar, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range columns {
		if _, ok := idx[c]; !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrBadHeader, c)
		}
	}

	var (
		bars    []model.PriceBar
		skipped int
		line    = 1
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped++
			s.logger().Debug("csv row unreadable", "symbol", symbol, "line", line, "err", err)
			continue
		}

		bar, err := s.parse(symbol, rec, idx)
		if err != nil {
			skipped++
			s.logger().Debug("csv row skipped", "symbol", symbol, "line", line, "err", err)
			continue
		}
		if (!s.From.IsZero() && bar.Timestamp.Before(s.From)) || (!s.To.IsZero() && bar.Timestamp.After(s.To)) {
			continue
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, skipped, nil
}

func (s *CSVSource) parse(symbol string, rec []string, idx map[string]int) (model.PriceBar, error) {
	field := func(name string) (string, error) {
		i := idx[name]
		if i >= len(rec) {
			return "", fmt.Errorf("missing %s", name)
		}
		return strings.TrimSpace(rec[i]), nil
	}

	raw, err := field("timestamp")
	if err != nil {
		return model.PriceBar{}, err
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return model.PriceBar{}, err
	}

	vals := make([]decimal.Decimal, 0, 5)
	for _, name := range columns[1:] {
		raw, err := field(name)
		if err != nil {
			return model.PriceBar{}, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("%s: %w", name, err)
		}
		vals = append(vals, v)
	}

	bar := model.PriceBar{
		Timestamp:  ts,
		Symbol:     symbol,
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
		Resolution: s.Resolution,
	}
	return bar, bar.Validate()
}

func (s *CSVSource) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ParseTimestamp accepts unix seconds or milliseconds and the common date
// layouts. Timestamps without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	if n, err := cast.ToInt64E(raw); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := cast.ToTimeInDefaultLocationE(raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}
