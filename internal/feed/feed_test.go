package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebot/sim-engine/internal/features"
	"github.com/firebot/sim-engine/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeCSV(t *testing.T, dir, symbol, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, symbol+".csv"), []byte(body), 0o644))
}

func TestCSVSource_Load(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", `timestamp,open,high,low,close,volume
2024-01-15 10:30:00,186.00,187.00,185.50,186.50,900000
2024-01-15 09:30:00,185.50,186.25,185.00,186.00,1000000
2024-01-15 11:30:00,oops,187.00,185.50,186.50,900000
2024-01-15 12:30:00,186.00,185.00,185.50,186.50,900000
2024-01-15 13:30:00,186.00,187.00,185.50,186.50
`)

	src := &CSVSource{Dir: dir, Resolution: "1h", Logger: quiet}
	bars, err := src.Load("AAPL")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.True(t, bars[0].Timestamp.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, "AAPL", bars[0].Symbol)
	assert.Equal(t, "1h", bars[0].Resolution)
	assert.Equal(t, "186", bars[0].Close.String())
	assert.Equal(t, "1000000", bars[0].Volume.String())
}

func TestCSVSource_DateRange(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "MSFT", `timestamp,open,high,low,close,volume
2024-01-01,10,11,9,10,1
2024-01-02,10,11,9,10,1
2024-01-03,10,11,9,10,1
`)
	src := &CSVSource{
		Dir:    dir,
		From:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC),
		Logger: quiet,
	}
	bars, err := src.Load("MSFT")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 2, bars[0].Timestamp.Day())
}

func TestCSVSource_Errors(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "BAD", "time,open,high,low,close,volume\n")

	src := &CSVSource{Dir: dir, Logger: quiet}
	_, err := src.Load("NOPE")
	assert.ErrorIs(t, err, ErrNoData)

	_, err = src.Load("BAD")
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	for _, raw := range []string{"2024-01-15T09:30:00Z", "2024-01-15 09:30:00", "1705311000", "1705311000000"} {
		got, err := ParseTimestamp(raw)
		require.NoError(t, err, raw)
		assert.True(t, got.Equal(want), "%s parsed as %s", raw, got)
	}
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	ts := func(h int) time.Time { return time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC) }
	series := map[string][]model.PriceBar{
		"MSFT": {{Symbol: "MSFT", Timestamp: ts(1)}, {Symbol: "MSFT", Timestamp: ts(2)}},
		"AAPL": {{Symbol: "AAPL", Timestamp: ts(1)}, {Symbol: "AAPL", Timestamp: ts(3)}},
		"GOOG": {{Symbol: "GOOG", Timestamp: ts(2)}},
	}
	merged := Merge(series, []string{"MSFT", "AAPL"})

	var got []string
	for _, b := range merged {
		got = append(got, b.Symbol+"@"+b.Timestamp.Format("15"))
	}
	assert.Equal(t, []string{"MSFT@01", "AAPL@01", "MSFT@02", "GOOG@02", "AAPL@03"}, got)
}

func TestReplay(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "AAPL", "timestamp,open,high,low,close,volume\n2024-01-01,10,11,9,10,5\n2024-01-02,10,12,9,11,5\n")
	writeCSV(t, dir, "MSFT", "timestamp,open,high,low,close,volume\n2024-01-01,20,21,19,20,5\n")

	bars, err := (&CSVSource{Dir: dir, Logger: quiet}).LoadAll([]string{"AAPL", "MSFT"})
	require.NoError(t, err)

	r := NewReplay(bars,
		WithPipeline(features.NewTechnical(features.Config{SMAPeriods: []int{2}, VolatilityPeriod: 2, MomentumPeriod: 1, RSIPeriod: 2})),
		WithStrategyPipeline("slow", features.NewTechnical(features.Config{SMAPeriods: []int{5}, VolatilityPeriod: 5, MomentumPeriod: 3, RSIPeriod: 3})),
	)
	require.Equal(t, 3, r.Len())

	ctx := context.Background()
	var frames []model.Frame
	for {
		f, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "AAPL", frames[0].Bar.Symbol)
	assert.Equal(t, "MSFT", frames[1].Bar.Symbol)

	last := frames[2]
	assert.InDelta(t, 10.5, last.Features["sma_2"], 1e-9)
	assert.InDelta(t, 0.1, last.Features["returns"], 1e-9)
	assert.NotContains(t, last.FeaturesFor("slow"), "sma_5")
	assert.Contains(t, last.FeaturesFor("other"), "sma_2")
	assert.Equal(t, 0, r.Remaining())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Next(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplay_SkippedBarsNeverReachFeatures(t *testing.T) {
	day := func(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }
	bar := func(n int, close float64) model.PriceBar {
		c := decimal.NewFromFloat(close)
		return model.PriceBar{Timestamp: day(n), Symbol: "AAPL", Open: c, High: c, Low: c, Close: c, Volume: decimal.NewFromInt(5)}
	}
	broken := bar(3, 50)
	broken.Low = decimal.NewFromInt(60) // low above high

	bars := []model.PriceBar{
		bar(1, 10),
		bar(2, 12),
		bar(1, 1000), // out of order
		bar(2, 1000), // duplicate
		broken,
		bar(3, 14),
	}
	r := NewReplay(bars, WithPipeline(features.NewTechnical(features.Config{SMAPeriods: []int{2}, VolatilityPeriod: 2, MomentumPeriod: 1, RSIPeriod: 2})))

	var frames []model.Frame
	for {
		f, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.Len(t, frames, len(bars))
	for _, i := range []int{2, 3, 4} {
		assert.Nil(t, frames[i].Features, "frame %d", i)
	}
	assert.InDelta(t, 13, frames[5].Features["sma_2"], 1e-9)
	assert.InDelta(t, 14.0/12-1, frames[5].Features["returns"], 1e-9)
}
