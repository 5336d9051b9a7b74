package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewPositionLimiter_Percentages(t *testing.T) {
	limiter := NewPositionLimiter(5, 50)
	if !limiter.MaxPosition.Equal(d(0.05)) {
		t.Errorf("expected 0.05, got %s", limiter.MaxPosition)
	}
	if !limiter.MaxGross.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", limiter.MaxGross)
	}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(5, 0)

	// 10 × 50 = 500 ≤ 5% of 100000.
	err := limiter.CheckLimit("AAPL", d(10), d(50), d(100000), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PositionExceeded(t *testing.T) {
	limiter := NewPositionLimiter(5, 0)

	// Existing 4800 + 10 × 50 = 5300 > 5000.
	existing := map[string]decimal.Decimal{"AAPL": d(4800)}

	err := limiter.CheckLimit("AAPL", d(10), d(50), d(100000), existing)
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortCountsAbsolute(t *testing.T) {
	limiter := NewPositionLimiter(5, 0)

	err := limiter.CheckLimit("AAPL", d(-200), d(50), d(100000), nil)
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReduceAlwaysAllowed(t *testing.T) {
	limiter := NewPositionLimiter(5, 10)

	// Already far above the limit after a rally; selling part is fine.
	existing := map[string]decimal.Decimal{"AAPL": d(20000)}

	err := limiter.CheckLimit("AAPL", d(-100), d(50), d(100000), existing)
	if err != nil {
		t.Errorf("reducing should be allowed, got %v", err)
	}
}

func TestCheckLimit_FlipChecksRemainder(t *testing.T) {
	limiter := NewPositionLimiter(5, 0)

	// Long 1000 flipped to short 9000.
	existing := map[string]decimal.Decimal{"AAPL": d(1000)}

	err := limiter.CheckLimit("AAPL", d(-200), d(50), d(100000), existing)
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_GrossExceeded(t *testing.T) {
	limiter := NewPositionLimiter(5, 12)

	existing := map[string]decimal.Decimal{
		"MSFT": d(4000),
		"GOOG": d(-4000),
		"AMZN": d(3500),
	}

	// Gross = 1000 + 4000 + 4000 + 3500 = 12500 > 12000.
	err := limiter.CheckLimit("AAPL", d(20), d(50), d(100000), existing)
	if err != ErrGrossExposureExceeded {
		t.Errorf("expected ErrGrossExposureExceeded, got %v", err)
	}
}

func TestCheckLimit_NoEquity(t *testing.T) {
	limiter := NewPositionLimiter(5, 0)

	err := limiter.CheckLimit("AAPL", d(1), d(50), d(0), nil)
	if err != ErrNoEquity {
		t.Errorf("expected ErrNoEquity, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(0, 0)

	err := limiter.CheckLimit("AAPL", d(1e6), d(50), d(1000), nil)
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
