package exposure

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/pair"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func mustPair(t *testing.T, s string) pair.Pair {
	t.Helper()
	p, err := pair.Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return p
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(mustPair(t, "BTC/USDT"), d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPairExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	open := map[string]decimal.Decimal{
		"BTC/USDT": d(950),
	}

	err := limiter.CheckLimit(mustPair(t, "BTC/USDT"), d(100), open)
	if err != ErrPerPairLimitExceeded {
		t.Errorf("expected ErrPerPairLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ExactlyAtLimit(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	open := map[string]decimal.Decimal{"BTC/USDT": d(900)}
	if err := limiter.CheckLimit(mustPair(t, "BTC/USDT"), d(100), open); err != nil {
		t.Errorf("reaching the limit exactly should pass, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000))

	open := map[string]decimal.Decimal{
		"BTC/USDT": d(800),
		"BTC/USDC": d(800),
		"BTC/EUR":  d(300),
	}

	// 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit(mustPair(t, "BTC/BUSD"), d(200), open)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UncorrelatedPairsIgnored(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000))

	open := map[string]decimal.Decimal{
		"BTC/USDT": d(800),
		"ETH/USDT": d(900), // different base
	}

	// Correlated total = 500 + 800 = 1300 < 2000.
	err := limiter.CheckLimit(mustPair(t, "BTC/USDC"), d(500), open)
	if err != nil {
		t.Errorf("uncorrelated pairs should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisable(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero)

	open := map[string]decimal.Decimal{"BTC/USDT": d(1e9)}
	if err := limiter.CheckLimit(mustPair(t, "BTC/USDT"), d(1e9), open); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *Limiter
	if err := limiter.CheckLimit(mustPair(t, "BTC/USDT"), d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
