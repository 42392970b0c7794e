package pair

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in   string
		want Pair
	}{
		{"BTC/USDT", Pair{"BTC", "USDT"}},
		{"eth-usdc", Pair{"ETH", "USDC"}},
		{" sol/usdt ", Pair{"SOL", "USDT"}},
		{"BTCUSDT", Pair{"BTC", "USDT"}},
		{"ETHBTC", Pair{"ETH", "BTC"}},
		{"XRPUSD", Pair{"XRP", "USD"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"BTC",
		"BTC/",
		"/USDT",
		"BTC/USDT/ETH",
		"BTC USDT",
		"USDT/USDT",
		"FOOBAR",  // no known quote
		"USDT",    // quote only
		"B/USDT",  // base too short
	}
	for _, in := range tests {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("Parse(%q): expected ErrInvalidPair, got %v", in, err)
		}
	}
}

func TestPair_String(t *testing.T) {
	p, _ := Parse("btcusdt")
	if p.String() != "BTC/USDT" {
		t.Errorf("expected BTC/USDT, got %s", p.String())
	}
}
