// Package pair parses and validates trading pair symbols such as BTC/USDT.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Quote assets recognised in compact symbols like BTCUSDT, longest first so
// USDT is tried before USD.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "EUR", "USD", "BTC", "ETH"}

// pairRegex matches: {BASE}/{QUOTE} or {BASE}-{QUOTE}
// Example: BTC/USDT, eth-usdc
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[/-]([A-Z0-9]{2,10})$`)

var compactRegex = regexp.MustCompile(`^[A-Z0-9]{4,20}$`)

var ErrInvalidPair = errors.New("pair: invalid pair symbol")

// Pair is a parsed base/quote symbol.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical BASE/QUOTE form stored on trades.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Parse accepts BASE/QUOTE, BASE-QUOTE, or a compact BASEQUOTE whose quote
// is a known asset. Input is case-insensitive; the result is uppercase.
func Parse(symbol string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if m := pairRegex.FindStringSubmatch(s); m != nil {
		if m[1] == m[2] {
			return Pair{}, fmt.Errorf("%w: %s (base equals quote)", ErrInvalidPair, symbol)
		}
		return Pair{Base: m[1], Quote: m[2]}, nil
	}

	if compactRegex.MatchString(s) {
		for _, q := range knownQuotes {
			base, ok := strings.CutSuffix(s, q)
			if ok && len(base) >= 2 && base != q {
				return Pair{Base: base, Quote: q}, nil
			}
		}
	}

	return Pair{}, fmt.Errorf("%w: %s (expected BASE/QUOTE)", ErrInvalidPair, symbol)
}
