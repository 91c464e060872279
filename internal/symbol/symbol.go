// Package symbol parses and normalizes trading pair symbols. The engine
// settles in a single currency, so only pairs quoted in USDT are accepted.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Quote is the only quote currency the engine accepts.
const Quote = "USDT"

// pairRegex matches BASE[sep]QUOTE where sep is optional and one of / - _ :
// Example: BTC/USDT, eth-usdt, SOLUSDT
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10}?)[/\-_:]?(USDT|USDC|BUSD|USD|BTC|ETH|EUR)$`)

var (
	ErrInvalidSymbol    = errors.New("symbol: invalid trading pair")
	ErrUnsupportedQuote = errors.New("symbol: unsupported quote currency")
)

// Pair is a parsed trading pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the canonical concatenated form, e.g. BTCUSDT.
func (p Pair) String() string {
	return p.Base + p.Quote
}

// Parse parses a symbol in any of the accepted spellings.
// Format: {BASE}[/|-|_|:]{QUOTE}, case-insensitive
func Parse(raw string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	matches := pairRegex.FindStringSubmatch(s)
	if matches == nil {
		return Pair{}, fmt.Errorf("%w: %q (expected e.g. BTCUSDT or BTC/USDT)", ErrInvalidSymbol, raw)
	}

	base, quote := matches[1], matches[2]
	if base == quote {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	if quote != Quote {
		return Pair{}, fmt.Errorf("%w: %s (only %s is settled)", ErrUnsupportedQuote, quote, Quote)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Normalize returns the canonical form of raw.
func Normalize(raw string) (string, error) {
	p, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}
