// Package pair parses exchange spot symbols such as BTCUSDT into their base
// and quote assets.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultQuotes are the quote assets recognised when no list is configured.
var DefaultQuotes = []string{
	"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "DAI",
	"BTC", "ETH", "BNB",
	"EUR", "TRY", "BRL",
}

// symbolRegex matches an upper-case exchange symbol: BTCUSDT, 1INCHUSDT.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,20}$`)

var (
	ErrInvalidSymbol = errors.New("pair: invalid symbol format")
	ErrUnknownQuote  = errors.New("pair: no known quote asset")
)

// Pair is a parsed spot symbol.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parser splits symbols using a fixed set of quote assets. The longest
// matching suffix wins so FDUSD is preferred over USD-like shorter quotes.
type Parser struct {
	quotes []string
}

// NewParser creates a parser for the given quote assets. An empty list
// falls back to DefaultQuotes.
func NewParser(quotes []string) *Parser {
	if len(quotes) == 0 {
		quotes = DefaultQuotes
	}
	qs := make([]string, 0, len(quotes))
	for _, q := range quotes {
		q = strings.ToUpper(strings.TrimSpace(q))
		if q != "" {
			qs = append(qs, q)
		}
	}
	sort.SliceStable(qs, func(i, j int) bool { return len(qs[i]) > len(qs[j]) })
	return &Parser{quotes: qs}
}

var defaultParser = NewParser(nil)

// Parse splits symbol with DefaultQuotes.
func Parse(symbol string) (Pair, error) {
	return defaultParser.Parse(symbol)
}

// Parse validates and splits symbol.
func (p *Parser) Parse(symbol string) (Pair, error) {
	if !symbolRegex.MatchString(symbol) {
		return Pair{}, fmt.Errorf("%w: %q (expected upper-case alphanumerics, 2-20 chars)",
			ErrInvalidSymbol, symbol)
	}
	for _, q := range p.quotes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return Pair{Symbol: symbol, Base: symbol[:len(symbol)-len(q)], Quote: q}, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: %s", ErrUnknownQuote, symbol)
}

// Base returns the base asset of symbol, or symbol itself if it cannot be
// parsed.
func (p *Parser) Base(symbol string) string {
	pr, err := p.Parse(symbol)
	if err != nil {
		return symbol
	}
	return pr.Base
}
