package pair

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	p, err := Parse("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", p.Base)
	}
	if p.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", p.Quote)
	}
}

func TestParse_LongestQuoteWins(t *testing.T) {
	tests := []struct {
		symbol, base, quote string
	}{
		{"BTCFDUSD", "BTC", "FDUSD"},
		{"ETHBTC", "ETH", "BTC"},
		{"1INCHUSDT", "1INCH", "USDT"},
		{"BNBETH", "BNB", "ETH"},
		{"SOLEUR", "SOL", "EUR"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			p, err := Parse(tt.symbol)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Base != tt.base || p.Quote != tt.quote {
				t.Errorf("got %s/%s, want %s/%s", p.Base, p.Quote, tt.base, tt.quote)
			}
		})
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"B",
		"btcusdt",
		"BTC-USDT",
		"BTC/USDT",
		"BTCUSDTBTCUSDTBTCUSDTX",
	}
	for _, symbol := range tests {
		_, err := Parse(symbol)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", symbol, err)
		}
	}
}

func TestParse_UnknownQuote(t *testing.T) {
	for _, symbol := range []string{"BTCXYZ", "USDT"} {
		if _, err := Parse(symbol); !errors.Is(err, ErrUnknownQuote) {
			t.Errorf("expected ErrUnknownQuote for %q, got %v", symbol, err)
		}
	}
}

func TestParser_CustomQuotes(t *testing.T) {
	p := NewParser([]string{" usd ", "usdt"})
	got, err := p.Parse("BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quote != "USDT" {
		t.Errorf("expected longest quote USDT, got %s", got.Quote)
	}
	if _, err := p.Parse("ETHBTC"); err == nil {
		t.Error("BTC is not a configured quote")
	}
}

func TestParser_Base(t *testing.T) {
	p := NewParser(nil)
	if b := p.Base("ETHUSDT"); b != "ETH" {
		t.Errorf("expected ETH, got %s", b)
	}
	if b := p.Base("weird"); b != "weird" {
		t.Errorf("unparseable symbol should be returned as-is, got %s", b)
	}
}
