package symbol

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := map[string]string{
		"BTCUSDT":      "BTCUSDT",
		"BTC/USDT":     "BTCUSDT",
		"btc-usdt":     "BTCUSDT",
		" eth_usdt ":   "ETHUSDT",
		"SOL:USDT":     "SOLUSDT",
		"1000PEPEUSDT": "1000PEPEUSDT",
	}
	for in, want := range tests {
		got, err := Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParse_Parts(t *testing.T) {
	p, err := Parse("BTC/USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", p.Base)
	}
	if p.Quote != Quote {
		t.Errorf("expected quote=%s, got %s", Quote, p.Quote)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"USDT",
		"B/USDT",
		"BTC USDT",
		"BTC//USDT",
		"BTCUSDTX",
		"ÅBCUSDT",
	}
	for _, s := range tests {
		_, err := Parse(s)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Parse(%q): expected ErrInvalidSymbol, got %v", s, err)
		}
	}
}

func TestParse_UnsupportedQuote(t *testing.T) {
	for _, s := range []string{"BTCUSD", "ETH/BTC", "btc-eur", "SOLUSDC"} {
		_, err := Parse(s)
		if !errors.Is(err, ErrUnsupportedQuote) {
			t.Errorf("Parse(%q): expected ErrUnsupportedQuote, got %v", s, err)
		}
	}
}
