// Package pricefeed supplies current prices for trade entry. Feeds are read
// only; ingestion from exchanges happens elsewhere.
package pricefeed

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when a feed has no price for a symbol.
var ErrNoPrice = errors.New("pricefeed: no price for symbol")

// Feed returns the latest price for a canonical symbol such as BTCUSDT.
type Feed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// DefaultBasePrices seed the simulated feed.
var DefaultBasePrices = map[string]decimal.Decimal{
	"BTCUSDT": decimal.NewFromInt(65000),
	"ETHUSDT": decimal.NewFromInt(3200),
	"SOLUSDT": decimal.NewFromInt(150),
	"BNBUSDT": decimal.NewFromInt(580),
	"XRPUSDT": decimal.RequireFromString("0.52"),
}

// Simulated is a random-walk feed for local development. Symbols without a
// base price start at 100.
type Simulated struct {
	// Step is the maximum relative move per tick.
	Step     float64
	Interval time.Duration

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewSimulated creates a feed seeded with base prices.
func NewSimulated(base map[string]decimal.Decimal) *Simulated {
	prices := make(map[string]decimal.Decimal, len(base))
	for sym, p := range base {
		prices[sym] = p
	}
	return &Simulated{Step: 0.001, Interval: time.Second, prices: prices}
}

func (s *Simulated) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	p, ok := s.prices[symbol]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prices[symbol]; ok {
		return p, nil
	}
	p = decimal.NewFromInt(100)
	s.prices[symbol] = p
	return p, nil
}

// Start moves every price once per Interval until ctx is cancelled.
func (s *Simulated) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(s.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.tick()
			}
		}
	}()
}

func (s *Simulated) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, p := range s.prices {
		// simple random walk, never below one tick
		move := decimal.NewFromFloat((rand.Float64()*2 - 1) * s.Step)
		next := p.Add(p.Mul(move)).Round(8)
		if next.IsPositive() {
			s.prices[sym] = next
		}
	}
}
