// Package audit publishes fire-and-forget records of balance-affecting and
// administrative actions. Emitting never blocks or fails the caller.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	TradePlaced    = "trade.placed"
	TradeSettled   = "trade.settled"
	BalanceAdjust  = "balance.adjusted"
	OutcomeModeSet = "outcome_mode.set"
)

// Event is one audit record.
type Event struct {
	Type     string            `json:"type"`
	UserID   string            `json:"userId"`
	TradeID  string            `json:"tradeId,omitempty"`
	Amount   string            `json:"amount,omitempty"`
	Actor    string            `json:"actor"` // user, admin, scheduler
	Degraded bool              `json:"degraded,omitempty"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events to slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"type", e.Type, "user", e.UserID, "actor", e.Actor}
	if e.TradeID != "" {
		attrs = append(attrs, "trade_id", e.TradeID)
	}
	if e.Amount != "" {
		attrs = append(attrs, "amount", e.Amount)
	}
	if e.Degraded {
		attrs = append(attrs, "degraded", true)
	}
	for k, v := range e.Detail {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, "audit", attrs...)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
