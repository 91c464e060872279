// Package trade owns the lifecycle of a binary option: placement against
// the user's balance, settlement at expiry or by admin override, and the
// HTTP and WebSocket surfaces for both.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/audit"
	"github.com/atmx/options-engine/internal/keylock"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/outcome"
	"github.com/atmx/options-engine/internal/persistence"
	"github.com/atmx/options-engine/internal/risk"
	"github.com/atmx/options-engine/internal/store"
	"github.com/atmx/options-engine/internal/symbol"
)

// DefaultProfitRates maps trade duration in seconds to the payout rate on a win.
var DefaultProfitRates = map[int]decimal.Decimal{
	30:  decimal.RequireFromString("0.10"),
	60:  decimal.RequireFromString("0.15"),
	120: decimal.RequireFromString("0.20"),
	300: decimal.RequireFromString("0.25"),
	600: decimal.RequireFromString("0.30"),
}

// completionGrace lets a client complete a trade this long before expiry
// to absorb clock skew.
const completionGrace = time.Second

// Scheduler arms settlement timers for pending trades.
type Scheduler interface {
	Schedule(t model.Trade)
	Cancel(tradeID string)
}

// Options configures a Manager. Zero values are usable.
type Options struct {
	ProfitRates map[int]decimal.Decimal // nil uses DefaultProfitRates
	Limiter     *risk.Limiter
	Audit       audit.Sink
	Hub         *WSHub
	Now         func() time.Time
}

// Manager places and settles trades. Balance changes go through the
// persistence façade; settlement of one trade is serialized by a per-trade
// lock so it happens exactly once.
type Manager struct {
	facade    *persistence.Facade
	policy    outcome.Policy
	mover     *outcome.PriceMover
	rates     map[int]decimal.Decimal
	limiter   *risk.Limiter
	sink      audit.Sink
	hub       *WSHub
	scheduler Scheduler
	locks     *keylock.Map
	now       func() time.Time
}

// NewManager creates a trade manager.
func NewManager(f *persistence.Facade, policy outcome.Policy, mover *outcome.PriceMover, opts Options) *Manager {
	if opts.ProfitRates == nil {
		opts.ProfitRates = DefaultProfitRates
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if mover == nil {
		mover = outcome.NewPriceMover(nil)
	}
	return &Manager{
		facade:  f,
		policy:  policy,
		mover:   mover,
		rates:   opts.ProfitRates,
		limiter: opts.Limiter,
		sink:    opts.Audit,
		hub:     opts.Hub,
		locks:   keylock.New(),
		now:     opts.Now,
	}
}

// AttachScheduler connects the settlement scheduler. Trades placed before
// a scheduler is attached are picked up by its startup scan.
func (m *Manager) AttachScheduler(s Scheduler) {
	m.scheduler = s
}

// ProfitRate returns the win payout rate for a duration.
func (m *Manager) ProfitRate(durationSeconds int) (decimal.Decimal, error) {
	rate, ok := m.rates[durationSeconds]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %ds (allowed: %v)", model.ErrInvalidDuration, durationSeconds, m.Durations())
	}
	return rate, nil
}

// Durations lists the tradable durations in ascending order.
func (m *Manager) Durations() []int {
	out := make([]int, 0, len(m.rates))
	for d := range m.rates {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// PlaceRequest is a validated trade placement.
type PlaceRequest struct {
	UserID          string
	Symbol          string
	Direction       model.Direction
	Stake           decimal.Decimal
	DurationSeconds int
	EntryPrice      decimal.Decimal
}

// Placement is the outcome of a successful PlaceTrade.
type Placement struct {
	Trade    model.Trade
	Balance  decimal.Decimal
	Degraded bool
}

// PlaceTrade debits the stake and records a pending trade in one atomic
// mutation, then arms its settlement timer.
func (m *Manager) PlaceTrade(ctx context.Context, req PlaceRequest) (Placement, error) {
	sym, err := m.validatePlacement(req)
	if err != nil {
		return Placement{}, err
	}
	if _, err := m.ProfitRate(req.DurationSeconds); err != nil {
		return Placement{}, err
	}

	now := m.now().UTC()
	t := model.Trade{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Symbol:          sym,
		Direction:       req.Direction,
		Stake:           req.Stake,
		DurationSeconds: req.DurationSeconds,
		EntryPrice:      req.EntryPrice,
		Status:          model.StatusPending,
		Result:          model.ResultNone,
		Payout:          decimal.Zero,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(req.DurationSeconds) * time.Second),
	}

	res, err := m.facade.WithBalance(ctx, req.UserID, func(acct model.Account) (*store.Mutation, error) {
		if acct.Balance.LessThan(req.Stake) {
			return nil, fmt.Errorf("%w: balance %s, stake %s", model.ErrInsufficientFunds, acct.Balance, req.Stake)
		}
		if err := m.checkRisk(ctx, req.UserID, sym, req.Stake); err != nil {
			return nil, err
		}

		return &store.Mutation{
			UserID:  req.UserID,
			Balance: acct.Balance.Sub(req.Stake),
			Entries: []model.LedgerEntry{{
				ID:             ulid.Make().String(),
				UserID:         req.UserID,
				Kind:           model.KindTradeDebit,
				Amount:         req.Stake.Neg(),
				RelatedTradeID: t.ID,
				Description:    fmt.Sprintf("%s %s %ds stake", sym, req.Direction, req.DurationSeconds),
				CreatedAt:      now,
			}},
			Trade: &t,
			At:    now,
		}, nil
	})
	if err != nil {
		return Placement{}, err
	}

	if m.scheduler != nil {
		m.scheduler.Schedule(t)
	}

	metrics.TradesPlaced.WithLabelValues(sym, string(req.Direction)).Inc()
	metrics.StakeVolume.WithLabelValues(sym).Add(req.Stake.InexactFloat64())

	slog.Info("trade placed",
		"trade_id", t.ID,
		"user", req.UserID,
		"symbol", sym,
		"direction", req.Direction,
		"stake", req.Stake.String(),
		"duration", req.DurationSeconds,
		"entry_price", req.EntryPrice.String(),
		"balance", res.Account.Balance.String(),
		"degraded", res.Degraded,
	)

	m.sink.Emit(ctx, audit.Event{
		Type:     audit.TradePlaced,
		UserID:   req.UserID,
		TradeID:  t.ID,
		Amount:   req.Stake.Neg().String(),
		Actor:    "user",
		Degraded: res.Degraded,
		Detail:   map[string]string{"symbol": sym, "direction": string(req.Direction)},
		At:       now,
	})

	if m.hub != nil {
		m.hub.Broadcast(WSMessage{
			Type:      "trade_placed",
			TradeID:   t.ID,
			UserID:    t.UserID,
			Symbol:    t.Symbol,
			Direction: string(t.Direction),
			Stake:     t.Stake.String(),
			Price:     t.EntryPrice.String(),
			ExpiresAt: t.ExpiresAt.Format(time.RFC3339),
		})
	}

	return Placement{Trade: t, Balance: res.Account.Balance, Degraded: res.Degraded}, nil
}

func (m *Manager) validatePlacement(req PlaceRequest) (string, error) {
	if req.UserID == "" {
		return "", model.NewValidationError("userId", "is required")
	}
	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return "", model.NewValidationError("symbol", err.Error())
	}
	if !req.Direction.Valid() {
		return "", model.NewValidationError("direction", "must be one of up, down")
	}
	if !req.Stake.IsPositive() {
		return "", model.NewValidationError("amount", "must be greater than 0")
	}
	if !fitsPrecision(req.Stake) {
		return "", model.NewValidationError("amount", "must have at most 8 decimal places")
	}
	if !req.EntryPrice.IsPositive() {
		return "", model.NewValidationError("entryPrice", "must be greater than 0")
	}
	if !fitsPrecision(req.EntryPrice) {
		return "", model.NewValidationError("entryPrice", "must have at most 8 decimal places")
	}
	return sym, nil
}

// fitsPrecision reports whether v is representable with 8 decimal places,
// the precision of stored balances and prices.
func fitsPrecision(v decimal.Decimal) bool {
	return v.Equal(v.Round(8))
}

// checkRisk runs inside the user's balance lock so concurrent placements
// see each other's open stake.
func (m *Manager) checkRisk(ctx context.Context, userID, sym string, stake decimal.Decimal) error {
	if !m.limiter.Enabled() {
		return nil
	}
	var open map[string]decimal.Decimal
	if m.limiter.TracksExposure() {
		trades, _, err := m.facade.ListUserTrades(ctx, userID)
		if err != nil {
			return err
		}
		open = risk.OpenExposure(trades)
	}
	if err := m.limiter.CheckLimit(sym, stake, open); err != nil {
		metrics.RiskLimitRejections.Inc()
		return fmt.Errorf("%w: %v", model.ErrRiskLimit, err)
	}
	return nil
}

// Settlement is the outcome of settling one trade.
type Settlement struct {
	Trade    model.Trade
	Profit   decimal.Decimal // payout on win, -stake on lose, 0 on cancel
	Balance  decimal.Decimal
	Degraded bool
}

// SettleTrade settles a pending trade. OverrideNone consults the outcome
// policy; the other actions force the result. Once started, settlement
// runs to completion even if ctx is cancelled.
func (m *Manager) SettleTrade(ctx context.Context, tradeID string, action model.OverrideAction) (Settlement, error) {
	trigger := "admin"
	if action == model.OverrideNone {
		trigger = "expiry"
	}
	return m.settle(ctx, tradeID, action, trigger)
}

func (m *Manager) settle(ctx context.Context, tradeID string, action model.OverrideAction, trigger string) (Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	if tradeID == "" {
		return Settlement{}, model.NewValidationError("tradeId", "is required")
	}

	unlock := m.locks.Lock(tradeID)
	defer unlock()

	t, _, err := m.facade.GetTrade(ctx, tradeID)
	if err != nil {
		return Settlement{}, err
	}
	if !t.Pending() {
		return Settlement{}, fmt.Errorf("%w: trade %s is %s", model.ErrAlreadySettled, tradeID, t.Result)
	}

	result, err := m.resolve(ctx, t, action)
	if err != nil {
		return Settlement{}, err
	}

	rate, err := m.ProfitRate(t.DurationSeconds)
	if err != nil && result != model.ResultCancelled {
		// The duration was removed from the table after placement; there is
		// no rate to pay out at, so the stake goes back.
		slog.Error("no profit rate for pending trade, refunding", "trade_id", t.ID, "duration", t.DurationSeconds)
		result = model.ResultCancelled
	}

	now := m.now().UTC()
	exit := t.EntryPrice
	payout := decimal.Zero
	if result != model.ResultCancelled {
		exit = m.mover.ExitPrice(t.EntryPrice, t.Direction, result)
	}
	if result == model.ResultWin {
		payout = t.Stake.Mul(rate).Round(8)
	}

	settled := t
	settled.Status = model.StatusCompleted
	settled.Result = result
	settled.ExitPrice = &exit
	settled.Payout = payout
	settled.SettledAt = &now

	res, err := m.facade.WithBalance(ctx, t.UserID, func(acct model.Account) (*store.Mutation, error) {
		// The read above ran outside the user lock; a replay of queued
		// writes may have completed the trade since.
		cur, _, err := m.facade.GetTrade(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !cur.Pending() {
			return nil, fmt.Errorf("%w: trade %s is %s", model.ErrAlreadySettled, t.ID, cur.Result)
		}

		mut := &store.Mutation{UserID: t.UserID, Balance: acct.Balance, Trade: &settled, At: now}

		var amount decimal.Decimal
		var kind model.LedgerKind
		switch result {
		case model.ResultWin:
			amount, kind = t.Stake.Add(payout), model.KindTradeCredit
		case model.ResultCancelled:
			amount, kind = t.Stake, model.KindTradeCancelRefund
		default:
			return mut, nil
		}

		mut.Balance = acct.Balance.Add(amount)
		mut.Entries = []model.LedgerEntry{{
			ID:             ulid.Make().String(),
			UserID:         t.UserID,
			Kind:           kind,
			Amount:         amount,
			RelatedTradeID: t.ID,
			Description:    fmt.Sprintf("%s %s settlement", t.Symbol, result),
			CreatedAt:      now,
		}}
		return mut, nil
	})
	if err != nil {
		return Settlement{}, err
	}

	if m.scheduler != nil {
		m.scheduler.Cancel(t.ID)
	}

	s := Settlement{Trade: settled, Balance: res.Account.Balance, Degraded: res.Degraded}
	switch result {
	case model.ResultWin:
		s.Profit = payout
	case model.ResultLose:
		s.Profit = t.Stake.Neg()
	default:
		s.Profit = decimal.Zero
	}

	metrics.TradesSettled.WithLabelValues(string(result), trigger).Inc()
	if late := now.Sub(t.ExpiresAt); late > 0 {
		metrics.SettlementLatency.Observe(late.Seconds())
	}

	slog.Info("trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"result", result,
		"trigger", trigger,
		"action", action,
		"exit_price", exit.String(),
		"payout", payout.String(),
		"balance", s.Balance.String(),
		"degraded", s.Degraded,
	)

	m.sink.Emit(ctx, audit.Event{
		Type:     audit.TradeSettled,
		UserID:   t.UserID,
		TradeID:  t.ID,
		Amount:   s.Profit.String(),
		Actor:    actorFor(trigger),
		Degraded: s.Degraded,
		Detail:   map[string]string{"result": string(result), "action": string(action)},
		At:       now,
	})

	if m.hub != nil {
		m.hub.Broadcast(WSMessage{
			Type:      "trade_settled",
			TradeID:   t.ID,
			UserID:    t.UserID,
			Symbol:    t.Symbol,
			Direction: string(t.Direction),
			Stake:     t.Stake.String(),
			Price:     exit.String(),
			Result:    string(result),
			Payout:    payout.String(),
		})
	}

	return s, nil
}

// resolve decides the result exactly once per settlement.
func (m *Manager) resolve(ctx context.Context, t model.Trade, action model.OverrideAction) (model.Result, error) {
	switch action {
	case model.OverrideCancel:
		return model.ResultCancelled, nil
	case model.OverrideForceWin:
		return model.ResultWin, nil
	case model.OverrideForceLose:
		return model.ResultLose, nil
	case model.OverrideNone, "":
		r, err := m.policy.Resolve(ctx, t.UserID)
		if err != nil {
			return model.ResultNone, err
		}
		if r != model.ResultWin && r != model.ResultLose {
			return model.ResultNone, fmt.Errorf("%w: policy returned %q", model.ErrInternal, r)
		}
		return r, nil
	}
	return model.ResultNone, model.NewValidationError("action", "must be one of win, lose, cancel")
}

func actorFor(trigger string) string {
	switch trigger {
	case "admin":
		return "admin"
	case "client":
		return "user"
	}
	return "scheduler"
}

// ClientCompletion is a settlement request from the trader's own client.
type ClientCompletion struct {
	TradeID string
	UserID  string
	Stake   decimal.Decimal
}

// CompleteFromClient settles an expired trade on the owner's request. The
// client's view of the result is never consulted; the trade settles
// exactly as automatic expiry would.
func (m *Manager) CompleteFromClient(ctx context.Context, req ClientCompletion) (Settlement, error) {
	t, _, err := m.facade.GetTrade(ctx, req.TradeID)
	if err != nil {
		return Settlement{}, err
	}
	if t.UserID != req.UserID {
		return Settlement{}, model.NewValidationError("userId", "does not own this trade")
	}
	if !t.Pending() {
		return Settlement{}, fmt.Errorf("%w: trade %s is %s", model.ErrAlreadySettled, t.ID, t.Result)
	}
	if !req.Stake.Equal(t.Stake) {
		return Settlement{}, model.NewValidationError("amount", "does not match the trade stake")
	}
	if m.now().Add(completionGrace).Before(t.ExpiresAt) {
		return Settlement{}, model.NewValidationError("tradeId", "has not expired yet")
	}
	return m.settle(ctx, t.ID, model.OverrideNone, "client")
}

// GetTrade returns one trade.
func (m *Manager) GetTrade(ctx context.Context, tradeID string) (model.Trade, error) {
	t, _, err := m.facade.GetTrade(ctx, tradeID)
	return t, err
}

// ListUserTrades returns a user's trades, oldest first.
func (m *Manager) ListUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	trades, _, err := m.facade.ListUserTrades(ctx, userID)
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, err
}
