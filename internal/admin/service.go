// Package admin implements the operator controls: per-user outcome modes,
// forced settlement, balance adjustments and ledger inspection.
package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/audit"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/persistence"
	"github.com/atmx/options-engine/internal/store"
	"github.com/atmx/options-engine/internal/trade"
)

// Balance adjustment directions.
const (
	AdjustAdd      = "add"
	AdjustSubtract = "subtract"
	AdjustSet      = "set"
)

// Service carries out admin operations through the same façade and trade
// manager the public API uses, so every invariant applies equally.
type Service struct {
	facade *persistence.Facade
	trades *trade.Manager
	sink   audit.Sink
}

// NewService creates the admin service. sink may be nil.
func NewService(f *persistence.Facade, m *trade.Manager, sink audit.Sink) *Service {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Service{facade: f, trades: m, sink: sink}
}

// SetOutcomeMode validates and stores a user's outcome mode. Setting the
// same mode twice is harmless.
func (s *Service) SetOutcomeMode(ctx context.Context, userID, mode string) (model.OutcomeMode, bool, error) {
	m, err := model.ParseOutcomeMode(mode)
	if err != nil {
		return "", false, err
	}
	degraded, err := s.facade.SetOutcomeMode(ctx, userID, m)
	if err != nil {
		return "", false, err
	}

	slog.Info("outcome mode set", "user", userID, "mode", m, "degraded", degraded)
	s.sink.Emit(ctx, audit.Event{
		Type:     audit.OutcomeModeSet,
		UserID:   userID,
		Actor:    "admin",
		Degraded: degraded,
		Detail:   map[string]string{"mode": string(m)},
		At:       s.facade.Now(),
	})
	return m, degraded, nil
}

// GetOutcomeMode returns the user's mode, normal when never set.
func (s *Service) GetOutcomeMode(ctx context.Context, userID string) (model.OutcomeMode, error) {
	if userID == "" {
		return "", model.NewValidationError("userId", "is required")
	}
	return s.facade.GetOutcomeMode(ctx, userID)
}

// ParseAction maps an admin action name to a settlement override.
func ParseAction(action string) (model.OverrideAction, error) {
	switch action {
	case "win":
		return model.OverrideForceWin, nil
	case "lose":
		return model.OverrideForceLose, nil
	case "cancel":
		return model.OverrideCancel, nil
	}
	return "", model.NewValidationError("action", "must be one of win, lose, cancel")
}

// ForceSettle settles a pending trade with a forced result.
func (s *Service) ForceSettle(ctx context.Context, tradeID, action string) (trade.Settlement, error) {
	override, err := ParseAction(action)
	if err != nil {
		return trade.Settlement{}, err
	}
	return s.trades.SettleTrade(ctx, tradeID, override)
}

// BalanceChange reports an applied adjustment.
type BalanceChange struct {
	UserID     string
	OldBalance decimal.Decimal
	NewBalance decimal.Decimal
	Degraded   bool
}

// AdjustBalance adds to, subtracts from, or sets a balance. Subtract and set
// floor at zero. The change is recorded as a deposit or withdrawal entry
// carrying note; a change of zero records nothing.
func (s *Service) AdjustBalance(ctx context.Context, userID string, amount decimal.Decimal, direction, note string) (BalanceChange, error) {
	if amount.IsNegative() {
		return BalanceChange{}, model.NewValidationError("balance", "must not be negative")
	}
	if amount.Exponent() < -8 {
		return BalanceChange{}, model.NewValidationError("balance", "must have at most 8 decimal places")
	}
	switch direction {
	case AdjustAdd, AdjustSubtract, AdjustSet:
	default:
		return BalanceChange{}, model.NewValidationError("action", "must be one of add, subtract, set")
	}

	var old decimal.Decimal
	res, err := s.facade.WithBalance(ctx, userID, func(acct model.Account) (*store.Mutation, error) {
		old = acct.Balance

		var target decimal.Decimal
		switch direction {
		case AdjustAdd:
			target = old.Add(amount)
		case AdjustSubtract:
			target = decimal.Max(old.Sub(amount), decimal.Zero)
		case AdjustSet:
			target = amount
		}

		delta := target.Sub(old)
		if delta.IsZero() {
			return nil, nil
		}

		kind := model.KindDeposit
		if delta.IsNegative() {
			kind = model.KindWithdrawal
		}
		if note == "" {
			note = fmt.Sprintf("admin %s", direction)
		}
		return &store.Mutation{
			UserID:  userID,
			Balance: target,
			Entries: []model.LedgerEntry{{
				ID:          ulid.Make().String(),
				UserID:      userID,
				Kind:        kind,
				Amount:      delta,
				Description: note,
				CreatedAt:   s.facade.Now(),
			}},
		}, nil
	})
	if err != nil {
		return BalanceChange{}, err
	}

	change := BalanceChange{
		UserID:     userID,
		OldBalance: old,
		NewBalance: res.Account.Balance,
		Degraded:   res.Degraded,
	}

	slog.Info("balance adjusted",
		"user", userID,
		"action", direction,
		"amount", amount.String(),
		"old_balance", old.String(),
		"new_balance", change.NewBalance.String(),
		"degraded", change.Degraded,
	)
	s.sink.Emit(ctx, audit.Event{
		Type:     audit.BalanceAdjust,
		UserID:   userID,
		Amount:   change.NewBalance.Sub(old).String(),
		Actor:    "admin",
		Degraded: change.Degraded,
		Detail:   map[string]string{"action": direction, "note": note},
		At:       s.facade.Now(),
	})
	return change, nil
}

// Deposit credits a positive amount.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, note string) (BalanceChange, error) {
	if !amount.IsPositive() {
		return BalanceChange{}, model.NewValidationError("amount", "must be greater than 0")
	}
	if note == "" {
		note = "deposit"
	}
	return s.AdjustBalance(ctx, userID, amount, AdjustAdd, note)
}

// GetBalance returns the account without creating it.
func (s *Service) GetBalance(ctx context.Context, userID string) (model.Account, bool, error) {
	if userID == "" {
		return model.Account{}, false, model.NewValidationError("userId", "is required")
	}
	return s.facade.GetAccount(ctx, userID)
}

// LedgerReport is a user's ledger with a conservation check.
type LedgerReport struct {
	Account    model.Account
	Entries    []model.LedgerEntry
	Sum        decimal.Decimal
	Consistent bool // Sum equals Account.Balance
	Degraded   bool
}

// ListLedger returns every entry for the user and whether they add up to
// the stored balance.
func (s *Service) ListLedger(ctx context.Context, userID string) (LedgerReport, error) {
	l, err := s.facade.ListLedger(ctx, userID)
	if err != nil {
		return LedgerReport{}, err
	}

	sum := model.SumLedger(l.Entries)
	entries := l.Entries
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	report := LedgerReport{
		Account:    l.Account,
		Entries:    entries,
		Sum:        sum,
		Consistent: sum.Equal(l.Account.Balance),
		Degraded:   l.Degraded,
	}
	if !report.Consistent {
		slog.Error("ledger does not match balance",
			"user", userID,
			"balance", l.Account.Balance.String(),
			"ledger_sum", sum.String(),
		)
	}
	return report, nil
}

// PendingWrites returns the reconciliation backlog per user.
func (s *Service) PendingWrites() map[string]int {
	return s.facade.PendingWrites()
}
