// Package model defines the core domain types shared across the options engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the only unit the engine accounts in.
const Currency = "USDT"

// Direction is the side a trader bets the price will move to.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"
	StatusCompleted TradeStatus = "completed"
)

// Result is the outcome of a settled trade. ResultNone is only valid while
// the trade is pending.
type Result string

const (
	ResultNone      Result = "none"
	ResultWin       Result = "win"
	ResultLose      Result = "lose"
	ResultCancelled Result = "cancelled"
)

// LedgerKind classifies a balance-affecting event.
type LedgerKind string

const (
	KindDeposit           LedgerKind = "deposit"
	KindWithdrawal        LedgerKind = "withdrawal"
	KindTradeDebit        LedgerKind = "trade_debit"
	KindTradeCredit       LedgerKind = "trade_credit"
	KindTradeCancelRefund LedgerKind = "trade_cancel_refund"
)

// OutcomeMode is the admin-configured settlement policy for one user.
type OutcomeMode string

const (
	ModeNormal OutcomeMode = "normal"
	ModeWin    OutcomeMode = "win"
	ModeLose   OutcomeMode = "lose"
)

// ParseOutcomeMode validates an admin-supplied mode string.
func ParseOutcomeMode(s string) (OutcomeMode, error) {
	switch m := OutcomeMode(s); m {
	case ModeNormal, ModeWin, ModeLose:
		return m, nil
	}
	return "", NewValidationError("controlType", "must be one of win, normal, lose")
}

// OverrideAction is how a settlement was requested. Automatic expiry
// always uses OverrideNone.
type OverrideAction string

const (
	OverrideNone      OverrideAction = "none"
	OverrideForceWin  OverrideAction = "forceWin"
	OverrideForceLose OverrideAction = "forceLose"
	OverrideCancel    OverrideAction = "cancel"
)

// Account holds a user's spendable balance. The balance always equals the
// sum of the user's ledger entries.
type Account struct {
	UserID    string          `json:"userId" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Trade is a single fixed-duration binary option. Once Status is
// StatusCompleted every field is frozen.
type Trade struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"userId" db:"user_id"`
	Symbol          string           `json:"symbol" db:"symbol"`
	Direction       Direction        `json:"direction" db:"direction"`
	Stake           decimal.Decimal  `json:"stake" db:"stake"`
	DurationSeconds int              `json:"durationSeconds" db:"duration_seconds"`
	EntryPrice      decimal.Decimal  `json:"entryPrice" db:"entry_price"`
	ExitPrice       *decimal.Decimal `json:"exitPrice" db:"exit_price"`
	Status          TradeStatus      `json:"status" db:"status"`
	Result          Result           `json:"result" db:"result"`
	Payout          decimal.Decimal  `json:"payout" db:"payout"`
	CreatedAt       time.Time        `json:"createdAt" db:"created_at"`
	ExpiresAt       time.Time        `json:"expiresAt" db:"expires_at"`
	SettledAt       *time.Time       `json:"settledAt" db:"settled_at"`
}

// Pending reports whether the trade still awaits settlement.
func (t *Trade) Pending() bool {
	return t.Status == StatusPending
}

// LedgerEntry is an immutable record of one balance change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	Kind           LedgerKind      `json:"kind" db:"kind"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	RelatedTradeID string          `json:"relatedTradeId,omitempty" db:"related_trade_id"`
	Description    string          `json:"description" db:"description"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

// OutcomeSetting is one user's stored outcome mode.
type OutcomeSetting struct {
	UserID    string      `json:"userId" db:"user_id"`
	Mode      OutcomeMode `json:"mode" db:"mode"`
	UpdatedAt time.Time   `json:"updatedAt" db:"updated_at"`
}

// SumLedger returns the net of all entry amounts.
func SumLedger(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
