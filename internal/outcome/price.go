package outcome

import (
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

// Simulated exit moves are a fraction of the entry price.
var (
	MinMove = decimal.RequireFromString("0.0005")
	MaxMove = decimal.RequireFromString("0.005")

	priceTick = decimal.New(1, -8)
)

// PriceMover simulates an exit price that agrees with a settlement result:
// above entry when an up trade wins or a down trade loses, below otherwise.
type PriceMover struct {
	draw func() float64
}

// NewPriceMover creates a mover; nil draw uses math/rand/v2.
func NewPriceMover(draw func() float64) *PriceMover {
	if draw == nil {
		draw = rand.Float64
	}
	return &PriceMover{draw: draw}
}

// ExitPrice moves entry by a fraction drawn from [MinMove, MaxMove],
// rounded to 8 decimal places. The result is always positive and never on
// the wrong side of entry: a price one tick above zero cannot fall, so it
// stays flat.
func (m *PriceMover) ExitPrice(entry decimal.Decimal, dir model.Direction, result model.Result) decimal.Decimal {
	frac := MinMove.Add(MaxMove.Sub(MinMove).Mul(decimal.NewFromFloat(m.draw())))
	move := entry.Mul(frac).Round(8)
	if move.LessThan(priceTick) {
		move = priceTick
	}

	rises := (dir == model.DirectionUp) == (result == model.ResultWin)
	if rises {
		return entry.Add(move).Round(8)
	}

	exit := entry.Sub(move).Round(8)
	if !exit.IsPositive() {
		exit = decimal.Min(priceTick, entry)
	}
	return exit
}
