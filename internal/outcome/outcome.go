// Package outcome decides how a trade settles. A Policy picks win or lose
// for a user; a PriceMover produces the exit price consistent with that
// result.
package outcome

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/atmx/options-engine/internal/model"
)

// ErrInvalidProbability is returned for win probabilities outside [0, 1].
var ErrInvalidProbability = errors.New("outcome: win probability must be within [0, 1]")

// Policy resolves the result of one settlement. Implementations have no
// side effects; each call is one independent decision.
type Policy interface {
	Resolve(ctx context.Context, userID string) (model.Result, error)
}

// ModeReader looks up a user's admin-configured outcome mode.
type ModeReader interface {
	GetOutcomeMode(ctx context.Context, userID string) (model.OutcomeMode, error)
}

// ModePolicy honours forced win/lose modes and otherwise wins with a fixed
// probability.
type ModePolicy struct {
	modes          ModeReader
	winProbability float64
	draw           func() float64
}

// NewModePolicy creates a policy. draw must return values in [0, 1); nil
// uses math/rand/v2.
func NewModePolicy(modes ModeReader, winProbability float64, draw func() float64) (*ModePolicy, error) {
	if winProbability < 0 || winProbability > 1 {
		return nil, ErrInvalidProbability
	}
	if draw == nil {
		draw = rand.Float64
	}
	return &ModePolicy{modes: modes, winProbability: winProbability, draw: draw}, nil
}

func (p *ModePolicy) Resolve(ctx context.Context, userID string) (model.Result, error) {
	mode, err := p.modes.GetOutcomeMode(ctx, userID)
	if err != nil {
		return model.ResultNone, err
	}

	switch mode {
	case model.ModeWin:
		return model.ResultWin, nil
	case model.ModeLose:
		return model.ResultLose, nil
	}

	if p.draw() < p.winProbability {
		return model.ResultWin, nil
	}
	return model.ResultLose, nil
}

// WinProbability returns the configured probability for normal mode.
func (p *ModePolicy) WinProbability() float64 {
	return p.winProbability
}
