package trading

import (
	"fmt"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

// PositionState is the lifecycle state of one leg.
type PositionState int

const (
	StateFlat PositionState = iota
	StatePendingEntry
	StateOpen
	StatePendingExit
)

func (s PositionState) String() string {
	switch s {
	case StateFlat:
		return "FLAT"
	case StatePendingEntry:
		return "PENDING_ENTRY"
	case StateOpen:
		return "OPEN"
	case StatePendingExit:
		return "PENDING_EXIT"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// validTransitions lists the allowed moves. PENDING_ENTRY -> FLAT is a
// cancelled entry (halt, flip collision or end of data).
var validTransitions = map[PositionState][]PositionState{
	StateFlat:         {StatePendingEntry},
	StatePendingEntry: {StateOpen, StateFlat},
	StateOpen:         {StatePendingExit, StateFlat},
	StatePendingExit:  {StateFlat},
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to PositionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when the engine attempts an invalid move, such
// as a second entry on a leg that is already open.
type TransitionError struct {
	Leg  models.OptionType
	From PositionState
	To   PositionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("leg %s: invalid transition %s -> %s", e.Leg, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return apperrors.ErrInvalidTransition
}

// Position is the mutable state of one leg, owned by that leg alone.
//
// EntryPrice and EntryTime are meaningful in OPEN and PENDING_EXIT.
// TrailingStop and StopLoss are meaningful only while Trailing is set, and
// then StopLoss == TrailingStop - gap (mirrored for shorts).
type Position struct {
	State        PositionState
	Trailing     bool
	EntryPrice   float64
	EntryTime    time.Time
	HasTarget    bool
	TargetPrice  float64
	TrailingStop float64
	StopLoss     float64
	Best         float64
	Size         int

	SignalTime    time.Time
	PendingReason ExitReason
}

func (p *Position) transition(leg models.OptionType, to PositionState) error {
	if !IsValidTransition(p.State, to) {
		return &TransitionError{Leg: leg, From: p.State, To: to}
	}
	p.State = to
	if to == StateFlat {
		*p = Position{}
	}
	return nil
}

// IsOpen reports whether the leg holds a position (including one waiting to
// be filled out).
func (p *Position) IsOpen() bool {
	return p.State == StateOpen || p.State == StatePendingExit
}

// open materialises the position at the fill bar's open.
func (p *Position) open(leg models.OptionType, fill models.Bar, size int) error {
	if err := p.transition(leg, StateOpen); err != nil {
		return err
	}
	p.EntryPrice = fill.Open
	p.EntryTime = fill.Timestamp
	p.Best = fill.Open
	p.Size = size
	return nil
}

// pnl returns the signed P&L of closing at price.
func (p *Position) pnl(d Direction, price float64) float64 {
	return d.sign() * (price - p.EntryPrice) * float64(p.Size)
}
