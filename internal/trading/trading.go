// Package trading implements the intraday option replay engine: reference
// calibration, the per-leg position state machine, cross-leg coordination,
// the session risk governor and the trade recorder.
//
// The engine is a deterministic fold over bars. It never reads the wall clock,
// never blocks and never logs; callers feed it one timestamp at a time.
package trading

import (
	"time"

	"optsim/internal/models"
)

// Direction is the side of the position taken on a leg's trade series.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Trigger says on which side of the reference the signal close must settle.
type Trigger string

const (
	TriggerAbove Trigger = "ABOVE"
	TriggerBelow Trigger = "BELOW"
)

func (t Trigger) sign() float64 {
	if t == TriggerBelow {
		return -1
	}
	return 1
}

// SignalSource selects the series entry and reference-break checks read from.
type SignalSource string

const (
	SignalOwn        SignalSource = "OWN"
	SignalUnderlying SignalSource = "UNDERLYING"
)

// FillMode is the price convention used when an exit (or forced close) executes.
type FillMode string

const (
	FillLevel    FillMode = "LEVEL"     // resting order at the target/stop level
	FillClose    FillMode = "CLOSE"     // decision bar close
	FillNextOpen FillMode = "NEXT_OPEN" // following bar open
	FillOpen     FillMode = "OPEN"      // current bar open (governor only)
)

// PriceSource picks which price of a bar a check reads.
type PriceSource string

const (
	PriceExtreme PriceSource = "EXTREME"
	PriceClose   PriceSource = "CLOSE"
)

// ReentryPolicy governs whether a leg may trade again after an exit.
type ReentryPolicy string

const (
	ReentryNone             ReentryPolicy = "NONE"
	ReentryOnReferenceBreak ReentryPolicy = "ON_REFERENCE_BREAK"
	ReentryAlways           ReentryPolicy = "ALWAYS"
)

// ArmingScope decides which adverse closes count towards rearming.
// SINCE_LAST_EXIT counts only flat bars after the exit; ANY_PRIOR_BAR also
// counts the bars the position was held.
type ArmingScope string

const (
	ArmSinceLastExit ArmingScope = "SINCE_LAST_EXIT"
	ArmAnyPriorBar   ArmingScope = "ANY_PRIOR_BAR"
)

// ArmLevel is the line a close must cross back through to rearm a leg.
type ArmLevel string

const (
	ArmAtReference  ArmLevel = "REFERENCE"
	ArmAtEntryLevel ArmLevel = "ENTRY_LEVEL"
)

// TargetPolicy is applied after a leg exits on its target.
type TargetPolicy string

const (
	TargetDisableLeg  TargetPolicy = "DISABLE_LEG"
	TargetHaltSession TargetPolicy = "HALT_SESSION"
	TargetCloseAll    TargetPolicy = "CLOSE_ALL"
	TargetRearm       TargetPolicy = "REARM"
)

// SizeEscalation controls the size multiplier between trades of one leg.
type SizeEscalation string

const (
	SizeFixed           SizeEscalation = "NONE"
	SizeIncrementOnStop SizeEscalation = "INCREMENT_ON_STOP"
)

// ReferenceExitPolicy enables the reference-break exit.
type ReferenceExitPolicy string

const (
	ReferenceExitAlways        ReferenceExitPolicy = "ALWAYS"
	ReferenceExitUntilTrailing ReferenceExitPolicy = "UNTIL_TRAILING"
	ReferenceExitWhileTrailing ReferenceExitPolicy = "WHILE_TRAILING"
	ReferenceExitNever         ReferenceExitPolicy = "NEVER"
)

// BreakLine picks which line of a two-sided reference a reference-break
// exit watches. FAR is the line opposite the trigger side, NEAR the line
// the entry broke through. Single-level references have one line.
type BreakLine string

const (
	BreakFar  BreakLine = "FAR"
	BreakNear BreakLine = "NEAR"
)

// TrailActivation decides when the trailing stop is placed.
type TrailActivation string

const (
	TrailOnExcursion TrailActivation = "ON_EXCURSION"
	TrailImmediate   TrailActivation = "IMMEDIATE"
)

// TrailAnchor is the price the activation offset is measured from.
type TrailAnchor string

const (
	AnchorEntry     TrailAnchor = "ENTRY"
	AnchorReference TrailAnchor = "REFERENCE"
)

// ExitReason tags every recorded trade.
type ExitReason string

const (
	ExitTime           ExitReason = "TIME_EXIT"
	ExitTarget         ExitReason = "TARGET"
	ExitReferenceBreak ExitReason = "REFERENCE_BREAK"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitFlip           ExitReason = "FLIP_EXIT"
	ExitDailyTarget    ExitReason = "DAILY_TARGET"
	ExitDailyStop      ExitReason = "DAILY_STOP"
	ExitPortfolio      ExitReason = "PORTFOLIO_EXIT"
	ExitSessionEnd     ExitReason = "SESSION_END"
)

// TradeRecord is one completed round trip. Records are immutable once emitted.
type TradeRecord struct {
	Seq        int               `json:"seq" yaml:"seq"`
	Leg        models.OptionType `json:"leg" yaml:"leg"`
	Direction  Direction         `json:"direction" yaml:"direction"`
	EntryTime  time.Time         `json:"entry_time" yaml:"entry_time"`
	EntryPrice float64           `json:"entry_price" yaml:"entry_price"`
	ExitTime   time.Time         `json:"exit_time" yaml:"exit_time"`
	ExitPrice  float64           `json:"exit_price" yaml:"exit_price"`
	Size       int               `json:"size" yaml:"size"`
	PnL        float64           `json:"pnl" yaml:"pnl"`
	CumPnL     float64           `json:"cum_pnl" yaml:"cum_pnl"`
	Reason     ExitReason        `json:"reason" yaml:"reason"`
}

// EventKind classifies entries of the session event log.
type EventKind string

const (
	EventSignal         EventKind = "SIGNAL"
	EventEntry          EventKind = "ENTRY"
	EventEntryCancelled EventKind = "ENTRY_CANCELLED"
	EventTrailActivated EventKind = "TRAIL_ACTIVATED"
	EventTrailRatchet   EventKind = "TRAIL_RATCHET"
	EventExitPending    EventKind = "EXIT_PENDING"
	EventExit           EventKind = "EXIT"
	EventArmed          EventKind = "ARMED"
	EventLegDisabled    EventKind = "LEG_DISABLED"
	EventHalt           EventKind = "HALT"
)

// Event is one state change observed during a session. The log exists for
// diagnostics and for checking engine invariants; trades are the output.
type Event struct {
	Time         time.Time
	Leg          models.OptionType
	Kind         EventKind
	State        PositionState
	Price        float64
	TrailingStop float64
	StopLoss     float64
	Reason       ExitReason
}

// SessionRiskState is owned by the governor. TradingHalted never resets.
type SessionRiskState struct {
	CumulativeRealizedPnL float64    `json:"cumulative_realized_pnl"`
	DayTargetHit          bool       `json:"day_target_hit"`
	DayStopHit            bool       `json:"day_stop_hit"`
	TradingHalted         bool       `json:"trading_halted"`
	HaltReason            ExitReason `json:"halt_reason,omitempty"`
	HaltedAt              time.Time  `json:"halted_at,omitempty"`
	LastMTM               float64    `json:"last_mtm"`
	PeakMTM               float64    `json:"peak_mtm"`
	TroughMTM             float64    `json:"trough_mtm"`
}
