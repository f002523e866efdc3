package trading

import (
	"fmt"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// LegSpec configures one tradable side.
type LegSpec struct {
	Side      models.OptionType `yaml:"side" mapstructure:"side"`
	Direction Direction         `yaml:"direction" mapstructure:"direction"`
	Trigger   Trigger           `yaml:"trigger" mapstructure:"trigger"`
	Signal    SignalSource      `yaml:"signal" mapstructure:"signal"`
}

// ReferenceKind selects how the reference level is derived.
type ReferenceKind string

const (
	RefAtTime   ReferenceKind = "AT_TIME"
	RefNthBar   ReferenceKind = "NTH_BAR"
	RefRangeBar ReferenceKind = "RANGE_BAR"
	RefWindow   ReferenceKind = "WINDOW"
	RefVWAP     ReferenceKind = "VWAP"
)

// ReferenceSource says which series the selector runs on.
type ReferenceSource string

const (
	RefFromSignal ReferenceSource = "SIGNAL"
	RefFromSetup  ReferenceSource = "SETUP"
)

// VWAPPrice is the per-bar price fed into the VWAP accumulator.
type VWAPPrice string

const (
	VWAPClose   VWAPPrice = "CLOSE"
	VWAPTypical VWAPPrice = "TYPICAL"
)

// ReferenceSpec describes the reference selector.
type ReferenceSpec struct {
	Kind   ReferenceKind   `yaml:"kind" mapstructure:"kind"`
	Time   string          `yaml:"time,omitempty" mapstructure:"time"`
	N      int             `yaml:"n,omitempty" mapstructure:"n"`
	From   string          `yaml:"from,omitempty" mapstructure:"from"`
	To     string          `yaml:"to,omitempty" mapstructure:"to"`
	Source ReferenceSource `yaml:"source,omitempty" mapstructure:"source"`
	Price  VWAPPrice       `yaml:"price,omitempty" mapstructure:"price"`
}

// StrikeBasis names the series whose close picks the at-the-money strike.
type StrikeBasis string

const (
	BasisIndex  StrikeBasis = "INDEX"
	BasisFuture StrikeBasis = "FUTURE"
)

// StrikeSpec locates the bar that sets the session's ATM strike. The same
// series, at this interval, is the setup series of SETUP references.
type StrikeSpec struct {
	Basis    StrikeBasis `yaml:"basis" mapstructure:"basis"`
	Time     string      `yaml:"time" mapstructure:"time"`
	Interval int         `yaml:"interval" mapstructure:"interval"`
}

// StrategyConfig holds every tunable of a strategy variant. Price distances
// are in points of the series they apply to; P&L limits are in points times
// the size multiplier.
type StrategyConfig struct {
	Name       string    `yaml:"name" mapstructure:"name"`
	Underlying string    `yaml:"underlying" mapstructure:"underlying"`
	Legs       []LegSpec `yaml:"legs" mapstructure:"legs"`

	Reference         ReferenceSpec `yaml:"reference" mapstructure:"reference"`
	BufferPoints      float64       `yaml:"buffer_points" mapstructure:"buffer_points"`
	SkipAverageFilter bool          `yaml:"skip_average_filter" mapstructure:"skip_average_filter"`
	EntryStart        string        `yaml:"entry_start,omitempty" mapstructure:"entry_start"`
	EntryEnd          string        `yaml:"entry_end,omitempty" mapstructure:"entry_end"`
	HardExitTime      string        `yaml:"hard_exit_time,omitempty" mapstructure:"hard_exit_time"`

	TargetPoints  float64      `yaml:"target_points" mapstructure:"target_points"`
	TargetTrigger PriceSource  `yaml:"target_trigger,omitempty" mapstructure:"target_trigger"`
	TargetFill    FillMode     `yaml:"target_fill,omitempty" mapstructure:"target_fill"`
	TargetPolicy  TargetPolicy `yaml:"target_policy,omitempty" mapstructure:"target_policy"`

	// LegTargetPoints disables a leg once its realized P&L reaches it.
	LegTargetPoints float64 `yaml:"leg_target_points" mapstructure:"leg_target_points"`

	ReferenceExit  ReferenceExitPolicy `yaml:"reference_exit,omitempty" mapstructure:"reference_exit"`
	ReferenceFill  FillMode            `yaml:"reference_fill,omitempty" mapstructure:"reference_fill"`
	ReferenceBreak BreakLine           `yaml:"reference_break,omitempty" mapstructure:"reference_break"`

	TrailingActivationOffset float64         `yaml:"trailing_activation_offset" mapstructure:"trailing_activation_offset"`
	TrailingStep             float64         `yaml:"trailing_step" mapstructure:"trailing_step"`
	StopGap                  float64         `yaml:"stop_gap" mapstructure:"stop_gap"`
	TrailActivation          TrailActivation `yaml:"trail_activation,omitempty" mapstructure:"trail_activation"`
	TrailAnchor              TrailAnchor     `yaml:"trail_anchor,omitempty" mapstructure:"trail_anchor"`
	TrailSource              PriceSource     `yaml:"trail_source,omitempty" mapstructure:"trail_source"`
	StopTrigger              PriceSource     `yaml:"stop_trigger,omitempty" mapstructure:"stop_trigger"`
	StopFill                 FillMode        `yaml:"stop_fill,omitempty" mapstructure:"stop_fill"`

	DayTarget    float64  `yaml:"day_target" mapstructure:"day_target"`
	DayStop      float64  `yaml:"day_stop" mapstructure:"day_stop"`
	MTMLimit     float64  `yaml:"mtm_limit" mapstructure:"mtm_limit"`
	GovernorFill FillMode `yaml:"governor_fill,omitempty" mapstructure:"governor_fill"`

	ReentryPolicy     ReentryPolicy  `yaml:"reentry_policy,omitempty" mapstructure:"reentry_policy"`
	ArmingScope       ArmingScope    `yaml:"arming_scope,omitempty" mapstructure:"arming_scope"`
	ArmLevel          ArmLevel       `yaml:"arm_level,omitempty" mapstructure:"arm_level"`
	RequireInitialArm bool           `yaml:"require_initial_arm" mapstructure:"require_initial_arm"`
	SizeEscalation    SizeEscalation `yaml:"size_escalation,omitempty" mapstructure:"size_escalation"`
	FlipExit          bool           `yaml:"flip_exit" mapstructure:"flip_exit"`

	// ReentryLossGate, when positive, makes a leg rearm before trading again
	// if the open MTM across legs at its exit was at or below -gate.
	ReentryLossGate float64 `yaml:"reentry_loss_gate" mapstructure:"reentry_loss_gate"`

	Strike         StrikeSpec `yaml:"strike" mapstructure:"strike"`
	StrikeStep     float64    `yaml:"strike_step" mapstructure:"strike_step"`
	CEStrikeOffset float64    `yaml:"ce_strike_offset" mapstructure:"ce_strike_offset"`
	PEStrikeOffset float64    `yaml:"pe_strike_offset" mapstructure:"pe_strike_offset"`
	LotSize        int        `yaml:"lot_size" mapstructure:"lot_size"`
	Interval       int        `yaml:"interval" mapstructure:"interval"`
}

// WithDefaults returns a copy with every empty enum set to its default.
func (c StrategyConfig) WithDefaults() StrategyConfig {
	legs := make([]LegSpec, len(c.Legs))
	for i, l := range c.Legs {
		if l.Direction == "" {
			l.Direction = Long
		}
		if l.Trigger == "" {
			l.Trigger = TriggerAbove
		}
		if l.Signal == "" {
			l.Signal = SignalOwn
		}
		legs[i] = l
	}
	c.Legs = legs

	if c.Reference.Source == "" {
		c.Reference.Source = RefFromSignal
	}
	if c.Reference.Kind == RefVWAP && c.Reference.Price == "" {
		c.Reference.Price = VWAPClose
	}
	setDefault(&c.TargetTrigger, PriceExtreme)
	setDefault(&c.TargetFill, FillLevel)
	setDefault(&c.TargetPolicy, TargetDisableLeg)
	setDefault(&c.ReferenceExit, ReferenceExitAlways)
	setDefault(&c.ReferenceFill, FillClose)
	setDefault(&c.ReferenceBreak, BreakFar)
	setDefault(&c.TrailActivation, TrailOnExcursion)
	setDefault(&c.TrailAnchor, AnchorEntry)
	setDefault(&c.TrailSource, PriceExtreme)
	setDefault(&c.StopTrigger, PriceExtreme)
	setDefault(&c.StopFill, FillLevel)
	setDefault(&c.GovernorFill, FillClose)
	setDefault(&c.ReentryPolicy, ReentryOnReferenceBreak)
	setDefault(&c.ArmingScope, ArmSinceLastExit)
	setDefault(&c.ArmLevel, ArmAtReference)
	setDefault(&c.SizeEscalation, SizeFixed)
	setDefault(&c.Strike.Basis, BasisIndex)
	if c.Strike.Time == "" {
		c.Strike.Time = "09:16"
	}
	if c.Strike.Interval == 0 {
		c.Strike.Interval = 1
	}
	if c.StrikeStep == 0 {
		c.StrikeStep = 50
	}
	if c.LotSize == 0 {
		c.LotSize = 1
	}
	if c.Interval == 0 {
		c.Interval = 1
	}
	return c
}

func setDefault[T ~string](field *T, value T) {
	if *field == "" {
		*field = value
	}
}

// Validate checks the configuration after defaults are applied.
func (c StrategyConfig) Validate() error {
	c = c.WithDefaults()
	_, err := c.compile()
	return err
}

// Leg returns the spec for side, if configured.
func (c StrategyConfig) Leg(side models.OptionType) (LegSpec, bool) {
	for _, l := range c.Legs {
		if l.Side == side {
			return l, true
		}
	}
	return LegSpec{}, false
}

// compiledConfig caches parsed clock values. Unset clocks are -1.
type compiledConfig struct {
	StrategyConfig
	entryStart int
	entryEnd   int
	hardExit   int
	refTime    int
	refFrom    int
	refTo      int
}

func (c StrategyConfig) compile() (*compiledConfig, error) {
	cc := &compiledConfig{StrategyConfig: c, entryStart: -1, entryEnd: -1, hardExit: -1, refTime: -1, refFrom: -1, refTo: -1}

	if len(c.Legs) == 0 {
		return nil, apperrors.NewValidationError("legs", len(c.Legs), "at least one leg is required")
	}
	seen := make(map[models.OptionType]bool)
	for _, l := range c.Legs {
		if l.Side != models.CE && l.Side != models.PE {
			return nil, apperrors.NewValidationError("legs.side", l.Side, "must be CE or PE")
		}
		if seen[l.Side] {
			return nil, apperrors.NewValidationError("legs.side", l.Side, "duplicate leg")
		}
		seen[l.Side] = true
		if err := oneOf("legs.direction", l.Direction, Long, Short); err != nil {
			return nil, err
		}
		if err := oneOf("legs.trigger", l.Trigger, TriggerAbove, TriggerBelow); err != nil {
			return nil, err
		}
		if err := oneOf("legs.signal", l.Signal, SignalOwn, SignalUnderlying); err != nil {
			return nil, err
		}
		if l.Signal == SignalUnderlying && c.TrailAnchor == AnchorReference {
			return nil, apperrors.NewValidationError("trail_anchor", c.TrailAnchor, "reference anchor needs the leg to signal on its own series")
		}
	}

	var err error
	parse := func(field, s string, dst *int) {
		if err != nil || s == "" {
			return
		}
		var m int
		if m, err = utils.ParseClock(s); err != nil {
			err = apperrors.NewValidationError(field, s, err.Error())
			return
		}
		*dst = m
	}
	parse("entry_start", c.EntryStart, &cc.entryStart)
	parse("entry_end", c.EntryEnd, &cc.entryEnd)
	parse("hard_exit_time", c.HardExitTime, &cc.hardExit)
	parse("reference.time", c.Reference.Time, &cc.refTime)
	parse("reference.from", c.Reference.From, &cc.refFrom)
	parse("reference.to", c.Reference.To, &cc.refTo)
	parse("strike.time", c.Strike.Time, new(int))
	if err != nil {
		return nil, err
	}
	if cc.entryStart >= 0 && cc.entryEnd >= 0 && cc.entryStart > cc.entryEnd {
		return nil, apperrors.NewValidationError("entry_start", c.EntryStart, "must not be after entry_end")
	}

	switch c.Reference.Kind {
	case RefAtTime, RefRangeBar:
		if cc.refTime < 0 {
			return nil, apperrors.NewValidationError("reference.time", c.Reference.Time, "required for "+string(c.Reference.Kind))
		}
	case RefNthBar:
		if c.Reference.N < 1 {
			return nil, apperrors.NewValidationError("reference.n", c.Reference.N, "must be at least 1")
		}
	case RefWindow:
		if cc.refFrom < 0 || cc.refTo < 0 || cc.refFrom > cc.refTo {
			return nil, apperrors.NewValidationError("reference.from", c.Reference.From, "window needs from <= to")
		}
	case RefVWAP:
		if err := oneOf("reference.price", c.Reference.Price, VWAPClose, VWAPTypical); err != nil {
			return nil, err
		}
		if c.TrailAnchor == AnchorReference {
			return nil, apperrors.NewValidationError("trail_anchor", c.TrailAnchor, "a moving VWAP cannot anchor the trailing stop")
		}
	default:
		return nil, apperrors.NewValidationError("reference.kind", c.Reference.Kind, "unknown reference selector")
	}
	if err := oneOf("reference.source", c.Reference.Source, RefFromSignal, RefFromSetup); err != nil {
		return nil, err
	}

	checks := []error{
		oneOf("target_trigger", c.TargetTrigger, PriceExtreme, PriceClose),
		oneOf("target_fill", c.TargetFill, FillLevel, FillClose, FillNextOpen),
		oneOf("target_policy", c.TargetPolicy, TargetDisableLeg, TargetHaltSession, TargetCloseAll, TargetRearm),
		oneOf("reference_exit", c.ReferenceExit, ReferenceExitAlways, ReferenceExitUntilTrailing, ReferenceExitWhileTrailing, ReferenceExitNever),
		oneOf("reference_fill", c.ReferenceFill, FillClose, FillNextOpen),
		oneOf("reference_break", c.ReferenceBreak, BreakFar, BreakNear),
		oneOf("trail_activation", c.TrailActivation, TrailOnExcursion, TrailImmediate),
		oneOf("trail_anchor", c.TrailAnchor, AnchorEntry, AnchorReference),
		oneOf("trail_source", c.TrailSource, PriceExtreme, PriceClose),
		oneOf("stop_trigger", c.StopTrigger, PriceExtreme, PriceClose),
		oneOf("stop_fill", c.StopFill, FillLevel, FillClose, FillNextOpen),
		oneOf("governor_fill", c.GovernorFill, FillClose, FillOpen),
		oneOf("reentry_policy", c.ReentryPolicy, ReentryNone, ReentryOnReferenceBreak, ReentryAlways),
		oneOf("arming_scope", c.ArmingScope, ArmSinceLastExit, ArmAnyPriorBar),
		oneOf("arm_level", c.ArmLevel, ArmAtReference, ArmAtEntryLevel),
		oneOf("size_escalation", c.SizeEscalation, SizeFixed, SizeIncrementOnStop),
		oneOf("strike.basis", c.Strike.Basis, BasisIndex, BasisFuture),
	}
	for _, e := range checks {
		if e != nil {
			return nil, e
		}
	}

	switch {
	case c.BufferPoints < 0:
		return nil, apperrors.NewValidationError("buffer_points", c.BufferPoints, "must be non-negative")
	case c.TargetPoints < 0:
		return nil, apperrors.NewValidationError("target_points", c.TargetPoints, "must be non-negative")
	case c.LegTargetPoints < 0:
		return nil, apperrors.NewValidationError("leg_target_points", c.LegTargetPoints, "must be non-negative (0 disables)")
	case c.ReentryLossGate < 0:
		return nil, apperrors.NewValidationError("reentry_loss_gate", c.ReentryLossGate, "must be non-negative (0 disables)")
	case c.ReferenceExit == ReferenceExitWhileTrailing && c.TrailingStep <= 0:
		return nil, apperrors.NewValidationError("reference_exit", c.ReferenceExit, "needs a trailing stop (trailing_step > 0)")
	case c.TrailingStep < 0:
		return nil, apperrors.NewValidationError("trailing_step", c.TrailingStep, "must be non-negative")
	case c.TrailingStep > 0 && (c.TrailingActivationOffset < 0 || c.StopGap < 0):
		return nil, apperrors.NewValidationError("stop_gap", c.StopGap, "trailing offsets must be non-negative")
	case c.DayTarget < 0:
		return nil, apperrors.NewValidationError("day_target", c.DayTarget, "must be non-negative (0 disables)")
	case c.DayStop > 0:
		return nil, apperrors.NewValidationError("day_stop", c.DayStop, "must be negative (0 disables)")
	case c.MTMLimit < 0:
		return nil, apperrors.NewValidationError("mtm_limit", c.MTMLimit, "must be non-negative (0 disables)")
	case c.Strike.Interval <= 0:
		return nil, apperrors.NewValidationError("strike.interval", c.Strike.Interval, "must be positive")
	case c.StrikeStep <= 0:
		return nil, apperrors.NewValidationError("strike_step", c.StrikeStep, "must be positive")
	case c.LotSize <= 0:
		return nil, apperrors.NewValidationError("lot_size", c.LotSize, "must be positive")
	case c.Interval <= 0:
		return nil, apperrors.NewValidationError("interval", c.Interval, "must be positive")
	}
	return cc, nil
}

func oneOf[T ~string](field string, v T, allowed ...T) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return apperrors.NewValidationError(field, v, fmt.Sprintf("must be one of %v", allowed))
}
