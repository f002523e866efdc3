package trading

import (
	"fmt"
	"sort"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

var buyBoth = []LegSpec{
	{Side: models.CE, Direction: Long, Trigger: TriggerAbove, Signal: SignalOwn},
	{Side: models.PE, Direction: Long, Trigger: TriggerAbove, Signal: SignalOwn},
}

// presets are the strategy variants the engine ships with. Each is a plain
// configuration; none needs engine code of its own.
var presets = map[string]StrategyConfig{
	"banknifty-buying": {
		Name:                     "banknifty-buying",
		Underlying:               "BANKNIFTY",
		Legs:                     buyBoth,
		Reference:                ReferenceSpec{Kind: RefNthBar, N: 1},
		HardExitTime:             "15:20",
		TargetPoints:             100,
		TargetFill:               FillLevel,
		TargetPolicy:             TargetDisableLeg,
		ReferenceExit:            ReferenceExitNever,
		TrailActivation:          TrailImmediate,
		TrailingActivationOffset: 30,
		StopGap:                  20,
		TrailingStep:             10,
		StopTrigger:              PriceExtreme,
		StopFill:                 FillLevel,
		ReentryPolicy:            ReentryOnReferenceBreak,
		ArmingScope:              ArmSinceLastExit,
		StrikeStep:               100,
		LotSize:                  30,
	},
	"nifty-norentry": {
		Name:            "nifty-norentry",
		Underlying:      "NIFTY",
		Legs:            buyBoth,
		Reference:       ReferenceSpec{Kind: RefNthBar, N: 2},
		HardExitTime:    "15:20",
		TargetPoints:    50,
		TargetFill:      FillLevel,
		TargetPolicy:    TargetDisableLeg,
		ReferenceExit:   ReferenceExitAlways,
		ReferenceFill:   FillClose,
		LegTargetPoints: 50,
		SizeEscalation:  SizeIncrementOnStop,
		ReentryPolicy:   ReentryAlways,
		StrikeStep:      50,
		LotSize:         65,
	},
	"delta-average": {
		Name:                     "delta-average",
		Underlying:               "NIFTY",
		Legs:                     buyBoth,
		Reference:                ReferenceSpec{Kind: RefNthBar, N: 1},
		RequireInitialArm:        true,
		ArmingScope:              ArmSinceLastExit,
		HardExitTime:             "15:20",
		TargetPoints:             70,
		TargetPolicy:             TargetRearm,
		ReferenceExit:            ReferenceExitUntilTrailing,
		TrailActivation:          TrailOnExcursion,
		TrailingActivationOffset: 30,
		StopGap:                  10,
		TrailingStep:             10,
		StopTrigger:              PriceClose,
		StopFill:                 FillClose,
		SizeEscalation:           SizeIncrementOnStop,
		ReentryPolicy:            ReentryOnReferenceBreak,
		StrikeStep:               50,
		LotSize:                  1,
	},
	"crude-buying": {
		Name:                     "crude-buying",
		Underlying:               "CRUDEOIL",
		Legs:                     buyBoth,
		Reference:                ReferenceSpec{Kind: RefAtTime, Time: "15:15"},
		BufferPoints:             7,
		EntryStart:               "15:30",
		EntryEnd:                 "22:30",
		HardExitTime:             "23:00",
		TargetPoints:             50,
		TargetTrigger:            PriceClose,
		TargetFill:               FillNextOpen,
		TargetPolicy:             TargetCloseAll,
		ReferenceExit:            ReferenceExitAlways,
		ReferenceFill:            FillNextOpen,
		TrailAnchor:              AnchorReference,
		TrailingActivationOffset: 15,
		StopGap:                  10,
		TrailingStep:             10,
		TrailSource:              PriceClose,
		StopTrigger:              PriceClose,
		StopFill:                 FillNextOpen,
		ReentryPolicy:            ReentryAlways,
		ReentryLossGate:          2000.0 / 65,
		ArmLevel:                 ArmAtEntryLevel,
		Strike:                   StrikeSpec{Basis: BasisFuture, Time: "15:30", Interval: 15},
		StrikeStep:               50,
		LotSize:                  65,
	},
	"range-selling": {
		Name:       "range-selling",
		Underlying: "NIFTY",
		Legs: []LegSpec{
			{Side: models.CE, Direction: Short, Trigger: TriggerBelow, Signal: SignalUnderlying},
			{Side: models.PE, Direction: Short, Trigger: TriggerAbove, Signal: SignalUnderlying},
		},
		Reference:                ReferenceSpec{Kind: RefRangeBar, Time: "09:55", Source: RefFromSetup},
		EntryStart:               "10:01",
		HardExitTime:             "15:15",
		ReferenceExit:            ReferenceExitWhileTrailing,
		ReferenceFill:            FillClose,
		ReferenceBreak:           BreakNear,
		TrailingActivationOffset: 30,
		StopGap:                  15,
		TrailingStep:             1,
		TrailSource:              PriceClose,
		StopTrigger:              PriceClose,
		StopFill:                 FillClose,
		DayTarget:                77,
		DayStop:                  -39,
		ReentryPolicy:            ReentryAlways,
		Strike:                   StrikeSpec{Basis: BasisIndex, Time: "09:55", Interval: 5},
		StrikeStep:               50,
		CEStrikeOffset:           -400,
		PEStrikeOffset:           400,
		LotSize:                  65,
		Interval:                 1,
	},
	"vwap-flip": {
		Name:              "vwap-flip",
		Underlying:        "NIFTY",
		Legs:              buyBoth,
		Reference:         ReferenceSpec{Kind: RefVWAP, Price: VWAPClose},
		SkipAverageFilter: true,
		EntryStart:        "09:16",
		HardExitTime:      "15:15",
		ReferenceExit:     ReferenceExitAlways,
		ReferenceFill:     FillClose,
		FlipExit:          true,
		MTMLimit:          3000.0 / 65,
		ReentryPolicy:     ReentryAlways,
		Strike:            StrikeSpec{Basis: BasisFuture, Time: "09:16", Interval: 1},
		StrikeStep:        50,
		CEStrikeOffset:    -100,
		PEStrikeOffset:    100,
		LotSize:           65,
	},
}

// Preset returns a copy of the named strategy with defaults applied.
func Preset(name string) (StrategyConfig, error) {
	p, ok := presets[name]
	if !ok {
		return StrategyConfig{}, apperrors.NewValidationError("strategy", name,
			fmt.Sprintf("unknown preset (available: %v)", PresetNames()))
	}
	p.Legs = append([]LegSpec(nil), p.Legs...)
	return p.WithDefaults(), nil
}

// PresetNames lists the shipped presets in name order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
