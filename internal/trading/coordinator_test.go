package trading

import (
	"errors"
	"testing"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

func TestEntryFillsAtNextOpen(t *testing.T) {
	cfg := singleLeg(StrategyConfig{
		Reference:    ReferenceSpec{Kind: RefNthBar, N: 1},
		TargetPoints: 10,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			bar(t, "09:15", 100, 105, 99, 104),
			bar(t, "09:16", 104, 110, 103, 108),
			bar(t, "09:17", 108, 112, 107, 111),
		},
	}}
	res := run(t, cfg, in)

	if res.Outcome != OutcomeTraded {
		t.Fatalf("outcome = %s, want TRADED", res.Outcome)
	}
	if ref := res.References[models.CE]; ref.Top != 104 {
		t.Fatalf("reference = %v, want 104", ref.Top)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.EntryPrice != 108 || !tr.EntryTime.Equal(clock(t, "09:17")) {
		t.Errorf("entry = %v at %v, want 108 at 09:17", tr.EntryPrice, tr.EntryTime)
	}
	if tr.Reason != ExitSessionEnd || tr.ExitPrice != 111 || !tr.ExitTime.Equal(clock(t, "09:17")) {
		t.Errorf("exit = %v %v at %v, want SESSION_END 111 at 09:17", tr.Reason, tr.ExitPrice, tr.ExitTime)
	}
	if tr.PnL != 3 || tr.CumPnL != 3 || tr.Seq != 1 {
		t.Errorf("pnl=%v cum=%v seq=%d", tr.PnL, tr.CumPnL, tr.Seq)
	}

	var signalAt, entryAt string
	for _, e := range res.Events {
		switch e.Kind {
		case EventSignal:
			signalAt = e.Time.Format("15:04")
		case EventEntry:
			entryAt = e.Time.Format("15:04")
		}
	}
	if signalAt != "09:16" || entryAt != "09:17" {
		t.Errorf("signal at %s, entry at %s; want 09:16 then 09:17", signalAt, entryAt)
	}
}

func TestTrailingStopActivatesAndRatchets(t *testing.T) {
	cfg := singleLeg(StrategyConfig{
		Reference:                ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit:            ReferenceExitNever,
		TrailingActivationOffset: 30,
		StopGap:                  10,
		TrailingStep:             10,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			bar(t, "09:15", 95, 96, 94, 95),
			bar(t, "09:16", 96, 99, 96, 98),
			bar(t, "09:17", 100, 105, 99, 104),
			bar(t, "09:18", 121, 130, 121, 128),
			bar(t, "09:19", 132, 145, 131, 140),
			bar(t, "09:20", 140, 141, 129, 130),
		},
	}}
	res := run(t, cfg, in)

	var trail []Event
	for _, e := range res.Events {
		if e.Kind == EventTrailActivated || e.Kind == EventTrailRatchet {
			trail = append(trail, e)
		}
	}
	if len(trail) != 2 {
		t.Fatalf("got %d trailing events, want activation plus one ratchet: %+v", len(trail), trail)
	}
	if trail[0].TrailingStop != 130 || trail[0].StopLoss != 120 || trail[0].Time.Format("15:04") != "09:18" {
		t.Errorf("activation = %+v, want ts 130 sl 120 at 09:18", trail[0])
	}
	if trail[1].TrailingStop != 140 || trail[1].StopLoss != 130 {
		t.Errorf("ratchet = %+v, want ts 140 sl 130", trail[1])
	}

	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Reason != ExitTrailingStop || tr.ExitPrice != 130 || tr.PnL != 30 {
		t.Errorf("exit = %s at %v pnl %v, want TRAILING_STOP at 130 pnl 30", tr.Reason, tr.ExitPrice, tr.PnL)
	}
}

func TestDayTargetHaltsSession(t *testing.T) {
	cfg := bothLegs(StrategyConfig{
		Reference:     ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit: ReferenceExitNever,
		ReentryPolicy: ReentryAlways,
		DayTarget:     20,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 110, 103, 110),
			bar(t, "09:18", 110, 120, 110, 118),
			bar(t, "09:19", 118, 130, 118, 128),
			flat(t, "09:20", 128),
		},
		models.PE: {
			flat(t, "09:15", 50),
			bar(t, "09:16", 50, 54, 50, 53),
			bar(t, "09:17", 53, 55, 53, 55),
			bar(t, "09:18", 55, 60, 55, 60),
			bar(t, "09:19", 60, 66, 60, 65),
			flat(t, "09:20", 65),
		},
	}}
	res := run(t, cfg, in)

	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2: %+v", len(res.Trades), res.Trades)
	}
	for i, want := range []struct {
		leg  models.OptionType
		exit float64
		pnl  float64
	}{{models.CE, 118, 15}, {models.PE, 60, 7}} {
		tr := res.Trades[i]
		if tr.Leg != want.leg || tr.Reason != ExitDailyTarget || tr.ExitPrice != want.exit || tr.PnL != want.pnl {
			t.Errorf("trade %d = %+v, want %s DAILY_TARGET at %v", i, tr, want.leg, want.exit)
		}
		if !tr.ExitTime.Equal(clock(t, "09:18")) {
			t.Errorf("trade %d closed at %v, want 09:18", i, tr.ExitTime)
		}
	}
	risk := res.Risk
	if !risk.TradingHalted || !risk.DayTargetHit || risk.HaltReason != ExitDailyTarget {
		t.Errorf("risk state = %+v", risk)
	}
	if risk.CumulativeRealizedPnL != 22 {
		t.Errorf("realized = %v, want 22", risk.CumulativeRealizedPnL)
	}

	halted := false
	for _, e := range res.Events {
		if e.Kind == EventHalt {
			halted = true
		}
		if halted && (e.Kind == EventSignal || e.Kind == EventEntry) {
			t.Errorf("%s event after halt: %+v", e.Kind, e)
		}
	}
}

func TestFlipExitClosesOppositeLegAtOpen(t *testing.T) {
	cfg := bothLegs(StrategyConfig{
		Reference:     ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit: ReferenceExitNever,
		ReentryPolicy: ReentryAlways,
		FlipExit:      true,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 106, 103, 105),
			bar(t, "09:18", 105, 106, 104, 105),
			bar(t, "09:19", 104, 104, 100, 101),
			bar(t, "09:20", 101, 101, 100, 100.5),
		},
		models.PE: {
			flat(t, "09:15", 50),
			bar(t, "09:16", 50, 50, 49, 49.5),
			bar(t, "09:17", 49, 50, 49, 49.5),
			bar(t, "09:18", 50, 54, 50, 53),
			bar(t, "09:19", 53, 55, 52, 54),
			bar(t, "09:20", 54, 56, 54, 55),
		},
	}}
	res := run(t, cfg, in)

	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2: %+v", len(res.Trades), res.Trades)
	}
	ce, pe := res.Trades[0], res.Trades[1]
	if ce.Leg != models.CE || ce.Reason != ExitFlip || ce.ExitPrice != 104 || !ce.ExitTime.Equal(clock(t, "09:19")) {
		t.Errorf("CE trade = %+v, want FLIP_EXIT at 104 09:19", ce)
	}
	if pe.Leg != models.PE || pe.EntryPrice != 53 || pe.Reason != ExitSessionEnd || pe.ExitPrice != 55 {
		t.Errorf("PE trade = %+v, want entry 53 and SESSION_END at 55", pe)
	}
	if pe.CumPnL != 3 {
		t.Errorf("cumulative pnl = %v, want 3", pe.CumPnL)
	}
}

func TestGovernorAtOpenCancelsFlipEntry(t *testing.T) {
	cfg := bothLegs(StrategyConfig{
		Reference:     ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit: ReferenceExitNever,
		FlipExit:      true,
		DayStop:       -1,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 106, 103, 105),
			bar(t, "09:18", 105, 106, 104, 105),
			bar(t, "09:19", 101, 102, 100, 101),
		},
		models.PE: {
			flat(t, "09:15", 50),
			bar(t, "09:16", 50, 50, 49, 49.5),
			bar(t, "09:17", 49, 50, 49, 49.5),
			bar(t, "09:18", 50, 54, 50, 53),
			bar(t, "09:19", 53, 55, 52, 54),
		},
	}}
	res := run(t, cfg, in)

	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want only the flip exit: %+v", len(res.Trades), res.Trades)
	}
	if tr := res.Trades[0]; tr.Reason != ExitFlip || tr.PnL != -2 {
		t.Errorf("trade = %+v, want FLIP_EXIT pnl -2", tr)
	}
	if !res.Risk.DayStopHit || res.Risk.HaltReason != ExitDailyStop {
		t.Errorf("risk = %+v, want DAILY_STOP halt", res.Risk)
	}
	cancelled := false
	for _, e := range res.Events {
		if e.Kind == EventEntryCancelled && e.Leg == models.PE {
			cancelled = true
		}
		if e.Kind == EventEntry && e.Leg == models.PE {
			t.Error("PE entry filled after the governor halted")
		}
	}
	if !cancelled {
		t.Error("expected the PE entry to be cancelled")
	}
}

func TestHardExitDisablesLeg(t *testing.T) {
	cfg := singleLeg(StrategyConfig{
		Reference:     ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit: ReferenceExitNever,
		ReentryPolicy: ReentryAlways,
		HardExitTime:  "09:18",
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 106, 103, 105),
			bar(t, "09:18", 105, 107, 104, 106),
			bar(t, "09:19", 106, 110, 106, 109),
			flat(t, "09:20", 109),
		},
	}}
	res := run(t, cfg, in)
	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	if tr := res.Trades[0]; tr.Reason != ExitTime || tr.ExitPrice != 106 {
		t.Errorf("trade = %+v, want TIME_EXIT at 106", tr)
	}
}

func TestSizeEscalatesAfterReferenceBreak(t *testing.T) {
	cfg := singleLeg(StrategyConfig{
		Reference:      ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit:  ReferenceExitAlways,
		ReentryPolicy:  ReentryAlways,
		SizeEscalation: SizeIncrementOnStop,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 103, 98, 99),
			bar(t, "09:18", 99, 104, 99, 103),
			bar(t, "09:19", 103, 106, 103, 105),
		},
	}}
	res := run(t, cfg, in)
	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2: %+v", len(res.Trades), res.Trades)
	}
	first, second := res.Trades[0], res.Trades[1]
	if first.Reason != ExitReferenceBreak || first.Size != 1 || first.PnL != -4 {
		t.Errorf("first trade = %+v", first)
	}
	if second.Size != 2 || second.EntryPrice != 103 || second.PnL != 4 {
		t.Errorf("second trade = %+v, want size 2 pnl 4", second)
	}
}

func TestCloseAllOnTarget(t *testing.T) {
	cfg := bothLegs(StrategyConfig{
		Reference:     ReferenceSpec{Kind: RefNthBar, N: 1},
		ReferenceExit: ReferenceExitNever,
		TargetPoints:  5,
		TargetTrigger: PriceClose,
		TargetFill:    FillNextOpen,
		TargetPolicy:  TargetCloseAll,
	})
	in := SessionInput{Legs: map[models.OptionType]models.BarSeries{
		models.CE: {
			flat(t, "09:15", 100),
			bar(t, "09:16", 100, 104, 100, 103),
			bar(t, "09:17", 103, 106, 103, 105),
			bar(t, "09:18", 105, 110, 105, 109),
			bar(t, "09:19", 108, 108, 106, 107),
		},
		models.PE: {
			flat(t, "09:15", 50),
			bar(t, "09:16", 50, 54, 50, 53),
			bar(t, "09:17", 53, 54, 53, 54),
			bar(t, "09:18", 54, 55, 53, 54),
			bar(t, "09:19", 52, 53, 51, 52),
		},
	}}
	res := run(t, cfg, in)
	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2: %+v", len(res.Trades), res.Trades)
	}
	ce, pe := res.Trades[0], res.Trades[1]
	if ce.Reason != ExitTarget || ce.ExitPrice != 108 || !ce.ExitTime.Equal(clock(t, "09:19")) {
		t.Errorf("CE = %+v, want TARGET filled at next open 108", ce)
	}
	if pe.Reason != ExitDailyTarget || pe.ExitPrice != 52 {
		t.Errorf("PE = %+v, want DAILY_TARGET at 52", pe)
	}
	if !res.Risk.DayTargetHit || !res.Risk.TradingHalted {
		t.Errorf("risk = %+v", res.Risk)
	}
}

func TestTooFewBarsIsNoOp(t *testing.T) {
	cfg := singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefNthBar, N: 1}})
	in := SessionInput{Date: testDay, Legs: map[models.OptionType]models.BarSeries{
		models.CE: {flat(t, "09:15", 100), flat(t, "09:16", 101)},
	}}
	res, err := RunSession(in, cfg)
	if err != nil {
		t.Fatalf("a short day is not an error: %v", err)
	}
	if res.Outcome != OutcomeNoOp || len(res.Trades) != 0 {
		t.Errorf("outcome=%s trades=%d, want NO_OP with none", res.Outcome, len(res.Trades))
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != models.CE {
		t.Errorf("skipped = %v", res.Skipped)
	}
}

func TestCalibrationFailure(t *testing.T) {
	cfg := singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefAtTime, Time: "10:00"}})
	in := SessionInput{Date: testDay, Legs: map[models.OptionType]models.BarSeries{
		models.CE: {flat(t, "09:15", 100), flat(t, "09:16", 101), flat(t, "09:17", 102)},
	}}
	res, err := RunSession(in, cfg)
	if !errors.Is(err, apperrors.ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound, got %v", err)
	}
	var se *apperrors.SessionError
	if !errors.As(err, &se) || se.Stage != "calibrate" {
		t.Errorf("expected a calibrate SessionError, got %v", err)
	}
	if res.Outcome != OutcomeCalibrationFailed || len(res.Trades) != 0 {
		t.Errorf("outcome = %s with %d trades", res.Outcome, len(res.Trades))
	}
}

func TestMalformedSeriesRejected(t *testing.T) {
	cfg := singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefNthBar, N: 1}})
	in := SessionInput{Date: testDay, Legs: map[models.OptionType]models.BarSeries{
		models.CE: {flat(t, "09:15", 100), flat(t, "09:17", 101), flat(t, "09:16", 102)},
	}}
	res, err := RunSession(in, cfg)
	if !errors.Is(err, apperrors.ErrMalformedBar) {
		t.Fatalf("expected ErrMalformedBar, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want FAILED", res.Outcome)
	}
}

func TestStepRejectsOutOfOrderSlices(t *testing.T) {
	c, err := NewCoordinator(singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefNthBar, N: 1}}))
	if err != nil {
		t.Fatal(err)
	}
	b := flat(t, "09:16", 100)
	if err := c.Step(Slice{Time: b.Timestamp, Legs: map[models.OptionType]models.Bar{models.CE: b}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Step(Slice{Time: b.Timestamp}); err == nil {
		t.Error("expected an error for a repeated timestamp")
	}
	if err := c.SetReference(models.PE, Reference{}); err == nil {
		t.Error("expected an error for an unconfigured leg")
	}
}
