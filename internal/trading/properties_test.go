package trading

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// propertyCase pairs a preset with the session window it trades in.
type propertyCase struct {
	preset string
	start  int
}

var propertyCases = []propertyCase{
	{"banknifty-buying", 9*60 + 15},
	{"nifty-norentry", 9*60 + 15},
	{"delta-average", 9*60 + 15},
	{"crude-buying", 15 * 60},
	{"range-selling", 9*60 + 15},
	{"vwap-flip", 9*60 + 15},
}

// randomSession builds a deterministic session from a seed.
func randomSession(seed int64, pc propertyCase, n int) (SessionInput, StrategyConfig, error) {
	cfg, err := Preset(pc.preset)
	if err != nil {
		return SessionInput{}, StrategyConfig{}, err
	}
	r := rand.New(rand.NewSource(seed))
	start := utils.At(testDay, pc.start)
	under := randomWalk(r, start, n, 22000, false)
	in := SessionInput{
		Date: testDay,
		Legs: map[models.OptionType]models.BarSeries{
			models.CE: randomWalk(r, start, n, 150, true),
			models.PE: randomWalk(r, start, n, 140, true),
		},
		Underlying: under,
		Setup:      under,
	}
	return in, cfg, nil
}

func sessionParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())
	return parameters
}

// runProperty replays a random session and hands the result to check.
// Sessions whose reference bar fell into a gap hold vacuously.
func runProperty(t *testing.T, name string, check func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool) {
	properties := gopter.NewProperties(sessionParameters())
	properties.Property(name, prop.ForAll(
		func(seed int64, idx int, n int) bool {
			pc := propertyCases[idx]
			in, cfg, err := randomSession(seed, pc, n)
			if err != nil {
				t.Logf("preset %s: %v", pc.preset, err)
				return false
			}
			res, err := RunSession(in, cfg)
			if errors.Is(err, apperrors.ErrReferenceNotFound) {
				return true
			}
			if err != nil {
				t.Logf("preset %s seed %d: %v", pc.preset, seed, err)
				return false
			}
			return check(in, cfg, res)
		},
		gen.Int64(),
		gen.IntRange(0, len(propertyCases)-1),
		gen.IntRange(45, 150),
	))
	properties.TestingRun(t)
}

func TestProperty_Determinism(t *testing.T) {
	runProperty(t, "same input produces identical trades", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		again, err := RunSession(in, cfg)
		if err != nil {
			return false
		}
		return reflect.DeepEqual(res.Trades, again.Trades) && reflect.DeepEqual(res.Events, again.Events)
	})
}

func TestProperty_FillLag(t *testing.T) {
	runProperty(t, "entries fill on the bar after the signal", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		lastSignal := make(map[models.OptionType]time.Time)
		for _, e := range res.Events {
			switch e.Kind {
			case EventSignal:
				lastSignal[e.Leg] = e.Time
			case EventEntry:
				sig, ok := lastSignal[e.Leg]
				if !ok {
					return false
				}
				next, ok := nextBar(in.Legs[e.Leg], sig)
				if !ok || !next.Equal(e.Time) {
					return false
				}
			}
		}
		for _, tr := range res.Trades {
			if !tr.EntryTime.After(lastSignalBefore(res.Events, tr.Leg, tr.EntryTime)) {
				return false
			}
		}
		return true
	})
}

func nextBar(s models.BarSeries, after time.Time) (time.Time, bool) {
	for _, b := range s {
		if b.Timestamp.After(after) {
			return b.Timestamp, true
		}
	}
	return time.Time{}, false
}

func lastSignalBefore(events []Event, leg models.OptionType, at time.Time) time.Time {
	var out time.Time
	for _, e := range events {
		if e.Kind == EventSignal && e.Leg == leg && e.Time.Before(at) {
			out = e.Time
		}
	}
	return out
}

func TestProperty_TrailingMonotonic(t *testing.T) {
	runProperty(t, "trailing stop never moves against the position", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		last := make(map[models.OptionType]float64)
		active := make(map[models.OptionType]bool)
		for _, e := range res.Events {
			spec, _ := cfg.Leg(e.Leg)
			d := spec.Direction.sign()
			switch e.Kind {
			case EventEntry, EventExit:
				active[e.Leg] = false
			case EventTrailActivated:
				active[e.Leg] = true
				last[e.Leg] = e.TrailingStop
			case EventTrailRatchet:
				if !active[e.Leg] || d*(e.TrailingStop-last[e.Leg]) <= 0 {
					return false
				}
				last[e.Leg] = e.TrailingStop
			}
		}
		return true
	})
}

func TestProperty_SinglePositionPerLeg(t *testing.T) {
	runProperty(t, "no second entry without an exit in between", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		open := make(map[models.OptionType]bool)
		for _, e := range res.Events {
			switch e.Kind {
			case EventEntry:
				if open[e.Leg] {
					return false
				}
				open[e.Leg] = true
			case EventExit:
				if !open[e.Leg] {
					return false
				}
				open[e.Leg] = false
			}
		}
		for _, o := range open {
			if o {
				return false
			}
		}
		return true
	})
}

func TestProperty_HaltMonotonic(t *testing.T) {
	runProperty(t, "no entries once trading is halted", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		halted := false
		for _, e := range res.Events {
			if e.Kind == EventHalt {
				if halted {
					return false
				}
				halted = true
				continue
			}
			if halted && (e.Kind == EventEntry || e.Kind == EventSignal) {
				return false
			}
		}
		return halted == res.Risk.TradingHalted
	})
}

func TestProperty_PnLReconciliation(t *testing.T) {
	runProperty(t, "trade P&L sums to realized P&L", func(in SessionInput, cfg StrategyConfig, res *SessionResult) bool {
		var sum float64
		for i, tr := range res.Trades {
			sum += tr.PnL
			if tr.Seq != i+1 || !near(tr.CumPnL, sum) {
				return false
			}
			if !near(tr.PnL, tr.Direction.sign()*(tr.ExitPrice-tr.EntryPrice)*float64(tr.Size)) {
				return false
			}
		}
		return near(sum, res.Risk.CumulativeRealizedPnL)
	})
}
