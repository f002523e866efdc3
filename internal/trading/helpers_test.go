package trading

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"optsim/internal/models"
	"optsim/pkg/utils"
)

var testDay = time.Date(2025, 1, 6, 0, 0, 0, 0, utils.IndiaLocation)

func clock(t testing.TB, hhmm string) time.Time {
	t.Helper()
	m, err := utils.ParseClock(hhmm)
	if err != nil {
		t.Fatalf("bad clock %q: %v", hhmm, err)
	}
	return utils.At(testDay, m)
}

// bar builds a one-minute bar on testDay.
func bar(t testing.TB, hhmm string, o, h, l, c float64) models.Bar {
	return models.Bar{
		Timestamp: clock(t, hhmm),
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    1000,
		HasVolume: true,
	}
}

func flat(t testing.TB, hhmm string, p float64) models.Bar {
	return bar(t, hhmm, p, p, p, p)
}

func singleLeg(cfg StrategyConfig) StrategyConfig {
	cfg.Legs = []LegSpec{{Side: models.CE, Direction: Long, Trigger: TriggerAbove}}
	return cfg
}

func bothLegs(cfg StrategyConfig) StrategyConfig {
	cfg.Legs = []LegSpec{
		{Side: models.CE, Direction: Long, Trigger: TriggerAbove},
		{Side: models.PE, Direction: Long, Trigger: TriggerAbove},
	}
	return cfg
}

func run(t *testing.T, cfg StrategyConfig, in SessionInput) *SessionResult {
	t.Helper()
	if in.Date.IsZero() {
		in.Date = testDay
	}
	res, err := RunSession(in, cfg)
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	return res
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// randomWalk builds n bars from start with a seeded random walk. When gaps
// is set some bars after the third are dropped so timelines differ per leg.
func randomWalk(r *rand.Rand, start time.Time, n int, base float64, gaps bool) models.BarSeries {
	out := make(models.BarSeries, 0, n)
	prev := base
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Minute)
		open := prev + r.NormFloat64()*0.5
		closePx := open + r.NormFloat64()*3
		high := math.Max(open, closePx) + r.Float64()*2
		low := math.Min(open, closePx) - r.Float64()*2
		prev = closePx
		if gaps && i >= 3 && r.Float64() < 0.1 {
			continue
		}
		out = append(out, models.Bar{
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    int64(100 + r.Intn(5000)),
			HasVolume: true,
		})
	}
	return out
}
