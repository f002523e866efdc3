package trading

import "math"

// Governor enforces the day-level limits on aggregate mark-to-market.
// A zero limit is disabled. It fires at most once per session.
type Governor struct {
	dayTarget float64
	dayStop   float64
	mtmLimit  float64
	fired     bool
}

// NewGovernor creates a governor. dayStop is negative.
func NewGovernor(dayTarget, dayStop, mtmLimit float64) *Governor {
	return &Governor{dayTarget: dayTarget, dayStop: dayStop, mtmLimit: mtmLimit}
}

// Evaluate returns the forced-exit reason if total mark-to-market breaches a
// limit. Target wins over stop, stop over the absolute MTM limit.
func (g *Governor) Evaluate(totalMTM float64) (ExitReason, bool) {
	if g.fired {
		return "", false
	}
	var reason ExitReason
	switch {
	case g.dayTarget > 0 && totalMTM >= g.dayTarget:
		reason = ExitDailyTarget
	case g.dayStop < 0 && totalMTM <= g.dayStop:
		reason = ExitDailyStop
	case g.mtmLimit > 0 && math.Abs(totalMTM) >= g.mtmLimit:
		reason = ExitPortfolio
	default:
		return "", false
	}
	g.fired = true
	return reason, true
}

// Fired reports whether a limit has already been breached.
func (g *Governor) Fired() bool {
	return g.fired
}
