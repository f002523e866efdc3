package trading

import (
	"optsim/internal/models"
)

// trailRule holds the trailing-stop arithmetic of a strategy. Distances are
// positive; d (+1 long, -1 short) mirrors them.
type trailRule struct {
	offset     float64
	step       float64
	gap        float64
	activation TrailActivation
	source     PriceSource
	trigger    PriceSource
}

func newTrailRule(c *compiledConfig) trailRule {
	return trailRule{
		offset:     c.TrailingActivationOffset,
		step:       c.TrailingStep,
		gap:        c.StopGap,
		activation: c.TrailActivation,
		source:     c.TrailSource,
		trigger:    c.StopTrigger,
	}
}

func (r trailRule) enabled() bool {
	return r.step > 0
}

// favorable returns the bar price that extends best_price_seen.
func favorable(b models.Bar, d float64, src PriceSource) float64 {
	if src == PriceClose {
		return b.Close
	}
	if d > 0 {
		return b.High
	}
	return b.Low
}

// adverseExtreme returns the bar price a resting stop would be hit by.
func adverseExtreme(b models.Bar, d float64, src PriceSource) float64 {
	if src == PriceClose {
		return b.Close
	}
	if d > 0 {
		return b.Low
	}
	return b.High
}

// updateBest moves Best to the most favourable price seen.
func (p *Position) updateBest(price, d float64) {
	if d*(price-p.Best) > 0 {
		p.Best = price
	}
}

// activateTrail places the trailing stop at level and the stop loss gap
// behind it.
func (p *Position) activateTrail(level, gap, d float64) {
	p.Trailing = true
	p.TrailingStop = level
	p.StopLoss = level - d*gap
}

// ratchet advances both levels in whole steps while best has cleared the
// next step. A gap bar may advance several steps at once. It returns the
// number of steps taken.
func (p *Position) ratchet(step, d float64) int {
	n := 0
	for d*(p.Best-(p.TrailingStop+d*step)) >= 0 {
		p.TrailingStop += d * step
		p.StopLoss += d * step
		n++
	}
	return n
}

// stopHit reports whether the stop loss was touched or crossed.
func (p *Position) stopHit(price, d float64) bool {
	return p.Trailing && d*(price-p.StopLoss) <= 0
}
