package trading

import (
	"time"

	"optsim/internal/models"
)

// leg is one tradable side: its position plus the gating state the
// coordinator keeps around it.
type leg struct {
	spec LegSpec
	side models.OptionType
	dir  Direction
	d    float64
	trig Trigger

	ref    Reference
	hasRef bool
	vwap   *VWAP

	pos         Position
	size        int
	armed       bool
	seenAdverse bool
	enabled     bool
	realized    float64

	armAt  ArmLevel
	buffer float64

	// per-timestamp view, refreshed by observe
	bar       models.Bar
	barNow    bool
	signal    models.Bar
	signalNow bool
	exited    bool

	last    models.Bar
	hasLast bool
}

func newLeg(spec LegSpec, cfg *compiledConfig) *leg {
	l := &leg{
		spec:    spec,
		side:    spec.Side,
		dir:     spec.Direction,
		d:       spec.Direction.sign(),
		trig:    spec.Trigger,
		size:    1,
		armed:   !cfg.RequireInitialArm,
		enabled: true,
		armAt:   cfg.ArmLevel,
		buffer:  cfg.BufferPoints,
	}
	if cfg.Reference.Kind == RefVWAP {
		l.vwap = NewVWAP(cfg.Reference.Price)
	}
	return l
}

// observe installs the bars of the current timestamp. Either may be nil.
func (l *leg) observe(trade, signal *models.Bar) {
	l.exited = false
	l.barNow = trade != nil
	if trade != nil {
		l.bar = *trade
		l.last = *trade
		l.hasLast = true
	}
	l.signalNow = signal != nil
	if signal == nil {
		return
	}
	l.signal = *signal

	if l.vwap != nil {
		if v, ok := l.vwap.Update(*signal); ok {
			l.ref = Reference{Top: v, Bottom: v, At: signal.Timestamp, Dynamic: true}
			l.hasRef = true
		}
	}
	if l.hasRef && l.postReference(signal.Timestamp) && l.rearms(signal.Close) {
		l.seenAdverse = true
	}
}

// rearms reports whether a signal close crosses back through the arming line.
func (l *leg) rearms(close float64) bool {
	return l.ref.rearms(l.trig, close, l.buffer, l.armAt)
}

// postReference reports whether t is after the calibration bar.
func (l *leg) postReference(t time.Time) bool {
	return l.ref.Dynamic || t.After(l.ref.At)
}

// markPrice is the price unrealized P&L is measured at.
func (l *leg) markPrice(atOpen bool) float64 {
	if atOpen && l.barNow {
		return l.bar.Open
	}
	return l.last.Close
}

func (l *leg) unrealized(atOpen bool) float64 {
	if !l.pos.IsOpen() {
		return 0
	}
	return l.pos.pnl(l.dir, l.markPrice(atOpen))
}

// trailAnchor is the price the activation offset is measured from.
func (l *leg) trailAnchor(cfg *compiledConfig) float64 {
	if cfg.TrailAnchor == AnchorReference {
		return l.ref.entryLevel(l.trig, cfg.BufferPoints)
	}
	return l.pos.EntryPrice
}

func (l *leg) referenceExitEnabled(policy ReferenceExitPolicy) bool {
	switch policy {
	case ReferenceExitAlways:
		return true
	case ReferenceExitUntilTrailing:
		return !l.pos.Trailing
	case ReferenceExitWhileTrailing:
		return l.pos.Trailing
	default:
		return false
	}
}

// referenceBroken reports a reference-break exit signal on the current bar.
func (l *leg) referenceBroken(cfg *compiledConfig) bool {
	return l.referenceExitEnabled(cfg.ReferenceExit) && l.hasRef && l.signalNow &&
		l.postReference(l.signal.Timestamp) && l.ref.breaks(l.trig, l.signal.Close, cfg.ReferenceBreak)
}
