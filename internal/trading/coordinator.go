package trading

import (
	"fmt"
	"math"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// Slice holds every bar stamped with one timestamp of the driving timeline.
// Legs maps a side to its trade-series bar; Signal is the underlying bar.
type Slice struct {
	Time   time.Time
	Legs   map[models.OptionType]models.Bar
	Signal *models.Bar
}

// Coordinator drives one position state machine per leg off a shared
// timeline and applies the cross-leg rules and the risk governor.
//
// A Coordinator is single-writer: Step must not be called concurrently.
type Coordinator struct {
	cfg    *compiledConfig
	trail  trailRule
	legs   []*leg
	bySide map[models.OptionType]*leg
	gov    *Governor
	rec    *Recorder
	risk   SessionRiskState
	events []Event

	now      time.Time
	started  bool
	finished bool

	onTrade func(TradeRecord)
	onEvent func(Event)
}

// NewCoordinator validates cfg and builds an idle coordinator.
func NewCoordinator(cfg StrategyConfig) (*Coordinator, error) {
	cc, err := cfg.WithDefaults().compile()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:    cc,
		trail:  newTrailRule(cc),
		bySide: make(map[models.OptionType]*leg, len(cc.Legs)),
		gov:    NewGovernor(cc.DayTarget, cc.DayStop, cc.MTMLimit),
		rec:    NewRecorder(),
	}
	for _, spec := range cc.Legs {
		l := newLeg(spec, cc)
		c.legs = append(c.legs, l)
		c.bySide[spec.Side] = l
	}
	return c, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Coordinator) Config() StrategyConfig {
	return c.cfg.StrategyConfig
}

// SetReference installs the calibrated reference of a leg. Until it is set
// the leg only tracks prices.
func (c *Coordinator) SetReference(side models.OptionType, ref Reference) error {
	l, ok := c.bySide[side]
	if !ok {
		return fmt.Errorf("no %s leg configured", side)
	}
	if l.vwap != nil {
		return fmt.Errorf("%s leg follows a dynamic VWAP reference", side)
	}
	l.ref = ref
	l.hasRef = true
	return nil
}

// OnTrade registers a callback invoked synchronously for every trade.
func (c *Coordinator) OnTrade(fn func(TradeRecord)) {
	c.onTrade = fn
}

// OnEvent registers a callback invoked synchronously for every event.
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.onEvent = fn
}

// Step processes one timestamp: pending fills, exits, the governor, then
// entries. Timestamps must strictly increase.
func (c *Coordinator) Step(s Slice) error {
	if c.finished {
		return fmt.Errorf("step at %s after session finished", s.Time.Format(time.RFC3339))
	}
	if c.started && !s.Time.After(c.now) {
		return fmt.Errorf("%w: slice at %s is not after %s", apperrors.ErrMalformedBar,
			s.Time.Format(time.RFC3339), c.now.Format(time.RFC3339))
	}
	c.started = true
	c.now = s.Time

	for _, l := range c.legs {
		var trade, signal *models.Bar
		if b, ok := s.Legs[l.side]; ok {
			trade = &b
		}
		signal = trade
		if l.spec.Signal == SignalUnderlying {
			signal = s.Signal
		}
		l.observe(trade, signal)
	}

	for _, l := range c.legs {
		if l.barNow && l.pos.State == StatePendingExit {
			if err := c.close(l, c.now, l.bar.Open, l.pos.PendingReason); err != nil {
				return err
			}
		}
	}
	for _, l := range c.legs {
		if l.barNow && l.pos.State == StatePendingEntry {
			if err := c.fillEntry(l); err != nil {
				return err
			}
		}
	}
	for _, l := range c.legs {
		if l.barNow && l.pos.State == StateOpen {
			if err := c.evaluateExits(l); err != nil {
				return err
			}
		}
	}
	if _, err := c.checkGovernor(false); err != nil {
		return err
	}
	for _, l := range c.legs {
		if l.barNow && !l.exited {
			if err := c.evaluateEntry(l); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish ends the session: unfilled entries are dropped and open positions
// are closed at their last close.
func (c *Coordinator) Finish() error {
	if c.finished {
		return nil
	}
	c.finished = true
	for _, l := range c.legs {
		switch l.pos.State {
		case StatePendingEntry:
			if err := l.pos.transition(l.side, StateFlat); err != nil {
				return err
			}
			c.emit(l, Event{Kind: EventEntryCancelled, Time: l.last.Timestamp})
		case StateOpen, StatePendingExit:
			reason := ExitSessionEnd
			if l.pos.State == StatePendingExit {
				reason = l.pos.PendingReason
			}
			if err := c.close(l, l.last.Timestamp, l.last.Close, reason); err != nil {
				return err
			}
		}
	}
	return nil
}

// Trades returns the recorded trades in emission order.
func (c *Coordinator) Trades() []TradeRecord {
	return c.rec.Records()
}

// Risk returns a snapshot of the session risk state.
func (c *Coordinator) Risk() SessionRiskState {
	return c.risk
}

// Events returns a copy of the event log.
func (c *Coordinator) Events() []Event {
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Position returns a snapshot of a leg's position.
func (c *Coordinator) Position(side models.OptionType) (Position, bool) {
	l, ok := c.bySide[side]
	if !ok {
		return Position{}, false
	}
	return l.pos, true
}

// MTM returns the last computed total mark-to-market.
func (c *Coordinator) MTM() float64 {
	return c.risk.LastMTM
}

func (c *Coordinator) fillEntry(l *leg) error {
	if c.risk.TradingHalted {
		return c.cancelEntry(l)
	}
	if c.cfg.FlipExit {
		if o := c.bySide[l.side.Opposite()]; o != nil && o.pos.IsOpen() {
			price := o.last.Close
			if o.barNow {
				price = o.bar.Open
			}
			if err := c.close(o, c.now, price, ExitFlip); err != nil {
				return err
			}
			halted, err := c.checkGovernor(true)
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
		}
	}

	if err := l.pos.open(l.side, l.bar, l.size); err != nil {
		return err
	}
	p := &l.pos
	if c.cfg.TargetPoints > 0 {
		p.HasTarget = true
		p.TargetPrice = p.EntryPrice + l.d*c.cfg.TargetPoints
	}
	c.emit(l, Event{Kind: EventEntry, Price: p.EntryPrice})
	if c.trail.enabled() && c.trail.activation == TrailImmediate {
		p.activateTrail(l.trailAnchor(c.cfg)+l.d*c.trail.offset, c.trail.gap, l.d)
		c.emit(l, Event{Kind: EventTrailActivated, TrailingStop: p.TrailingStop, StopLoss: p.StopLoss})
	}
	return nil
}

func (c *Coordinator) cancelEntry(l *leg) error {
	if err := l.pos.transition(l.side, StateFlat); err != nil {
		return err
	}
	c.emit(l, Event{Kind: EventEntryCancelled})
	return nil
}

// evaluateExits applies the exit hierarchy to an open leg; first match wins.
func (c *Coordinator) evaluateExits(l *leg) error {
	p := &l.pos
	b := l.bar
	d := l.d

	if c.cfg.hardExit >= 0 && utils.MinuteOfDay(b.Timestamp) >= c.cfg.hardExit {
		return c.close(l, c.now, b.Close, ExitTime)
	}

	if p.HasTarget && d*(favorable(b, d, c.cfg.TargetTrigger)-p.TargetPrice) >= 0 {
		return c.targetExit(l)
	}

	whileTrailing := c.cfg.ReferenceExit == ReferenceExitWhileTrailing
	if !whileTrailing && l.referenceBroken(c.cfg) {
		return c.exitWith(l, ExitReferenceBreak, c.cfg.ReferenceFill, b.Close)
	}

	p.updateBest(favorable(b, d, c.trail.source), d)
	if !c.trail.enabled() {
		return nil
	}
	if !p.Trailing && c.trail.activation == TrailOnExcursion {
		level := l.trailAnchor(c.cfg) + d*c.trail.offset
		if d*(p.Best-level) >= 0 {
			p.activateTrail(level, c.trail.gap, d)
			c.emit(l, Event{Kind: EventTrailActivated, TrailingStop: p.TrailingStop, StopLoss: p.StopLoss})
		}
	}
	if !p.Trailing {
		return nil
	}
	if n := p.ratchet(c.trail.step, d); n > 0 {
		c.emit(l, Event{Kind: EventTrailRatchet, TrailingStop: p.TrailingStop, StopLoss: p.StopLoss})
	}
	if p.stopHit(adverseExtreme(b, d, c.trail.trigger), d) {
		return c.exitWith(l, ExitTrailingStop, c.cfg.StopFill, p.StopLoss)
	}
	// A trail placed on this bar already guards it.
	if whileTrailing && l.referenceBroken(c.cfg) {
		return c.exitWith(l, ExitReferenceBreak, c.cfg.ReferenceFill, b.Close)
	}
	return nil
}

func (c *Coordinator) targetExit(l *leg) error {
	if err := c.exitWith(l, ExitTarget, c.cfg.TargetFill, l.pos.TargetPrice); err != nil {
		return err
	}
	switch c.cfg.TargetPolicy {
	case TargetHaltSession:
		return c.halt(ExitTarget)
	case TargetCloseAll:
		fill := c.cfg.TargetFill
		if fill == FillLevel {
			fill = FillClose
		}
		for _, o := range c.legs {
			if o == l || o.pos.State != StateOpen {
				continue
			}
			if err := c.exitWith(o, ExitDailyTarget, fill, o.last.Close); err != nil {
				return err
			}
		}
		c.risk.DayTargetHit = true
		return c.halt(ExitDailyTarget)
	}
	return nil
}

// exitWith executes an exit decision under the given fill convention.
// NEXT_OPEN parks the position in PENDING_EXIT until the leg's next bar.
func (c *Coordinator) exitWith(l *leg, reason ExitReason, fill FillMode, level float64) error {
	switch fill {
	case FillLevel:
		return c.close(l, c.now, level, reason)
	case FillNextOpen:
		if err := l.pos.transition(l.side, StatePendingExit); err != nil {
			return err
		}
		l.pos.PendingReason = reason
		l.exited = true
		c.emit(l, Event{Kind: EventExitPending, Reason: reason})
		return nil
	default:
		return c.close(l, c.now, l.last.Close, reason)
	}
}

// close books the round trip and returns the leg to FLAT.
func (c *Coordinator) close(l *leg, at time.Time, price float64, reason ExitReason) error {
	p := l.pos
	rec := TradeRecord{
		Leg:        l.side,
		Direction:  l.dir,
		EntryTime:  p.EntryTime,
		EntryPrice: p.EntryPrice,
		ExitTime:   at,
		ExitPrice:  price,
		Size:       p.Size,
		PnL:        p.pnl(l.dir, price),
		Reason:     reason,
	}
	if !p.IsOpen() {
		return &TransitionError{Leg: l.side, From: p.State, To: StateFlat}
	}
	var openMTM float64
	for _, o := range c.legs {
		openMTM += o.unrealized(false)
	}
	if err := l.pos.transition(l.side, StateFlat); err != nil {
		return err
	}
	rec = c.rec.Append(rec)
	c.risk.CumulativeRealizedPnL += rec.PnL
	l.realized += rec.PnL
	l.exited = true
	c.emit(l, Event{Time: at, Kind: EventExit, Price: price, Reason: reason})
	c.afterExit(l, reason, openMTM)
	if c.onTrade != nil {
		c.onTrade(rec)
	}
	return nil
}

// afterExit applies size escalation and reentry gating. openMTM is the
// unrealized P&L of every open leg, the exiting one included, at its last
// close before the exit.
func (c *Coordinator) afterExit(l *leg, reason ExitReason, openMTM float64) {
	escalate := c.cfg.SizeEscalation == SizeIncrementOnStop
	switch reason {
	case ExitTime:
		c.disable(l)
	case ExitTarget:
		if escalate {
			l.size = 1
		}
		if c.cfg.TargetPolicy == TargetDisableLeg {
			c.disable(l)
		}
	case ExitReferenceBreak:
		if escalate {
			l.size++
		}
	case ExitTrailingStop:
		if escalate {
			l.size = 1
		}
	}

	switch c.cfg.ReentryPolicy {
	case ReentryNone:
		c.disable(l)
	case ReentryAlways:
		l.armed = true
	case ReentryOnReferenceBreak:
		if c.cfg.ArmingScope == ArmAnyPriorBar {
			l.armed = l.seenAdverse
		} else {
			l.armed = false
		}
	}
	if gate := c.cfg.ReentryLossGate; gate > 0 && openMTM <= -gate {
		l.armed = false
	}
	if c.cfg.LegTargetPoints > 0 && l.realized >= c.cfg.LegTargetPoints {
		c.disable(l)
	}
}

func (c *Coordinator) disable(l *leg) {
	if !l.enabled {
		return
	}
	l.enabled = false
	c.emit(l, Event{Kind: EventLegDisabled})
}

// checkGovernor marks every open leg and force-closes all of them when a
// day limit is breached. atOpen marks at the current bar's open, used when
// the check runs at the start of a bar.
func (c *Coordinator) checkGovernor(atOpen bool) (bool, error) {
	mtm := c.risk.CumulativeRealizedPnL
	for _, l := range c.legs {
		mtm += l.unrealized(atOpen)
	}
	c.risk.LastMTM = mtm
	c.risk.PeakMTM = math.Max(c.risk.PeakMTM, mtm)
	c.risk.TroughMTM = math.Min(c.risk.TroughMTM, mtm)

	reason, hit := c.gov.Evaluate(mtm)
	if !hit {
		return false, nil
	}
	switch reason {
	case ExitDailyTarget:
		c.risk.DayTargetHit = true
	case ExitDailyStop:
		c.risk.DayStopHit = true
	}
	for _, l := range c.legs {
		if !l.pos.IsOpen() {
			continue
		}
		price := l.last.Close
		if l.barNow && (atOpen || c.cfg.GovernorFill == FillOpen) {
			price = l.bar.Open
		}
		if err := c.close(l, c.now, price, reason); err != nil {
			return true, err
		}
	}
	return true, c.halt(reason)
}

// halt stops all further entries for the session and drops pending ones.
func (c *Coordinator) halt(reason ExitReason) error {
	if c.risk.TradingHalted {
		return nil
	}
	c.risk.TradingHalted = true
	c.risk.HaltReason = reason
	c.risk.HaltedAt = c.now
	c.emit(nil, Event{Kind: EventHalt, Reason: reason})
	for _, l := range c.legs {
		if l.pos.State == StatePendingEntry {
			if err := c.cancelEntry(l); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateEntry handles arming and the entry signal of a flat leg.
func (c *Coordinator) evaluateEntry(l *leg) error {
	if !l.enabled || !l.hasRef || !l.signalNow || l.pos.State != StateFlat {
		return nil
	}
	sb := l.signal
	if !l.postReference(sb.Timestamp) {
		return nil
	}
	minute := utils.MinuteOfDay(c.now)
	if c.cfg.hardExit >= 0 && minute >= c.cfg.hardExit {
		c.disable(l)
		return nil
	}
	if !l.armed && l.rearms(sb.Close) {
		l.armed = true
		c.emit(l, Event{Kind: EventArmed, Price: sb.Close})
	}
	if c.risk.TradingHalted || !l.armed {
		return nil
	}
	if c.cfg.entryStart >= 0 && minute < c.cfg.entryStart {
		return nil
	}
	if c.cfg.entryEnd >= 0 && minute > c.cfg.entryEnd {
		return nil
	}
	if c.cfg.FlipExit {
		if o := c.bySide[l.side.Opposite()]; o != nil && o.pos.State == StatePendingEntry {
			return nil
		}
	}

	t := l.trig.sign()
	level := l.ref.entryLevel(l.trig, c.cfg.BufferPoints)
	if t*(sb.Close-level) <= 0 {
		return nil
	}
	if !c.cfg.SkipAverageFilter {
		avg := sb.Average()
		if t*(avg-level) <= 0 || t*(sb.Close-avg) <= 0 {
			return nil
		}
	}
	if err := l.pos.transition(l.side, StatePendingEntry); err != nil {
		return err
	}
	l.pos.SignalTime = c.now
	l.seenAdverse = false
	c.emit(l, Event{Kind: EventSignal, Price: sb.Close})
	return nil
}

func (c *Coordinator) emit(l *leg, e Event) {
	if e.Time.IsZero() {
		e.Time = c.now
	}
	if l != nil {
		e.Leg = l.side
		e.State = l.pos.State
	}
	c.events = append(c.events, e)
	if c.onEvent != nil {
		c.onEvent(e)
	}
}
