package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"optsim/internal/broker"
	apperrors "optsim/internal/errors"
	"optsim/internal/instruments"
	"optsim/internal/logging"
	"optsim/internal/metrics"
	"optsim/internal/models"
	"optsim/internal/store"
	"optsim/internal/trading"
)

// OutcomeRunning marks a live run that has not finished.
const OutcomeRunning trading.Outcome = "RUNNING"

// RunnerConfig configures a live paper session.
type RunnerConfig struct {
	Strategy  trading.StrategyConfig
	Contracts *store.SessionContracts
	// QueueSize bounds the slices waiting for the coordinator.
	QueueSize int
	// FlushInterval is how often completed minutes are collected.
	FlushInterval time.Duration
	// Grace delays closing a minute to let late ticks land.
	Grace time.Duration
	// StopAt ends the session; zero runs until the context is cancelled.
	StopAt time.Time
	Now    func() time.Time

	Store   store.DataStore
	Metrics *metrics.Metrics
	Hub     *Hub
	Logger  zerolog.Logger
}

// role is what a subscribed security feeds.
type role struct {
	leg   models.OptionType
	basis bool
}

type barSlice struct {
	time  time.Time
	legs  map[models.OptionType]models.Bar
	under *models.Bar
	setup []models.Bar
}

// Runner drives one coordinator from a tick feed.
//
// Ticks are aggregated under mu by the feed and flush goroutines. Completed
// slices go through a buffered queue to a single consumer, the only
// goroutine that touches the coordinator.
type Runner struct {
	cfg    RunnerConfig
	strat  trading.StrategyConfig
	coord  *trading.Coordinator
	logger zerolog.Logger
	runID  string
	ctx    context.Context

	roles   map[string]role
	agg     *Aggregator
	mu      sync.Mutex
	legBkt  map[models.OptionType]*resampler
	underBk *resampler
	setupBk *resampler
	pending map[int64]*barSlice
	lastOut time.Time

	queue    chan barSlice
	watchers map[models.OptionType]*trading.ReferenceWatcher
	fills    map[int]string

	resMu  sync.Mutex
	result *trading.SessionResult
}

// NewRunner validates the strategy and prepares an idle runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	strat := cfg.Strategy.WithDefaults()
	if err := strat.Validate(); err != nil {
		return nil, err
	}
	if cfg.Contracts == nil {
		return nil, apperrors.NewValidationError("contracts", nil, "live session needs resolved contracts")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	coord, err := trading.NewCoordinator(strat)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		strat:    strat,
		coord:    coord,
		logger:   logging.WithSession(cfg.Logger, cfg.Contracts.Date.Format("2006-01-02"), strat.Name),
		roles:    map[string]role{cfg.Contracts.Basis.SecurityID: {basis: true}},
		agg:      NewAggregator(),
		legBkt:   make(map[models.OptionType]*resampler),
		underBk:  newResampler(strat.Interval),
		setupBk:  newResampler(strat.Strike.Interval),
		pending:  make(map[int64]*barSlice),
		queue:    make(chan barSlice, cfg.QueueSize),
		watchers: make(map[models.OptionType]*trading.ReferenceWatcher),
		fills:    make(map[int]string),
		result: &trading.SessionResult{
			Date:       cfg.Contracts.Date,
			References: make(map[models.OptionType]trading.Reference),
		},
	}
	for _, spec := range strat.Legs {
		ref, ok := cfg.Contracts.Legs[spec.Side]
		if !ok {
			return nil, apperrors.NewDataError("contracts", strat.Name,
				fmt.Sprintf("no %s contract resolved", spec.Side), apperrors.ErrNoContractFound)
		}
		r.roles[ref.SecurityID] = role{leg: spec.Side}
		r.legBkt[spec.Side] = newResampler(strat.Interval)
		if strat.Reference.Kind != trading.RefVWAP {
			w, err := trading.NewReferenceWatcher(strat.Reference)
			if err != nil {
				return nil, err
			}
			r.watchers[spec.Side] = w
		}
	}
	coord.OnTrade(r.onTrade)
	coord.OnEvent(r.onEvent)
	return r, nil
}

// RunID returns the persisted run id once Run has started.
func (r *Runner) RunID() string {
	return r.runID
}

// Instruments lists what the feed must stream.
func (r *Runner) Instruments() []models.Instrument {
	out := []models.Instrument{instruments.ContractInstrument(r.cfg.Contracts.Basis)}
	for _, spec := range r.strat.Legs {
		out = append(out, instruments.ContractInstrument(r.cfg.Contracts.Legs[spec.Side]))
	}
	return out
}

// WarmStart replays bars of the day that are already history. It must be
// called before Run.
func (r *Runner) WarmStart(in trading.SessionInput) error {
	var stamps []time.Time
	seen := make(map[int64]bool)
	for _, spec := range r.strat.Legs {
		for _, b := range in.Legs[spec.Side] {
			if k := b.Timestamp.Unix(); !seen[k] {
				seen[k] = true
				stamps = append(stamps, b.Timestamp)
			}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	if len(stamps) == 0 {
		return nil
	}

	index := func(s models.BarSeries) map[int64]models.Bar {
		m := make(map[int64]models.Bar, len(s))
		for _, b := range s {
			m[b.Timestamp.Unix()] = b
		}
		return m
	}
	legs := make(map[models.OptionType]map[int64]models.Bar)
	for _, spec := range r.strat.Legs {
		legs[spec.Side] = index(in.Legs[spec.Side])
	}
	under := index(in.Underlying)

	setup := in.Setup
	last := stamps[len(stamps)-1]
	for _, ts := range stamps {
		s := barSlice{time: ts, legs: make(map[models.OptionType]models.Bar)}
		for side, m := range legs {
			if b, ok := m[ts.Unix()]; ok {
				s.legs[side] = b
			}
		}
		if b, ok := under[ts.Unix()]; ok {
			s.under = &b
		}
		for len(setup) > 0 && !setup[0].Timestamp.After(ts) {
			s.setup = append(s.setup, setup[0])
			setup = setup[1:]
		}
		if err := r.apply(s); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.lastOut = last
	for _, b := range r.legBkt {
		b.skipThrough(last)
	}
	r.underBk.skipThrough(last)
	r.setupBk.skipThrough(last)
	r.mu.Unlock()

	r.logger.Info().Int("bars", len(stamps)).Time("through", last).Msg("warm start replayed")
	return nil
}

// OnTick feeds one tick. It is safe to call from the feed goroutine.
func (r *Runner) OnTick(t models.Tick) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTick()
	}
	if _, ok := r.roles[t.SecurityID]; !ok {
		return
	}
	if cb, ok := r.agg.Add(t); ok {
		r.mu.Lock()
		r.route(cb)
		r.mu.Unlock()
	}
}

// route pushes a completed minute through its resamplers into the pending
// slices. Callers hold mu.
func (r *Runner) route(cb CompletedBar) {
	ro := r.roles[cb.SecurityID]
	if ro.basis {
		for _, b := range r.underBk.add(cb.Bar) {
			b := b
			r.slice(b.Timestamp).under = &b
		}
		for _, b := range r.setupBk.add(cb.Bar) {
			// setup bars ride on the slice of the minute that completed them
			s := r.slice(bucketStart(cb.Bar.Timestamp, r.strat.Interval))
			s.setup = append(s.setup, b)
		}
		return
	}
	for _, b := range r.legBkt[ro.leg].add(cb.Bar) {
		r.slice(b.Timestamp).legs[ro.leg] = b
	}
}

func (r *Runner) slice(ts time.Time) *barSlice {
	s, ok := r.pending[ts.Unix()]
	if !ok {
		s = &barSlice{time: ts, legs: make(map[models.OptionType]models.Bar)}
		r.pending[ts.Unix()] = s
	}
	return s
}

// flush closes every minute that ended before now minus the grace period
// and queues the slices that are complete, in time order.
func (r *Runner) flush(now time.Time) {
	cutoff := now.Add(-r.cfg.Grace)
	bars := r.agg.Flush(cutoff)

	r.mu.Lock()
	for _, cb := range bars {
		r.route(cb)
	}
	width := time.Duration(r.strat.Interval) * time.Minute
	var ready []*barSlice
	for k, s := range r.pending {
		if !s.time.Add(width).After(cutoff) {
			ready = append(ready, s)
			delete(r.pending, k)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].time.Before(ready[j].time) })
	var out []barSlice
	for _, s := range ready {
		if !s.time.After(r.lastOut) {
			continue
		}
		r.lastOut = s.time
		out = append(out, *s)
	}
	r.mu.Unlock()

	for _, s := range out {
		r.queue <- s
	}
}

// Run streams the session until StopAt or until ctx is cancelled, then
// closes open positions at their last close.
func (r *Runner) Run(ctx context.Context, ticker broker.Ticker) (*trading.SessionResult, error) {
	r.ctx = ctx
	if err := r.startRun(ctx); err != nil {
		return nil, err
	}

	ticker.OnTick(r.OnTick)
	ticker.OnError(func(err error) {
		r.logger.Warn().Err(err).Msg("feed error")
	})
	ticker.OnDisconnect(func() {
		r.logger.Warn().Msg("feed disconnected")
	})
	if err := ticker.Connect(ctx); err != nil {
		return nil, apperrors.Wrap(err, "connect feed")
	}
	defer ticker.Disconnect()
	if err := ticker.Subscribe(r.Instruments()); err != nil {
		return nil, apperrors.Wrap(err, "subscribe feed")
	}

	failed := make(chan struct{})
	done := make(chan struct{})
	var stepErr error
	go func() {
		defer close(done)
		for s := range r.queue {
			if stepErr != nil {
				// keep draining so the producer never blocks
				continue
			}
			if err := r.apply(s); err != nil {
				stepErr = err
				close(failed)
			}
		}
	}()

	clock := time.NewTicker(r.cfg.FlushInterval)
	defer clock.Stop()

	aborted := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-failed:
			aborted = true
			break loop
		case <-clock.C:
			now := r.cfg.Now()
			r.flush(now)
			if !r.cfg.StopAt.IsZero() && !now.Before(r.cfg.StopAt) {
				break loop
			}
		}
	}

	if !aborted {
		// close the bars still building
		r.flush(r.cfg.Now().Add(r.cfg.Grace + time.Duration(r.strat.Interval)*time.Minute))
	}
	close(r.queue)
	<-done
	return r.finish(stepErr)
}

// apply calibrates pending references and steps the coordinator.
func (r *Runner) apply(s barSlice) error {
	for _, spec := range r.strat.Legs {
		w := r.watchers[spec.Side]
		if w == nil {
			continue
		}
		if _, done := r.result.References[spec.Side]; done {
			continue
		}
		var src []models.Bar
		switch {
		case r.strat.Reference.Source == trading.RefFromSetup:
			src = s.setup
		case spec.Signal == trading.SignalUnderlying && s.under != nil:
			src = []models.Bar{*s.under}
		case spec.Signal != trading.SignalUnderlying:
			if b, ok := s.legs[spec.Side]; ok {
				src = []models.Bar{b}
			}
		}
		legLog := logging.WithLeg(r.logger, string(spec.Side))
		for _, b := range src {
			ref, ok, err := w.Observe(b)
			if err != nil {
				legLog.Error().Err(err).Msg("calibration failed")
				return &calibrationError{side: spec.Side, err: err}
			}
			if ok {
				if err := r.coord.SetReference(spec.Side, ref); err != nil {
					return err
				}
				r.resMu.Lock()
				r.result.References[spec.Side] = ref
				r.resMu.Unlock()
				legLog.Info().Float64("top", ref.Top).Float64("bottom", ref.Bottom).Msg("reference calibrated")
				break
			}
		}
	}

	if len(s.legs) == 0 {
		return nil
	}
	step := trading.Slice{Time: s.time, Legs: s.legs, Signal: s.under}
	if err := r.coord.Step(step); err != nil {
		return err
	}

	risk := r.coord.Risk()
	for side, b := range s.legs {
		b := b
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordBar(string(side))
		}
		r.publish(Update{Topic: TopicBar, Time: s.time, Leg: side, Bar: &b})
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SetSession(risk.LastMTM, risk.TradingHalted)
	}
	r.publish(Update{Topic: TopicStatus, Time: s.time, MTM: risk.LastMTM, Halted: risk.TradingHalted})
	return nil
}

func (r *Runner) onTrade(t trading.TradeRecord) {
	fillID := uuid.NewString()
	logging.LogTrade(logging.WithRunID(r.logger, r.runID), string(t.Leg), string(t.Reason), t.Size,
		t.EntryPrice, t.ExitPrice, t.PnL)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTrade(string(t.Leg), string(t.Reason))
	}
	if r.cfg.Store != nil && r.runID != "" {
		err := r.cfg.Store.AddTrade(r.context(), r.runID, store.StoredTrade{FillID: fillID, TradeRecord: t})
		if err != nil {
			r.logger.Error().Err(err).Int("seq", t.Seq).Msg("failed to persist trade")
		}
	}
	r.fills[t.Seq] = fillID
	trade := t
	r.publish(Update{Topic: TopicTrade, Time: t.ExitTime, Leg: t.Leg, Trade: &trade, FillID: fillID})
}

func (r *Runner) onEvent(e trading.Event) {
	if e.Kind == trading.EventHalt {
		logging.LogHalt(r.logger, string(e.Reason), r.coord.MTM(), e.Time)
	}
	ev := e
	r.publish(Update{Topic: TopicEvent, Time: e.Time, Leg: e.Leg, Event: &ev})
}

func (r *Runner) publish(u Update) {
	if r.cfg.Hub != nil {
		r.cfg.Hub.Publish(u)
	}
}

func (r *Runner) context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Runner) startRun(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	run := &store.RunRecord{
		Strategy:  r.strat.Name,
		Mode:      store.ModeLive,
		TradeDate: r.cfg.Contracts.Date,
		Outcome:   OutcomeRunning,
	}
	if err := r.cfg.Store.SaveRun(ctx, run); err != nil {
		return err
	}
	r.runID = run.ID
	r.logger = logging.WithRunID(r.logger, r.runID)

	// trades closed during the warm start
	for _, t := range r.coord.Trades() {
		if err := r.cfg.Store.AddTrade(ctx, r.runID, store.StoredTrade{FillID: r.fills[t.Seq], TradeRecord: t}); err != nil {
			return err
		}
	}
	return nil
}

// finish closes the session and persists its outcome. Trades emitted by
// Finish are persisted with a background context so a cancelled run still
// records its closing trades.
func (r *Runner) finish(stepErr error) (*trading.SessionResult, error) {
	r.ctx = context.Background()
	var calErr *calibrationError
	if errors.As(stepErr, &calErr) {
		stepErr = nil
	}
	if stepErr == nil {
		stepErr = r.coord.Finish()
	}

	r.resMu.Lock()
	res := r.result
	res.Trades = r.coord.Trades()
	res.Risk = r.coord.Risk()
	res.Events = r.coord.Events()
	switch {
	case stepErr != nil:
		res.Outcome = trading.OutcomeFailed
	case calErr != nil:
		res.Outcome = trading.OutcomeCalibrationFailed
	case len(res.Trades) > 0:
		res.Outcome = trading.OutcomeTraded
	default:
		res.Outcome = trading.OutcomeCleanDay
	}
	r.resMu.Unlock()

	if r.cfg.Store != nil && r.runID != "" {
		run := &store.RunRecord{
			ID:         r.runID,
			Strategy:   r.strat.Name,
			Mode:       store.ModeLive,
			TradeDate:  r.cfg.Contracts.Date,
			Outcome:    res.Outcome,
			TotalPnL:   res.TotalPnL(),
			TradeCount: len(res.Trades),
			Halted:     res.Risk.TradingHalted,
			HaltReason: res.Risk.HaltReason,
		}
		switch {
		case stepErr != nil:
			run.Error = stepErr.Error()
		case calErr != nil:
			run.Error = calErr.Error()
		}
		if err := r.cfg.Store.SaveRun(context.Background(), run); err != nil {
			r.logger.Error().Err(err).Msg("failed to persist run")
		}
	}

	r.logger.Info().
		Str("outcome", string(res.Outcome)).
		Int("trades", len(res.Trades)).
		Float64("pnl", res.TotalPnL()).
		Msg("live session finished")

	if stepErr != nil {
		return res, apperrors.NewSessionError(r.cfg.Contracts.Date.Format("2006-01-02"), "live", stepErr)
	}
	if calErr != nil {
		return res, apperrors.NewSessionError(r.cfg.Contracts.Date.Format("2006-01-02"), "calibrate", calErr)
	}
	return res, nil
}

// calibrationError ends a live session whose reference can no longer
// resolve on one of its legs.
type calibrationError struct {
	side models.OptionType
	err  error
}

func (e *calibrationError) Error() string {
	return fmt.Sprintf("%s leg: %v", e.side, e.err)
}

func (e *calibrationError) Unwrap() error {
	return e.err
}
