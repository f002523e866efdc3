package trading

import (
	"sort"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

// MinSessionBars is the shortest leg series a session will trade.
const MinSessionBars = 3

// SessionInput carries every series of one trading day. Legs holds the trade
// series per side; Underlying is the signal series for legs that signal on
// the underlying; Setup is the optional series the reference is taken from.
type SessionInput struct {
	Date       time.Time
	Legs       map[models.OptionType]models.BarSeries
	Underlying models.BarSeries
	Setup      models.BarSeries
	Contracts  map[models.OptionType]models.ContractRef
}

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeTraded            Outcome = "TRADED"
	OutcomeCleanDay          Outcome = "CLEAN_DAY"
	OutcomeNoOp              Outcome = "NO_OP"
	OutcomeCalibrationFailed Outcome = "CALIBRATION_FAILED"
	OutcomeFailed            Outcome = "FAILED"
)

// SessionResult is the outcome of one replayed day.
type SessionResult struct {
	Date       time.Time
	Trades     []TradeRecord
	Risk       SessionRiskState
	Events     []Event
	Outcome    Outcome
	References map[models.OptionType]Reference
	// Skipped lists legs dropped for having too few bars.
	Skipped []models.OptionType
}

// TotalPnL sums the realized P&L of the session.
func (r *SessionResult) TotalPnL() float64 {
	var total float64
	for _, t := range r.Trades {
		total += t.PnL
	}
	return total
}

// RunSession replays one trading day. It is a pure function of its inputs.
//
// A calibration failure returns the error together with a result whose
// Outcome is CALIBRATION_FAILED. Legs with fewer than MinSessionBars bars
// are skipped; if none remain the session is a NO_OP and the error is nil.
func RunSession(in SessionInput, cfg StrategyConfig) (*SessionResult, error) {
	date := in.Date.Format("2006-01-02")
	res := &SessionResult{Date: in.Date, References: make(map[models.OptionType]Reference)}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		res.Outcome = OutcomeFailed
		return res, apperrors.NewSessionError(date, "setup", err)
	}

	names := []string{"underlying", "setup"}
	series := []models.BarSeries{in.Underlying, in.Setup}
	for _, spec := range cfg.Legs {
		names = append(names, string(spec.Side))
		series = append(series, in.Legs[spec.Side])
	}
	for i, s := range series {
		if err := s.Validate(); err != nil {
			res.Outcome = OutcomeFailed
			return res, apperrors.NewSessionError(date, "setup",
				apperrors.NewDataError("bars", names[i], "series rejected", err))
		}
	}

	var legs []LegSpec
	for _, spec := range cfg.Legs {
		s := in.Legs[spec.Side]
		if len(s) < MinSessionBars || (spec.Signal == SignalUnderlying && len(in.Underlying) < MinSessionBars) {
			res.Skipped = append(res.Skipped, spec.Side)
			continue
		}
		legs = append(legs, spec)
	}
	if len(legs) == 0 {
		res.Outcome = OutcomeNoOp
		return res, nil
	}
	cfg.Legs = legs

	c, err := NewCoordinator(cfg)
	if err != nil {
		res.Outcome = OutcomeFailed
		return res, apperrors.NewSessionError(date, "setup", err)
	}

	for _, spec := range legs {
		ref, err := calibrate(in, cfg, spec)
		if err != nil {
			res.Outcome = OutcomeCalibrationFailed
			return res, apperrors.NewSessionError(date, "calibrate",
				apperrors.Wrapf(err, "%s leg", spec.Side))
		}
		if ref.Dynamic {
			continue
		}
		res.References[spec.Side] = ref
		if err := c.SetReference(spec.Side, ref); err != nil {
			res.Outcome = OutcomeFailed
			return res, apperrors.NewSessionError(date, "calibrate", err)
		}
	}

	replayErr := replayDay(c, in, legs)
	if replayErr == nil {
		replayErr = c.Finish()
	}
	res.Trades = c.Trades()
	res.Risk = c.Risk()
	res.Events = c.Events()
	if replayErr != nil {
		res.Outcome = OutcomeFailed
		return res, apperrors.NewSessionError(date, "replay", replayErr)
	}
	if len(res.Trades) > 0 {
		res.Outcome = OutcomeTraded
	} else {
		res.Outcome = OutcomeCleanDay
	}
	return res, nil
}

// calibrate resolves the reference of one leg from the series its selector
// reads.
func calibrate(in SessionInput, cfg StrategyConfig, spec LegSpec) (Reference, error) {
	src := in.Legs[spec.Side]
	if spec.Signal == SignalUnderlying {
		src = in.Underlying
	}
	if cfg.Reference.Kind == RefVWAP {
		if !src.HasVolume() {
			return Reference{}, apperrors.NewDataError("bars", string(spec.Side),
				"VWAP reference needs volume on every bar", apperrors.ErrReferenceNotFound)
		}
		return Reference{Dynamic: true}, nil
	}
	if cfg.Reference.Source == RefFromSetup {
		src = in.Setup
	}
	return CalculateReference(src, cfg.Reference)
}

// replayDay walks the union of the legs' timestamps and steps the
// coordinator once per timestamp.
func replayDay(c *Coordinator, in SessionInput, legs []LegSpec) error {
	var stamps []time.Time
	seen := make(map[int64]bool)
	for _, spec := range legs {
		for _, b := range in.Legs[spec.Side] {
			if k := b.Timestamp.UnixNano(); !seen[k] {
				seen[k] = true
				stamps = append(stamps, b.Timestamp)
			}
		}
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	cursors := make(map[models.OptionType]*cursor, len(legs))
	for _, spec := range legs {
		cursors[spec.Side] = &cursor{series: in.Legs[spec.Side]}
	}
	under := &cursor{series: in.Underlying}

	for _, ts := range stamps {
		s := Slice{Time: ts, Legs: make(map[models.OptionType]models.Bar, len(legs))}
		for _, spec := range legs {
			if b, ok := cursors[spec.Side].at(ts); ok {
				s.Legs[spec.Side] = b
			}
		}
		if b, ok := under.at(ts); ok {
			s.Signal = &b
		}
		if err := c.Step(s); err != nil {
			return err
		}
	}
	return nil
}

// cursor looks bars up by timestamp in an ascending series, for ascending
// queries.
type cursor struct {
	series models.BarSeries
	i      int
}

func (c *cursor) at(ts time.Time) (models.Bar, bool) {
	for c.i < len(c.series) && c.series[c.i].Timestamp.Before(ts) {
		c.i++
	}
	if c.i < len(c.series) && c.series[c.i].Timestamp.Equal(ts) {
		return c.series[c.i], true
	}
	return models.Bar{}, false
}
