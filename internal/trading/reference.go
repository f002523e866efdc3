package trading

import (
	"fmt"
	"math"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// Reference is the calibrated baseline of a leg. Single-level selectors set
// Top == Bottom. At is the timestamp of the last bar that contributed; bars
// at or before it never produce entries.
type Reference struct {
	Top     float64   `json:"top"`
	Bottom  float64   `json:"bottom"`
	At      time.Time `json:"at"`
	Dynamic bool      `json:"dynamic,omitempty"`
}

func single(level float64, at time.Time) Reference {
	return Reference{Top: level, Bottom: level, At: at}
}

// entryLevel is the level the signal close must clear.
func (r Reference) entryLevel(t Trigger, buffer float64) float64 {
	if t == TriggerBelow {
		return r.Bottom - buffer
	}
	return r.Top + buffer
}

// adverse reports a close back through the reference against the trigger.
func (r Reference) adverse(t Trigger, close float64) bool {
	return r.breaks(t, close, BreakFar)
}

// breaks reports a close back through the chosen line against the trigger.
func (r Reference) breaks(t Trigger, close float64, line BreakLine) bool {
	if line == BreakNear {
		if t == TriggerBelow {
			return close > r.Bottom
		}
		return close < r.Top
	}
	if t == TriggerBelow {
		return close > r.Top
	}
	return close < r.Bottom
}

// rearms reports a close back through the arming line. ENTRY_LEVEL rearms
// once the close is back on the near side of the buffered entry level.
func (r Reference) rearms(t Trigger, close, buffer float64, at ArmLevel) bool {
	if at == ArmAtEntryLevel {
		return t.sign()*(close-r.entryLevel(t, buffer)) < 0
	}
	return r.adverse(t, close)
}

// ReferenceWatcher resolves a static reference from bars fed one at a time.
// Batch calibration and live mode share it.
type ReferenceWatcher struct {
	spec     ReferenceSpec
	at       int
	from, to int
	count    int
	resolved bool
	failed   bool
	ref      Reference

	// window accumulation
	inWindow bool
	hi, lo   float64
	last     time.Time
}

// NewReferenceWatcher creates a watcher for a non-VWAP selector.
func NewReferenceWatcher(spec ReferenceSpec) (*ReferenceWatcher, error) {
	w := &ReferenceWatcher{spec: spec, at: -1, from: -1, to: -1, hi: math.Inf(-1), lo: math.Inf(1)}
	var err error
	switch spec.Kind {
	case RefAtTime, RefRangeBar:
		w.at, err = utils.ParseClock(spec.Time)
	case RefWindow:
		if w.from, err = utils.ParseClock(spec.From); err == nil {
			w.to, err = utils.ParseClock(spec.To)
		}
	case RefNthBar:
		if spec.N < 1 {
			err = fmt.Errorf("nth bar selector needs n >= 1")
		}
	default:
		err = fmt.Errorf("selector %s has no static reference", spec.Kind)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "reference selector")
	}
	return w, nil
}

// Observe feeds the next bar. It returns the reference once resolved, and
// ErrReferenceNotFound once the designated bar can no longer appear.
func (w *ReferenceWatcher) Observe(b models.Bar) (Reference, bool, error) {
	if w.resolved {
		return w.ref, true, nil
	}
	if w.failed {
		return Reference{}, false, w.notFound()
	}
	w.count++
	minute := utils.MinuteOfDay(b.Timestamp)

	switch w.spec.Kind {
	case RefNthBar:
		if w.count == w.spec.N {
			w.resolve(single(b.Close, b.Timestamp))
		}
	case RefAtTime:
		switch {
		case minute == w.at:
			w.resolve(single(b.Close, b.Timestamp))
		case minute > w.at:
			w.failed = true
		}
	case RefRangeBar:
		switch {
		case minute == w.at:
			w.resolve(Reference{Top: math.Max(b.Open, b.Close), Bottom: math.Min(b.Open, b.Close), At: b.Timestamp})
		case minute > w.at:
			w.failed = true
		}
	case RefWindow:
		if minute > w.to {
			if !w.inWindow {
				w.failed = true
				break
			}
			w.resolve(Reference{Top: w.hi, Bottom: w.lo, At: w.last})
			break
		}
		if minute >= w.from {
			w.inWindow = true
			w.hi = math.Max(w.hi, b.High)
			w.lo = math.Min(w.lo, b.Low)
			w.last = b.Timestamp
			if minute == w.to {
				w.resolve(Reference{Top: w.hi, Bottom: w.lo, At: w.last})
			}
		}
	}

	if w.failed {
		return Reference{}, false, w.notFound()
	}
	return w.ref, w.resolved, nil
}

// Finish is called at end of data. A window that saw bars but never saw
// its closing minute still resolves.
func (w *ReferenceWatcher) Finish() (Reference, error) {
	if w.resolved {
		return w.ref, nil
	}
	if w.spec.Kind == RefWindow && w.inWindow && !w.failed {
		w.resolve(Reference{Top: w.hi, Bottom: w.lo, At: w.last})
		return w.ref, nil
	}
	return Reference{}, w.notFound()
}

func (w *ReferenceWatcher) resolve(r Reference) {
	w.ref = r
	w.resolved = true
}

func (w *ReferenceWatcher) notFound() error {
	switch w.spec.Kind {
	case RefNthBar:
		return fmt.Errorf("%w: series has fewer than %d bars", apperrors.ErrReferenceNotFound, w.spec.N)
	case RefWindow:
		return fmt.Errorf("%w: no bars between %s and %s", apperrors.ErrReferenceNotFound, w.spec.From, w.spec.To)
	default:
		return fmt.Errorf("%w: no bar at %s", apperrors.ErrReferenceNotFound, w.spec.Time)
	}
}

// CalculateReference derives the reference of a whole series. A VWAP selector
// yields a dynamic reference that the coordinator updates bar by bar.
func CalculateReference(series models.BarSeries, spec ReferenceSpec) (Reference, error) {
	if spec.Kind == RefVWAP {
		return Reference{Dynamic: true}, nil
	}
	w, err := NewReferenceWatcher(spec)
	if err != nil {
		return Reference{}, err
	}
	for _, b := range series {
		ref, ok, err := w.Observe(b)
		if err != nil {
			return Reference{}, err
		}
		if ok {
			return ref, nil
		}
	}
	return w.Finish()
}
