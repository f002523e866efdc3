package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	apperrors "optsim/internal/errors"
)

// Bar is one OHLC(V) record. Volume is meaningful only when HasVolume is set;
// index series arrive without it.
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	HasVolume bool
}

// Average returns (open+high+low+close)/4.
func (b Bar) Average() float64 {
	return (b.Open + b.High + b.Low + b.Close) / 4
}

// Typical returns (high+low+close)/3.
func (b Bar) Typical() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// BarSeries is an ascending, deduplicated sequence of bars for one contract.
type BarSeries []Bar

// MalformedBarError describes the first offending bar of a series.
type MalformedBarError struct {
	Index  int
	Reason string
}

func (e *MalformedBarError) Error() string {
	return fmt.Sprintf("malformed bar at index %d: %s", e.Index, e.Reason)
}

func (e *MalformedBarError) Unwrap() error {
	return apperrors.ErrMalformedBar
}

// Validate checks ordering and price sanity of the series.
func (s BarSeries) Validate() error {
	for i, b := range s {
		for _, p := range [4]float64{b.Open, b.High, b.Low, b.Close} {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return &MalformedBarError{Index: i, Reason: "non-finite price"}
			}
		}
		if b.High < b.Low {
			return &MalformedBarError{Index: i, Reason: "high below low"}
		}
		if i > 0 && !b.Timestamp.After(s[i-1].Timestamp) {
			return &MalformedBarError{Index: i, Reason: "timestamp not strictly increasing"}
		}
	}
	return nil
}

// HasVolume reports whether every bar carries volume.
func (s BarSeries) HasVolume() bool {
	if len(s) == 0 {
		return false
	}
	for _, b := range s {
		if !b.HasVolume {
			return false
		}
	}
	return true
}

// Last returns the final bar of the series.
func (s BarSeries) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Sort orders the series by timestamp and drops later duplicates of the
// same minute.
func (s *BarSeries) Sort() {
	bars := *s
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, b)
	}
	*s = out
}

// Between returns the bars with from <= timestamp < to.
func (s BarSeries) Between(from, to time.Time) BarSeries {
	var out BarSeries
	for _, b := range s {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			out = append(out, b)
		}
	}
	return out
}
