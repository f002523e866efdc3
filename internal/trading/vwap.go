package trading

import (
	"time"

	"optsim/internal/models"
	"optsim/pkg/utils"
)

// SessionStartMinute is 09:15 IST, where the VWAP accumulator restarts.
const SessionStartMinute = 9*60 + 15

// VWAP is an incremental session VWAP. It restarts at the session boundary
// and ignores bars before it, so it can be fed bar by bar in live mode.
type VWAP struct {
	price     VWAPPrice
	startMin  int
	day       time.Time
	started   bool
	cumPV     float64
	cumVolume float64
	value     float64
}

// NewVWAP creates an accumulator that restarts at 09:15 IST.
func NewVWAP(price VWAPPrice) *VWAP {
	return &VWAP{price: price, startMin: SessionStartMinute}
}

// Update folds one bar in and returns the current value. ok is false until
// some volume has been accumulated in the current session.
func (v *VWAP) Update(b models.Bar) (value float64, ok bool) {
	day := utils.SessionDate(b.Timestamp)
	minute := utils.MinuteOfDay(b.Timestamp)

	if !day.Equal(v.day) {
		v.reset(day)
	}
	if minute < v.startMin {
		return 0, false
	}
	v.started = true

	if b.HasVolume && b.Volume > 0 {
		p := b.Close
		if v.price == VWAPTypical {
			p = b.Typical()
		}
		v.cumPV += p * float64(b.Volume)
		v.cumVolume += float64(b.Volume)
		v.value = v.cumPV / v.cumVolume
	}
	return v.Value()
}

// Value returns the last computed VWAP.
func (v *VWAP) Value() (float64, bool) {
	if !v.started || v.cumVolume == 0 {
		return 0, false
	}
	return v.value, true
}

func (v *VWAP) reset(day time.Time) {
	v.day = day
	v.started = false
	v.cumPV = 0
	v.cumVolume = 0
	v.value = 0
}
