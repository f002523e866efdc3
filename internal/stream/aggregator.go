package stream

import (
	"sort"
	"sync"
	"time"

	"optsim/internal/models"
	"optsim/pkg/utils"
)

// SessionAnchor is the minute of day intraday buckets are aligned to.
const SessionAnchor = 9*60 + 15

// CompletedBar is a finished bar of one security.
type CompletedBar struct {
	SecurityID string
	Bar        models.Bar
}

type partialBar struct {
	bar     models.Bar
	lastCum int64
}

// Aggregator builds one-minute bars from ticks, per security id.
//
// A bar completes when a tick for a later minute arrives or when Flush is
// called past its minute. Ticks for a minute that already completed are
// dropped.
type Aggregator struct {
	mu       sync.Mutex
	building map[string]*partialBar
	done     map[string]time.Time
	cum      map[string]int64
	dropped  int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		building: make(map[string]*partialBar),
		done:     make(map[string]time.Time),
		cum:      make(map[string]int64),
	}
}

// Add applies a tick and returns the bar it completed, if any.
func (a *Aggregator) Add(t models.Tick) (CompletedBar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	minute := t.Timestamp.In(utils.IndiaLocation).Truncate(time.Minute)
	if last, ok := a.done[t.SecurityID]; ok && !minute.After(last) {
		a.dropped++
		return CompletedBar{}, false
	}

	var out CompletedBar
	completed := false
	p := a.building[t.SecurityID]
	switch {
	case p != nil && minute.After(p.bar.Timestamp):
		out = a.complete(t.SecurityID, p)
		completed = true
		p = nil
	case p != nil && minute.Before(p.bar.Timestamp):
		a.dropped++
		return CompletedBar{}, false
	}

	if p == nil {
		p = &partialBar{bar: models.Bar{
			Timestamp: minute,
			Open:      t.LTP,
			High:      t.LTP,
			Low:       t.LTP,
			Close:     t.LTP,
		}}
		a.building[t.SecurityID] = p
	} else {
		if t.LTP > p.bar.High {
			p.bar.High = t.LTP
		}
		if t.LTP < p.bar.Low {
			p.bar.Low = t.LTP
		}
		p.bar.Close = t.LTP
	}

	// Feed volume is cumulative for the day.
	if t.Volume > 0 {
		if prev := a.cum[t.SecurityID]; prev > 0 && t.Volume > prev {
			p.bar.Volume += t.Volume - prev
		}
		a.cum[t.SecurityID] = t.Volume
		p.bar.HasVolume = true
	}
	return out, completed
}

func (a *Aggregator) complete(id string, p *partialBar) CompletedBar {
	delete(a.building, id)
	a.done[id] = p.bar.Timestamp
	return CompletedBar{SecurityID: id, Bar: p.bar}
}

// Flush completes every bar whose minute ended at or before now, in time
// then security id order.
func (a *Aggregator) Flush(now time.Time) []CompletedBar {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []CompletedBar
	for id, p := range a.building {
		if !p.bar.Timestamp.Add(time.Minute).After(now) {
			out = append(out, a.complete(id, p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bar.Timestamp.Equal(out[j].Bar.Timestamp) {
			return out[i].Bar.Timestamp.Before(out[j].Bar.Timestamp)
		}
		return out[i].SecurityID < out[j].SecurityID
	})
	return out
}

// Dropped returns the number of late ticks discarded.
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// bucketStart aligns t down to an interval bucket anchored at SessionAnchor.
func bucketStart(t time.Time, minutes int) time.Time {
	m := utils.MinuteOfDay(t)
	off := m - SessionAnchor
	start := SessionAnchor + floorDiv(off, minutes)*minutes
	return utils.At(t, start)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// resampler merges ascending one-minute bars into wider bars. A wide bar is
// emitted when its last minute arrives or a bar of a later bucket does.
type resampler struct {
	minutes int
	cur     *models.Bar
	after   time.Time
}

func newResampler(minutes int) *resampler {
	if minutes < 1 {
		minutes = 1
	}
	return &resampler{minutes: minutes}
}

// skipThrough ignores buckets starting at or before t.
func (r *resampler) skipThrough(t time.Time) {
	r.after = t
	r.cur = nil
}

func (r *resampler) add(b models.Bar) []models.Bar {
	if r.minutes == 1 {
		if !r.after.IsZero() && !b.Timestamp.After(r.after) {
			return nil
		}
		return []models.Bar{b}
	}
	start := bucketStart(b.Timestamp, r.minutes)
	if !r.after.IsZero() && !start.After(r.after) {
		return nil
	}

	var out []models.Bar
	if r.cur != nil && !r.cur.Timestamp.Equal(start) {
		out = append(out, *r.cur)
		r.cur = nil
	}
	if r.cur == nil {
		nb := b
		nb.Timestamp = start
		r.cur = &nb
	} else {
		if b.High > r.cur.High {
			r.cur.High = b.High
		}
		if b.Low < r.cur.Low {
			r.cur.Low = b.Low
		}
		r.cur.Close = b.Close
		r.cur.Volume += b.Volume
		r.cur.HasVolume = r.cur.HasVolume && b.HasVolume
	}
	if !b.Timestamp.Add(time.Minute).Before(start.Add(time.Duration(r.minutes) * time.Minute)) {
		out = append(out, *r.cur)
		r.cur = nil
	}
	return out
}
