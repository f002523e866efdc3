package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optsim/internal/models"
)

func TestAggregatorBuildsMinuteBars(t *testing.T) {
	a := NewAggregator()

	for i, p := range []float64{100, 103, 98, 101} {
		_, done := a.Add(models.Tick{SecurityID: "1", LTP: p, Volume: int64(1000 + i*10), Timestamp: at(9, 15, i*10)})
		assert.False(t, done)
	}

	cb, done := a.Add(models.Tick{SecurityID: "1", LTP: 102, Volume: 1050, Timestamp: at(9, 16, 1)})
	require.True(t, done)
	assert.Equal(t, "1", cb.SecurityID)
	assert.True(t, cb.Bar.Timestamp.Equal(at(9, 15, 0)))
	assert.Equal(t, 100.0, cb.Bar.Open)
	assert.Equal(t, 103.0, cb.Bar.High)
	assert.Equal(t, 98.0, cb.Bar.Low)
	assert.Equal(t, 101.0, cb.Bar.Close)
	assert.True(t, cb.Bar.HasVolume)
	assert.Equal(t, int64(30), cb.Bar.Volume)
}

func TestAggregatorDropsLateTicks(t *testing.T) {
	a := NewAggregator()
	a.Add(models.Tick{SecurityID: "1", LTP: 100, Timestamp: at(9, 15, 5)})
	a.Add(models.Tick{SecurityID: "1", LTP: 101, Timestamp: at(9, 16, 5)})

	_, done := a.Add(models.Tick{SecurityID: "1", LTP: 999, Timestamp: at(9, 15, 55)})
	assert.False(t, done)
	assert.Equal(t, 1, a.Dropped())

	out := a.Flush(at(9, 17, 0))
	require.Len(t, out, 1)
	assert.Equal(t, 101.0, out[0].Bar.High)
}

func TestAggregatorFlushOrder(t *testing.T) {
	a := NewAggregator()
	a.Add(models.Tick{SecurityID: "b", LTP: 2, Timestamp: at(9, 15, 30)})
	a.Add(models.Tick{SecurityID: "a", LTP: 1, Timestamp: at(9, 15, 40)})

	assert.Empty(t, a.Flush(at(9, 15, 59)))

	out := a.Flush(at(9, 16, 0))
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].SecurityID)
	assert.Equal(t, "b", out[1].SecurityID)
	assert.Empty(t, a.Flush(at(9, 20, 0)))
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		at      time.Time
		minutes int
		want    time.Time
	}{
		{at(9, 15, 0), 5, at(9, 15, 0)},
		{at(9, 19, 0), 5, at(9, 15, 0)},
		{at(9, 20, 0), 5, at(9, 20, 0)},
		{at(9, 44, 0), 15, at(9, 30, 0)},
		{at(9, 10, 0), 15, at(9, 0, 0)},
		{at(10, 14, 0), 60, at(9, 15, 0)},
	}
	for _, tt := range tests {
		got := bucketStart(tt.at, tt.minutes)
		assert.True(t, got.Equal(tt.want), "bucketStart(%s, %d) = %s", tt.at.Format("15:04"), tt.minutes, got.Format("15:04"))
	}
}

func TestResampler(t *testing.T) {
	minute := func(mm int, o, h, l, c float64) models.Bar {
		return models.Bar{Timestamp: at(9, mm, 0), Open: o, High: h, Low: l, Close: c, Volume: 10, HasVolume: true}
	}

	r := newResampler(5)
	assert.Empty(t, r.add(minute(15, 10, 12, 9, 11)))
	assert.Empty(t, r.add(minute(16, 11, 15, 10, 14)))
	assert.Empty(t, r.add(minute(18, 14, 14, 8, 9)))
	out := r.add(minute(19, 9, 10, 9, 10))
	require.Len(t, out, 1)
	b := out[0]
	assert.True(t, b.Timestamp.Equal(at(9, 15, 0)))
	assert.Equal(t, 10.0, b.Open)
	assert.Equal(t, 15.0, b.High)
	assert.Equal(t, 8.0, b.Low)
	assert.Equal(t, 10.0, b.Close)
	assert.Equal(t, int64(40), b.Volume)

	// a gap closes the open bucket
	assert.Empty(t, r.add(minute(20, 10, 11, 10, 11)))
	out = r.add(minute(26, 11, 11, 11, 11))
	require.Len(t, out, 1)
	assert.True(t, out[0].Timestamp.Equal(at(9, 20, 0)))

	r.skipThrough(at(9, 25, 0))
	assert.Empty(t, r.add(minute(29, 1, 1, 1, 1)))
	assert.Len(t, r.add(minute(34, 1, 1, 1, 1)), 1)
}

func TestResamplerPassThrough(t *testing.T) {
	r := newResampler(1)
	b := models.Bar{Timestamp: at(9, 15, 0), Close: 1}
	assert.Len(t, r.add(b), 1)
	r.skipThrough(at(9, 15, 0))
	assert.Empty(t, r.add(b))
}
