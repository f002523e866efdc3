package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optsim/pkg/utils"
)

func TestReadBarsCSV(t *testing.T) {
	in := `datetime,open,high,low,close,volume
2025-01-06 09:16,101,103,100,102,2500
2025-01-06 09:15:00,100,102,99,101,1500
`
	bars, err := ReadBarsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 555, utils.MinuteOfDay(bars[0].Timestamp))
	assert.Equal(t, 101.0, bars[0].Close)
	assert.True(t, bars[1].HasVolume)
	assert.Equal(t, int64(2500), bars[1].Volume)
}

func TestReadBarsCSVWithoutVolume(t *testing.T) {
	// 1736135100 is 2025-01-06 09:15 IST
	in := "datetime,open,high,low,close\n1736135100,100,102,99,101\n"
	bars, err := ReadBarsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.False(t, bars[0].HasVolume)
	assert.Equal(t, "09:15", bars[0].Timestamp.Format("15:04"))
}

func TestReadBarsCSVRejectsBadRows(t *testing.T) {
	_, err := ReadBarsCSV(strings.NewReader("datetime,open,high,low,close\nyesterday,1,1,1,1\n"))
	assert.Error(t, err)

	// high below low
	_, err = ReadBarsCSV(strings.NewReader("datetime,open,high,low,close\n2025-01-06 09:15,10,9,11,10\n"))
	assert.Error(t, err)
}
