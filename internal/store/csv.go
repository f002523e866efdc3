package store

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// barRow is one line of a bar CSV: datetime,open,high,low,close[,volume].
type barRow struct {
	Datetime barTime `csv:"datetime"`
	Open     float64 `csv:"open"`
	High     float64 `csv:"high"`
	Low      float64 `csv:"low"`
	Close    float64 `csv:"close"`
	Volume   string  `csv:"volume"`
}

type barTime struct{ t time.Time }

var barLayouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05", time.RFC3339}

// UnmarshalCSV accepts IST wall-clock layouts, RFC 3339 and epoch seconds.
func (b *barTime) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		b.t = time.Unix(secs, 0).In(utils.IndiaLocation)
		return nil
	}
	for _, layout := range barLayouts {
		if t, err := time.ParseInLocation(layout, s, utils.IndiaLocation); err == nil {
			b.t = t.In(utils.IndiaLocation)
			return nil
		}
	}
	return apperrors.NewValidationError("datetime", s, "unrecognised timestamp")
}

// ReadBarsCSV parses a bar CSV with a header line. Rows are returned sorted
// and validated; a blank or missing volume column marks the bars as having
// no volume.
func ReadBarsCSV(r io.Reader) (models.BarSeries, error) {
	var rows []barRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.NewDataError("bars", "csv", "failed to parse bars", err)
	}

	bars := make(models.BarSeries, 0, len(rows))
	for _, row := range rows {
		b := models.Bar{
			Timestamp: row.Datetime.t,
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
		}
		if v := strings.TrimSpace(row.Volume); v != "" {
			vol, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, apperrors.NewValidationError("volume", v, "not a number")
			}
			b.Volume = int64(vol)
			b.HasVolume = true
		}
		bars = append(bars, b)
	}
	bars.Sort()
	if err := bars.Validate(); err != nil {
		return nil, apperrors.NewDataError("bars", "csv", "invalid bars", err)
	}
	return bars, nil
}
