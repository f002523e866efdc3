package report

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	apperrors "optsim/internal/errors"
	"optsim/internal/trading"
)

const timeLayout = "2006-01-02 15:04"

// JournalRow is one exported trade.
type JournalRow struct {
	Date       string  `csv:"date"`
	Strategy   string  `csv:"strategy"`
	Seq        int     `csv:"seq"`
	Leg        string  `csv:"leg"`
	Direction  string  `csv:"direction"`
	EntryTime  string  `csv:"entry_time"`
	EntryPrice float64 `csv:"entry_price"`
	ExitTime   string  `csv:"exit_time"`
	ExitPrice  float64 `csv:"exit_price"`
	Size       int     `csv:"size"`
	Points     float64 `csv:"points"`
	CumPoints  float64 `csv:"cum_points"`
	Rupees     float64 `csv:"rupees"`
	Reason     string  `csv:"reason"`
}

// Journal flattens the trades of replayed days into journal rows.
func Journal(strategy string, days []trading.DayResult, lotSize int) []JournalRow {
	var rows []JournalRow
	for _, d := range days {
		if d.Result == nil {
			continue
		}
		date := d.Date.Format("2006-01-02")
		for _, t := range d.Result.Trades {
			rows = append(rows, JournalRow{
				Date:       date,
				Strategy:   strategy,
				Seq:        t.Seq,
				Leg:        string(t.Leg),
				Direction:  string(t.Direction),
				EntryTime:  t.EntryTime.Format(timeLayout),
				EntryPrice: t.EntryPrice,
				ExitTime:   t.ExitTime.Format(timeLayout),
				ExitPrice:  t.ExitPrice,
				Size:       t.Size,
				Points:     t.PnL,
				CumPoints:  t.CumPnL,
				Rupees:     t.PnL * float64(lotSize),
				Reason:     string(t.Reason),
			})
		}
	}
	return rows
}

// WriteJournal writes rows as CSV with a header line.
func WriteJournal(w io.Writer, rows []JournalRow) error {
	if rows == nil {
		rows = []JournalRow{}
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return apperrors.Wrap(err, "failed to write journal")
	}
	return nil
}

// WriteJournalFile writes the journal to path, creating its directory.
func WriteJournalFile(path string, rows []JournalRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Wrap(err, "failed to create journal directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrap(err, "failed to create journal")
	}
	defer f.Close()
	return WriteJournal(f, rows)
}

// ReadJournal parses a journal written by WriteJournal.
func ReadJournal(r io.Reader) ([]JournalRow, error) {
	var rows []JournalRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.Wrap(err, "failed to read journal")
	}
	return rows, nil
}
