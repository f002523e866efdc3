// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"optsim/internal/models"
	"optsim/internal/trading"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Bars
	SaveBars(ctx context.Context, key SeriesKey, bars models.BarSeries) error
	GetBars(ctx context.Context, filter BarFilter) (models.BarSeries, error)
	TradeDates(ctx context.Context, underlying string, from, to time.Time) ([]time.Time, error)

	// Session contracts
	SaveContracts(ctx context.Context, contracts *SessionContracts) error
	GetContracts(ctx context.Context, strategy string, date time.Time) (*SessionContracts, error)

	// Runs & trades
	SaveRun(ctx context.Context, run *RunRecord) error
	AddTrade(ctx context.Context, runID string, trade StoredTrade) error
	GetRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	GetTrades(ctx context.Context, filter TradeFilter) ([]StoredTrade, error)

	// Sync
	GetLastSync(dataType string) time.Time
	SetLastSync(dataType string, t time.Time) error

	Close() error
}

// SeriesKey identifies the instrument and bar width of a stored series.
type SeriesKey struct {
	Underlying     string
	SecurityID     string
	Symbol         string
	InstrumentType models.InstrumentType
	OptionType     models.OptionType
	Strike         float64
	Expiry         time.Time
	Interval       int
}

// SeriesKeyFor builds the key of a contract's bars at an interval.
func SeriesKeyFor(ref models.ContractRef, instrType models.InstrumentType, interval int) SeriesKey {
	key := SeriesKey{
		Underlying:     ref.Underlying,
		SecurityID:     ref.SecurityID,
		Symbol:         ref.Symbol,
		InstrumentType: instrType,
		OptionType:     ref.OptionType,
		Interval:       interval,
	}
	if ref.Strike != nil {
		key.Strike = *ref.Strike
	}
	if ref.Expiry != nil {
		key.Expiry = *ref.Expiry
	}
	return key
}

// BarFilter selects stored bars. SecurityID and Interval are required.
type BarFilter struct {
	SecurityID string
	Interval   int
	From       time.Time
	To         time.Time
}

// Leg names used in session_contracts besides the option sides.
const LegBasis = "BASIS"

// SessionContracts is the contract set resolved for one strategy and day.
type SessionContracts struct {
	Strategy string
	Date     time.Time
	ATM      float64
	Basis    models.ContractRef
	Legs     map[models.OptionType]models.ContractRef
}

// Run modes.
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
)

// RunRecord is one persisted session run. Trades are written with the run
// when present; GetRuns does not load them.
type RunRecord struct {
	ID         string
	Strategy   string
	Mode       string
	TradeDate  time.Time
	Outcome    trading.Outcome
	TotalPnL   float64
	TradeCount int
	Halted     bool
	HaltReason trading.ExitReason
	Error      string
	CreatedAt  time.Time
	Trades     []StoredTrade
}

// StoredTrade is a trade record with its run context.
type StoredTrade struct {
	RunID     string
	Strategy  string
	TradeDate time.Time
	FillID    string
	trading.TradeRecord
}

// RunFilter contains filter options for querying runs.
type RunFilter struct {
	Strategy  string
	Mode      string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// TradeFilter contains filter options for querying trades.
type TradeFilter struct {
	RunID     string
	Strategy  string
	Leg       models.OptionType
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}
