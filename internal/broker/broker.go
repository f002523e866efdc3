// Package broker provides the market-data providers the simulator reads
// from: historical bars, instrument masters and streaming ticks.
package broker

import (
	"context"
	"fmt"
	"time"

	"optsim/internal/models"
)

// Broker is a read-only market-data provider.
type Broker interface {
	// Name identifies the provider in logs, metrics and stored bars.
	Name() string

	// GetHistorical returns the bars of one instrument between From and To.
	GetHistorical(ctx context.Context, req HistoricalRequest) (models.BarSeries, error)

	// GetInstruments returns the provider's instrument master for an exchange.
	GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)
}

// Ticker defines the interface for real-time market data streaming.
type Ticker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(instruments []models.Instrument) error
	OnTick(handler func(models.Tick))
	OnError(handler func(error))
	OnConnect(handler func())
	OnDisconnect(handler func())
}

// HistoricalRequest represents a request for historical data.
type HistoricalRequest struct {
	Instrument      models.Instrument
	From            time.Time
	To              time.Time
	IntervalMinutes int
}

// Validate checks the request before it is sent.
func (r HistoricalRequest) Validate() error {
	if r.Instrument.SecurityID == "" && r.Instrument.Token == 0 {
		return fmt.Errorf("historical request needs a security id or token")
	}
	if !r.To.After(r.From) {
		return fmt.Errorf("historical request range is empty: %s..%s", r.From, r.To)
	}
	switch r.IntervalMinutes {
	case 1, 5, 15, 25, 60:
	default:
		return fmt.Errorf("unsupported interval %d minutes", r.IntervalMinutes)
	}
	return nil
}

// Provider names.
const (
	ProviderDhan    = "dhan"
	ProviderZerodha = "zerodha"
)
