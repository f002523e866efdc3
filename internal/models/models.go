// Package models provides domain models for the simulation engine.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// OptionType distinguishes calls, puts and non-option instruments.
type OptionType string

const (
	CE   OptionType = "CE"
	PE   OptionType = "PE"
	None OptionType = "NONE"
)

// Opposite returns the other side of an option pair.
func (o OptionType) Opposite() OptionType {
	switch o {
	case CE:
		return PE
	case PE:
		return CE
	default:
		return None
	}
}

// InstrumentType is the instrument class stored alongside archived bars.
type InstrumentType string

const (
	InstrumentIndex  InstrumentType = "INDEX"
	InstrumentFutIdx InstrumentType = "FUTIDX"
	InstrumentFutCom InstrumentType = "FUTCOM"
	InstrumentOptIdx InstrumentType = "OPTIDX"
	InstrumentOptFut InstrumentType = "OPTFUT"
)

// Tick represents a single last-traded-price update from a streaming feed.
type Tick struct {
	SecurityID string
	Segment    string
	LTP        float64
	Volume     int64
	Timestamp  time.Time
}

// Instrument represents a tradeable instrument from a broker master.
type Instrument struct {
	Token      uint32
	SecurityID string
	Symbol     string
	Name       string
	Underlying string
	Exchange   Exchange
	Segment    string
	LotSize    int
	TickSize   float64
	Expiry     time.Time
	Strike     float64
	OptionType OptionType
	InstrType  InstrumentType
}
