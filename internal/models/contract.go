package models

import (
	"fmt"
	"time"
)

// ContractRef identifies the contract a leg trades for a session. It is
// resolved once at session setup and never changes afterwards.
type ContractRef struct {
	SecurityID string
	Underlying string
	Symbol     string
	Segment    string
	OptionType OptionType
	Strike     *float64
	Expiry     *time.Time
	LotSize    int
}

// String returns a compact description such as "NIFTY 25100 CE 2026-01-20".
func (c ContractRef) String() string {
	if c.OptionType == None || c.OptionType == "" {
		if c.Symbol != "" {
			return c.Symbol
		}
		return c.Underlying
	}
	s := c.Underlying
	if c.Strike != nil {
		s = fmt.Sprintf("%s %g", s, *c.Strike)
	}
	s += " " + string(c.OptionType)
	if c.Expiry != nil {
		s += " " + c.Expiry.Format("2006-01-02")
	}
	return s
}
