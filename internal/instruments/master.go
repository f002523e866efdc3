// Package instruments loads broker instrument masters and resolves the
// contracts a session trades.
package instruments

import (
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

// dhanRow is one line of the Dhan detailed instrument master. Columns not
// listed here are ignored.
type dhanRow struct {
	ExchID           string    `csv:"EXCH_ID"`
	Segment          string    `csv:"SEGMENT"`
	SecurityID       string    `csv:"SECURITY_ID"`
	Instrument       string    `csv:"INSTRUMENT"`
	UnderlyingSymbol string    `csv:"UNDERLYING_SYMBOL"`
	SymbolName       string    `csv:"SYMBOL_NAME"`
	DisplayName      string    `csv:"DISPLAY_NAME"`
	LotSize          csvNumber `csv:"LOT_SIZE"`
	Expiry           csvDate   `csv:"SM_EXPIRY_DATE"`
	Strike           csvNumber `csv:"STRIKE_PRICE"`
	OptionType       string    `csv:"OPTION_TYPE"`
	TickSize         csvNumber `csv:"TICK_SIZE"`
}

// csvNumber tolerates blanks and the master's "-1"/"-0.01" placeholders.
type csvNumber struct{ v float64 }

func (n *csvNumber) UnmarshalCSV(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		v = 0
	}
	n.v = v
	return nil
}

type csvDate struct{ t time.Time }

var expiryLayouts = []string{"2006-01-02 15:04:05", "2006-01-02", "02-01-2006", "2006-01-02T15:04:05"}

func (d *csvDate) UnmarshalCSV(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, s, utils.IndiaLocation); err == nil {
			d.t = t
			return nil
		}
	}
	d.t = time.Time{}
	return nil
}

func (r dhanRow) instrument() models.Instrument {
	inst := models.Instrument{
		SecurityID: strings.TrimSpace(r.SecurityID),
		Symbol:     r.SymbolName,
		Name:       r.DisplayName,
		Underlying: strings.ToUpper(strings.TrimSpace(r.UnderlyingSymbol)),
		Segment:    dhanSegment(r.ExchID, r.Segment),
		LotSize:    int(math.Round(r.LotSize.v)),
		TickSize:   r.TickSize.v,
		Expiry:     r.Expiry.t,
		Strike:     r.Strike.v,
		OptionType: models.None,
		InstrType:  models.InstrumentType(strings.TrimSpace(r.Instrument)),
	}
	switch strings.TrimSpace(r.OptionType) {
	case "CE":
		inst.OptionType = models.CE
	case "PE":
		inst.OptionType = models.PE
	}
	switch inst.Segment {
	case "MCX_COMM":
		inst.Exchange = models.MCX
	case "NSE_FNO":
		inst.Exchange = models.NFO
	case "BSE_FNO", "BSE_EQ":
		inst.Exchange = models.BSE
	default:
		inst.Exchange = models.NSE
	}
	return inst
}

func dhanSegment(exchange, segment string) string {
	switch strings.TrimSpace(exchange) + "/" + strings.TrimSpace(segment) {
	case "NSE/I", "BSE/I":
		return "IDX_I"
	case "NSE/E":
		return "NSE_EQ"
	case "NSE/D":
		return "NSE_FNO"
	case "NSE/C":
		return "NSE_CURRENCY"
	case "BSE/E":
		return "BSE_EQ"
	case "BSE/D":
		return "BSE_FNO"
	case "MCX/M":
		return "MCX_COMM"
	}
	return strings.TrimSpace(exchange)
}

// ParseDhanCSV decodes a Dhan detailed instrument master. Repeated header
// rows are skipped.
func ParseDhanCSV(r io.Reader) ([]models.Instrument, error) {
	var rows []*dhanRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, apperrors.NewDataError("instruments", "dhan", "failed to parse master", err)
	}
	out := make([]models.Instrument, 0, len(rows))
	for _, row := range rows {
		if row.ExchID == "EXCH_ID" || strings.TrimSpace(row.SecurityID) == "" {
			continue
		}
		out = append(out, row.instrument())
	}
	return out, nil
}

// Master indexes instruments by underlying for contract resolution.
type Master struct {
	byUnderlying map[string][]models.Instrument
	bySecurityID map[string]models.Instrument
	count        int
}

// NewMaster indexes instruments. Later duplicates of a security id win.
func NewMaster(instruments []models.Instrument) *Master {
	m := &Master{
		byUnderlying: make(map[string][]models.Instrument),
		bySecurityID: make(map[string]models.Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		key := strings.ToUpper(inst.Underlying)
		m.byUnderlying[key] = append(m.byUnderlying[key], inst)
		m.bySecurityID[inst.SecurityID] = inst
	}
	for key := range m.byUnderlying {
		list := m.byUnderlying[key]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Expiry.Before(list[j].Expiry) })
	}
	m.count = len(instruments)
	return m
}

// LoadDhanCSV builds a Master from a Dhan instrument master.
func LoadDhanCSV(r io.Reader) (*Master, error) {
	instruments, err := ParseDhanCSV(r)
	if err != nil {
		return nil, err
	}
	return NewMaster(instruments), nil
}

// LoadDhanFile builds a Master from a Dhan master saved on disk.
func LoadDhanFile(path string) (*Master, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDhanCSV(f)
}

// Len returns the number of indexed instruments.
func (m *Master) Len() int {
	return m.count
}

// Instrument looks up a security id.
func (m *Master) Instrument(securityID string) (models.Instrument, bool) {
	inst, ok := m.bySecurityID[securityID]
	return inst, ok
}

// Expiries returns the distinct option expiries of an underlying in order.
func (m *Master) Expiries(underlying string) []time.Time {
	var out []time.Time
	for _, inst := range m.byUnderlying[strings.ToUpper(underlying)] {
		if inst.OptionType == models.None || inst.Expiry.IsZero() {
			continue
		}
		if n := len(out); n == 0 || !out[n-1].Equal(inst.Expiry) {
			out = append(out, inst.Expiry)
		}
	}
	return out
}
