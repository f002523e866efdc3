package instruments

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := utils.ParseDate(s)
	require.NoError(t, err)
	return d
}

func loadMaster(t *testing.T) *Master {
	t.Helper()
	m, err := LoadDhanFile("testdata/dhan_master.csv")
	require.NoError(t, err)
	return m
}

func TestParseDhanCSV(t *testing.T) {
	m := loadMaster(t)
	assert.Equal(t, 11, m.Len(), "repeated header row must be skipped")

	index, ok := m.Instrument("13")
	require.True(t, ok)
	assert.Equal(t, "IDX_I", index.Segment)
	assert.Equal(t, models.InstrumentIndex, index.InstrType)
	assert.Equal(t, models.None, index.OptionType)
	assert.Zero(t, index.Strike)
	assert.True(t, index.Expiry.IsZero())

	opt, ok := m.Instrument("40000")
	require.True(t, ok)
	assert.Equal(t, models.NFO, opt.Exchange)
	assert.Equal(t, "NSE_FNO", opt.Segment)
	assert.Equal(t, models.CE, opt.OptionType)
	assert.Equal(t, 23500.0, opt.Strike)
	assert.Equal(t, 75, opt.LotSize)
	assert.Equal(t, "NIFTY", opt.Underlying)
	assert.True(t, opt.Expiry.Equal(time.Date(2025, 1, 9, 14, 30, 0, 0, utils.IndiaLocation)))

	crude, ok := m.Instrument("445100")
	require.True(t, ok)
	assert.Equal(t, models.MCX, crude.Exchange)
	assert.Equal(t, models.InstrumentOptFut, crude.InstrType)
}

func TestResolveContractNearestExpiry(t *testing.T) {
	m := loadMaster(t)
	tests := []struct {
		name string
		date string
		side models.OptionType
		want string
	}{
		{"week before expiry", "2025-01-06", models.CE, "40000"},
		{"expiry day still qualifies", "2025-01-09", models.PE, "40001"},
		{"rolls to next expiry", "2025-01-10", models.CE, "40100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := m.ResolveContract("nifty", 23500, tt.side, day(t, tt.date))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref.SecurityID)
			require.NotNil(t, ref.Strike)
			assert.Equal(t, 23500.0, *ref.Strike)
			require.NotNil(t, ref.Expiry)
		})
	}
}

func TestResolveContractNotFound(t *testing.T) {
	m := loadMaster(t)
	_, err := m.ResolveContract("NIFTY", 23550, models.CE, day(t, "2025-01-06"))
	assert.True(t, errors.Is(err, apperrors.ErrNoContractFound))

	_, err = m.ResolveContract("NIFTY", 23500, models.CE, day(t, "2025-02-01"))
	assert.True(t, errors.Is(err, apperrors.ErrNoContractFound))
}

func TestFuturesContract(t *testing.T) {
	m := loadMaster(t)
	ref, err := m.FuturesContract("NIFTY", day(t, "2025-01-06"))
	require.NoError(t, err)
	assert.Equal(t, "35001", ref.SecurityID)
	assert.Nil(t, ref.Strike)

	ref, err = m.FuturesContract("NIFTY", day(t, "2025-01-31"))
	require.NoError(t, err)
	assert.Equal(t, "35002", ref.SecurityID)

	ref, err = m.FuturesContract("CRUDEOIL", day(t, "2025-01-06"))
	require.NoError(t, err)
	assert.Equal(t, "445001", ref.SecurityID)
}

func TestResolveATMStrike(t *testing.T) {
	tests := []struct {
		price, step, want float64
	}{
		{23512.4, 50, 23500},
		{23537.6, 50, 23550},
		{23525, 50, 23500},
		{23575, 50, 23600},
		{51249.9, 100, 51200},
		{6312, 50, 6300},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveATMStrike(tt.price, tt.step), "price %v step %v", tt.price, tt.step)
	}
}

func TestIndexContract(t *testing.T) {
	ref, err := IndexContract("banknifty")
	require.NoError(t, err)
	assert.Equal(t, "25", ref.SecurityID)
	assert.Equal(t, "IDX_I", ref.Segment)

	_, err = IndexContract("CRUDEOIL")
	assert.True(t, errors.Is(err, apperrors.ErrNoContractFound))
}

func TestLegContractsAppliesOffsets(t *testing.T) {
	m := loadMaster(t)
	cfg, err := trading.Preset("range-selling")
	require.NoError(t, err)

	legs, atm, err := m.LegContracts(cfg, day(t, "2025-01-06"), 23512.4)
	require.NoError(t, err)
	assert.Equal(t, 23500.0, atm)
	assert.Equal(t, "40002", legs[models.CE].SecurityID)
	assert.Equal(t, "40003", legs[models.PE].SecurityID)

	basis, err := m.BasisContract(cfg, day(t, "2025-01-06"))
	require.NoError(t, err)
	assert.Equal(t, "13", basis.SecurityID)
}

func TestLegContractsResolutionFailure(t *testing.T) {
	m := loadMaster(t)
	cfg, err := trading.Preset("nifty-norentry")
	require.NoError(t, err)

	_, _, err = m.LegContracts(cfg, day(t, "2025-01-06"), 23612)
	assert.True(t, errors.Is(err, apperrors.ErrNoContractFound))
}

func TestBasisPrice(t *testing.T) {
	cfg, err := trading.Preset("banknifty-buying")
	require.NoError(t, err)
	d := day(t, "2025-01-06")
	series := models.BarSeries{
		{Timestamp: utils.At(d, 9*60+15), Close: 51000},
		{Timestamp: utils.At(d, 9*60+16), Close: 51180},
	}
	price, err := BasisPrice(cfg, series)
	require.NoError(t, err)
	assert.Equal(t, 51180.0, price)

	_, err = BasisPrice(cfg, series[:1])
	assert.True(t, errors.Is(err, apperrors.ErrReferenceNotFound))
}

func TestBasisPriceSkipsOpeningFutureBar(t *testing.T) {
	cfg, err := trading.Preset("vwap-flip")
	require.NoError(t, err)
	d := day(t, "2025-01-06")
	series := models.BarSeries{
		{Timestamp: utils.At(d, 9*60+15), Close: 23640},
		{Timestamp: utils.At(d, 9*60+16), Close: 23571},
	}
	price, err := BasisPrice(cfg, series)
	require.NoError(t, err)
	assert.Equal(t, 23571.0, price)
}

func TestContractInstrument(t *testing.T) {
	m := loadMaster(t)
	ref, err := m.ResolveContract("CRUDEOIL", 6300, models.CE, day(t, "2025-01-06"))
	require.NoError(t, err)
	inst := ContractInstrument(ref)
	assert.Equal(t, models.InstrumentOptFut, inst.InstrType)
	assert.Equal(t, models.MCX, inst.Exchange)
	assert.Equal(t, uint32(445100), inst.Token)

	index, _ := IndexContract("NIFTY")
	assert.Equal(t, models.InstrumentIndex, ContractInstrument(index).InstrType)
}
