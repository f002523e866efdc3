package instruments

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// indexIDs are the Dhan security ids of the cash indices.
var indexIDs = map[string]string{
	"NIFTY":     "13",
	"BANKNIFTY": "25",
}

// ResolveATMStrike rounds price to the nearest multiple of step. Ties go to
// the even multiple.
func ResolveATMStrike(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.RoundToEven(price/step) * step
}

// IndexContract returns the cash index reference of an underlying.
func IndexContract(underlying string) (models.ContractRef, error) {
	name := strings.ToUpper(underlying)
	id, ok := indexIDs[name]
	if !ok {
		return models.ContractRef{}, fmt.Errorf("%w: no index for %s", apperrors.ErrNoContractFound, underlying)
	}
	return models.ContractRef{
		SecurityID: id,
		Underlying: name,
		Symbol:     name,
		Segment:    "IDX_I",
		OptionType: models.None,
	}, nil
}

// sameOrAfter compares calendar days in IST.
func sameOrAfter(expiry, date time.Time) bool {
	return !utils.SessionDate(expiry).Before(utils.SessionDate(date))
}

// ResolveContract picks the nearest-expiry option with the given strike and
// type that expires on or after notBefore.
func (m *Master) ResolveContract(underlying string, strike float64, ot models.OptionType, notBefore time.Time) (models.ContractRef, error) {
	for _, inst := range m.byUnderlying[strings.ToUpper(underlying)] {
		if inst.OptionType != ot || inst.Expiry.IsZero() || !sameOrAfter(inst.Expiry, notBefore) {
			continue
		}
		if math.Abs(inst.Strike-strike) > 1e-6 {
			continue
		}
		return contractRef(inst), nil
	}
	return models.ContractRef{}, fmt.Errorf("%w: %s %g %s expiring on or after %s",
		apperrors.ErrNoContractFound, underlying, strike, ot, notBefore.Format("2006-01-02"))
}

// FuturesContract picks the nearest future of an underlying expiring on or
// after notBefore.
func (m *Master) FuturesContract(underlying string, notBefore time.Time) (models.ContractRef, error) {
	for _, inst := range m.byUnderlying[strings.ToUpper(underlying)] {
		if inst.InstrType != models.InstrumentFutIdx && inst.InstrType != models.InstrumentFutCom {
			continue
		}
		if inst.Expiry.IsZero() || !sameOrAfter(inst.Expiry, notBefore) {
			continue
		}
		return contractRef(inst), nil
	}
	return models.ContractRef{}, fmt.Errorf("%w: %s future expiring on or after %s",
		apperrors.ErrNoContractFound, underlying, notBefore.Format("2006-01-02"))
}

func contractRef(inst models.Instrument) models.ContractRef {
	ref := models.ContractRef{
		SecurityID: inst.SecurityID,
		Underlying: inst.Underlying,
		Symbol:     inst.Symbol,
		Segment:    inst.Segment,
		OptionType: inst.OptionType,
		LotSize:    inst.LotSize,
	}
	if ref.OptionType == "" {
		ref.OptionType = models.None
	}
	if inst.OptionType == models.CE || inst.OptionType == models.PE {
		strike := inst.Strike
		ref.Strike = &strike
	}
	if !inst.Expiry.IsZero() {
		expiry := inst.Expiry
		ref.Expiry = &expiry
	}
	return ref
}

// BasisContract returns the series whose close sets the strike: the cash
// index or the nearest future.
func (m *Master) BasisContract(cfg trading.StrategyConfig, date time.Time) (models.ContractRef, error) {
	cfg = cfg.WithDefaults()
	if cfg.Strike.Basis == trading.BasisFuture {
		return m.FuturesContract(cfg.Underlying, date)
	}
	return IndexContract(cfg.Underlying)
}

// LegContracts resolves the contract of every configured leg from the
// basis price: ATM plus the side's strike offset, nearest expiry.
func (m *Master) LegContracts(cfg trading.StrategyConfig, date time.Time, basisPrice float64) (map[models.OptionType]models.ContractRef, float64, error) {
	cfg = cfg.WithDefaults()
	atm := ResolveATMStrike(basisPrice, cfg.StrikeStep)
	out := make(map[models.OptionType]models.ContractRef, len(cfg.Legs))
	for _, leg := range cfg.Legs {
		strike := atm + cfg.CEStrikeOffset
		if leg.Side == models.PE {
			strike = atm + cfg.PEStrikeOffset
		}
		ref, err := m.ResolveContract(cfg.Underlying, strike, leg.Side, date)
		if err != nil {
			return nil, atm, err
		}
		out[leg.Side] = ref
	}
	return out, atm, nil
}

// BasisPrice reads the close of the bar stamped at the strike time.
func BasisPrice(cfg trading.StrategyConfig, basis models.BarSeries) (float64, error) {
	cfg = cfg.WithDefaults()
	minute, err := utils.ParseClock(cfg.Strike.Time)
	if err != nil {
		return 0, apperrors.NewValidationError("strike.time", cfg.Strike.Time, err.Error())
	}
	for _, b := range basis {
		if utils.MinuteOfDay(b.Timestamp) == minute {
			return b.Close, nil
		}
	}
	return 0, apperrors.NewDataError("bars", cfg.Underlying,
		fmt.Sprintf("no %s bar to set the strike", cfg.Strike.Time), apperrors.ErrReferenceNotFound)
}

// ContractInstrument turns a resolved contract back into the instrument a
// provider request needs.
func ContractInstrument(ref models.ContractRef) models.Instrument {
	inst := models.Instrument{
		SecurityID: ref.SecurityID,
		Symbol:     ref.Symbol,
		Underlying: ref.Underlying,
		Segment:    ref.Segment,
		LotSize:    ref.LotSize,
		OptionType: ref.OptionType,
		Exchange:   models.NFO,
	}
	if token, err := strconv.ParseUint(ref.SecurityID, 10, 32); err == nil {
		inst.Token = uint32(token)
	}
	if ref.Strike != nil {
		inst.Strike = *ref.Strike
	}
	if ref.Expiry != nil {
		inst.Expiry = *ref.Expiry
	}
	mcx := ref.Segment == "MCX_COMM"
	if mcx {
		inst.Exchange = models.MCX
	}
	switch {
	case ref.Segment == "IDX_I":
		inst.InstrType = models.InstrumentIndex
		inst.Exchange = models.NSE
	case ref.OptionType == models.CE || ref.OptionType == models.PE:
		inst.InstrType = models.InstrumentOptIdx
		if mcx {
			inst.InstrType = models.InstrumentOptFut
		}
	default:
		inst.InstrType = models.InstrumentFutIdx
		if mcx {
			inst.InstrType = models.InstrumentFutCom
		}
	}
	return inst
}
