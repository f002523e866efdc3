package store

import (
	"context"
	"fmt"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// SessionLoader assembles a trading day from stored contracts and bars.
// It implements trading.DayLoader.
type SessionLoader struct {
	store DataStore
	cfg   trading.StrategyConfig
}

// NewSessionLoader creates a loader for one strategy. Contracts are looked
// up under cfg.Name.
func NewSessionLoader(store DataStore, cfg trading.StrategyConfig) *SessionLoader {
	return &SessionLoader{store: store, cfg: cfg.WithDefaults()}
}

// LoadDay reads the contracts fetched for date and the bars of each one.
// The underlying series is the strike basis at the strategy interval; the
// setup series is the strike basis at the strike interval.
func (l *SessionLoader) LoadDay(ctx context.Context, date time.Time) (trading.SessionInput, error) {
	in := trading.SessionInput{Date: utils.SessionDate(date)}

	sc, err := l.store.GetContracts(ctx, l.cfg.Name, date)
	if err != nil {
		return in, err
	}
	from := in.Date
	to := in.Date.Add(24*time.Hour - time.Second)

	get := func(ref models.ContractRef, interval int) (models.BarSeries, error) {
		bars, err := l.store.GetBars(ctx, BarFilter{SecurityID: ref.SecurityID, Interval: interval, From: from, To: to})
		if err != nil {
			return nil, apperrors.NewDataError("bars", ref.SecurityID, "failed to load bars", err)
		}
		return bars, nil
	}

	if in.Underlying, err = get(sc.Basis, l.cfg.Interval); err != nil {
		return in, err
	}
	if l.cfg.Strike.Interval == l.cfg.Interval {
		in.Setup = in.Underlying
	} else if in.Setup, err = get(sc.Basis, l.cfg.Strike.Interval); err != nil {
		return in, err
	}

	in.Legs = make(map[models.OptionType]models.BarSeries, len(l.cfg.Legs))
	in.Contracts = make(map[models.OptionType]models.ContractRef, len(l.cfg.Legs))
	for _, spec := range l.cfg.Legs {
		ref, ok := sc.Legs[spec.Side]
		if !ok {
			return in, apperrors.NewDataError("contracts", l.cfg.Name,
				fmt.Sprintf("no %s contract stored for %s", spec.Side, formatDate(date)), apperrors.ErrDataNotFound)
		}
		bars, err := get(ref, l.cfg.Interval)
		if err != nil {
			return in, err
		}
		in.Legs[spec.Side] = bars
		in.Contracts[spec.Side] = ref
	}
	return in, nil
}

// SyncKey names the sync_status entry of a strategy's fetched bars.
func SyncKey(strategy string) string {
	return "bars:" + strategy
}
