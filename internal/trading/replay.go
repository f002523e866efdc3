package trading

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DayLoader supplies the series of one trading day.
type DayLoader interface {
	LoadDay(ctx context.Context, date time.Time) (SessionInput, error)
}

// DayLoaderFunc adapts a function to DayLoader.
type DayLoaderFunc func(ctx context.Context, date time.Time) (SessionInput, error)

// LoadDay calls f.
func (f DayLoaderFunc) LoadDay(ctx context.Context, date time.Time) (SessionInput, error) {
	return f(ctx, date)
}

// DayResult is the replay of one date. Err is the load or session error of
// that day; Result may still be set alongside it.
type DayResult struct {
	Date   time.Time
	Result *SessionResult
	Err    error
}

// Replay runs every date as an independent session, at most workers at a
// time. Results come back in the order of dates. Only cancellation of ctx
// aborts the range; per-day failures are reported in their DayResult.
func Replay(ctx context.Context, loader DayLoader, dates []time.Time, cfg StrategyConfig, workers int) ([]DayResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	results := make([]DayResult, len(dates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i].Date = date
			in, err := loader.LoadDay(gctx, date)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i].Err = err
				return nil
			}
			if in.Date.IsZero() {
				in.Date = date
			}
			results[i].Result, results[i].Err = RunSession(in, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
