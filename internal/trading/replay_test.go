package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/pkg/utils"
)

func TestReplayOrdersResultsByDate(t *testing.T) {
	cfg := singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefNthBar, N: 1}, TargetPoints: 10})
	days := []time.Time{
		testDay,
		testDay.AddDate(0, 0, 1),
		testDay.AddDate(0, 0, 2),
	}
	missing := days[1]

	loader := DayLoaderFunc(func(ctx context.Context, date time.Time) (SessionInput, error) {
		if date.Equal(missing) {
			return SessionInput{}, apperrors.ErrDataNotFound
		}
		start := utils.At(date, 9*60+15)
		mk := func(i int, o, h, l, c float64) models.Bar {
			return models.Bar{Timestamp: start.Add(time.Duration(i) * time.Minute), Open: o, High: h, Low: l, Close: c}
		}
		return SessionInput{Date: date, Legs: map[models.OptionType]models.BarSeries{
			models.CE: {
				mk(0, 100, 105, 99, 104),
				mk(1, 104, 110, 103, 108),
				mk(2, 108, 112, 107, 111),
			},
		}}, nil
	})

	results, err := Replay(context.Background(), loader, days, cfg, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if !r.Date.Equal(days[i]) {
			t.Errorf("result %d is for %v, want %v", i, r.Date, days[i])
		}
	}
	if !errors.Is(results[1].Err, apperrors.ErrDataNotFound) || results[1].Result != nil {
		t.Errorf("missing day: %+v", results[1])
	}
	for _, i := range []int{0, 2} {
		r := results[i]
		if r.Err != nil || r.Result.Outcome != OutcomeTraded || len(r.Result.Trades) != 1 {
			t.Errorf("day %d: err=%v result=%+v", i, r.Err, r.Result)
		}
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	cfg := singleLeg(StrategyConfig{Reference: ReferenceSpec{Kind: RefNthBar, N: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := DayLoaderFunc(func(ctx context.Context, date time.Time) (SessionInput, error) {
		return SessionInput{}, ctx.Err()
	})
	if _, err := Replay(ctx, loader, []time.Time{testDay}, cfg, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
