package cli

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"optsim/internal/broker"
	"optsim/internal/config"
	apperrors "optsim/internal/errors"
	"optsim/internal/instruments"
	"optsim/internal/logging"
	"optsim/internal/models"
	"optsim/internal/store"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// fetcher downloads and archives the bars one strategy needs per day.
type fetcher struct {
	broker   broker.Broker
	master   *instruments.Master
	store    store.DataStore
	strategy trading.StrategyConfig
	logger   zerolog.Logger
}

// dayFetch is the outcome of fetching one date.
type dayFetch struct {
	Date      time.Time                                `json:"date"`
	ATM       float64                                  `json:"atm,omitempty"`
	Contracts map[models.OptionType]models.ContractRef `json:"contracts,omitempty"`
	Bars      int                                      `json:"bars"`
	Err       error                                    `json:"-"`
	Error     string                                   `json:"error,omitempty"`
}

func sessionWindow(cfg trading.StrategyConfig, date time.Time) (time.Time, time.Time) {
	from := utils.At(date, 9*60)
	to := utils.At(date, 15*60+30)
	if exchangeFor(cfg.Underlying) == models.MCX {
		to = utils.At(date, 23*60+30)
	}
	return from, to
}

func exchangeFor(underlying string) models.Exchange {
	if underlying == "CRUDEOIL" {
		return models.MCX
	}
	return models.NFO
}

func instrumentType(ref models.ContractRef) models.InstrumentType {
	mcx := exchangeFor(ref.Underlying) == models.MCX
	switch {
	case ref.OptionType != models.None && ref.OptionType != "":
		if mcx {
			return models.InstrumentOptFut
		}
		return models.InstrumentOptIdx
	case ref.Expiry != nil:
		if mcx {
			return models.InstrumentFutCom
		}
		return models.InstrumentFutIdx
	}
	return models.InstrumentIndex
}

func (f *fetcher) bars(ctx context.Context, ref models.ContractRef, date time.Time, interval int) (models.BarSeries, error) {
	from, to := sessionWindow(f.strategy, date)
	bars, err := f.broker.GetHistorical(ctx, broker.HistoricalRequest{
		Instrument:      instruments.ContractInstrument(ref),
		From:            from,
		To:              to,
		IntervalMinutes: interval,
	})
	if err != nil {
		return nil, apperrors.NewDataError("bars", ref.SecurityID, "failed to fetch bars", err)
	}
	bars.Sort()
	if err := f.store.SaveBars(ctx, store.SeriesKeyFor(ref, instrumentType(ref), interval), bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// fetchDay archives the basis series, resolves the day's contracts from the
// strike bar and archives every leg series.
func (f *fetcher) fetchDay(ctx context.Context, date time.Time) dayFetch {
	out := dayFetch{Date: date}
	cfg := f.strategy
	logger := logging.WithSession(f.logger, date.Format("2006-01-02"), cfg.Name)

	basis, err := f.master.BasisContract(cfg, date)
	if err != nil {
		out.Err = err
		return out
	}
	setup, err := f.bars(ctx, basis, date, cfg.Strike.Interval)
	if err != nil {
		out.Err = err
		return out
	}
	out.Bars += len(setup)
	if cfg.Interval != cfg.Strike.Interval {
		under, err := f.bars(ctx, basis, date, cfg.Interval)
		if err != nil {
			out.Err = err
			return out
		}
		out.Bars += len(under)
	}

	price, err := instruments.BasisPrice(cfg, setup)
	if err != nil {
		out.Err = err
		return out
	}
	legs, atm, err := f.master.LegContracts(cfg, date, price)
	out.ATM = atm
	if err != nil {
		out.Err = err
		return out
	}
	out.Contracts = legs

	for side, ref := range legs {
		bars, err := f.bars(ctx, ref, date, cfg.Interval)
		if err != nil {
			out.Err = err
			return out
		}
		out.Bars += len(bars)
		logger.Debug().Str("leg", string(side)).Str("contract", ref.String()).Int("bars", len(bars)).Msg("Leg bars archived")
	}

	if err := f.store.SaveContracts(ctx, &store.SessionContracts{
		Strategy: cfg.Name,
		Date:     date,
		ATM:      atm,
		Basis:    basis,
		Legs:     legs,
	}); err != nil {
		out.Err = err
		return out
	}
	logger.Info().Float64("basis", price).Float64("atm", atm).Int("bars", out.Bars).Msg("Session fetched")
	return out
}

// loadMaster reads the cached Dhan master when present, otherwise asks the
// provider.
func loadMaster(ctx context.Context, b broker.Broker, cfg *config.Config, underlying string) (*instruments.Master, error) {
	if cfg.Data.MasterPath != "" && b.Name() == broker.ProviderDhan {
		if _, err := os.Stat(cfg.Data.MasterPath); err == nil {
			return instruments.LoadDhanFile(cfg.Data.MasterPath)
		}
	}
	list, err := b.GetInstruments(ctx, exchangeFor(underlying))
	if err != nil {
		return nil, err
	}
	return instruments.NewMaster(list), nil
}

// fetchRange fetches dates with bounded parallelism, in date order.
func (f *fetcher) fetchRange(ctx context.Context, dates []time.Time, workers int, progress func(dayFetch)) ([]dayFetch, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]dayFetch, len(dates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := f.fetchDay(gctx, date)
			if res.Err != nil {
				res.Error = res.Err.Error()
				if gctx.Err() != nil {
					return gctx.Err()
				}
			}
			results[i] = res
			if progress != nil {
				mu.Lock()
				progress(res)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func parseRange(cmd *cobra.Command, now time.Time) (time.Time, time.Time, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	dateStr, _ := cmd.Flags().GetString("date")

	today := utils.SessionDate(now)
	if dateStr != "" {
		d, err := utils.ParseDate(dateStr)
		return d, d, err
	}
	from, to := today, today
	var err error
	if fromStr != "" {
		if from, err = utils.ParseDate(fromStr); err != nil {
			return from, to, err
		}
	}
	if toStr != "" {
		if to, err = utils.ParseDate(toStr); err != nil {
			return from, to, err
		}
	} else if fromStr != "" {
		to = today
	}
	if to.Before(from) {
		return from, to, apperrors.NewValidationError("to", toStr, "must not be before --from")
	}
	return from, to, nil
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("date", "", "single session date (YYYY-MM-DD)")
	cmd.Flags().String("from", "", "first date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "last date (YYYY-MM-DD, default today)")
}

func newFetchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download and archive the bars a strategy needs",
		Long: `Fetch resolves each day's contracts from the strike bar of the basis series
and stores the basis and leg bars in the local archive.`,
		Example: `  optsim fetch --date 2025-01-06
  optsim fetch --from 2025-01-01 --to 2025-01-31 -s range-selling`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			strat, err := app.strategy(cmd)
			if err != nil {
				return err
			}
			from, to, err := parseRange(cmd, app.Now())
			if err != nil {
				return err
			}
			source, _ := cmd.Flags().GetString("source")
			if source == "" {
				source = app.Config.Data.Source
			}
			if source == config.SourceStore {
				source = config.SourceDhan
			}
			b, err := app.NewBroker(source)
			if err != nil {
				return err
			}
			db, err := app.Store()
			if err != nil {
				return err
			}
			master, err := loadMaster(ctx, b, app.Config, strat.Underlying)
			if err != nil {
				return err
			}

			dates := utils.TradingDays(from, to)
			logger := logging.WithOperation(logging.FromContext(ctx), "fetch")
			f := &fetcher{broker: b, master: master, store: db, strategy: strat, logger: logger}
			if !output.IsJSON() {
				output.Info("Fetching %d sessions of %s from %s", len(dates), strat.Name, b.Name())
			}
			started := time.Now()
			results, err := f.fetchRange(ctx, dates, app.Config.Data.Workers, func(d dayFetch) {
				if output.IsJSON() {
					return
				}
				if d.Err != nil {
					output.Printf("  %s  %s\n", FormatDate(d.Date), output.Red(d.Err.Error()))
					return
				}
				output.Printf("  %s  ATM %.0f  %d bars\n", FormatDate(d.Date), d.ATM, d.Bars)
			})
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			if failed < len(results) {
				_ = db.SetLastSync(store.SyncKey(strat.Name), app.Now())
			}

			if output.IsJSON() {
				return output.JSON(results)
			}
			output.Success("✓ %d of %d sessions fetched in %s", len(results)-failed, len(results), FormatDuration(time.Since(started)))
			if failed == len(results) && failed > 0 {
				return &ExitCodeError{Code: ExitResolutionFailed, Err: results[0].Err}
			}
			return nil
		},
	}
	addRangeFlags(cmd)
	addStrategyFlags(cmd)
	cmd.Flags().String("source", "", "data source: dhan or zerodha (default from config)")
	return cmd
}
