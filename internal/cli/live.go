package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"optsim/internal/config"
	apperrors "optsim/internal/errors"
	"optsim/internal/logging"
	"optsim/internal/report"
	"optsim/internal/store"
	"optsim/internal/stream"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// strikeReady is when the strike bar of date has closed.
func strikeReady(strat trading.StrategyConfig, date time.Time) (time.Time, error) {
	m, err := utils.ParseClock(strat.Strike.Time)
	if err != nil {
		return time.Time{}, err
	}
	return utils.At(date, m+strat.Strike.Interval), nil
}

// waitUntil sleeps until t or ctx is done.
func waitUntil(ctx context.Context, now func() time.Time, t time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// liveContracts returns today's stored contracts, fetching them once the
// strike bar is available.
func (app *App) liveContracts(ctx context.Context, output *Output, strat trading.StrategyConfig, db store.DataStore, today time.Time) (*store.SessionContracts, error) {
	sc, err := db.GetContracts(ctx, strat.Name, today)
	if err == nil {
		return sc, nil
	}
	if !apperrors.Is(err, apperrors.ErrDataNotFound) {
		return nil, err
	}

	ready, err := strikeReady(strat, today)
	if err != nil {
		return nil, err
	}
	if ready.After(app.Now()) && !output.IsJSON() {
		output.Info("Waiting for the %s strike bar (%s)", strat.Strike.Time, FormatClock(ready))
	}
	if err := waitUntil(ctx, app.Now, ready); err != nil {
		return nil, err
	}

	source := app.Config.Data.Source
	if source == config.SourceStore {
		source = config.SourceDhan
	}
	b, err := app.NewBroker(source)
	if err != nil {
		return nil, err
	}
	master, err := loadMaster(ctx, b, app.Config, strat.Underlying)
	if err != nil {
		return nil, err
	}
	f := &fetcher{broker: b, master: master, store: db, strategy: strat, logger: logging.FromContext(ctx)}
	res := f.fetchDay(ctx, today)
	if res.Err != nil {
		return nil, res.Err
	}
	return db.GetContracts(ctx, strat.Name, today)
}

// printUpdates writes hub updates until the channel closes.
func printUpdates(output *Output, updates <-chan stream.Update) {
	for u := range updates {
		switch u.Topic {
		case stream.TopicEvent:
			e := u.Event
			line := fmt.Sprintf("%s  %-3s %-16s %8.2f", FormatClock(u.Time), e.Leg, e.Kind, e.Price)
			if e.Reason != "" {
				line += "  " + string(e.Reason)
			}
			output.Println(line)
		case stream.TopicTrade:
			t := u.Trade
			output.Printf("%s  %-3s closed %s  %s  (%s)\n", FormatClock(u.Time), t.Leg,
				output.FormatPoints(t.PnL), t.Reason, TruncateString(u.FillID, 8))
		case stream.TopicStatus:
			if u.Halted {
				output.Println(output.Red(fmt.Sprintf("%s  trading halted at MTM %.2f", FormatClock(u.Time), u.MTM)))
			}
		}
	}
}

func newLiveCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Paper-trade a strategy on the live feed",
		Long: `Live resolves today's contracts once the strike bar has closed, subscribes
to their ticks and runs the strategy on one-minute bars built from them.
Fills are simulated and recorded in the local archive.`,
		Example: `  optsim live
  optsim live -s vwap-flip --feed zerodha --metrics :9108`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			logger := logging.WithOperation(logging.FromContext(cmd.Context()), "live")
			ctx := logging.WithLogger(cmd.Context(), logger)
			cfg := app.Config

			strat, err := app.strategy(cmd)
			if err != nil {
				return err
			}
			db, err := app.Store()
			if err != nil {
				return err
			}
			today := utils.SessionDate(app.Now())
			if !utils.IsWeekday(today) {
				output.Warning("%s is not a trading day", FormatDate(today))
				return nil
			}

			sc, err := app.liveContracts(ctx, output, strat, db, today)
			if err != nil {
				if isResolutionFailure(err) {
					return &ExitCodeError{Code: ExitResolutionFailed, Err: err}
				}
				return err
			}

			var stopAt time.Time
			if cfg.Live.StopAt != "" {
				m, err := utils.ParseClock(cfg.Live.StopAt)
				if err != nil {
					return err
				}
				stopAt = utils.At(today, m)
			}

			hub := stream.NewHub()
			hub.Start(ctx)
			runner, err := stream.NewRunner(stream.RunnerConfig{
				Strategy:  strat,
				Contracts: sc,
				Grace:     cfg.Live.Grace,
				StopAt:    stopAt,
				Now:       app.Now,
				Store:     db,
				Metrics:   app.Metrics,
				Hub:       hub,
				Logger:    logger,
			})
			if err != nil {
				hub.Stop()
				return err
			}

			if cfg.Live.WarmStart {
				in, err := store.NewSessionLoader(db, strat).LoadDay(ctx, today)
				if err == nil {
					err = runner.WarmStart(in)
				}
				if err != nil {
					logger.Warn().Err(err).Msg("warm start skipped")
				}
			}

			feed, _ := cmd.Flags().GetString("feed")
			if feed == "" {
				feed = cfg.Live.Feed
			}
			ticker, err := app.NewTicker(feed)
			if err != nil {
				hub.Stop()
				return err
			}

			if !output.IsJSON() {
				output.Bold("%s  %s  ATM %.0f", strat.Name, FormatDate(today), sc.ATM)
				for _, spec := range strat.Legs {
					output.Printf("  %s  %s\n", spec.Side, FormatContract(sc.Legs[spec.Side]))
				}
				if !stopAt.IsZero() {
					output.Dim("Session ends at %s", FormatClock(stopAt))
				}
			}

			printed := make(chan struct{})
			updates := hub.Subscribe(stream.TopicAll)
			go func() {
				defer close(printed)
				if output.IsJSON() {
					for range updates {
					}
					return
				}
				printUpdates(output, updates)
			}()

			metricsCtx, stopMetrics := context.WithCancel(ctx)
			g, gctx := errgroup.WithContext(metricsCtx)
			addr, _ := cmd.Flags().GetString("metrics")
			if addr == "" {
				addr = cfg.Live.MetricsAddr
			}
			if addr != "" {
				g.Go(func() error {
					return app.Metrics.Serve(gctx, addr, logger)
				})
			}

			res, runErr := runner.Run(ctx, ticker)
			stopMetrics()
			if err := g.Wait(); err != nil && !apperrors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
			hub.Stop()
			<-printed

			if res == nil {
				return runErr
			}
			day := trading.DayResult{Date: today, Result: res, Err: runErr}
			if output.IsJSON() {
				if err := output.JSON(map[string]interface{}{
					"run_id":  runner.RunID(),
					"outcome": res.Outcome,
					"pnl":     res.TotalPnL(),
					"trades":  res.Trades,
				}); err != nil {
					return err
				}
			} else {
				output.Println()
				_, msg := dayVerdict(day)
				output.Printf("%s  %s\n", FormatDate(today), msg)
				report.PrintTrades(output.Writer(), res.Trades)
				report.PrintSummary(output.Writer(), "Session", report.SummarizeTrades(res.Trades, cfg.LotSize(strat)))
			}
			if code, msg := dayVerdict(day); code != ExitOK {
				return &ExitCodeError{Code: code, Err: dayError(day, msg)}
			}
			return nil
		},
	}
	addStrategyFlags(cmd)
	cmd.Flags().String("feed", "", "tick feed: dhan or zerodha (default from config)")
	cmd.Flags().String("metrics", "", "serve Prometheus metrics on this address")
	return cmd
}
