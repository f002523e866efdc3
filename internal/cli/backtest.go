package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"optsim/internal/logging"
	"optsim/internal/report"
	"optsim/internal/store"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// runRecord converts a replayed day to its persisted form.
func runRecord(strategy string, day trading.DayResult) *store.RunRecord {
	run := &store.RunRecord{
		Strategy:  strategy,
		Mode:      store.ModeBacktest,
		TradeDate: day.Date,
		Outcome:   trading.OutcomeFailed,
	}
	if day.Err != nil {
		run.Error = day.Err.Error()
	}
	if r := day.Result; r != nil {
		run.Outcome = r.Outcome
		run.TotalPnL = r.TotalPnL()
		run.TradeCount = len(r.Trades)
		run.Halted = r.Risk.TradingHalted
		run.HaltReason = r.Risk.HaltReason
		for _, t := range r.Trades {
			run.Trades = append(run.Trades, store.StoredTrade{TradeRecord: t})
		}
	}
	return run
}

type backtestDay struct {
	Date    string                `json:"date"`
	Outcome trading.Outcome       `json:"outcome"`
	PnL     float64               `json:"pnl"`
	Trades  []trading.TradeRecord `json:"trades"`
	Error   string                `json:"error,omitempty"`
	RunID   string                `json:"run_id,omitempty"`
}

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a strategy over archived sessions",
		Long: `Backtest replays each archived date as an independent session and prints a
per-day verdict followed by the range summary.

A single-day replay exits with 3 when the reference could not be calibrated
and with 4 when the day's contracts could not be resolved.`,
		Example: `  optsim backtest --date 2025-01-06
  optsim backtest --from 2024-10-01 --to 2024-12-31 -s banknifty-buying --chart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			logger := logging.WithOperation(logging.FromContext(ctx), "backtest")

			strat, err := app.strategy(cmd)
			if err != nil {
				return err
			}
			db, err := app.Store()
			if err != nil {
				return err
			}

			var dates []time.Time
			if d, _ := cmd.Flags().GetString("date"); d != "" {
				date, err := utils.ParseDate(d)
				if err != nil {
					return err
				}
				dates = []time.Time{date}
			} else {
				from, to, err := parseRange(cmd, app.Now())
				if err != nil {
					return err
				}
				if dates, err = db.TradeDates(ctx, strat.Underlying, from, to); err != nil {
					return err
				}
			}
			if len(dates) == 0 {
				output.Warning("No archived sessions for %s in range; run 'optsim fetch' first", strat.Underlying)
				return nil
			}

			workers, _ := cmd.Flags().GetInt("workers")
			if workers == 0 {
				workers = app.Config.Data.Workers
			}
			days, err := trading.Replay(ctx, store.NewSessionLoader(db, strat), dates, strat, workers)
			if err != nil {
				return err
			}

			noSave, _ := cmd.Flags().GetBool("no-save")
			out := make([]backtestDay, len(days))
			for i, day := range days {
				out[i] = backtestDay{Date: FormatDate(day.Date), Outcome: trading.OutcomeFailed}
				if day.Err != nil {
					out[i].Error = day.Err.Error()
					logger.Debug().Err(day.Err).Str("date", FormatDate(day.Date)).Msg("Session not replayed")
				}
				if day.Result != nil {
					out[i].Outcome = day.Result.Outcome
					out[i].PnL = day.Result.TotalPnL()
					out[i].Trades = day.Result.Trades
				}
				if noSave {
					continue
				}
				run := runRecord(strat.Name, day)
				if err := db.SaveRun(ctx, run); err != nil {
					return err
				}
				out[i].RunID = run.ID
			}

			lotSize := app.Config.LotSize(strat)
			summary := report.Summarize(days, lotSize)
			logger.Info().Str("strategy", strat.Name).Int("sessions", len(days)).
				Int("trades", summary.Trades).Float64("points", summary.TotalPoints).Msg("Backtest finished")

			if csv, _ := cmd.Flags().GetBool("csv"); csv {
				dir := app.Config.Report.CSVDir
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
				name := strat.Name + "_" + FormatDate(dates[0]) + "_" + FormatDate(dates[len(dates)-1]) + ".csv"
				path := filepath.Join(dir, name)
				if err := report.WriteJournalFile(path, report.Journal(strat.Name, days, lotSize)); err != nil {
					return err
				}
				if !output.IsJSON() {
					output.Dim("Journal written to %s", path)
				}
			}

			if output.IsJSON() {
				if err := output.JSON(map[string]interface{}{
					"strategy": strat.Name,
					"days":     out,
					"summary":  summary,
				}); err != nil {
					return err
				}
			} else {
				output.Bold("%s  %s", strat.Name, strat.Underlying)
				for _, day := range days {
					code, msg := dayVerdict(day)
					line := FormatDate(day.Date) + "  " + msg
					if day.Result != nil && len(day.Result.Trades) > 0 {
						line += "  " + output.FormatPoints(day.Result.TotalPnL())
					}
					switch code {
					case ExitOK:
						output.Println(" ", line)
					case ExitCalibrationFailed:
						output.Println(" ", output.Yellow(line))
					default:
						output.Println(" ", output.Red(line))
					}
					if verbose, _ := cmd.Flags().GetBool("trades"); verbose && day.Result != nil {
						report.PrintTrades(output.Writer(), day.Result.Trades)
					}
				}
				output.Println()
				report.PrintSummary(output.Writer(), "Summary", summary)

				if chart, _ := cmd.Flags().GetBool("chart"); chart && len(days) > 1 {
					output.Println()
					output.Printf("%s", report.EquityChart(report.Equity(days), app.Config.Report.ChartHeight))
				}
			}

			if len(days) == 1 {
				if code, msg := dayVerdict(days[0]); code != ExitOK {
					return &ExitCodeError{Code: code, Err: dayError(days[0], msg)}
				}
			}
			return nil
		},
	}
	addRangeFlags(cmd)
	addStrategyFlags(cmd)
	cmd.Flags().Int("workers", 0, "parallel sessions (default from config)")
	cmd.Flags().Bool("csv", false, "write a trade journal CSV to the report directory")
	cmd.Flags().Bool("chart", false, "draw the equity curve")
	cmd.Flags().Bool("trades", false, "list each day's trades")
	cmd.Flags().Bool("no-save", false, "do not persist runs")
	return cmd
}

type verdictError string

func (e verdictError) Error() string { return string(e) }

func dayError(day trading.DayResult, msg string) error {
	if day.Err != nil {
		return day.Err
	}
	return verdictError(msg)
}
