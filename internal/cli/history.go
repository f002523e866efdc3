package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"optsim/internal/store"
	"optsim/pkg/utils"
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

// historyFilter reads the shared run/trade filter flags.
func historyFilter(cmd *cobra.Command) (strategy string, limit int, from, to string) {
	strategy, _ = cmd.Flags().GetString("strategy")
	limit, _ = cmd.Flags().GetInt("limit")
	from, _ = cmd.Flags().GetString("from")
	to, _ = cmd.Flags().GetString("to")
	return
}

func addHistoryFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("strategy", "s", "", "only this strategy")
	cmd.Flags().Int("limit", 50, "maximum rows")
	cmd.Flags().String("from", "", "first trade date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "last trade date (YYYY-MM-DD)")
}

func newRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded backtest and live runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			db, err := app.Store()
			if err != nil {
				return err
			}
			strategy, limit, from, to := historyFilter(cmd)
			mode, _ := cmd.Flags().GetString("mode")
			filter := store.RunFilter{Strategy: strategy, Mode: mode, Limit: limit}
			if from != "" {
				if filter.StartDate, err = utils.ParseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if filter.EndDate, err = utils.ParseDate(to); err != nil {
					return err
				}
			}

			runs, err := db.GetRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Dim("No runs recorded")
				return nil
			}

			table := NewTable(output, "RUN", "DATE", "STRATEGY", "MODE", "OUTCOME", "TRADES", "P&L", "HALT")
			for _, r := range runs {
				halt := ""
				if r.Halted {
					halt = string(r.HaltReason)
				}
				table.AddRow(r.ID, FormatDate(r.TradeDate), r.Strategy, r.Mode, string(r.Outcome),
					itoa(r.TradeCount), output.FormatPoints(r.TotalPnL), halt)
			}
			table.Render()
			return nil
		},
	}
	addHistoryFlags(cmd)
	cmd.Flags().String("mode", "", "backtest or live")
	return cmd
}

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades [run-id]",
		Short: "List recorded trades",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			db, err := app.Store()
			if err != nil {
				return err
			}
			strategy, limit, from, to := historyFilter(cmd)
			filter := store.TradeFilter{Strategy: strategy, Limit: limit}
			if len(args) == 1 {
				filter.RunID = args[0]
			}
			if from != "" {
				if filter.StartDate, err = utils.ParseDate(from); err != nil {
					return err
				}
			}
			if to != "" {
				if filter.EndDate, err = utils.ParseDate(to); err != nil {
					return err
				}
			}

			trades, err := db.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Dim("No trades recorded")
				return nil
			}

			table := NewTable(output, "DATE", "STRATEGY", "LEG", "ENTRY", "EXIT", "SIZE", "POINTS", "REASON")
			total := 0.0
			for _, t := range trades {
				total += t.PnL
				table.AddRow(FormatDate(t.TradeDate), t.Strategy, string(t.Leg),
					fmt.Sprintf("%s %.2f", FormatClock(t.EntryTime), t.EntryPrice),
					fmt.Sprintf("%s %.2f", FormatClock(t.ExitTime), t.ExitPrice),
					itoa(t.Size), output.FormatPoints(t.PnL), string(t.Reason))
			}
			table.Render()
			output.Printf("\n%d trades  %s\n", len(trades), output.FormatPoints(total))
			return nil
		},
	}
	addHistoryFlags(cmd)
	return cmd
}
