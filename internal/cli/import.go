package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/internal/store"
	"optsim/pkg/utils"
)

func newImportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Load bars from a CSV file into the archive",
		Long: `Import reads a bar CSV with datetime, open, high, low, close and an optional
volume column. Datetime is epoch seconds or an IST timestamp.

Pass --contracts-for with --date to record the imported series as that
strategy's basis or leg contract for the day.`,
		Example: `  optsim import nifty_1m.csv --security-id 13 --underlying NIFTY --instrument-type INDEX
  optsim import ce.csv --security-id 43854 --underlying NIFTY --option-type CE \
      --strike 23500 --expiry 2025-01-09 --contracts-for nifty-norentry --date 2025-01-06`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			flags := cmd.Flags()

			id, _ := flags.GetString("security-id")
			underlying, _ := flags.GetString("underlying")
			interval, _ := flags.GetInt("interval")
			side, _ := flags.GetString("option-type")
			instr, _ := flags.GetString("instrument-type")
			if id == "" || underlying == "" {
				return apperrors.NewValidationError("security-id", id, "--security-id and --underlying are required")
			}

			ref := models.ContractRef{
				SecurityID: id,
				Underlying: strings.ToUpper(underlying),
				Symbol:     id,
				OptionType: models.OptionType(strings.ToUpper(side)),
			}
			switch ref.OptionType {
			case "":
				ref.OptionType = models.None
			case models.CE, models.PE, models.None:
			default:
				return apperrors.NewValidationError("option-type", side, "must be CE or PE")
			}
			if s, _ := flags.GetString("symbol"); s != "" {
				ref.Symbol = s
			}
			if flags.Changed("strike") {
				strike, _ := flags.GetFloat64("strike")
				ref.Strike = &strike
			}
			if e, _ := flags.GetString("expiry"); e != "" {
				expiry, err := utils.ParseDate(e)
				if err != nil {
					return err
				}
				ref.Expiry = &expiry
			}
			instrType := models.InstrumentType(strings.ToUpper(instr))
			if instrType == "" {
				instrType = instrumentType(ref)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			bars, err := store.ReadBarsCSV(f)
			if err != nil {
				return err
			}

			db, err := app.Store()
			if err != nil {
				return err
			}
			if err := db.SaveBars(ctx, store.SeriesKeyFor(ref, instrType, interval), bars); err != nil {
				return err
			}

			if name, _ := flags.GetString("contracts-for"); name != "" {
				if err := recordContract(cmd, db, name, ref); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"security_id": id,
					"interval":    interval,
					"bars":        len(bars),
				})
			}
			if len(bars) == 0 {
				output.Warning("No bars in %s", args[0])
				return nil
			}
			output.Success("✓ Imported %d %d-minute bars for %s (%s to %s)", len(bars), interval, id,
				bars[0].Timestamp.In(utils.IndiaLocation).Format("2006-01-02 15:04"),
				bars[len(bars)-1].Timestamp.In(utils.IndiaLocation).Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().String("security-id", "", "security id of the series")
	cmd.Flags().String("underlying", "", "NIFTY, BANKNIFTY or CRUDEOIL")
	cmd.Flags().String("symbol", "", "trading symbol")
	cmd.Flags().Int("interval", 1, "bar width in minutes")
	cmd.Flags().String("option-type", "", "CE or PE for option series")
	cmd.Flags().Float64("strike", 0, "option strike")
	cmd.Flags().String("expiry", "", "contract expiry (YYYY-MM-DD)")
	cmd.Flags().String("instrument-type", "", "INDEX, FUTIDX, FUTCOM, OPTIDX or OPTFUT (inferred when empty)")
	cmd.Flags().String("contracts-for", "", "record the series as this strategy's contract")
	cmd.Flags().String("date", "", "session date for --contracts-for (YYYY-MM-DD)")
	cmd.Flags().Float64("atm", 0, "ATM strike recorded with --contracts-for")
	return cmd
}

// recordContract merges ref into the strategy's stored contracts for the
// --date session: as a leg when it is an option, otherwise as the basis.
func recordContract(cmd *cobra.Command, db store.DataStore, strategy string, ref models.ContractRef) error {
	ctx := cmd.Context()
	d, _ := cmd.Flags().GetString("date")
	if d == "" {
		return apperrors.NewValidationError("date", d, "--date is required with --contracts-for")
	}
	date, err := utils.ParseDate(d)
	if err != nil {
		return err
	}

	sc, err := db.GetContracts(ctx, strategy, date)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrDataNotFound) {
			return err
		}
		sc = &store.SessionContracts{Strategy: strategy, Date: date}
	}
	if sc.Legs == nil {
		sc.Legs = make(map[models.OptionType]models.ContractRef)
	}
	if atm, _ := cmd.Flags().GetFloat64("atm"); atm > 0 {
		sc.ATM = atm
	}
	if ref.OptionType == models.CE || ref.OptionType == models.PE {
		sc.Legs[ref.OptionType] = ref
		if sc.ATM == 0 && ref.Strike != nil {
			sc.ATM = *ref.Strike
		}
	} else {
		sc.Basis = ref
	}
	return db.SaveContracts(ctx, sc)
}
