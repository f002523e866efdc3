package cli

import (
	"bytes"

	"github.com/spf13/cobra"

	"optsim/internal/trading"
)

func newStrategiesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the shipped strategy presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			names := trading.PresetNames()

			type row struct {
				Name       string `json:"name"`
				Underlying string `json:"underlying"`
				Legs       int    `json:"legs"`
				Interval   int    `json:"interval"`
				LotSize    int    `json:"lot_size"`
			}
			rows := make([]row, 0, len(names))
			for _, n := range names {
				p, err := trading.Preset(n)
				if err != nil {
					return err
				}
				rows = append(rows, row{Name: n, Underlying: p.Underlying, Legs: len(p.Legs), Interval: p.Interval, LotSize: p.LotSize})
			}
			if output.IsJSON() {
				return output.JSON(rows)
			}

			table := NewTable(output, "NAME", "UNDERLYING", "LEGS", "INTERVAL", "LOT")
			for _, r := range rows {
				name := r.Name
				if app.Config != nil && app.Config.Strategy.File == "" && app.Config.Strategy.Preset == r.Name {
					name += " *"
				}
				table.AddRow(name, r.Underlying, itoa(r.Legs), itoa(r.Interval)+"m", itoa(r.LotSize))
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a preset as a strategy file",
		Long: `Show prints a preset in the YAML strategy file format. Save the output,
edit it and pass it back with --file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			p, err := trading.Preset(args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(p)
			}
			var buf bytes.Buffer
			if err := trading.WriteStrategy(&buf, p); err != nil {
				return err
			}
			output.Printf("%s", buf.String())
			return nil
		},
	})
	return cmd
}
