package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/fatih/color"

	"optsim/internal/trading"
	"optsim/pkg/utils"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan).SprintFunc()
)

func signed(v float64, s string) string {
	switch {
	case v > 0:
		return green(s)
	case v < 0:
		return red(s)
	}
	return s
}

// PrintSummary writes the summary as a text report.
func PrintSummary(w io.Writer, title string, s Summary) {
	fmt.Fprintln(w, bold(title))
	if s.Sessions > 0 {
		fmt.Fprintf(w, "  Sessions:        %d (traded %d, clean %d, calibration failed %d, failed %d, halted %d)\n",
			s.Sessions, s.TradedSessions, s.CleanDays, s.CalibrationFailed, s.Failed, s.HaltedSessions)
	}
	fmt.Fprintf(w, "  Trades:          %d (%d won, %d lost)\n", s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(w, "  Win Rate:        %.1f%%\n", s.WinRate)
	fmt.Fprintf(w, "  Net Points:      %s\n", signed(s.TotalPoints, utils.FormatPoints(s.TotalPoints)))
	if s.LotSize > 0 {
		fmt.Fprintf(w, "  Net P&L:         %s (lot %d)\n", signed(s.Rupees, utils.FormatPnL(s.Rupees)), s.LotSize)
	}
	fmt.Fprintf(w, "  Profit Factor:   %.2f\n", s.ProfitFactor)
	fmt.Fprintf(w, "  Avg Win/Loss:    %s / %s\n", utils.FormatPoints(s.AvgWin), utils.FormatPoints(s.AvgLoss))
	fmt.Fprintf(w, "  Largest Win:     %s\n", utils.FormatPoints(s.LargestWin))
	fmt.Fprintf(w, "  Largest Loss:    %s\n", utils.FormatPoints(s.LargestLoss))
	fmt.Fprintf(w, "  Expectancy:      %s\n", utils.FormatPoints(s.Expectancy))
	fmt.Fprintf(w, "  Max Drawdown:    %.2f\n", s.MaxDrawdown)

	if len(s.ByReason) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold("By Exit Reason"))
		reasons := make([]string, 0, len(s.ByReason))
		for r := range s.ByReason {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			b := s.ByReason[trading.ExitReason(r)]
			fmt.Fprintf(w, "  %-16s %3d trades  %s\n", r, b.Trades, signed(b.Points, utils.FormatPoints(b.Points)))
		}
	}
}

// PrintTrades writes one line per trade.
func PrintTrades(w io.Writer, trades []trading.TradeRecord) {
	if len(trades) == 0 {
		fmt.Fprintln(w, "  no trades")
		return
	}
	fmt.Fprintf(w, "  %-3s %-3s %-5s %-5s %9s %-5s %9s %4s %9s %9s  %s\n",
		"#", "LEG", "SIDE", "IN", "PRICE", "OUT", "PRICE", "SIZE", "POINTS", "CUM", "REASON")
	for _, t := range trades {
		pts := fmt.Sprintf("%9.2f", t.PnL)
		fmt.Fprintf(w, "  %-3d %-3s %-5s %-5s %9.2f %-5s %9.2f %4d %s %9.2f  %s\n",
			t.Seq, t.Leg, t.Direction,
			t.EntryTime.Format("15:04"), t.EntryPrice,
			t.ExitTime.Format("15:04"), t.ExitPrice,
			t.Size, signed(t.PnL, pts), t.CumPnL, t.Reason)
	}
}

// EquityChart renders the cumulative P&L as a height-row ASCII chart, one
// column per point. A zero line is drawn when the curve crosses zero.
func EquityChart(points []EquityPoint, height int) string {
	if len(points) == 0 || height < 2 {
		return ""
	}
	lo, hi := 0.0, 0.0
	for _, p := range points {
		lo = math.Min(lo, p.Cum)
		hi = math.Max(hi, p.Cum)
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	row := func(v float64) int {
		return int(math.Round((hi - v) / span * float64(height-1)))
	}

	grid := make([][]byte, height)
	for i := range grid {
		grid[i] = []byte(strings.Repeat(" ", len(points)))
	}
	if lo < 0 && hi > 0 {
		z := row(0)
		for c := range grid[z] {
			grid[z][c] = '-'
		}
	}
	for c, p := range points {
		grid[row(p.Cum)][c] = '*'
	}

	var b strings.Builder
	for i, line := range grid {
		label := ""
		switch i {
		case 0:
			label = fmt.Sprintf("%10.2f", hi)
		case height - 1:
			label = fmt.Sprintf("%10.2f", lo)
		default:
			label = strings.Repeat(" ", 10)
		}
		b.WriteString(label)
		b.WriteString(" |")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteString(strings.Repeat(" ", 11))
	b.WriteString("+")
	b.WriteString(strings.Repeat("-", len(points)))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", 12))
	b.WriteString(points[0].Date.Format("2006-01-02"))
	if len(points) > 1 {
		b.WriteString(" .. ")
		b.WriteString(cyan(points[len(points)-1].Date.Format("2006-01-02")))
	}
	b.WriteByte('\n')
	return b.String()
}
