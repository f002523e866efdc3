// Package report summarises replayed sessions and renders them for the
// terminal or for export.
package report

import (
	"sort"
	"time"

	"optsim/internal/models"
	"optsim/internal/trading"
)

// Bucket aggregates the trades sharing one key.
type Bucket struct {
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	Points float64 `json:"points"`
}

// Summary is the performance of a set of trades. Point figures are in the
// traded series' points times size; Rupees applies the lot size.
type Summary struct {
	Sessions          int `json:"sessions"`
	TradedSessions    int `json:"traded_sessions"`
	CleanDays         int `json:"clean_days"`
	CalibrationFailed int `json:"calibration_failed"`
	Failed            int `json:"failed"`
	HaltedSessions    int `json:"halted_sessions"`

	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPoints  float64 `json:"total_points"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	Expectancy   float64 `json:"expectancy"`
	MaxDrawdown  float64 `json:"max_drawdown"`

	LotSize int     `json:"lot_size"`
	Rupees  float64 `json:"rupees"`

	ByLeg    map[models.OptionType]*Bucket  `json:"by_leg"`
	ByReason map[trading.ExitReason]*Bucket `json:"by_reason"`
}

// EquityPoint is the running P&L after one session.
type EquityPoint struct {
	Date time.Time `json:"date"`
	PnL  float64   `json:"pnl"`
	Cum  float64   `json:"cum"`
}

// Summarize builds a summary over replayed days. Days without a result
// count as failed.
func Summarize(days []trading.DayResult, lotSize int) Summary {
	sorted := make([]trading.DayResult, len(days))
	copy(sorted, days)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	var trades []trading.TradeRecord
	s := Summary{Sessions: len(sorted)}
	for _, d := range sorted {
		if d.Result == nil {
			s.Failed++
			continue
		}
		switch d.Result.Outcome {
		case trading.OutcomeTraded:
			s.TradedSessions++
		case trading.OutcomeCleanDay, trading.OutcomeNoOp:
			s.CleanDays++
		case trading.OutcomeCalibrationFailed:
			s.CalibrationFailed++
		case trading.OutcomeFailed:
			s.Failed++
		}
		if d.Result.Risk.TradingHalted {
			s.HaltedSessions++
		}
		trades = append(trades, d.Result.Trades...)
	}

	t := SummarizeTrades(trades, lotSize)
	t.Sessions = s.Sessions
	t.TradedSessions = s.TradedSessions
	t.CleanDays = s.CleanDays
	t.CalibrationFailed = s.CalibrationFailed
	t.Failed = s.Failed
	t.HaltedSessions = s.HaltedSessions
	return t
}

// SummarizeTrades computes trade statistics over trades in the given order.
// Max drawdown is the largest peak to trough fall of the cumulative P&L.
func SummarizeTrades(trades []trading.TradeRecord, lotSize int) Summary {
	s := Summary{
		LotSize:  lotSize,
		ByLeg:    make(map[models.OptionType]*Bucket),
		ByReason: make(map[trading.ExitReason]*Bucket),
	}

	var cum, peak float64
	for _, t := range trades {
		s.Trades++
		s.TotalPoints += t.PnL
		win := t.PnL > 0
		if win {
			s.Wins++
			s.GrossProfit += t.PnL
			if t.PnL > s.LargestWin {
				s.LargestWin = t.PnL
			}
		} else {
			s.Losses++
			s.GrossLoss += t.PnL
			if t.PnL < s.LargestLoss {
				s.LargestLoss = t.PnL
			}
		}

		addTo(bucketFor(s.ByLeg, t.Leg), t.PnL, win)
		addTo(bucketFor(s.ByReason, t.Reason), t.PnL, win)

		cum += t.PnL
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > s.MaxDrawdown {
			s.MaxDrawdown = dd
		}
	}

	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
		s.Expectancy = s.TotalPoints / float64(s.Trades)
	}
	if s.Wins > 0 {
		s.AvgWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = s.GrossLoss / float64(s.Losses)
	}
	if s.GrossLoss != 0 {
		s.ProfitFactor = s.GrossProfit / -s.GrossLoss
	}
	s.Rupees = s.TotalPoints * float64(lotSize)
	return s
}

func bucketFor[K comparable](m map[K]*Bucket, key K) *Bucket {
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

func addTo(b *Bucket, pnl float64, win bool) {
	b.Trades++
	b.Points += pnl
	if win {
		b.Wins++
	}
}

// Equity returns the cumulative P&L per session date, skipping days
// without a result.
func Equity(days []trading.DayResult) []EquityPoint {
	var out []EquityPoint
	for _, d := range days {
		if d.Result == nil {
			continue
		}
		out = append(out, EquityPoint{Date: d.Date, PnL: d.Result.TotalPnL()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	var cum float64
	for i := range out {
		cum += out[i].PnL
		out[i].Cum = cum
	}
	return out
}
