package cli

import (
	"fmt"
	"time"

	"optsim/internal/models"
	"optsim/pkg/utils"
)

// FormatDate formats a session date in IST.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(utils.IndiaLocation).Format("2006-01-02")
}

// FormatClock formats a time of day in IST.
func FormatClock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(utils.IndiaLocation).Format("15:04")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatContract describes a contract as symbol, strike and expiry.
func FormatContract(ref models.ContractRef) string {
	s := ref.Symbol
	if s == "" {
		s = ref.SecurityID
	}
	if ref.Strike != nil {
		s += fmt.Sprintf(" %.0f%s", *ref.Strike, ref.OptionType)
	}
	if ref.Expiry != nil {
		s += " exp " + FormatDate(*ref.Expiry)
	}
	return s
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
