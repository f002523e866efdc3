package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var indianPattern = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// Property: FormatIndianCurrency always yields ₹, two decimals and lakh
// grouping, and parses back to the rounded amount.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("valid Indian format", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)

			prefix := "₹"
			if amount < 0 {
				prefix = "-₹"
			}
			if !strings.HasPrefix(formatted, prefix) {
				t.Logf("Expected %s prefix for %f, got %s", prefix, amount, formatted)
				return false
			}

			parts := strings.Split(formatted, ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("Expected 2 decimal places for %f, got %s", amount, formatted)
				return false
			}

			numPart := strings.TrimPrefix(strings.TrimPrefix(parts[0], "-"), "₹")
			if !indianPattern.MatchString(numPart) {
				t.Logf("Invalid Indian format for %f: %s", amount, formatted)
				return false
			}
			return true
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("value preserved", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			plain := strings.NewReplacer("₹", "", ",", "").Replace(formatted)
			parsed, err := strconv.ParseFloat(plain, 64)
			if err != nil {
				return false
			}
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}

func TestIndianNumberFormatExamples(t *testing.T) {
	testCases := []struct {
		amount   float64
		expected string
	}{
		{0, "₹0.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatIndianCurrency(tc.amount); got != tc.expected {
				t.Errorf("FormatIndianCurrency(%f) = %s, want %s", tc.amount, got, tc.expected)
			}
		})
	}
}
