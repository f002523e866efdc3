package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optsim/internal/broker"
	"optsim/internal/config"
	apperrors "optsim/internal/errors"
	"optsim/internal/instruments"
	"optsim/internal/models"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

func init() {
	color.NoColor = true
}

const testStrategy = `name: cli-test
underlying: NIFTY
legs: [{side: CE}]
reference: {kind: NTH_BAR, n: 1}
target_points: 10
strike_step: 50
lot_size: 75
`

// fakeBroker serves the testdata master and canned bars per security id.
type fakeBroker struct {
	calls int
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	file, err := os.Open("../instruments/testdata/dhan_master.csv")
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return instruments.ParseDhanCSV(file)
}

func (f *fakeBroker) GetHistorical(ctx context.Context, req broker.HistoricalRequest) (models.BarSeries, error) {
	f.calls++
	start := utils.At(req.From, 9*60+15)
	mk := func(i int, o, h, l, c float64) models.Bar {
		return models.Bar{Timestamp: start.Add(time.Duration(i) * time.Minute), Open: o, High: h, Low: l, Close: c}
	}
	switch req.Instrument.SecurityID {
	case "13":
		return models.BarSeries{
			mk(0, 23500, 23515, 23495, 23505),
			mk(1, 23505, 23520, 23500, 23510),
			mk(2, 23510, 23525, 23505, 23520),
		}, nil
	case "40000":
		return models.BarSeries{
			mk(0, 100, 105, 99, 104),
			mk(1, 104, 110, 103, 108),
			mk(2, 108, 112, 107, 111),
		}, nil
	}
	return nil, apperrors.NewDataError("bars", req.Instrument.SecurityID, "unknown security", apperrors.ErrDataNotFound)
}

type harness struct {
	t        *testing.T
	app      *App
	broker   *fakeBroker
	strategy string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testStrategy), 0644))

	fb := &fakeBroker{}
	app := NewApp()
	app.Config = cfg
	app.NewBroker = func(source string) (broker.Broker, error) { return fb, nil }
	app.Now = func() time.Time { return time.Date(2025, 1, 10, 18, 0, 0, 0, utils.IndiaLocation) }
	return &harness{t: t, app: app, broker: fb, strategy: path}
}

// run executes one command line and returns its output.
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var buf bytes.Buffer
	root := NewRootCmd(h.app)
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestFetchThenBacktest(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("fetch", "--date", "2025-01-06", "--file", h.strategy)
	require.NoError(t, err, out)
	assert.Contains(t, out, "ATM 23500")
	assert.Equal(t, 2, h.broker.calls)

	out, err = h.run("backtest", "--date", "2025-01-06", "--file", h.strategy, "--json")
	require.NoError(t, err, out)

	var bt struct {
		Strategy string        `json:"strategy"`
		Days     []backtestDay `json:"days"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &bt))
	assert.Equal(t, "cli-test", bt.Strategy)
	require.Len(t, bt.Days, 1)
	assert.Equal(t, trading.OutcomeTraded, bt.Days[0].Outcome)
	require.Len(t, bt.Days[0].Trades, 1)
	assert.NotEmpty(t, bt.Days[0].RunID)

	out, err = h.run("runs", "--json")
	require.NoError(t, err, out)
	var runs []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 1)

	out, err = h.run("trades", bt.Days[0].RunID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 trades")
}

func TestCommandsLogThroughContextLogger(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	h.app.Logger = zerolog.New(&logs)

	_, err := h.run("fetch", "--date", "2025-01-06", "--file", h.strategy)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), `"operation":"fetch"`)
	assert.Contains(t, logs.String(), "Session fetched")

	logs.Reset()
	_, err = h.run("backtest", "--date", "2025-01-06", "--file", h.strategy, "--no-save")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), `"operation":"backtest"`)
	assert.Contains(t, logs.String(), "Backtest finished")
}

func TestBacktestRangeSummary(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("fetch", "--from", "2025-01-06", "--to", "2025-01-07", "--file", h.strategy)
	require.NoError(t, err)

	out, err := h.run("backtest", "--from", "2025-01-06", "--to", "2025-01-10", "--file", h.strategy, "--no-save", "--chart")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2025-01-06")
	assert.Contains(t, out, "2025-01-07")
	assert.Contains(t, out, "Summary")

	runs, err := h.run("runs")
	require.NoError(t, err)
	assert.Contains(t, runs, "No runs recorded")
}

func TestBacktestMissingDayExitCode(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("backtest", "--date", "2025-01-08", "--file", h.strategy)
	require.Error(t, err)
	assert.Equal(t, ExitResolutionFailed, ExitCode(err))
}

func TestBacktestNoArchive(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("backtest", "--from", "2025-01-06", "--to", "2025-01-07", "--file", h.strategy)
	require.NoError(t, err)
	assert.Contains(t, out, "No archived sessions")
}

func TestImportRecordsContracts(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	basis := filepath.Join(dir, "nifty.csv")
	require.NoError(t, os.WriteFile(basis, []byte(`datetime,open,high,low,close,volume
2025-01-06 09:15:00,23500,23515,23495,23505,
2025-01-06 09:16:00,23505,23520,23500,23510,
2025-01-06 09:17:00,23510,23525,23505,23520,
`), 0644))
	ce := filepath.Join(dir, "ce.csv")
	require.NoError(t, os.WriteFile(ce, []byte(`datetime,open,high,low,close,volume
2025-01-06 09:15:00,100,105,99,104,1000
2025-01-06 09:16:00,104,110,103,108,1500
2025-01-06 09:17:00,108,112,107,111,900
`), 0644))

	out, err := h.run("import", basis, "--security-id", "13", "--underlying", "nifty",
		"--contracts-for", "cli-test", "--date", "2025-01-06")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Imported 3 1-minute bars")

	out, err = h.run("import", ce, "--security-id", "40000", "--underlying", "NIFTY", "--option-type", "ce",
		"--strike", "23500", "--expiry", "2025-01-09", "--contracts-for", "cli-test", "--date", "2025-01-06")
	require.NoError(t, err, out)

	db, err := h.app.Store()
	require.NoError(t, err)
	sc, err := db.GetContracts(context.Background(), "cli-test", time.Date(2025, 1, 6, 0, 0, 0, 0, utils.IndiaLocation))
	require.NoError(t, err)
	assert.Equal(t, "13", sc.Basis.SecurityID)
	assert.Equal(t, "40000", sc.Legs[models.CE].SecurityID)
	assert.Equal(t, 23500.0, sc.ATM)
	h.app.Close()

	_, err = h.run("backtest", "--date", "2025-01-06", "--file", h.strategy)
	assert.NoError(t, err)
}

func TestImportRejectsOptionType(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("import", "missing.csv", "--security-id", "1", "--underlying", "NIFTY", "--option-type", "XX")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestStrategiesCommand(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("strategies", "--json")
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, len(trading.PresetNames()))

	out, err = h.run("strategies", "show", "range-selling")
	require.NoError(t, err)
	parsed, err := trading.ParseStrategy(bytes.NewBufferString(out))
	require.NoError(t, err)
	assert.Equal(t, "range-selling", parsed.Name)

	_, err = h.run("strategies", "show", "nope")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitError, ExitCode(apperrors.ErrTimeout))
	assert.Equal(t, ExitCalibrationFailed, ExitCode(apperrors.Wrap(&ExitCodeError{Code: ExitCalibrationFailed}, "day")))
}

func TestDayVerdict(t *testing.T) {
	date := time.Date(2025, 1, 6, 0, 0, 0, 0, utils.IndiaLocation)
	tests := []struct {
		name string
		day  trading.DayResult
		code int
	}{
		{"traded", trading.DayResult{Date: date, Result: &trading.SessionResult{Outcome: trading.OutcomeTraded}}, ExitOK},
		{"clean", trading.DayResult{Date: date, Result: &trading.SessionResult{Outcome: trading.OutcomeCleanDay}}, ExitCleanDay},
		{"noop", trading.DayResult{Date: date, Result: &trading.SessionResult{Outcome: trading.OutcomeNoOp}}, ExitCleanDay},
		{"calibration", trading.DayResult{Date: date, Result: &trading.SessionResult{Outcome: trading.OutcomeCalibrationFailed},
			Err: apperrors.ErrReferenceNotFound}, ExitCalibrationFailed},
		{"missing", trading.DayResult{Date: date, Err: apperrors.ErrDataNotFound}, ExitResolutionFailed},
		{"failed", trading.DayResult{Date: date, Result: &trading.SessionResult{Outcome: trading.OutcomeFailed}}, ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := dayVerdict(tt.day)
			assert.Equal(t, tt.code, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestTableAlignsColouredCells(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{writer: &buf}
	table := NewTable(out, "A", "B")
	table.AddRow("\x1b[32mgreen\x1b[0m", "x")
	table.AddRow("plain", "y")
	table.Render()
	assert.Equal(t, 5, visibleLen("\x1b[32mgreen\x1b[0m"))
	assert.Contains(t, buf.String(), "plain")
}
