package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

const dateLayout = "2006-01-02"

// SQLiteStore implements DataStore using SQLite.
//
// Instants are stored as unix seconds and trading days as IST dates, so range
// queries compare integers and strings of one fixed format.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Intraday bars of every fetched series
	CREATE TABLE IF NOT EXISTS bars (
		underlying TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		security_id TEXT NOT NULL,
		interval INTEGER NOT NULL,
		datetime INTEGER NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		instrument_type TEXT NOT NULL DEFAULT '',
		option_type TEXT NOT NULL DEFAULT '',
		strike REAL NOT NULL DEFAULT 0,
		expiry TEXT NOT NULL DEFAULT '',
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL DEFAULT 0,
		has_volume INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (security_id, interval, datetime)
	);

	-- Contracts resolved per strategy and day
	CREATE TABLE IF NOT EXISTS session_contracts (
		strategy TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		leg TEXT NOT NULL,
		underlying TEXT NOT NULL,
		security_id TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		segment TEXT NOT NULL DEFAULT '',
		strike REAL,
		expiry TEXT NOT NULL DEFAULT '',
		option_type TEXT NOT NULL,
		lot_size INTEGER NOT NULL DEFAULT 0,
		atm REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (strategy, trade_date, leg)
	);

	-- One row per session run
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		mode TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		outcome TEXT NOT NULL,
		total_pnl REAL NOT NULL DEFAULT 0,
		trade_count INTEGER NOT NULL DEFAULT 0,
		halted INTEGER NOT NULL DEFAULT 0,
		halt_reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Completed round trips of a run
	CREATE TABLE IF NOT EXISTS trades (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		leg TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_time INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		exit_time INTEGER NOT NULL,
		exit_price REAL NOT NULL,
		size INTEGER NOT NULL,
		pnl REAL NOT NULL,
		cum_pnl REAL NOT NULL,
		reason TEXT NOT NULL,
		fill_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	);

	-- Sync status for fetched data sets
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bars_day ON bars(underlying, trade_date);
	CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy, trade_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return utils.SessionDate(t).Format(dateLayout)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(dateLayout, s, utils.IndiaLocation)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).In(utils.IndiaLocation)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// Bar Methods
// ============================================================================

// SaveBars upserts a series. Each bar is filed under its IST trading day.
func (s *SQLiteStore) SaveBars(ctx context.Context, key SeriesKey, bars models.BarSeries) error {
	if len(bars) == 0 {
		return nil
	}
	if key.SecurityID == "" || key.Interval <= 0 {
		return apperrors.NewValidationError("series", key.SecurityID, "security id and interval are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (underlying, trade_date, security_id, interval, datetime, symbol,
			instrument_type, option_type, strike, expiry, open, high, low, close, volume, has_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	underlying := strings.ToUpper(key.Underlying)
	expiry := formatDate(key.Expiry)
	for _, b := range bars {
		_, err := stmt.ExecContext(ctx, underlying, formatDate(b.Timestamp), key.SecurityID, key.Interval,
			b.Timestamp.Unix(), key.Symbol, string(key.InstrumentType), string(key.OptionType), key.Strike,
			expiry, b.Open, b.High, b.Low, b.Close, b.Volume, boolInt(b.HasVolume))
		if err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetBars returns the bars of one series in ascending time order.
func (s *SQLiteStore) GetBars(ctx context.Context, filter BarFilter) (models.BarSeries, error) {
	query := "SELECT datetime, open, high, low, close, volume, has_volume FROM bars WHERE security_id = ? AND interval = ?"
	args := []interface{}{filter.SecurityID, filter.Interval}

	if !filter.From.IsZero() {
		query += " AND datetime >= ?"
		args = append(args, filter.From.Unix())
	}
	if !filter.To.IsZero() {
		query += " AND datetime <= ?"
		args = append(args, filter.To.Unix())
	}
	query += " ORDER BY datetime ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars models.BarSeries
	for rows.Next() {
		var b models.Bar
		var ts int64
		var hasVolume int
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &hasVolume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = fromUnix(ts)
		b.HasVolume = hasVolume == 1
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	return bars, nil
}

// TradeDates lists the days with stored bars for an underlying.
func (s *SQLiteStore) TradeDates(ctx context.Context, underlying string, from, to time.Time) ([]time.Time, error) {
	query := "SELECT DISTINCT trade_date FROM bars WHERE underlying = ?"
	args := []interface{}{strings.ToUpper(underlying)}
	if !from.IsZero() {
		query += " AND trade_date >= ?"
		args = append(args, formatDate(from))
	}
	if !to.IsZero() {
		query += " AND trade_date <= ?"
		args = append(args, formatDate(to))
	}
	query += " ORDER BY trade_date ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trade date: %w", err)
		}
		if t := parseDate(d); !t.IsZero() {
			dates = append(dates, t)
		}
	}
	return dates, rows.Err()
}

// ============================================================================
// Session Contract Methods
// ============================================================================

// SaveContracts replaces the contract set of a strategy and day.
func (s *SQLiteStore) SaveContracts(ctx context.Context, sc *SessionContracts) error {
	if sc.Strategy == "" || sc.Date.IsZero() {
		return apperrors.NewValidationError("contracts", sc.Strategy, "strategy and date are required")
	}
	date := formatDate(sc.Date)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_contracts WHERE strategy = ? AND trade_date = ?", sc.Strategy, date); err != nil {
		return fmt.Errorf("failed to clear contracts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_contracts (strategy, trade_date, leg, underlying, security_id, symbol, segment,
			strike, expiry, option_type, lot_size, atm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	insert := func(leg string, ref models.ContractRef) error {
		var strike sql.NullFloat64
		if ref.Strike != nil {
			strike = sql.NullFloat64{Float64: *ref.Strike, Valid: true}
		}
		expiry := ""
		if ref.Expiry != nil {
			expiry = ref.Expiry.In(utils.IndiaLocation).Format(time.RFC3339)
		}
		_, err := stmt.ExecContext(ctx, sc.Strategy, date, leg, strings.ToUpper(ref.Underlying), ref.SecurityID,
			ref.Symbol, ref.Segment, strike, expiry, string(ref.OptionType), ref.LotSize, sc.ATM)
		if err != nil {
			return fmt.Errorf("failed to insert %s contract: %w", leg, err)
		}
		return nil
	}

	if err := insert(LegBasis, sc.Basis); err != nil {
		return err
	}
	for _, side := range []models.OptionType{models.CE, models.PE} {
		if ref, ok := sc.Legs[side]; ok {
			if err := insert(string(side), ref); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetContracts loads the contract set of a strategy and day.
func (s *SQLiteStore) GetContracts(ctx context.Context, strategy string, date time.Time) (*SessionContracts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT leg, underlying, security_id, symbol, segment, strike, expiry, option_type, lot_size, atm
		FROM session_contracts
		WHERE strategy = ? AND trade_date = ?
	`, strategy, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	sc := &SessionContracts{
		Strategy: strategy,
		Date:     utils.SessionDate(date),
		Legs:     make(map[models.OptionType]models.ContractRef),
	}
	found := false
	for rows.Next() {
		var leg, expiry, optionType string
		var strike sql.NullFloat64
		var ref models.ContractRef
		if err := rows.Scan(&leg, &ref.Underlying, &ref.SecurityID, &ref.Symbol, &ref.Segment, &strike,
			&expiry, &optionType, &ref.LotSize, &sc.ATM); err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		ref.OptionType = models.OptionType(optionType)
		if strike.Valid {
			v := strike.Float64
			ref.Strike = &v
		}
		if expiry != "" {
			if t, err := time.Parse(time.RFC3339, expiry); err == nil {
				t = t.In(utils.IndiaLocation)
				ref.Expiry = &t
			}
		}
		found = true
		if leg == LegBasis {
			sc.Basis = ref
		} else {
			sc.Legs[models.OptionType(leg)] = ref
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}
	if !found {
		return nil, apperrors.NewDataError("contracts", strategy,
			"no contracts for "+formatDate(date), apperrors.ErrDataNotFound)
	}
	return sc, nil
}

// ============================================================================
// Run & Trade Methods
// ============================================================================

// SaveRun upserts a run and writes the trades it carries. A missing ID is
// filled with a new run id.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		run.ID = utils.NewRunID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Mode == "" {
		run.Mode = ModeBacktest
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, strategy, mode, trade_date, outcome, total_pnl, trade_count, halted,
			halt_reason, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			total_pnl = excluded.total_pnl,
			trade_count = excluded.trade_count,
			halted = excluded.halted,
			halt_reason = excluded.halt_reason,
			error = excluded.error
	`, run.ID, run.Strategy, run.Mode, formatDate(run.TradeDate), string(run.Outcome), run.TotalPnL,
		run.TradeCount, boolInt(run.Halted), string(run.HaltReason), run.Error, run.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, t := range run.Trades {
		if err := insertTrade(ctx, tx, run.ID, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AddTrade appends one trade to an existing run.
func (s *SQLiteStore) AddTrade(ctx context.Context, runID string, trade StoredTrade) error {
	return insertTrade(ctx, s.db, runID, trade)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTrade(ctx context.Context, db execer, runID string, t StoredTrade) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades (run_id, seq, leg, direction, entry_time, entry_price, exit_time,
			exit_price, size, pnl, cum_pnl, reason, fill_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, t.Seq, string(t.Leg), string(t.Direction), t.EntryTime.Unix(), t.EntryPrice, t.ExitTime.Unix(),
		t.ExitPrice, t.Size, t.PnL, t.CumPnL, string(t.Reason), t.FillID)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// GetRuns returns runs newest trade date first.
func (s *SQLiteStore) GetRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	query := `SELECT id, strategy, mode, trade_date, outcome, total_pnl, trade_count, halted, halt_reason,
		error, created_at FROM runs WHERE 1=1`
	args := []interface{}{}

	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Mode != "" {
		query += " AND mode = ?"
		args = append(args, filter.Mode)
	}
	if !filter.StartDate.IsZero() {
		query += " AND trade_date >= ?"
		args = append(args, formatDate(filter.StartDate))
	}
	if !filter.EndDate.IsZero() {
		query += " AND trade_date <= ?"
		args = append(args, formatDate(filter.EndDate))
	}

	query += " ORDER BY trade_date DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var date, outcome, haltReason string
		var halted int
		var created int64
		if err := rows.Scan(&r.ID, &r.Strategy, &r.Mode, &date, &outcome, &r.TotalPnL, &r.TradeCount,
			&halted, &haltReason, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.TradeDate = parseDate(date)
		r.Outcome = trading.Outcome(outcome)
		r.Halted = halted == 1
		r.HaltReason = trading.ExitReason(haltReason)
		r.CreatedAt = fromUnix(created)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetTrades returns trades in run then sequence order.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]StoredTrade, error) {
	query := `SELECT t.run_id, r.strategy, r.trade_date, t.seq, t.leg, t.direction, t.entry_time, t.entry_price,
		t.exit_time, t.exit_price, t.size, t.pnl, t.cum_pnl, t.reason, t.fill_id
		FROM trades t JOIN runs r ON r.id = t.run_id WHERE 1=1`
	args := []interface{}{}

	if filter.RunID != "" {
		query += " AND t.run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Strategy != "" {
		query += " AND r.strategy = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Leg != "" {
		query += " AND t.leg = ?"
		args = append(args, string(filter.Leg))
	}
	if !filter.StartDate.IsZero() {
		query += " AND r.trade_date >= ?"
		args = append(args, formatDate(filter.StartDate))
	}
	if !filter.EndDate.IsZero() {
		query += " AND r.trade_date <= ?"
		args = append(args, formatDate(filter.EndDate))
	}

	query += " ORDER BY r.trade_date ASC, t.run_id ASC, t.seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []StoredTrade
	for rows.Next() {
		var t StoredTrade
		var date, leg, direction, reason string
		var entry, exit int64
		if err := rows.Scan(&t.RunID, &t.Strategy, &date, &t.Seq, &leg, &direction, &entry, &t.EntryPrice,
			&exit, &t.ExitPrice, &t.Size, &t.PnL, &t.CumPnL, &reason, &t.FillID); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.TradeDate = parseDate(date)
		t.Leg = models.OptionType(leg)
		t.Direction = trading.Direction(direction)
		t.EntryTime = fromUnix(entry)
		t.ExitTime = fromUnix(exit)
		t.Reason = trading.ExitReason(reason)
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// ============================================================================
// Sync Methods
// ============================================================================

// GetLastSync returns the last sync time for a data type.
func (s *SQLiteStore) GetLastSync(dataType string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[dataType]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync int64
	err := s.db.QueryRow(`
		SELECT last_sync FROM sync_status WHERE data_type = ?
	`, dataType).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	t := fromUnix(lastSync)
	s.mu.Lock()
	s.syncTimes[dataType] = t
	s.mu.Unlock()

	return t
}

// SetLastSync sets the last sync time for a data type.
func (s *SQLiteStore) SetLastSync(dataType string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, dataType, t.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[dataType] = t
	s.mu.Unlock()

	return nil
}
