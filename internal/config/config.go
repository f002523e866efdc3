// Package config provides configuration management for optsim.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "optsim/internal/errors"
	"optsim/internal/logging"
	"optsim/internal/trading"
	"optsim/pkg/utils"
)

// Data sources.
const (
	SourceDhan    = "dhan"
	SourceZerodha = "zerodha"
	SourceStore   = "store"
)

// Config holds all application configuration.
type Config struct {
	Data        DataConfig        `mapstructure:"data"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Live        LiveConfig        `mapstructure:"live"`
	Report      ReportConfig      `mapstructure:"report"`
	Log         logging.LogConfig `mapstructure:"log"`
	Credentials Credentials       `mapstructure:"-"` // Loaded separately

	dir string
}

// DataConfig selects where bars come from and where they are kept.
type DataConfig struct {
	Source      string `mapstructure:"source"` // dhan, zerodha, store
	DBPath      string `mapstructure:"db_path"`
	MasterPath  string `mapstructure:"master_path"` // cached Dhan instrument master
	DhanBaseURL string `mapstructure:"dhan_base_url"`
	Workers     int    `mapstructure:"workers"`
}

// StrategyConfig names the strategy to run: a YAML file wins over a preset.
type StrategyConfig struct {
	Preset string `mapstructure:"preset"`
	File   string `mapstructure:"file"`
}

// LiveConfig holds paper trading settings.
type LiveConfig struct {
	Feed         string        `mapstructure:"feed"` // dhan, zerodha
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	Grace        time.Duration `mapstructure:"grace"`
	StopAt       string        `mapstructure:"stop_at"`
	ExchangeTime bool          `mapstructure:"exchange_time"`
	WarmStart    bool          `mapstructure:"warm_start"`
}

// ReportConfig holds report settings.
type ReportConfig struct {
	LotSize     int    `mapstructure:"lot_size"` // 0 uses the strategy's lot size
	CSVDir      string `mapstructure:"csv_dir"`
	ChartHeight int    `mapstructure:"chart_height"`
}

// Credentials holds API credentials.
type Credentials struct {
	Dhan    DhanCredentials    `mapstructure:"dhan"`
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
}

// DhanCredentials holds Dhan API credentials.
type DhanCredentials struct {
	ClientID    string `mapstructure:"client_id"`
	AccessToken string `mapstructure:"access_token"`
}

// ZerodhaCredentials holds Kite Connect credentials.
type ZerodhaCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	UserID      string `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/optsim"
	}
	return filepath.Join(home, ".config", "optsim")
}

// Load loads configuration from the specified directory, writing templates
// for missing files first. If configDir is empty, uses the default
// config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{dir: configDir}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Data.DBPath = expandPath(configDir, cfg.Data.DBPath)
	cfg.Data.MasterPath = expandPath(configDir, cfg.Data.MasterPath)
	cfg.Report.CSVDir = expandPath(configDir, cfg.Report.CSVDir)
	cfg.Log.FilePath = expandPath(configDir, cfg.Log.FilePath)
	if cfg.Strategy.File != "" {
		cfg.Strategy.File = expandPath(configDir, cfg.Strategy.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.source", SourceStore)
	v.SetDefault("data.db_path", "optsim.db")
	v.SetDefault("data.master_path", "dhan_master.csv")
	v.SetDefault("data.workers", 4)
	v.SetDefault("strategy.preset", "banknifty-buying")
	v.SetDefault("live.feed", SourceDhan)
	v.SetDefault("live.metrics_addr", "127.0.0.1:9464")
	v.SetDefault("live.grace", "2s")
	v.SetDefault("live.stop_at", "15:30")
	v.SetDefault("live.warm_start", true)
	v.SetDefault("report.csv_dir", "journal")
	v.SetDefault("report.chart_height", 10)

	def := logging.DefaultLogConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.console", def.Console)
	v.SetDefault("log.file", def.File)
	v.SetDefault("log.file_path", "logs/optsim.log")
	v.SetDefault("log.max_size", def.MaxSize)
	v.SetDefault("log.max_backups", def.MaxBackups)
	v.SetDefault("log.max_age", def.MaxAge)
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		if err := createTemplate(configDir, configFileName, configTemplate, 0644); err != nil {
			return err
		}
	}

	return v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Restricted permissions for the credentials file
		return createTemplate(configDir, credentialsFileName, credentialsTemplate, 0600)
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		cfg.Credentials.Dhan.ClientID = v
	}
	if v := os.Getenv("DHAN_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Dhan.AccessToken = v
	}
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Zerodha.AccessToken = v
	}
	if v := os.Getenv("OPTSIM_DATA_SOURCE"); v != "" {
		cfg.Data.Source = strings.ToLower(v)
	}
}

// expandPath resolves ~ and paths relative to the config directory.
func expandPath(configDir, p string) string {
	if p == "" {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(configDir, p)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Data.Source {
	case SourceDhan, SourceZerodha, SourceStore:
	default:
		return apperrors.NewValidationError("data.source", c.Data.Source, "must be dhan, zerodha or store")
	}
	if c.Data.DBPath == "" {
		return apperrors.NewValidationError("data.db_path", c.Data.DBPath, "is required")
	}
	if c.Data.Workers < 1 {
		return apperrors.NewValidationError("data.workers", c.Data.Workers, "must be at least 1")
	}
	if c.Strategy.Preset == "" && c.Strategy.File == "" {
		return apperrors.NewValidationError("strategy", "", "set a preset or a file")
	}
	if c.Strategy.File == "" {
		if _, err := trading.Preset(c.Strategy.Preset); err != nil {
			return apperrors.NewValidationError("strategy.preset", c.Strategy.Preset, err.Error())
		}
	}
	switch c.Live.Feed {
	case SourceDhan, SourceZerodha:
	default:
		return apperrors.NewValidationError("live.feed", c.Live.Feed, "must be dhan or zerodha")
	}
	if c.Live.Grace < 0 {
		return apperrors.NewValidationError("live.grace", c.Live.Grace, "must not be negative")
	}
	if _, err := utils.ParseClock(c.Live.StopAt); err != nil {
		return apperrors.NewValidationError("live.stop_at", c.Live.StopAt, "must be HH:MM")
	}
	if c.Report.LotSize < 0 {
		return apperrors.NewValidationError("report.lot_size", c.Report.LotSize, "must not be negative")
	}
	return nil
}

// Dir returns the directory the configuration was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// LoadStrategy resolves the configured strategy.
func (c *Config) LoadStrategy() (trading.StrategyConfig, error) {
	if c.Strategy.File != "" {
		return trading.LoadStrategyFile(c.Strategy.File)
	}
	return trading.Preset(c.Strategy.Preset)
}

// LotSize returns the report lot size, falling back to the strategy's.
func (c *Config) LotSize(strategy trading.StrategyConfig) int {
	if c.Report.LotSize > 0 {
		return c.Report.LotSize
	}
	return strategy.LotSize
}

// RequireDhan fails when the Dhan credentials are missing.
func (c *Config) RequireDhan() error {
	if c.Credentials.Dhan.ClientID == "" || c.Credentials.Dhan.AccessToken == "" {
		return apperrors.Wrap(apperrors.ErrNotAuthenticated,
			"dhan client_id and access_token are required (credentials.toml or DHAN_CLIENT_ID/DHAN_ACCESS_TOKEN)")
	}
	return nil
}

// RequireZerodha fails when the Kite credentials are missing.
func (c *Config) RequireZerodha() error {
	if c.Credentials.Zerodha.APIKey == "" {
		return apperrors.Wrap(apperrors.ErrNotAuthenticated,
			"kite api_key is required (credentials.toml or KITE_API_KEY)")
	}
	return nil
}
