// Package cli provides the command-line interface for optsim.
package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"optsim/internal/broker"
	"optsim/internal/config"
	"optsim/internal/instruments"
	"optsim/internal/logging"
	"optsim/internal/metrics"
	"optsim/internal/store"
	"optsim/internal/trading"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-01-01"
)

// App holds the application dependencies.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	store store.DataStore

	// NewBroker and NewTicker build the market-data providers; tests
	// replace them.
	NewBroker func(source string) (broker.Broker, error)
	NewTicker func(feed string) (broker.Ticker, error)
	Now       func() time.Time
}

// NewApp creates an App with the production providers.
func NewApp() *App {
	app := &App{
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
		Now:     time.Now,
	}
	app.NewBroker = app.defaultBroker
	app.NewTicker = app.defaultTicker
	return app
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "optsim",
		Short: "Intraday options strategy simulator",
		Long: `optsim replays intraday option-buying and option-selling strategies on
NIFTY, BANKNIFTY and CRUDEOIL bars, and paper-trades them on live ticks.

Fetch a range of days with 'optsim fetch', replay them with 'optsim backtest'
and paper-trade today with 'optsim live'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.Config == nil {
				dir, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.Logger = logging.NewLoggerWithConfig(cfg.Log)
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), app.Logger))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/optsim)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newStrategiesCmd(app))
	rootCmd.AddCommand(newFetchCmd(app))
	rootCmd.AddCommand(newImportCmd(app))
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newLiveCmd(app))
	rootCmd.AddCommand(newRunsCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))

	return rootCmd
}

// Store opens the archive on first use.
func (app *App) Store() (store.DataStore, error) {
	if app.store != nil {
		return app.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(app.Config.Data.DBPath), 0755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(app.Config.Data.DBPath)
	if err != nil {
		return nil, err
	}
	app.Logger.Debug().Str("path", app.Config.Data.DBPath).Msg("SQLite store initialized")
	app.store = db
	return db, nil
}

// SetStore installs an already open store.
func (app *App) SetStore(s store.DataStore) {
	app.store = s
}

// Close releases the store.
func (app *App) Close() error {
	if app.store == nil {
		return nil
	}
	err := app.store.Close()
	app.store = nil
	return err
}

// strategy resolves --strategy/--file flags, falling back to the config.
func (app *App) strategy(cmd *cobra.Command) (trading.StrategyConfig, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		return trading.LoadStrategyFile(file)
	}
	if name, _ := cmd.Flags().GetString("strategy"); name != "" {
		return trading.Preset(name)
	}
	return app.Config.LoadStrategy()
}

func addStrategyFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("strategy", "s", "", "preset name (default from config)")
	cmd.Flags().String("file", "", "YAML strategy file")
}

func (app *App) defaultBroker(source string) (broker.Broker, error) {
	cfg := app.Config
	switch source {
	case config.SourceZerodha:
		if err := cfg.RequireZerodha(); err != nil {
			return nil, err
		}
		z := broker.NewZerodhaBroker(broker.ZerodhaConfig{
			APIKey:      cfg.Credentials.Zerodha.APIKey,
			APISecret:   cfg.Credentials.Zerodha.APISecret,
			UserID:      cfg.Credentials.Zerodha.UserID,
			AccessToken: cfg.Credentials.Zerodha.AccessToken,
			TokenPath:   filepath.Join(cfg.Dir(), "kite_session.json"),
			Logger:      &app.Logger,
		})
		return broker.NewCircuitBreakerBroker(z, app.Logger), nil
	default:
		if err := cfg.RequireDhan(); err != nil {
			return nil, err
		}
		return broker.NewDhanClient(broker.DhanConfig{
			BaseURL:     cfg.Data.DhanBaseURL,
			ClientID:    cfg.Credentials.Dhan.ClientID,
			AccessToken: cfg.Credentials.Dhan.AccessToken,
			ParseMaster: instruments.ParseDhanCSV,
			Observe:     app.Metrics.ObserveAPI,
			Logger:      &app.Logger,
		}), nil
	}
}

func (app *App) defaultTicker(feed string) (broker.Ticker, error) {
	cfg := app.Config
	if feed == config.SourceZerodha {
		if err := cfg.RequireZerodha(); err != nil {
			return nil, err
		}
		return broker.NewZerodhaTicker(broker.ZerodhaTickerConfig{
			APIKey:      cfg.Credentials.Zerodha.APIKey,
			AccessToken: cfg.Credentials.Zerodha.AccessToken,
			Logger:      &app.Logger,
		}), nil
	}
	if err := cfg.RequireDhan(); err != nil {
		return nil, err
	}
	fc := broker.DefaultDhanFeedConfig()
	fc.ClientID = cfg.Credentials.Dhan.ClientID
	fc.AccessToken = cfg.Credentials.Dhan.AccessToken
	fc.ExchangeTime = cfg.Live.ExchangeTime
	fc.Logger = &app.Logger
	return broker.NewDhanFeed(fc), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("optsim v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			path := config.Path(app.Config.Dir())
			if output.IsJSON() {
				output.JSON(map[string]string{"path": path})
			} else {
				output.Println(path)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if _, err := app.Config.LoadStrategy(); err != nil {
				output.Error("Strategy is invalid: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Data")
	output.Printf("  Source:          %s\n", cfg.Data.Source)
	output.Printf("  Database:        %s\n", cfg.Data.DBPath)
	output.Printf("  Master:          %s\n", cfg.Data.MasterPath)
	output.Printf("  Workers:         %d\n", cfg.Data.Workers)
	output.Println()

	output.Bold("Strategy")
	if cfg.Strategy.File != "" {
		output.Printf("  File:            %s\n", cfg.Strategy.File)
	} else {
		output.Printf("  Preset:          %s\n", cfg.Strategy.Preset)
	}
	output.Println()

	output.Bold("Live")
	output.Printf("  Feed:            %s\n", cfg.Live.Feed)
	output.Printf("  Metrics:         %s\n", cfg.Live.MetricsAddr)
	output.Printf("  Grace:           %s\n", cfg.Live.Grace)
	output.Printf("  Stop at:         %s\n", cfg.Live.StopAt)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Dhan:            %s\n", configured(cfg.Credentials.Dhan.AccessToken != ""))
	output.Printf("  Zerodha:         %s\n", configured(cfg.Credentials.Zerodha.APIKey != ""))
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}
