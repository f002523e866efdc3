package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	configFileName      = "config.toml"
	credentialsFileName = "credentials.toml"
)

const configTemplate = `# optsim configuration

[data]
# Where fetch reads bars from: "dhan" or "zerodha"; "store" replays the local archive only
source = "store"
# SQLite archive of bars, contracts, runs and trades (relative to this directory)
db_path = "optsim.db"
# Cached Dhan instrument master
master_path = "dhan_master.csv"
# Days fetched or replayed in parallel
workers = 4

[strategy]
# Built-in preset: banknifty-buying, nifty-norentry, delta-average,
# crude-buying, range-selling, vwap-flip
preset = "banknifty-buying"
# Optional YAML strategy file; overrides the preset when set
file = ""

[live]
# Tick feed for paper trading: "dhan" or "zerodha"
feed = "dhan"
# Prometheus metrics listener
metrics_addr = "127.0.0.1:9464"
# How long a finished minute waits for late ticks
grace = "2s"
# Session stop time (IST)
stop_at = "15:30"
# Stamp ticks with exchange time instead of receive time
exchange_time = false
# Replay today's stored bars before consuming the feed
warm_start = true

[report]
# Rupees per point; 0 uses the strategy's lot size
lot_size = 0
# Directory for CSV trade journals
csv_dir = "journal"
# Rows of the ASCII equity curve
chart_height = 10

[log]
level = "info"
console = true
file = true
file_path = "logs/optsim.log"
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# optsim credentials
# WARNING: Keep this file secure! Do not commit to version control.

[dhan]
client_id = ""
access_token = ""

[zerodha]
api_key = ""
api_secret = ""
user_id = ""
access_token = ""
`

func createTemplate(configDir, name, content string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}

// Path returns the path of the main config file in configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, configFileName)
}
