package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "optsim/internal/errors"
)

func TestLoadWritesTemplates(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	info, err := os.Stat(filepath.Join(dir, "credentials.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Equal(t, SourceStore, cfg.Data.Source)
	assert.Equal(t, filepath.Join(dir, "optsim.db"), cfg.Data.DBPath)
	assert.Equal(t, 2*time.Second, cfg.Live.Grace)
	assert.Equal(t, "banknifty-buying", cfg.Strategy.Preset)
	assert.Equal(t, dir, cfg.Dir())

	// the written template loads back to the same settings
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Data, again.Data)
	assert.Equal(t, cfg.Live, again.Live)
	assert.Equal(t, cfg.Report, again.Report)
}

func TestLoadReadsFilesAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[data]
source = "dhan"
db_path = "/tmp/bars.db"
workers = 2

[strategy]
preset = "range-selling"

[live]
feed = "zerodha"
grace = "500ms"
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "credentials.toml"), []byte(`
[dhan]
client_id = "1000"
access_token = "file-token"
`), 0600))

	t.Setenv("DHAN_ACCESS_TOKEN", "env-token")
	t.Setenv("OPTSIM_DATA_SOURCE", "ZERODHA")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, SourceZerodha, cfg.Data.Source)
	assert.Equal(t, "/tmp/bars.db", cfg.Data.DBPath)
	assert.Equal(t, 2, cfg.Data.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Live.Grace)
	assert.Equal(t, "1000", cfg.Credentials.Dhan.ClientID)
	assert.Equal(t, "env-token", cfg.Credentials.Dhan.AccessToken)
	assert.NoError(t, cfg.RequireDhan())
	assert.ErrorIs(t, cfg.RequireZerodha(), apperrors.ErrNotAuthenticated)

	strategy, err := cfg.LoadStrategy()
	require.NoError(t, err)
	assert.Equal(t, "range-selling", strategy.Name)
	assert.Equal(t, strategy.LotSize, cfg.LotSize(strategy))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Data:     DataConfig{Source: SourceStore, DBPath: "x.db", Workers: 1},
			Strategy: StrategyConfig{Preset: "vwap-flip"},
			Live:     LiveConfig{Feed: SourceDhan, StopAt: "15:30"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"source", func(c *Config) { c.Data.Source = "csv" }},
		{"db path", func(c *Config) { c.Data.DBPath = "" }},
		{"workers", func(c *Config) { c.Data.Workers = 0 }},
		{"no strategy", func(c *Config) { c.Strategy.Preset = "" }},
		{"unknown preset", func(c *Config) { c.Strategy.Preset = "martingale" }},
		{"feed", func(c *Config) { c.Live.Feed = "store" }},
		{"stop at", func(c *Config) { c.Live.StopAt = "late" }},
		{"lot size", func(c *Config) { c.Report.LotSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
		})
	}
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/etc/optsim", "config.toml"), Path("/etc/optsim"))
}
