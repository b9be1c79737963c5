package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/quantfold/internal/venue"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestDefaultVenueIsFuturesHost(t *testing.T) {
	// the REST backend only speaks /fapi/v1, so the default host must be
	// the futures one
	cfg := Default()
	assert.Equal(t, venue.DefaultBinanceBaseURL, cfg.Venue.BaseURL)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data:\n  symbol: ETHUSDT\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.Data.Symbol)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Risk.SigmaTarget, cfg.Risk.SigmaTarget)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAPER_TRADING_ROOT", filepath.Join(t.TempDir(), "paper"))
	t.Setenv("DRY_RUN", "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, os.Getenv("PAPER_TRADING_ROOT"), cfg.Emitter.Root)
	assert.True(t, cfg.Execution.DryRun)
}
