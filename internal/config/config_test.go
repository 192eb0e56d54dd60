package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4200, cfg.Server.Port)
	assert.True(t, cfg.Providers.VerifyEnabled)
	assert.Equal(t, 30*time.Second, cfg.Providers.Cooldown())
	assert.Equal(t, time.Minute, cfg.Backfill.Interval())
	assert.InDelta(t, 1.0, cfg.Backfill.TrainRatio+cfg.Backfill.ValRatio+cfg.Backfill.TestRatio, 1e-9)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	body := `
server:
  host: 127.0.0.1
  port: 9999
database:
  url: postgres://file/db
providers:
  cooldown_seconds: 60
  priorities:
    crypto: [binance, cmc]
scheduler:
  workers: 8
backfill:
  interval_seconds: 300
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("FKS_DB_URL", "postgres://env/db")
	t.Setenv("FKS_DATA_PORT", "4201")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4201, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, 60*time.Second, cfg.Providers.Cooldown())
	assert.Equal(t, []string{"binance", "cmc"}, cfg.Providers.Priorities["crypto"])
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Backfill.Interval())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4200, cfg.Server.Port)
}
