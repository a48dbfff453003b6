package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "paycadence", cfg.AppName)
	require.Equal(t, 5*time.Minute, cfg.ScanInterval)
	require.Equal(t, 3*time.Minute, cfg.ConfirmTimeout)
	require.Equal(t, time.Hour, cfg.AbandonThreshold)
	require.Equal(t, 4, cfg.WorkerConcurrency)
	require.Equal(t, 18, cfg.TokenDecimals)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "30s")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CHAIN_ID", "137")
	t.Setenv("DATABASE_TYPE", "sqlite")

	cfg := Load()

	require.Equal(t, 30*time.Second, cfg.ScanInterval)
	require.Equal(t, 8, cfg.WorkerConcurrency)
	require.Equal(t, int64(137), cfg.ChainID)
	require.Equal(t, "sqlite", cfg.DBType)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "not-a-duration")
	t.Setenv("WORKER_CONCURRENCY", "many")

	cfg := Load()

	require.Equal(t, 5*time.Minute, cfg.ScanInterval)
	require.Equal(t, 4, cfg.WorkerConcurrency)
}
