package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10*time.Second, cfg.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.MinAttemptTime)
	assert.Equal(t, 3, cfg.ErrorThreshold)
	assert.Equal(t, 6*time.Second, cfg.ForceTimeout)
	assert.Equal(t, 2*time.Second, cfg.SwapTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 6, cfg.MaxConcurrency)
	assert.Equal(t, 3, cfg.MinAvailable)
	assert.Equal(t, 50.0, cfg.BasePriority)
	assert.Equal(t, 80.0, cfg.DeepThreshold)
	assert.Equal(t, 5*time.Minute, cfg.CacheFreshness)
	assert.Equal(t, 30*time.Minute, cfg.StoreTTL)
	assert.Equal(t, time.Hour, cfg.BlacklistDuration)
	assert.Equal(t, 100, cfg.HistorySize)
	assert.Equal(t, 5, cfg.MaxSwitchAttempts)
	assert.Equal(t, "balanced", cfg.DefaultMode)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.True(t, cfg.DeepEnabled, "layer 3 is gated by caller priority only")
}

func TestDeepEnabledDefaultsOnInFile(t *testing.T) {
	dir := t.TempDir()

	unset := filepath.Join(dir, "unset.json")
	writeConfig(t, unset, `{"maxConcurrency": 2}`)
	cfg, err := LoadFile(unset)
	require.NoError(t, err)
	assert.True(t, cfg.DeepEnabled)

	off := filepath.Join(dir, "off.json")
	writeConfig(t, off, `{"deepEnabled": false}`)
	cfg, err = LoadFile(off)
	require.NoError(t, err)
	assert.False(t, cfg.DeepEnabled)
}

func TestLoadFileOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{
		"storeBackend": "sqlite",
		"cooldown": "30s",
		"maxConcurrency": 2,
		"defaultMode": "fast",
		"forceTimeout": "-1s"
	}`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "/settings/failover.db", cfg.StorePath)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)
	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, "fast", cfg.DefaultMode)
	assert.Equal(t, time.Duration(0), cfg.ForceTimeout, "negative force timeout disables forcing")
	assert.Equal(t, 5*time.Second, cfg.MinAttemptTime)
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"cooldown": "soon"}`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("KPTV_FAILOVER_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, 10*time.Second, cfg.Cooldown)
	assert.Same(t, cfg, LoadConfig())
}

func TestCreateExampleConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, CreateExampleConfig(path))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.DeepEnabled)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, `{"cooldown": "10s"}`)
	t.Cleanup(ClearConfigCache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var latest atomic.Pointer[Config]
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { latest.Store(c) })
	}()

	require.Eventually(t, func() bool {
		writeConfig(t, path, `{"cooldown": "42s"}`)
		c := latest.Load()
		return c != nil && c.Cooldown == 42*time.Second
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
