package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sysscrub/internal/device"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if !cfg.Device.SysmemScrub {
		t.Error("expected sysmem scrub to be supported by default")
	}
	if cfg.Scrub.DisableAsync != nil {
		t.Error("expected disableAsync to be unset by default")
	}
	if cfg.Engine.QueueDepth != 64 {
		t.Errorf("expected default queue depth 64, got %d", cfg.Engine.QueueDepth)
	}
	if cfg.Observability.MetricsAddr != ":9090" {
		t.Errorf("expected default metrics addr :9090, got %s", cfg.Observability.MetricsAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  id: gpu-7
scrub:
  disableAsync: true
  maxPending: 128
engine:
  queueDepth: 8
observability:
  logLevel: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "gpu-7", cfg.Device.ID)
	require.NotNil(t, cfg.Scrub.DisableAsync)
	assert.True(t, *cfg.Scrub.DisableAsync)
	assert.Equal(t, 128, cfg.Scrub.MaxPending)
	assert.Equal(t, 8, cfg.Engine.QueueDepth)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	// untouched sections keep their defaults
	assert.Equal(t, 16, cfg.WorkQueue.Depth)
	assert.True(t, cfg.Device.SysmemScrub)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("engine: [not, a, map"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SCRUB_DISABLE_ASYNC":        "true",
		"SCRUB_ENGINE_QUEUE_DEPTH":   "3",
		"SCRUB_WORKLOAD_REGION_SIZE": "4096",
		"SCRUB_LOG_FORMAT":           "text",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)

	require.NotNil(t, cfg.Scrub.DisableAsync)
	assert.True(t, *cfg.Scrub.DisableAsync)
	assert.Equal(t, 3, cfg.Engine.QueueDepth)
	assert.Equal(t, int64(4096), cfg.Workload.RegionSize)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "SCRUB_MAX_PENDING" {
			return "lots", true
		}
		return "", false
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue depth", func(c *Config) { c.Engine.QueueDepth = 0 }},
		{"zero workers", func(c *Config) { c.WorkQueue.Workers = 0 }},
		{"zero workqueue depth", func(c *Config) { c.WorkQueue.Depth = 0 }},
		{"negative max pending", func(c *Config) { c.Scrub.MaxPending = -1 }},
		{"negative producers", func(c *Config) { c.Workload.Producers = -1 }},
		{"zero region size", func(c *Config) { c.Workload.RegionSize = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrubd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workqueue:\n  workers: 2\n"), 0o600))

	t.Setenv("SCRUB_WORKQUEUE_DEPTH", "5")
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkQueue.Workers)
	assert.Equal(t, 5, cfg.WorkQueue.Depth)

	_, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("SCRUB_DEVICE_ID", "gpu-env")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gpu-env", cfg.Device.ID)
}

func TestRegistry(t *testing.T) {
	cfg := Default()
	_, ok := cfg.Registry().LookupBool(device.RegDisableAsyncSysmemScrub)
	assert.False(t, ok, "unset disableAsync must leave the key absent")

	off := false
	cfg.Scrub.DisableAsync = &off
	v, ok := cfg.Registry().LookupBool(device.RegDisableAsyncSysmemScrub)
	assert.True(t, ok)
	assert.False(t, v)
}
