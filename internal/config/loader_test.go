// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "v-test").Load()
	require.NoError(t, err)

	assert.Equal(t, "v-test", cfg.Version)
	assert.Equal(t, DefaultBackendURL, cfg.Backend.URL)
	assert.Zero(t, cfg.Backend.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 3*time.Second, cfg.Stream.ReconnectDelay)
	assert.Equal(t, DefaultPanelAddr, cfg.Panel.ListenAddr)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.TTL)
	assert.Empty(t, cfg.Cache.RedisAddr)
	assert.Equal(t, DefaultLogBuffer, cfg.Log.Buffer)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "zat.yaml", `
backend:
  url: http://10.0.0.5:8000/
  requestTimeout: 15s
heartbeat:
  interval: 2s
panel:
  listenAddr: 0.0.0.0:9000
  rateLimit: 30
cache:
  redisAddr: localhost:6379
  redisDB: 2
log:
  level: debug
`)
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:8000", cfg.Backend.URL, "trailing slash trimmed")
	assert.Equal(t, 15*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 3*time.Second, cfg.Stream.ReconnectDelay, "untouched section keeps default")
	assert.Equal(t, "0.0.0.0:9000", cfg.Panel.ListenAddr)
	assert.Equal(t, 30, cfg.Panel.RateLimit)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 2, cfg.Cache.RedisDB)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "zat.yml", "heartbeat:\n  interval: 2s\n")
	t.Setenv(EnvHeartbeatInterval, "750ms")
	t.Setenv(EnvBackendURL, "http://192.168.1.20:8000")
	t.Setenv(EnvRedisDB, "not-a-number")

	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Heartbeat.Interval)
	assert.Equal(t, "http://192.168.1.20:8000", cfg.Backend.URL)
	assert.Equal(t, 0, cfg.Cache.RedisDB, "invalid int falls back to previous value")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "backend:\n  host: nope\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadRejectsNonYAML(t *testing.T) {
	path := writeConfig(t, "zat.json", "{}")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "log:\n  level: info\n---\nlog:\n  level: debug\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "stream:\n  reconnectDelay: soon\n")
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.reconnectDelay")
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "zat.yaml", "")
	cfg, err := NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultBackendURL, cfg.Backend.URL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ZAT_TEST_DOTENV=from-file\nZAT_TEST_DOTENV_KEEP=from-file\n"), 0o600))

	t.Setenv("ZAT_TEST_DOTENV_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("ZAT_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envPath))
	assert.Equal(t, "from-file", os.Getenv("ZAT_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("ZAT_TEST_DOTENV_KEEP"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"ok", func(*AppConfig) {}, ""},
		{"empty url", func(c *AppConfig) { c.Backend.URL = "" }, "backend.url must be set"},
		{"bad scheme", func(c *AppConfig) { c.Backend.URL = "ftp://x" }, "scheme must be http or https"},
		{"zero heartbeat", func(c *AppConfig) { c.Heartbeat.Interval = 0 }, "heartbeat.interval"},
		{"zero reconnect", func(c *AppConfig) { c.Stream.ReconnectDelay = 0 }, "stream.reconnectDelay"},
		{"bad listen", func(c *AppConfig) { c.Panel.ListenAddr = "nope" }, "panel.listenAddr"},
		{"bad level", func(c *AppConfig) { c.Log.Level = "loud" }, "log.level"},
		{"bad buffer", func(c *AppConfig) { c.Log.Buffer = 0 }, "log.buffer"},
		{"bad exporter", func(c *AppConfig) { c.Telemetry.Enabled = true; c.Telemetry.Exporter = "zipkin" }, "telemetry.exporter"},
		{"no endpoint", func(c *AppConfig) { c.Telemetry.Enabled = true; c.Telemetry.Endpoint = "" }, "telemetry.endpoint"},
		{"exporter ignored when disabled", func(c *AppConfig) { c.Telemetry.Exporter = "zipkin" }, ""},
		{"bad sample rate", func(c *AppConfig) { c.Telemetry.SampleRate = 1.5 }, "telemetry.sampleRate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadTelemetry(t *testing.T) {
	cfg, err := NewLoader("", "").Load()
	require.NoError(t, err)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, DefaultOTLPExporter, cfg.Telemetry.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Telemetry.Endpoint)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRate, 1e-9)

	path := writeConfig(t, "zat.yaml", `
telemetry:
  enabled: true
  exporter: http
  endpoint: collector:4318
  sampleRate: 0.5
`)
	cfg, err = NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "http", cfg.Telemetry.Exporter)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 1e-9)

	t.Setenv(EnvOTLPExporter, "grpc")
	t.Setenv(EnvOTLPSampleRate, "0.1")
	cfg, err = NewLoader(path, "").Load()
	require.NoError(t, err)
	assert.Equal(t, "grpc", cfg.Telemetry.Exporter)
	assert.InDelta(t, 0.1, cfg.Telemetry.SampleRate, 1e-9)
	require.NoError(t, Validate(cfg))
}
