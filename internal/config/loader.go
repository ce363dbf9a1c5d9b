// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath: strings.TrimSpace(configPath),
		version:    version,
	}
}

// Path returns the config file path this loader reads, if any.
func (l *Loader) Path() string {
	return l.configPath
}

// Load loads configuration with precedence: ENV > File > Defaults.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	mergeEnvConfig(&cfg)
	cfg.Version = l.version
	cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(cfg.Backend.URL), "/")

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Backend:   BackendConfig{URL: DefaultBackendURL},
		Heartbeat: HeartbeatConfig{Interval: DefaultHeartbeatInterval},
		Stream:    StreamConfig{ReconnectDelay: DefaultReconnectDelay},
		Panel: PanelConfig{
			ListenAddr:      DefaultPanelAddr,
			RateLimit:       DefaultPanelRateLimit,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Cache:   CacheConfig{TTL: DefaultCacheTTL},
		Journal: JournalConfig{Path: DefaultJournalPath},
		Log:     LogConfig{Level: "info", Service: "zat", Buffer: DefaultLogBuffer},
		Telemetry: TelemetryConfig{
			Exporter:   DefaultOTLPExporter,
			Endpoint:   DefaultOTLPEndpoint,
			SampleRate: 1.0,
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// loadFile loads configuration from a YAML file with STRICT parsing.
// Unknown fields cause an error to prevent misconfiguration.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, fc *FileConfig) error {
	if fc == nil {
		return nil
	}
	if b := fc.Backend; b != nil {
		setString(&cfg.Backend.URL, b.URL)
		if err := setDuration(&cfg.Backend.RequestTimeout, b.RequestTimeout, "backend.requestTimeout"); err != nil {
			return err
		}
	}
	if h := fc.Heartbeat; h != nil {
		if err := setDuration(&cfg.Heartbeat.Interval, h.Interval, "heartbeat.interval"); err != nil {
			return err
		}
	}
	if s := fc.Stream; s != nil {
		if err := setDuration(&cfg.Stream.ReconnectDelay, s.ReconnectDelay, "stream.reconnectDelay"); err != nil {
			return err
		}
	}
	if p := fc.Panel; p != nil {
		setString(&cfg.Panel.ListenAddr, p.ListenAddr)
		setInt(&cfg.Panel.RateLimit, p.RateLimit)
		if err := setDuration(&cfg.Panel.ShutdownTimeout, p.ShutdownTimeout, "panel.shutdownTimeout"); err != nil {
			return err
		}
	}
	if c := fc.Cache; c != nil {
		if err := setDuration(&cfg.Cache.TTL, c.TTL, "cache.ttl"); err != nil {
			return err
		}
		setString(&cfg.Cache.RedisAddr, c.RedisAddr)
		setString(&cfg.Cache.RedisPassword, c.RedisPassword)
		setInt(&cfg.Cache.RedisDB, c.RedisDB)
	}
	if j := fc.Journal; j != nil {
		setString(&cfg.Journal.Path, j.Path)
	}
	if lg := fc.Log; lg != nil {
		setString(&cfg.Log.Level, lg.Level)
		setString(&cfg.Log.Service, lg.Service)
		setInt(&cfg.Log.Buffer, lg.Buffer)
	}
	if tc := fc.Telemetry; tc != nil {
		if tc.Enabled != nil {
			cfg.Telemetry.Enabled = *tc.Enabled
		}
		setString(&cfg.Telemetry.Exporter, tc.Exporter)
		setString(&cfg.Telemetry.Endpoint, tc.Endpoint)
		if tc.SampleRate != nil {
			cfg.Telemetry.SampleRate = *tc.SampleRate
		}
	}
	return nil
}

func mergeEnvConfig(cfg *AppConfig) {
	cfg.Backend.URL = ParseString(EnvBackendURL, cfg.Backend.URL)
	cfg.Backend.RequestTimeout = ParseDuration(EnvRequestTimeout, cfg.Backend.RequestTimeout)
	cfg.Heartbeat.Interval = ParseDuration(EnvHeartbeatInterval, cfg.Heartbeat.Interval)
	cfg.Stream.ReconnectDelay = ParseDuration(EnvReconnectDelay, cfg.Stream.ReconnectDelay)
	cfg.Panel.ListenAddr = ParseString(EnvPanelAddr, cfg.Panel.ListenAddr)
	cfg.Panel.RateLimit = ParseInt(EnvPanelRateLimit, cfg.Panel.RateLimit)
	cfg.Panel.ShutdownTimeout = ParseDuration(EnvShutdownTimeout, cfg.Panel.ShutdownTimeout)
	cfg.Cache.TTL = ParseDuration(EnvCacheTTL, cfg.Cache.TTL)
	cfg.Cache.RedisAddr = ParseString(EnvRedisAddr, cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = ParseString(EnvRedisPassword, cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = ParseInt(EnvRedisDB, cfg.Cache.RedisDB)
	cfg.Journal.Path = ParseString(EnvJournalPath, cfg.Journal.Path)
	cfg.Log.Level = ParseString(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Service = ParseString(EnvLogService, cfg.Log.Service)
	cfg.Log.Buffer = ParseInt(EnvLogBuffer, cfg.Log.Buffer)
	cfg.Telemetry.Enabled = ParseBool(EnvOTLPEnabled, cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString(EnvOTLPExporter, cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString(EnvOTLPEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.SampleRate = ParseFloat(EnvOTLPSampleRate, cfg.Telemetry.SampleRate)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
