// SPDX-License-Identifier: MIT

package config

import "time"

// Defaults shared by the loader and the CLI help text.
const (
	DefaultBackendURL        = "http://127.0.0.1:8000"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultPanelAddr         = "127.0.0.1:8090"
	DefaultPanelRateLimit    = 120
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultCacheTTL          = 30 * time.Second
	DefaultJournalPath       = "zat-journal.db"
	DefaultLogBuffer         = 500
	DefaultOTLPExporter      = "grpc"
	DefaultOTLPEndpoint      = "localhost:4317"
)

// AppConfig is the effective configuration after defaults, file and env are merged.
type AppConfig struct {
	Version string

	Backend   BackendConfig
	Heartbeat HeartbeatConfig
	Stream    StreamConfig
	Panel     PanelConfig
	Cache     CacheConfig
	Journal   JournalConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// BackendConfig addresses the automation backend.
type BackendConfig struct {
	URL string
	// RequestTimeout of zero means no client-side timeout.
	RequestTimeout time.Duration
}

// HeartbeatConfig controls the status poll loop.
type HeartbeatConfig struct {
	Interval time.Duration
}

// StreamConfig controls the push stream wrappers.
type StreamConfig struct {
	ReconnectDelay time.Duration
}

// PanelConfig controls the local panel API.
type PanelConfig struct {
	ListenAddr      string
	RateLimit       int // action requests per minute per client
	ShutdownTimeout time.Duration
}

// CacheConfig controls catalog caching. An empty RedisAddr selects the in-memory cache.
type CacheConfig struct {
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// JournalConfig locates the action journal. An empty path disables it.
type JournalConfig struct {
	Path string
}

// LogConfig controls local logging and the backend log ring.
type LogConfig struct {
	Level   string
	Service string
	Buffer  int
}

// TelemetryConfig controls OTLP trace export for `zat serve`.
type TelemetryConfig struct {
	Enabled    bool
	Exporter   string // grpc or http
	Endpoint   string
	SampleRate float64
}

// FileConfig mirrors the YAML file. Pointer fields distinguish "absent" from "zero".
type FileConfig struct {
	Backend *struct {
		URL            *string `yaml:"url"`
		RequestTimeout *string `yaml:"requestTimeout"`
	} `yaml:"backend"`
	Heartbeat *struct {
		Interval *string `yaml:"interval"`
	} `yaml:"heartbeat"`
	Stream *struct {
		ReconnectDelay *string `yaml:"reconnectDelay"`
	} `yaml:"stream"`
	Panel *struct {
		ListenAddr      *string `yaml:"listenAddr"`
		RateLimit       *int    `yaml:"rateLimit"`
		ShutdownTimeout *string `yaml:"shutdownTimeout"`
	} `yaml:"panel"`
	Cache *struct {
		TTL           *string `yaml:"ttl"`
		RedisAddr     *string `yaml:"redisAddr"`
		RedisPassword *string `yaml:"redisPassword"`
		RedisDB       *int    `yaml:"redisDB"`
	} `yaml:"cache"`
	Journal *struct {
		Path *string `yaml:"path"`
	} `yaml:"journal"`
	Log *struct {
		Level   *string `yaml:"level"`
		Service *string `yaml:"service"`
		Buffer  *int    `yaml:"buffer"`
	} `yaml:"log"`
	Telemetry *struct {
		Enabled    *bool    `yaml:"enabled"`
		Exporter   *string  `yaml:"exporter"`
		Endpoint   *string  `yaml:"endpoint"`
		SampleRate *float64 `yaml:"sampleRate"`
	} `yaml:"telemetry"`
}
