// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the merged configuration and reports every problem at once.
func Validate(cfg AppConfig) error {
	var errs []error

	u, err := url.Parse(cfg.Backend.URL)
	switch {
	case cfg.Backend.URL == "":
		errs = append(errs, fmt.Errorf("backend.url must be set"))
	case err != nil:
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("backend.url: scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("backend.url: missing host"))
	}

	if cfg.Backend.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.requestTimeout must not be negative"))
	}
	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval must be positive"))
	}
	if cfg.Stream.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("stream.reconnectDelay must be positive"))
	}
	if _, _, err := net.SplitHostPort(cfg.Panel.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("panel.listenAddr: %w", err))
	}
	if cfg.Panel.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("panel.rateLimit must not be negative"))
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative"))
	}
	if cfg.Cache.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("cache.redisDB must not be negative"))
	}
	if cfg.Log.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("log.buffer must be positive"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if t := cfg.Telemetry; t.Enabled {
		if t.Exporter != "grpc" && t.Exporter != "http" {
			errs = append(errs, fmt.Errorf("telemetry.exporter must be grpc or http, got %q", t.Exporter))
		}
		if t.Endpoint == "" {
			errs = append(errs, fmt.Errorf("telemetry.endpoint must be set when telemetry is enabled"))
		}
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampleRate must be within [0, 1]"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
