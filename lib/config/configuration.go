/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config reads the telemeter YAML configuration file and applies it,
// along with environment overrides, to a service.Config.
package config

import (
	"bytes"
	"net/url"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/service"
)

// FileConfig mirrors the structure of the telemeter YAML config file. Zero
// values mean "use the default".
type FileConfig struct {
	// ListenAddr is the public API listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// DiagAddr is the diagnostics listen address.
	DiagAddr string `yaml:"diag_addr,omitempty"`
	// Environment is "dev" or "prod".
	Environment string `yaml:"environment,omitempty"`
	// Database configures the PostgreSQL connection.
	Database DatabaseConfig `yaml:"database,omitempty"`
	// Log configures process logging.
	Log LogConfig `yaml:"log,omitempty"`
	// Tracing configures the OTLP trace exporter.
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	// Webhooks tunes the delivery worker.
	Webhooks WebhookConfig `yaml:"webhooks,omitempty"`
	// Backfill tunes the backfill worker.
	Backfill BackfillConfig `yaml:"backfill,omitempty"`
	// ShutdownTimeout bounds the graceful drain, e.g. "30s".
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// DatabaseConfig is the "database" section.
type DatabaseConfig struct {
	// URL is a postgres:// connection URL. The "#disable_timescale"
	// fragment opts out of TimescaleDB DDL.
	URL string `yaml:"url,omitempty"`
	// PoolMaxConns caps the connection pool.
	PoolMaxConns int `yaml:"pool_max_conns,omitempty"`
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// LogConfig is the "log" section.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
	// Severity is a slog level name.
	Severity string `yaml:"severity,omitempty"`
}

// TracingConfig is the "tracing" section.
type TracingConfig struct {
	// ExporterURL is the OTLP HTTP collector endpoint. Empty disables
	// tracing.
	ExporterURL string `yaml:"exporter_url,omitempty"`
	// SamplingRate is the fraction of traces to sample in [0, 1].
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
	// Insecure allows a plaintext collector connection.
	Insecure bool `yaml:"insecure,omitempty"`
}

// WebhookConfig is the "webhooks" section.
type WebhookConfig struct {
	Disabled     bool          `yaml:"disabled,omitempty"`
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	Workers      int           `yaml:"workers,omitempty"`
}

// BackfillConfig is the "backfill" section.
type BackfillConfig struct {
	Disabled     bool          `yaml:"disabled,omitempty"`
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	PageSize     int           `yaml:"page_size,omitempty"`
}

// ReadConfigFile reads the config file at filePath. An empty filePath falls
// back to the default location; a missing file at the default location is not
// an error and returns nil so a pure-environment setup works.
func ReadConfigFile(filePath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if filePath != "" {
		configFilePath = filePath
	}
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			if filePath != "" {
				return nil, trace.NotFound("config file %v does not exist", filePath)
			}
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	return ReadConfig(data)
}

// ReadConfig parses YAML config data, rejecting unknown fields.
func ReadConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}

// ApplyFileConfig applies the parsed file config onto cfg. A nil fc is a
// no-op.
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	if fc == nil {
		return nil
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DiagAddr != "" {
		cfg.DiagAddr = fc.DiagAddr
	}
	if fc.Environment != "" {
		cfg.Environment = fc.Environment
	}
	if fc.Database.URL != "" {
		if err := applyDatabaseURL(fc.Database.URL, cfg); err != nil {
			return trace.Wrap(err)
		}
	}
	cfg.Database.PoolMaxConns = fc.Database.PoolMaxConns
	cfg.Database.ConnectTimeout = fc.Database.ConnectTimeout
	if fc.Log.Format != "" {
		cfg.Log.Format = fc.Log.Format
	}
	if fc.Log.Severity != "" {
		cfg.Log.Severity = fc.Log.Severity
	}
	if fc.Tracing.ExporterURL != "" {
		cfg.Tracing.ExporterURL = fc.Tracing.ExporterURL
		cfg.Tracing.SamplingRate = fc.Tracing.SamplingRate
		cfg.Tracing.Insecure = fc.Tracing.Insecure
	}
	cfg.Webhooks.Disabled = fc.Webhooks.Disabled
	cfg.Webhooks.TickInterval = fc.Webhooks.TickInterval
	cfg.Webhooks.Timeout = fc.Webhooks.Timeout
	cfg.Webhooks.MaxAttempts = fc.Webhooks.MaxAttempts
	cfg.Webhooks.Workers = fc.Webhooks.Workers
	cfg.Backfill.Disabled = fc.Backfill.Disabled
	cfg.Backfill.TickInterval = fc.Backfill.TickInterval
	cfg.Backfill.PageSize = fc.Backfill.PageSize
	if fc.ShutdownTimeout != 0 {
		cfg.ShutdownTimeout = fc.ShutdownTimeout
	}
	return nil
}

// Environment variables understood by ApplyEnvironment. They take precedence
// over the config file so containerized deployments can override single
// settings.
const (
	// DatabaseURLEnvar overrides the database connection URL.
	DatabaseURLEnvar = "TELEMETER_DATABASE_URL"
	// ListenAddrEnvar overrides the public API listen address.
	ListenAddrEnvar = "TELEMETER_LISTEN_ADDR"
	// DiagAddrEnvar overrides the diagnostics listen address.
	DiagAddrEnvar = "TELEMETER_DIAG_ADDR"
	// LogSeverityEnvar overrides the log severity.
	LogSeverityEnvar = "TELEMETER_LOG_LEVEL"
	// EnvironmentEnvar overrides the deployment environment.
	EnvironmentEnvar = "TELEMETER_ENVIRONMENT"
	// TracingEndpointEnvar overrides the OTLP exporter endpoint.
	TracingEndpointEnvar = "TELEMETER_TRACING_ENDPOINT"
)

// ApplyEnvironment applies environment variable overrides onto cfg.
func ApplyEnvironment(cfg *service.Config) error {
	if v := os.Getenv(DatabaseURLEnvar); v != "" {
		if err := applyDatabaseURL(v, cfg); err != nil {
			return trace.Wrap(err)
		}
	}
	if v := os.Getenv(ListenAddrEnvar); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(DiagAddrEnvar); v != "" {
		cfg.DiagAddr = v
	}
	if v := os.Getenv(LogSeverityEnvar); v != "" {
		cfg.Log.Severity = v
	}
	if v := os.Getenv(EnvironmentEnvar); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(TracingEndpointEnvar); v != "" {
		cfg.Tracing.ExporterURL = v
	}
	return nil
}

// Load resolves the complete runtime configuration: file, then environment
// overrides.
func Load(configFilePath string) (*service.Config, error) {
	if configFilePath == "" {
		configFilePath = os.Getenv(defaults.ConfigEnvar)
	}
	fc, err := ReadConfigFile(configFilePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := &service.Config{}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ApplyEnvironment(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func applyDatabaseURL(raw string, cfg *service.Config) error {
	u, err := url.Parse(raw)
	if err != nil {
		return trace.BadParameter("invalid database URL: %v", err)
	}
	return trace.Wrap(cfg.Database.SetFromURL(u))
}
