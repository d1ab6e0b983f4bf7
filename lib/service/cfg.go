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

package service

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

// Config is the complete runtime configuration of a telemeter process,
// assembled by lib/config from the YAML file, environment and CLI flags.
type Config struct {
	// ListenAddr is the public API listen address.
	ListenAddr string

	// DiagAddr is the diagnostics (metrics, pprof) listen address. Empty
	// disables the diagnostics listener.
	DiagAddr string

	// Environment is "dev" or "prod". Dev relaxes CORS on the API.
	Environment string

	// Database configures the PostgreSQL/TimescaleDB connection.
	Database storage.Config

	// Log configures process logging.
	Log LogConfig

	// Tracing configures the OTLP trace exporter. Disabled when ExporterURL
	// is empty.
	Tracing TracingConfig

	// Webhooks tunes the delivery worker.
	Webhooks WebhookConfig

	// Backfill tunes the backfill worker.
	Backfill BackfillConfig

	// ShutdownTimeout bounds the graceful drain on termination.
	ShutdownTimeout time.Duration

	// Clock is used for time operations, overridden in tests.
	Clock clockwork.Clock
}

// LogConfig configures process logging.
type LogConfig struct {
	// Format is "text" or "json".
	Format string
	// Severity is a slog level name.
	Severity string
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	// ExporterURL is the OTLP HTTP endpoint. Empty disables tracing.
	ExporterURL string
	// SamplingRate is the fraction of traces to sample in [0, 1].
	SamplingRate float64
	// Insecure allows a plaintext collector connection.
	Insecure bool
}

// WebhookConfig tunes the delivery worker.
type WebhookConfig struct {
	// Disabled turns the delivery worker off in this process.
	Disabled bool
	// TickInterval is the queue poll interval.
	TickInterval time.Duration
	// Timeout bounds one outbound POST.
	Timeout time.Duration
	// MaxAttempts fails a delivery for good once reached.
	MaxAttempts int
	// Workers is the number of parallel senders.
	Workers int
}

// BackfillConfig tunes the backfill worker.
type BackfillConfig struct {
	// Disabled turns the backfill worker off in this process.
	Disabled bool
	// TickInterval is the queue poll interval.
	TickInterval time.Duration
	// PageSize bounds each rewrite transaction.
	PageSize int
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Database.ConnString == "" {
		return trace.BadParameter("missing database connection string")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	switch c.Environment {
	case "":
		c.Environment = telemeter.EnvironmentProd
	case telemeter.EnvironmentDev, telemeter.EnvironmentProd:
	default:
		return trace.BadParameter("unsupported environment %q", c.Environment)
	}
	if c.Log.Format == "" {
		c.Log.Format = utils.LogFormatText
	}
	if c.Log.Severity == "" {
		c.Log.Severity = "INFO"
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
