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

// Package defaults contains default constants set in various parts of the
// telemeter codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default address of the public API listener.
	HTTPListenAddr = "0.0.0.0:3580"

	// DiagListenAddr is the default address of the diagnostics listener
	// (/metrics, pprof). Empty disables it.
	DiagListenAddr = ""

	// ServiceName is reported by the health endpoint.
	ServiceName = "telemeter"

	// ConfigFilePath is where telemeter looks for its YAML config when
	// --config is not given.
	ConfigFilePath = "/etc/telemeter.yaml"

	// ConfigEnvar points at an alternative config file location.
	ConfigEnvar = "TELEMETER_CONFIG"
)

const (
	// DatabasePoolMaxConns caps the pgx pool. Zero lets pgx derive it from
	// GOMAXPROCS.
	DatabasePoolMaxConns = 0

	// DatabaseConnectTimeout bounds initial pool establishment.
	DatabaseConnectTimeout = 10 * time.Second

	// ShutdownTimeout bounds the graceful drain of HTTP connections and
	// worker loops.
	ShutdownTimeout = 30 * time.Second
)

const (
	// MaxBatchReadings is the most readings accepted in one ingest batch.
	MaxBatchReadings = 10000

	// ProfileCacheTTL is how long a cached active-profile lookup stays
	// fresh. Cross-process invalidation after a profile publish is eventual
	// within this window.
	ProfileCacheTTL = 60 * time.Second

	// ProfileCacheSize bounds the number of sensors held in the profile
	// cache per process.
	ProfileCacheSize = 4096

	// LateArrivalGrace is the window after which ingest tags a reading as a
	// late arrival in its __system meta. Late rows are tagged, never
	// rejected.
	LateArrivalGrace = 5 * time.Minute
)

const (
	// BackfillPageSize is the keyset page size for rewriting telemetry rows.
	BackfillPageSize = 1000

	// BackfillTickInterval is how often an idle worker polls for pending
	// tasks.
	BackfillTickInterval = 5 * time.Second

	// BackfillLeaseTimeout requeues a running task whose progress heartbeat
	// is older than this. Row conversion is idempotent, so re-claiming is
	// safe.
	BackfillLeaseTimeout = 15 * time.Minute

	// BackfillErrorMaxLen truncates task error messages.
	BackfillErrorMaxLen = 500
)

const (
	// WebhookTickInterval is how often the delivery worker polls for due
	// deliveries.
	WebhookTickInterval = 2 * time.Second

	// WebhookWorkers is the number of parallel senders per process.
	WebhookWorkers = 4

	// WebhookClaimLimit caps rows claimed per worker tick.
	WebhookClaimLimit = 16

	// WebhookTimeout bounds a single outbound POST.
	WebhookTimeout = 5 * time.Second

	// WebhookBackoffBase seeds the exponential retry backoff.
	WebhookBackoffBase = 10 * time.Second

	// WebhookBackoffMax caps the retry backoff.
	WebhookBackoffMax = time.Hour

	// WebhookMaxAttempts fails a delivery for good once reached.
	WebhookMaxAttempts = 8

	// WebhookErrorMaxLen truncates delivery last_error messages.
	WebhookErrorMaxLen = 500

	// WebhookStaleLease reverts in_progress deliveries to pending when the
	// owning worker disappears.
	WebhookStaleLease = 5 * time.Minute

	// WebhookSweepInterval is how often the stale-lease sweeper runs.
	WebhookSweepInterval = time.Minute
)

const (
	// EventsPageSize is the default audit event page.
	EventsPageSize = 50

	// DeliveriesPageSize is the default webhook delivery listing page.
	DeliveriesPageSize = 50

	// TelemetryPageSize is the default read-back page for telemetry rows.
	TelemetryPageSize = 1000

	// MaxHTTPRequestBytes caps a JSON request body. Sized for a full ingest
	// batch with headroom.
	MaxHTTPRequestBytes int64 = 16 * 1024 * 1024
)
