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

package storage

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

// migrationLockID keys the advisory lock serializing schema setup across
// processes. Arbitrary but stable.
const migrationLockID = 573_807_201

// schemas contains one string of DDL per schema version, applied in order
// inside a single transaction each. Never edit an entry that has shipped;
// append a new one.
var schemas = []string{
	// v1: full core schema
	`
CREATE TABLE sensors (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id uuid NOT NULL,
	name text NOT NULL DEFAULT '',
	status text NOT NULL DEFAULT 'active',
	token_hash bytea NOT NULL,
	token_preview text NOT NULL DEFAULT '',
	active_profile_id uuid,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE sensor_projects (
	sensor_id uuid NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
	project_id uuid NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (sensor_id, project_id)
);

CREATE TABLE conversion_profiles (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	sensor_id uuid NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
	version integer NOT NULL,
	kind text NOT NULL,
	payload jsonb NOT NULL,
	status text NOT NULL DEFAULT 'draft',
	valid_from timestamptz,
	valid_to timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT conversion_profiles_sensor_version_key UNIQUE (sensor_id, version)
);

CREATE UNIQUE INDEX conversion_profiles_one_active_idx
	ON conversion_profiles (sensor_id) WHERE status = 'active';

ALTER TABLE sensors
	ADD CONSTRAINT sensors_active_profile_fkey
	FOREIGN KEY (active_profile_id) REFERENCES conversion_profiles(id) ON DELETE SET NULL;

CREATE TABLE experiments (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id uuid NOT NULL,
	owner_id uuid NOT NULL,
	name text NOT NULL,
	tags text[] NOT NULL DEFAULT '{}',
	metadata jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL DEFAULT 'draft',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE runs (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	experiment_id uuid NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
	params jsonb NOT NULL DEFAULT '{}',
	git_sha text NOT NULL DEFAULT '',
	env jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL DEFAULT 'draft',
	started_at timestamptz,
	finished_at timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE run_sensors (
	run_id uuid NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	sensor_id uuid NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, sensor_id)
);

CREATE TABLE capture_sessions (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	run_id uuid NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	project_id uuid NOT NULL,
	ordinal_number integer NOT NULL,
	status text NOT NULL DEFAULT 'draft',
	started_at timestamptz,
	stopped_at timestamptz,
	initiated_by uuid,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT capture_sessions_run_ordinal_key UNIQUE (run_id, ordinal_number)
);

-- no FK to capture_sessions: the audit log outlives deleted sessions
CREATE TABLE capture_session_events (
	id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	capture_session_id uuid NOT NULL,
	event_type text NOT NULL,
	actor_id uuid,
	actor_role text NOT NULL DEFAULT '',
	payload jsonb NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX capture_session_events_session_idx
	ON capture_session_events (capture_session_id, created_at, id);

-- no FKs: becomes a hypertable on TimescaleDB deployments
CREATE TABLE telemetry_records (
	id bigint GENERATED ALWAYS AS IDENTITY,
	sensor_id uuid NOT NULL,
	"timestamp" timestamptz NOT NULL,
	signal text NOT NULL DEFAULT '',
	raw_value double precision NOT NULL,
	physical_value double precision,
	conversion_status text NOT NULL DEFAULT 'raw_only',
	conversion_profile_id uuid,
	capture_session_id uuid,
	meta jsonb NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (sensor_id, "timestamp", id)
);

CREATE INDEX telemetry_records_session_idx
	ON telemetry_records (capture_session_id, "timestamp")
	WHERE capture_session_id IS NOT NULL;

CREATE TABLE conversion_backfill_tasks (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	sensor_id uuid NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
	project_id uuid NOT NULL,
	conversion_profile_id uuid NOT NULL REFERENCES conversion_profiles(id) ON DELETE CASCADE,
	status text NOT NULL DEFAULT 'pending',
	total_records bigint NOT NULL DEFAULT 0,
	processed_records bigint NOT NULL DEFAULT 0,
	error_message text,
	created_by uuid,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	started_at timestamptz,
	completed_at timestamptz
);

CREATE INDEX conversion_backfill_tasks_pending_idx
	ON conversion_backfill_tasks (created_at) WHERE status = 'pending';

CREATE TABLE webhook_subscriptions (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	project_id uuid NOT NULL,
	target_url text NOT NULL,
	event_types text[] NOT NULL,
	secret text,
	active boolean NOT NULL DEFAULT true,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX webhook_subscriptions_project_idx
	ON webhook_subscriptions (project_id) WHERE active;

CREATE TABLE webhook_deliveries (
	id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	subscription_id uuid NOT NULL REFERENCES webhook_subscriptions(id) ON DELETE CASCADE,
	project_id uuid NOT NULL,
	event_type text NOT NULL,
	target_url text NOT NULL,
	secret text,
	request_body jsonb NOT NULL,
	status text NOT NULL DEFAULT 'pending',
	attempt_count integer NOT NULL DEFAULT 0,
	last_error text,
	next_attempt_at timestamptz,
	locked_at timestamptz,
	dedup_key text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT webhook_deliveries_dedup_key_key UNIQUE (dedup_key)
);

CREATE INDEX webhook_deliveries_due_idx
	ON webhook_deliveries (next_attempt_at) WHERE status = 'pending';

CREATE INDEX webhook_deliveries_project_idx
	ON webhook_deliveries (project_id, created_at DESC);
`,
}

// setupAndMigrate applies the schema versions that the database is missing,
// serialized across processes with an advisory lock, then sets up the
// time-series layer.
func (s *Store) setupAndMigrate(ctx context.Context, disableTimescale bool) error {
	var version int
	if err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"SELECT pg_advisory_xact_lock($1)", migrationLockID,
		); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS telemeter_migrations (
				version integer PRIMARY KEY,
				created_at timestamptz NOT NULL DEFAULT now()
			)`,
		); err != nil {
			return trace.Wrap(err)
		}
		if err := tx.QueryRow(ctx,
			"SELECT coalesce(max(version), 0) FROM telemeter_migrations",
		).Scan(&version); err != nil {
			return trace.Wrap(err)
		}
		if version > len(schemas) {
			return trace.BadParameter(
				"database schema version %d is newer than this binary supports (%d)",
				version, len(schemas))
		}
		for i := version; i < len(schemas); i++ {
			// schema strings contain multiple statements, which only the
			// simple protocol can run
			if _, err := tx.Exec(ctx, schemas[i], pgx.QueryExecModeSimpleProtocol); err != nil {
				return trace.Wrap(err, "applying schema version %d", i+1)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO telemeter_migrations (version) VALUES ($1)", i+1,
			); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}); err != nil {
		return trace.Wrap(err)
	}
	if version < len(schemas) {
		s.log.InfoContext(ctx, "Applied schema migrations",
			"from_version", version, "to_version", len(schemas))
	}

	return trace.Wrap(s.setupTimeseries(ctx, disableTimescale))
}

// setupTimeseries converts telemetry_records into a hypertable and creates
// the telemetry_1m continuous aggregate. Continuous aggregate DDL cannot run
// inside a transaction, so this is separate from the migrations and
// idempotent. Without TimescaleDB a plain view keeps the 1m read path
// working.
func (s *Store) setupTimeseries(ctx context.Context, disableTimescale bool) error {
	hasTimescale := false
	if !disableTimescale {
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')",
		).Scan(&hasTimescale); err != nil {
			return trace.Wrap(err)
		}
	}

	if !hasTimescale {
		s.log.InfoContext(ctx, "TimescaleDB not available, using plain 1m rollup view",
			slog.Bool("disabled_by_config", disableTimescale))
		_, err := s.pool.Exec(ctx, `
CREATE OR REPLACE VIEW telemetry_1m AS
SELECT date_trunc('minute', "timestamp") AS bucket,
	sensor_id, signal, capture_session_id,
	count(*) AS sample_count,
	avg(raw_value) AS avg_raw, min(raw_value) AS min_raw, max(raw_value) AS max_raw,
	avg(physical_value) AS avg_physical, min(physical_value) AS min_physical, max(physical_value) AS max_physical
FROM telemetry_records
GROUP BY 1, sensor_id, signal, capture_session_id`)
		return trace.Wrap(err)
	}

	if _, err := s.pool.Exec(ctx,
		"SELECT create_hypertable('telemetry_records', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)",
	); err != nil {
		return trace.Wrap(err, "creating telemetry hypertable")
	}
	if _, err := s.pool.Exec(ctx, `
CREATE MATERIALIZED VIEW IF NOT EXISTS telemetry_1m
WITH (timescaledb.continuous) AS
SELECT time_bucket('1 minute', "timestamp") AS bucket,
	sensor_id, signal, capture_session_id,
	count(*) AS sample_count,
	avg(raw_value) AS avg_raw, min(raw_value) AS min_raw, max(raw_value) AS max_raw,
	avg(physical_value) AS avg_physical, min(physical_value) AS min_physical, max(physical_value) AS max_physical
FROM telemetry_records
GROUP BY bucket, sensor_id, signal, capture_session_id
WITH NO DATA`,
	); err != nil {
		return trace.Wrap(err, "creating telemetry_1m continuous aggregate")
	}
	if _, err := s.pool.Exec(ctx, `
SELECT add_continuous_aggregate_policy('telemetry_1m',
	start_offset => INTERVAL '1 hour',
	end_offset => INTERVAL '1 minute',
	schedule_interval => INTERVAL '1 minute',
	if_not_exists => TRUE)`,
	); err != nil {
		return trace.Wrap(err, "scheduling telemetry_1m refresh")
	}
	return nil
}
