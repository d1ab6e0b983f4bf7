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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

// InsertTelemetry appends a batch of readings in one multi-row statement.
// Columns are passed as parallel arrays and unnested server-side, which
// keeps the parameter count flat regardless of batch size. The whole batch
// commits or none of it does; ids are assigned by the insert in slice order,
// so readings with equal timestamps keep their batch order.
func (s *Store) InsertTelemetry(ctx context.Context, records []TelemetryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var (
		sensorIDs  = make([]uuid.UUID, len(records))
		timestamps = make([]time.Time, len(records))
		signals    = make([]string, len(records))
		raws       = make([]float64, len(records))
		physicals  = make([]*float64, len(records))
		statuses   = make([]string, len(records))
		profileIDs = make([]*uuid.UUID, len(records))
		sessionIDs = make([]*uuid.UUID, len(records))
		metas      = make([][]byte, len(records))
	)
	for i, r := range records {
		meta := r.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return 0, trace.BadParameter("reading %d meta is not JSON-encodable: %v", i, err)
		}
		sensorIDs[i] = r.SensorID
		timestamps[i] = r.Timestamp
		signals[i] = r.Signal
		raws[i] = r.RawValue
		physicals[i] = r.PhysicalValue
		statuses[i] = r.ConversionStatus
		profileIDs[i] = r.ConversionProfileID
		sessionIDs[i] = r.CaptureSessionID
		metas[i] = encoded
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO telemetry_records
			(sensor_id, "timestamp", signal, raw_value, physical_value,
			conversion_status, conversion_profile_id, capture_session_id, meta)
		SELECT * FROM unnest(
			$1::uuid[], $2::timestamptz[], $3::text[], $4::float8[], $5::float8[],
			$6::text[], $7::uuid[], $8::uuid[], $9::jsonb[])`,
		sensorIDs, timestamps, signals, raws, physicals, statuses, profileIDs, sessionIDs, metas)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(tag.RowsAffected()), nil
}

const telemetryColumns = `id, sensor_id, "timestamp", signal, raw_value,
	physical_value, conversion_status, conversion_profile_id,
	capture_session_id, meta, created_at`

func scanTelemetry(rows pgx.Rows) ([]TelemetryRecord, error) {
	defer rows.Close()
	var records []TelemetryRecord
	for rows.Next() {
		var r TelemetryRecord
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Timestamp, &r.Signal,
			&r.RawValue, &r.PhysicalValue, &r.ConversionStatus,
			&r.ConversionProfileID, &r.CaptureSessionID, &r.Meta, &r.CreatedAt,
		); err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, r)
	}
	return records, trace.Wrap(rows.Err())
}

// TelemetryCursor is the keyset position of a telemetry page. The zero value
// starts before the first row.
type TelemetryCursor struct {
	Timestamp time.Time
	ID        int64
}

// ListSessionTelemetry returns one keyset page of a capture session's
// readings ordered by (timestamp, id) ascending.
func (s *Store) ListSessionTelemetry(ctx context.Context, sessionID uuid.UUID, after TelemetryCursor, limit int) ([]TelemetryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+telemetryColumns+` FROM telemetry_records
		WHERE capture_session_id = $1 AND ("timestamp", id) > ($2, $3)
		ORDER BY "timestamp", id
		LIMIT $4`,
		sessionID, after.Timestamp, after.ID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return scanTelemetry(rows)
}

// CountConversionOutdated counts the sensor's readings whose conversion does
// not reflect the given profile: rows converted by another profile and rows
// stored raw_only or conversion_failed.
func (s *Store) CountConversionOutdated(ctx context.Context, sensorID, profileID uuid.UUID) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM telemetry_records
		WHERE sensor_id = $1
			AND (conversion_profile_id IS DISTINCT FROM $2
				OR conversion_status IN ($3, $4))`,
		sensorID, profileID, ConversionStatusRawOnly, ConversionStatusFailed,
	).Scan(&total)
	return total, trace.Wrap(err)
}

// ConversionPage returns one keyset page of readings needing reconversion
// for the profile, ordered by (timestamp, id) ascending.
func (s *Store) ConversionPage(ctx context.Context, sensorID, profileID uuid.UUID, after TelemetryCursor, limit int) ([]TelemetryRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+telemetryColumns+` FROM telemetry_records
		WHERE sensor_id = $1
			AND (conversion_profile_id IS DISTINCT FROM $2
				OR conversion_status IN ($3, $4))
			AND ("timestamp", id) > ($5, $6)
		ORDER BY "timestamp", id
		LIMIT $7`,
		sensorID, profileID, ConversionStatusRawOnly, ConversionStatusFailed,
		after.Timestamp, after.ID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return scanTelemetry(rows)
}

// ConversionUpdate rewrites the conversion outcome of one telemetry row.
// Only backfill uses it; raw values are immutable.
type ConversionUpdate struct {
	SensorID      uuid.UUID
	Timestamp     time.Time
	ID            int64
	PhysicalValue *float64
	Status        string
	ProfileID     uuid.UUID
}

// ApplyConversionUpdates rewrites a page of conversion outcomes in a single
// transaction, so a page either fully commits or leaves every row for the
// next pass.
func (s *Store) ApplyConversionUpdates(ctx context.Context, updates []ConversionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE telemetry_records
			SET physical_value = $4, conversion_status = $5, conversion_profile_id = $6
			WHERE sensor_id = $1 AND "timestamp" = $2 AND id = $3`,
			u.SensorID, u.Timestamp, u.ID, u.PhysicalValue, u.Status, u.ProfileID)
	}
	return trace.Wrap(s.inTx(ctx, func(tx pgx.Tx) error {
		return trace.Wrap(tx.SendBatch(ctx, batch).Close())
	}))
}

// TelemetryAggregateFilter selects telemetry_1m buckets.
type TelemetryAggregateFilter struct {
	SensorID         uuid.UUID
	Signal           *string
	CaptureSessionID *uuid.UUID
	From             time.Time
	To               time.Time
	Limit            int
}

// QueryTelemetry1m reads the 1-minute rollup for a sensor, optionally
// narrowed to one signal and capture session, ordered by bucket ascending.
func (s *Store) QueryTelemetry1m(ctx context.Context, filter TelemetryAggregateFilter) ([]TelemetryBucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket, sensor_id, signal, capture_session_id, sample_count,
			avg_raw, min_raw, max_raw, avg_physical, min_physical, max_physical
		FROM telemetry_1m
		WHERE sensor_id = $1
			AND bucket >= $2 AND bucket < $3
			AND ($4::text IS NULL OR signal = $4)
			AND ($5::uuid IS NULL OR capture_session_id = $5)
		ORDER BY bucket
		LIMIT $6`,
		filter.SensorID, filter.From, filter.To, filter.Signal,
		filter.CaptureSessionID, filter.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var buckets []TelemetryBucket
	for rows.Next() {
		var b TelemetryBucket
		if err := rows.Scan(&b.Bucket, &b.SensorID, &b.Signal, &b.CaptureSessionID,
			&b.SampleCount, &b.AvgRaw, &b.MinRaw, &b.MaxRaw,
			&b.AvgPhysical, &b.MinPhysical, &b.MaxPhysical,
		); err != nil {
			return nil, trace.Wrap(err)
		}
		buckets = append(buckets, b)
	}
	return buckets, trace.Wrap(rows.Err())
}
