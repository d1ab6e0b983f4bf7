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
	"bytes"
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const sensorColumns = `id, project_id, name, status, token_hash, token_preview,
	active_profile_id, created_at, updated_at`

func scanSensor(row pgx.Row) (*Sensor, error) {
	var s Sensor
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Status, &s.TokenHash,
		&s.TokenPreview, &s.ActiveProfileID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("sensor not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &s, nil
}

// CreateSensor inserts a sensor owned by the given project.
func (s *Store) CreateSensor(ctx context.Context, projectID uuid.UUID, name string, tokenHash []byte, tokenPreview string) (*Sensor, error) {
	return scanSensor(s.pool.QueryRow(ctx, `
		INSERT INTO sensors (project_id, name, token_hash, token_preview)
		VALUES ($1, $2, $3, $4)
		RETURNING `+sensorColumns,
		projectID, name, tokenHash, tokenPreview))
}

// GetSensor fetches a sensor by id.
func (s *Store) GetSensor(ctx context.Context, sensorID uuid.UUID) (*Sensor, error) {
	return scanSensor(s.pool.QueryRow(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE id = $1`, sensorID))
}

// AuthenticateSensor fetches the sensor only if the token hash matches and
// the sensor is active. A missing sensor and a bad token are
// indistinguishable to the caller.
func (s *Store) AuthenticateSensor(ctx context.Context, sensorID uuid.UUID, tokenHash []byte) (*Sensor, error) {
	sensor, err := scanSensor(s.pool.QueryRow(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE id = $1 AND status = $2`,
		sensorID, SensorStatusActive))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("invalid sensor token")
		}
		return nil, trace.Wrap(err)
	}
	if !bytes.Equal(sensor.TokenHash, tokenHash) {
		return nil, trace.AccessDenied("invalid sensor token")
	}
	return sensor, nil
}

// RotateSensorToken replaces the sensor's token hash, invalidating the
// previous token immediately.
func (s *Store) RotateSensorToken(ctx context.Context, sensorID uuid.UUID, tokenHash []byte, tokenPreview string) (*Sensor, error) {
	return scanSensor(s.pool.QueryRow(ctx, `
		UPDATE sensors SET token_hash = $2, token_preview = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+sensorColumns,
		sensorID, tokenHash, tokenPreview))
}

// AttachSensorProject grants an additional project access to the sensor.
// Attaching an already attached project is a no-op.
func (s *Store) AttachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_projects (sensor_id, project_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		sensorID, projectID)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		// row already present; verify the sensor exists so a bad id still 404s
		if _, err := s.GetSensor(ctx, sensorID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DetachSensorProject revokes an attached project's access. The primary
// project cannot be detached.
func (s *Store) DetachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error {
	sensor, err := s.GetSensor(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	if sensor.ProjectID == projectID {
		return trace.BadParameter("cannot detach the sensor's primary project")
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sensor_projects WHERE sensor_id = $1 AND project_id = $2`,
		sensorID, projectID)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("sensor is not attached to project %v", projectID)
	}
	return nil
}

// SensorInProject reports whether the project may access the sensor, either
// as its primary project or through a sensor_projects attachment. Both
// sources remain authoritative.
func (s *Store) SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sensors WHERE id = $1 AND project_id = $2
			UNION ALL
			SELECT 1 FROM sensor_projects WHERE sensor_id = $1 AND project_id = $2
		)`,
		sensorID, projectID).Scan(&ok)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return ok, nil
}

// DeleteSensor removes a sensor and, via cascades, its profiles, membership
// rows and backfill tasks. Deletion is refused while any capture session in
// a run using the sensor is active.
func (s *Store) DeleteSensor(ctx context.Context, sensorID uuid.UUID) error {
	return trace.Wrap(s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM capture_sessions cs
				JOIN run_sensors rs ON rs.run_id = cs.run_id
				WHERE rs.sensor_id = $1 AND cs.status IN ($2, $3)
			)`,
			sensorID, SessionStatusRunning, SessionStatusBackfilling,
		).Scan(&active); err != nil {
			return trace.Wrap(err)
		}
		if active {
			return trace.AlreadyExists("sensor has active capture sessions")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM sensors WHERE id = $1`, sensorID)
		if err != nil {
			return trace.Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("sensor not found")
		}
		return nil
	}))
}
