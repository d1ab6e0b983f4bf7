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
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const profileColumns = `id, sensor_id, version, kind, payload, status,
	valid_from, valid_to, created_at, updated_at`

func scanProfile(row pgx.Row) (*ConversionProfile, error) {
	var p ConversionProfile
	err := row.Scan(&p.ID, &p.SensorID, &p.Version, &p.Kind, &p.Payload,
		&p.Status, &p.ValidFrom, &p.ValidTo, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("conversion profile not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// CreateProfileDraft inserts a draft profile with the next version number
// for the sensor. The payload must already be validated by the conversion
// engine.
func (s *Store) CreateProfileDraft(ctx context.Context, sensorID uuid.UUID, kind string, payload []byte) (*ConversionProfile, error) {
	profile, err := scanProfile(s.pool.QueryRow(ctx, `
		INSERT INTO conversion_profiles (sensor_id, version, kind, payload)
		SELECT $1, coalesce(max(version), 0) + 1, $2, $3
		FROM conversion_profiles WHERE sensor_id = $1
		RETURNING `+profileColumns,
		sensorID, kind, payload))
	if err != nil {
		if isUniqueViolation(err, "conversion_profiles_sensor_version_key") {
			return nil, trace.AlreadyExists("concurrent profile creation for sensor %v, retry", sensorID)
		}
		if isForeignKeyViolation(err) {
			return nil, trace.NotFound("sensor not found")
		}
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

// GetProfile fetches a profile by id.
func (s *Store) GetProfile(ctx context.Context, profileID uuid.UUID) (*ConversionProfile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM conversion_profiles WHERE id = $1`, profileID))
}

// GetActiveProfile fetches the sensor's currently active profile, or
// NotFound when the sensor has none.
func (s *Store) GetActiveProfile(ctx context.Context, sensorID uuid.UUID) (*ConversionProfile, error) {
	profile, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM conversion_profiles WHERE sensor_id = $1 AND status = $2`,
		sensorID, ProfileStatusActive))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("sensor %v has no active conversion profile", sensorID)
		}
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

// ListProfiles returns every profile of the sensor, newest version first.
func (s *Store) ListProfiles(ctx context.Context, sensorID uuid.UUID) ([]ConversionProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM conversion_profiles WHERE sensor_id = $1 ORDER BY version DESC`,
		sensorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var profiles []ConversionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, trace.Wrap(rows.Err())
}

// PublishProfile activates a draft profile in one transaction: the previous
// active profile (if any) is retired with valid_to stamped, the draft
// becomes active with valid_from stamped, and the sensor's active_profile_id
// is updated. Publishing a non-draft profile is a conflict.
func (s *Store) PublishProfile(ctx context.Context, profileID uuid.UUID) (*ConversionProfile, error) {
	var published *ConversionProfile
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		profile, err := scanProfile(tx.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM conversion_profiles WHERE id = $1 FOR UPDATE`,
			profileID))
		if err != nil {
			return trace.Wrap(err)
		}
		if profile.Status != ProfileStatusDraft {
			return trace.AlreadyExists("conversion profile %v is %s, only drafts can be published",
				profileID, profile.Status)
		}
		now := s.Now()
		if _, err := tx.Exec(ctx, `
			UPDATE conversion_profiles
			SET status = $2, valid_to = $3, updated_at = now()
			WHERE sensor_id = $1 AND status = $4`,
			profile.SensorID, ProfileStatusRetired, now, ProfileStatusActive,
		); err != nil {
			return trace.Wrap(err)
		}
		published, err = scanProfile(tx.QueryRow(ctx, `
			UPDATE conversion_profiles
			SET status = $2, valid_from = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+profileColumns,
			profileID, ProfileStatusActive, now))
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sensors SET active_profile_id = $2, updated_at = now() WHERE id = $1`,
			profile.SensorID, profileID,
		); err != nil {
			return trace.Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return published, nil
}

// RetireProfile retires the profile, leaving the sensor without an active
// profile when it was the active one. Subsequent readings are stored
// raw_only once the profile cache expires.
func (s *Store) RetireProfile(ctx context.Context, profileID uuid.UUID) (*ConversionProfile, error) {
	var retired *ConversionProfile
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		profile, err := scanProfile(tx.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM conversion_profiles WHERE id = $1 FOR UPDATE`,
			profileID))
		if err != nil {
			return trace.Wrap(err)
		}
		if profile.Status == ProfileStatusRetired {
			retired = profile
			return nil
		}
		retired, err = scanProfile(tx.QueryRow(ctx, `
			UPDATE conversion_profiles
			SET status = $2, valid_to = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+profileColumns,
			profileID, ProfileStatusRetired, s.Now()))
		if err != nil {
			return trace.Wrap(err)
		}
		if profile.Status == ProfileStatusActive {
			if _, err := tx.Exec(ctx, `
				UPDATE sensors SET active_profile_id = NULL, updated_at = now()
				WHERE id = $1 AND active_profile_id = $2`,
				profile.SensorID, profileID,
			); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return retired, nil
}
