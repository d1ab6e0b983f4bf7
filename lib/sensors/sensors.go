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

// Package sensors manages sensor identities: creation with a one-time
// bearer token, token rotation and cross-project attachment.
package sensors

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/storage"
)

// Store is the sensor persistence surface the service needs.
type Store interface {
	CreateSensor(ctx context.Context, projectID uuid.UUID, name string, tokenHash []byte, tokenPreview string) (*storage.Sensor, error)
	GetSensor(ctx context.Context, sensorID uuid.UUID) (*storage.Sensor, error)
	RotateSensorToken(ctx context.Context, sensorID uuid.UUID, tokenHash []byte, tokenPreview string) (*storage.Sensor, error)
	AttachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error
	DetachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error
	SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error)
	DeleteSensor(ctx context.Context, sensorID uuid.UUID) error
}

// Config configures the sensor service.
type Config struct {
	Store Store
	Log   *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentIngest)
	}
	return nil
}

// Service implements sensor identity management scoped to a project.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a sensor service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{store: cfg.Store, log: cfg.Log}, nil
}

// Created pairs a new sensor with its one-time plaintext token.
type Created struct {
	Sensor *storage.Sensor
	Token  string
}

// Create registers a sensor under the project and returns the plaintext
// token, which is not retrievable afterwards.
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, name string) (*Created, error) {
	if name == "" {
		return nil, trace.BadParameter("missing sensor name")
	}
	token, hash, preview, err := NewToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensor, err := s.store.CreateSensor(ctx, projectID, name, hash, preview)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Created sensor",
		"sensor_id", sensor.ID, "project_id", projectID)
	return &Created{Sensor: sensor, Token: token}, nil
}

// Get fetches a sensor the project can access.
func (s *Service) Get(ctx context.Context, projectID, sensorID uuid.UUID) (*storage.Sensor, error) {
	if err := s.checkAccess(ctx, projectID, sensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.GetSensor(ctx, sensorID)
}

// RotateToken replaces the sensor's token, invalidating the previous one
// immediately, and returns the new plaintext token once.
func (s *Service) RotateToken(ctx context.Context, projectID, sensorID uuid.UUID) (*Created, error) {
	if err := s.checkAccess(ctx, projectID, sensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	token, hash, preview, err := NewToken()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensor, err := s.store.RotateSensorToken(ctx, sensorID, hash, preview)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Rotated sensor token", "sensor_id", sensorID)
	return &Created{Sensor: sensor, Token: token}, nil
}

// AttachProject grants another project access to the sensor. Only the
// sensor's primary project may extend membership.
func (s *Service) AttachProject(ctx context.Context, projectID, sensorID, targetProjectID uuid.UUID) error {
	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	if sensor.ProjectID != projectID {
		return trace.AccessDenied("only the sensor's primary project can manage membership")
	}
	if targetProjectID == sensor.ProjectID {
		return trace.BadParameter("sensor already belongs to its primary project")
	}
	return trace.Wrap(s.store.AttachSensorProject(ctx, sensorID, targetProjectID))
}

// DetachProject revokes an attached project's access to the sensor.
func (s *Service) DetachProject(ctx context.Context, projectID, sensorID, targetProjectID uuid.UUID) error {
	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	if sensor.ProjectID != projectID {
		return trace.AccessDenied("only the sensor's primary project can manage membership")
	}
	return trace.Wrap(s.store.DetachSensorProject(ctx, sensorID, targetProjectID))
}

// Delete removes a sensor. Refused while the sensor participates in an
// active capture session.
func (s *Service) Delete(ctx context.Context, projectID, sensorID uuid.UUID) error {
	sensor, err := s.store.GetSensor(ctx, sensorID)
	if err != nil {
		return trace.Wrap(err)
	}
	if sensor.ProjectID != projectID {
		return trace.AccessDenied("only the sensor's primary project can delete it")
	}
	if err := s.store.DeleteSensor(ctx, sensorID); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Deleted sensor", "sensor_id", sensorID)
	return nil
}

// checkAccess hides sensors outside the project's reach behind NotFound, so
// probing for foreign sensor ids leaks nothing.
func (s *Service) checkAccess(ctx context.Context, projectID, sensorID uuid.UUID) error {
	ok, err := s.store.SensorInProject(ctx, sensorID, projectID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.NotFound("sensor not found")
	}
	return nil
}
