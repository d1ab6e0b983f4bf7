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

// Package profiles implements the conversion profile lifecycle:
// draft→active→retired, with payloads validated at creation, cache
// invalidation and optional backfill enqueue on publish.
package profiles

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/conversion"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
)

// Store is the persistence surface of the profile lifecycle.
type Store interface {
	GetSensor(ctx context.Context, sensorID uuid.UUID) (*storage.Sensor, error)
	SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error)
	CreateProfileDraft(ctx context.Context, sensorID uuid.UUID, kind string, payload []byte) (*storage.ConversionProfile, error)
	GetProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error)
	ListProfiles(ctx context.Context, sensorID uuid.UUID) ([]storage.ConversionProfile, error)
	PublishProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error)
	RetireProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error)
	EnqueueBackfillTask(ctx context.Context, sensorID, projectID, profileID uuid.UUID, createdBy *uuid.UUID) (*storage.BackfillTask, error)
}

// Invalidator drops a sensor's cached active profile after a lifecycle
// change in this process.
type Invalidator interface {
	Invalidate(sensorID uuid.UUID)
}

// Emitter fans a domain event out to the project's webhook subscriptions.
type Emitter interface {
	Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error
}

// Config configures the profile service.
type Config struct {
	Store   Store
	Cache   Invalidator
	Emitter Emitter
	Clock   clockwork.Clock
	Log     *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentStorage, "service", "profiles")
	}
	return nil
}

// Service implements the conversion profile lifecycle.
type Service struct {
	store   Store
	cache   Invalidator
	emitter Emitter
	clock   clockwork.Clock
	log     *slog.Logger
}

// NewService creates a profile service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		store:   cfg.Store,
		cache:   cfg.Cache,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		log:     cfg.Log,
	}, nil
}

// CreateDraft validates the payload with the conversion engine and stores a
// draft profile with the sensor's next version number. Malformed payloads
// are rejected here, never at reading time.
func (s *Service) CreateDraft(ctx context.Context, projectID, sensorID uuid.UUID, kind string, payload []byte) (*storage.ConversionProfile, error) {
	if err := s.checkAccess(ctx, projectID, sensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	parsedKind, err := conversion.ParseKind(kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := conversion.ParseProfile(parsedKind, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := s.store.CreateProfileDraft(ctx, sensorID, kind, payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Created conversion profile draft",
		"sensor_id", sensorID, "profile_id", profile.ID, "version", profile.Version)
	return profile, nil
}

// PublishParams configures a profile publish.
type PublishParams struct {
	ProjectID uuid.UUID
	ProfileID uuid.UUID
	// EnqueueBackfill also queues a reprocessing task for the sensor's
	// historical readings.
	EnqueueBackfill bool
	// ActorID attributes the publish (and the backfill task, if any).
	ActorID *uuid.UUID
}

// Publish activates a draft profile: the previous active profile is retired
// in the same transaction, the local cache entry is dropped, a backfill task
// is optionally enqueued and conversion_profile.published is emitted.
func (s *Service) Publish(ctx context.Context, params PublishParams) (*storage.ConversionProfile, error) {
	profile, err := s.store.GetProfile(ctx, params.ProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.checkAccess(ctx, params.ProjectID, profile.SensorID); err != nil {
		return nil, trace.Wrap(err)
	}

	published, err := s.store.PublishProfile(ctx, params.ProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Invalidate(published.SensorID)
	s.log.InfoContext(ctx, "Published conversion profile",
		"sensor_id", published.SensorID, "profile_id", published.ID, "version", published.Version)

	eventPayload := map[string]any{
		"sensor_id":  published.SensorID.String(),
		"profile_id": published.ID.String(),
		"version":    published.Version,
		"kind":       published.Kind,
	}
	if params.EnqueueBackfill {
		task, err := s.store.EnqueueBackfillTask(ctx, published.SensorID, params.ProjectID, published.ID, params.ActorID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		eventPayload["backfill_task_id"] = task.ID.String()
	}

	if err := s.emitter.Emit(ctx, params.ProjectID, events.Event{
		Type:       events.ConversionProfilePublished,
		OccurredAt: s.clock.Now().UTC(),
		Payload:    eventPayload,
	}); err != nil {
		s.log.WarnContext(ctx, "Failed to emit profile published event",
			"profile_id", published.ID, "error", err)
	}
	return published, nil
}

// Retire retires a profile. When it was the sensor's active one, readings
// fall back to raw_only after caches expire.
func (s *Service) Retire(ctx context.Context, projectID, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	profile, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.checkAccess(ctx, projectID, profile.SensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	retired, err := s.store.RetireProfile(ctx, profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Invalidate(retired.SensorID)
	s.log.InfoContext(ctx, "Retired conversion profile",
		"sensor_id", retired.SensorID, "profile_id", retired.ID)
	return retired, nil
}

// Get fetches a profile within the project scope.
func (s *Service) Get(ctx context.Context, projectID, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	profile, err := s.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.checkAccess(ctx, projectID, profile.SensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

// List returns the sensor's profiles, newest version first.
func (s *Service) List(ctx context.Context, projectID, sensorID uuid.UUID) ([]storage.ConversionProfile, error) {
	if err := s.checkAccess(ctx, projectID, sensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.ListProfiles(ctx, sensorID)
}

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
