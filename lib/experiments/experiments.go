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

// Package experiments implements the experiment/run/capture-session
// lifecycle. Capture-session mutations write their audit record in the same
// storage transaction; webhook events are emitted after commit.
package experiments

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
)

// Store is the persistence surface of the lifecycle service.
type Store interface {
	CreateExperiment(ctx context.Context, projectID, ownerID uuid.UUID, name string, tags []string, metadata map[string]any) (*storage.Experiment, error)
	GetExperiment(ctx context.Context, experimentID uuid.UUID) (*storage.Experiment, error)
	SetExperimentStatus(ctx context.Context, experimentID uuid.UUID, status string) (*storage.Experiment, error)
	CreateRun(ctx context.Context, experimentID uuid.UUID, params map[string]any, gitSHA string, env map[string]any, sensorIDs []uuid.UUID) (*storage.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error)
	StartRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error)
	FinishRun(ctx context.Context, runID uuid.UUID, status string) (*storage.Run, error)
	CreateCaptureSession(ctx context.Context, runID, projectID uuid.UUID, initiatedBy *uuid.UUID, record storage.AuditRecord) (*storage.CaptureSession, error)
	GetCaptureSession(ctx context.Context, sessionID uuid.UUID) (*storage.CaptureSession, error)
	StopCaptureSession(ctx context.Context, sessionID uuid.UUID, status string, record storage.AuditRecord) (*storage.CaptureSession, error)
	DeleteCaptureSession(ctx context.Context, sessionID uuid.UUID, record storage.AuditRecord) (*storage.CaptureSession, error)
	ListCaptureSessionEvents(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]storage.CaptureSessionEvent, int64, error)
}

// Emitter fans a domain event out to the project's webhook subscriptions.
type Emitter interface {
	Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error
}

// Actor identifies the caller of a mutation, as asserted by the fronting
// auth gateway.
type Actor struct {
	UserID uuid.UUID
	Role   telemeter.Role
}

func (a Actor) auditRecord(eventType string) storage.AuditRecord {
	actorID := a.UserID
	return storage.AuditRecord{
		EventType: eventType,
		ActorID:   &actorID,
		ActorRole: a.Role.String(),
	}
}

// Config configures the lifecycle service.
type Config struct {
	Store   Store
	Emitter Emitter
	Clock   clockwork.Clock
	Log     *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentStorage, "service", "experiments")
	}
	return nil
}

// Service implements the experiment/run/capture-session lifecycle.
type Service struct {
	store   Store
	emitter Emitter
	clock   clockwork.Clock
	log     *slog.Logger
}

// NewService creates a lifecycle service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		store:   cfg.Store,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		log:     cfg.Log,
	}, nil
}

// CreateExperiment registers a draft experiment owned by the actor.
func (s *Service) CreateExperiment(ctx context.Context, projectID uuid.UUID, actor Actor, name string, tags []string, metadata map[string]any) (*storage.Experiment, error) {
	if name == "" {
		return nil, trace.BadParameter("missing experiment name")
	}
	experiment, err := s.store.CreateExperiment(ctx, projectID, actor.UserID, name, tags, metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Created experiment",
		"experiment_id", experiment.ID, "project_id", projectID)
	return experiment, nil
}

// GetExperiment fetches an experiment within the project scope.
func (s *Service) GetExperiment(ctx context.Context, projectID, experimentID uuid.UUID) (*storage.Experiment, error) {
	experiment, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if experiment.ProjectID != projectID {
		return nil, trace.NotFound("experiment not found")
	}
	return experiment, nil
}

// SetExperimentStatus advances the experiment state machine. Archiving
// forbids further runs.
func (s *Service) SetExperimentStatus(ctx context.Context, projectID, experimentID uuid.UUID, status string) (*storage.Experiment, error) {
	if _, err := s.GetExperiment(ctx, projectID, experimentID); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.SetExperimentStatus(ctx, experimentID, status)
}

// CreateRunParams describes a new run.
type CreateRunParams struct {
	ExperimentID uuid.UUID
	Params       map[string]any
	GitSHA       string
	Env          map[string]any
	SensorIDs    []uuid.UUID
}

// CreateRun registers a draft run under a non-archived experiment.
func (s *Service) CreateRun(ctx context.Context, projectID uuid.UUID, params CreateRunParams) (*storage.Run, error) {
	if _, err := s.GetExperiment(ctx, projectID, params.ExperimentID); err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := s.store.CreateRun(ctx, params.ExperimentID, params.Params, params.GitSHA, params.Env, params.SensorIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Created run",
		"run_id", run.ID, "experiment_id", params.ExperimentID)
	return run, nil
}

// GetRun fetches a run within the project scope.
func (s *Service) GetRun(ctx context.Context, projectID, runID uuid.UUID) (*storage.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if run.ProjectID != projectID {
		return nil, trace.NotFound("run not found")
	}
	return run, nil
}

// StartRun transitions a draft run to running and emits run.started.
func (s *Service) StartRun(ctx context.Context, projectID uuid.UUID, runID uuid.UUID) (*storage.Run, error) {
	if _, err := s.GetRun(ctx, projectID, runID); err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := s.store.StartRun(ctx, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Started run", "run_id", run.ID)
	s.emit(ctx, projectID, events.RunStarted, map[string]any{
		"run_id":        run.ID.String(),
		"experiment_id": run.ExperimentID.String(),
	})
	return run, nil
}

// FinishRun transitions a running run to succeeded or failed.
func (s *Service) FinishRun(ctx context.Context, projectID, runID uuid.UUID, status string) (*storage.Run, error) {
	if _, err := s.GetRun(ctx, projectID, runID); err != nil {
		return nil, trace.Wrap(err)
	}
	return s.store.FinishRun(ctx, runID, status)
}

// CreateSession opens a capture session under the run, assigning the next
// ordinal within it. The audit record commits with the session row;
// capture_session.created is emitted afterwards.
func (s *Service) CreateSession(ctx context.Context, projectID uuid.UUID, actor Actor, runID uuid.UUID) (*storage.CaptureSession, error) {
	run, err := s.GetRun(ctx, projectID, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if storage.RunIsTerminal(run.Status) {
		return nil, trace.AlreadyExists("run is %s and accepts no new capture sessions", run.Status)
	}
	actorID := actor.UserID
	session, err := s.store.CreateCaptureSession(ctx, runID, projectID, &actorID,
		actor.auditRecord(events.CaptureSessionCreated))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Created capture session",
		"session_id", session.ID, "run_id", runID, "ordinal", session.OrdinalNumber)
	s.emit(ctx, projectID, events.CaptureSessionCreated, sessionPayload(session))
	return session, nil
}

// GetSession fetches a capture session within the project scope.
func (s *Service) GetSession(ctx context.Context, projectID, sessionID uuid.UUID) (*storage.CaptureSession, error) {
	session, err := s.store.GetCaptureSession(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session.ProjectID != projectID {
		return nil, trace.NotFound("capture session not found")
	}
	return session, nil
}

// StopSession terminally stops a session with the given outcome status and
// emits capture_session.stopped. Stopped sessions cannot restart.
func (s *Service) StopSession(ctx context.Context, projectID uuid.UUID, actor Actor, sessionID uuid.UUID, status string) (*storage.CaptureSession, error) {
	if status == "" {
		status = storage.SessionStatusSucceeded
	}
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := s.store.StopCaptureSession(ctx, sessionID, status,
		actor.auditRecord(events.CaptureSessionStopped))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Stopped capture session",
		"session_id", session.ID, "status", session.Status)
	s.emit(ctx, projectID, events.CaptureSessionStopped, sessionPayload(session))
	return session, nil
}

// DeleteSession removes a non-active session. The audit record outlives the
// row; capture_session.deleted is emitted after commit.
func (s *Service) DeleteSession(ctx context.Context, projectID uuid.UUID, actor Actor, sessionID uuid.UUID) error {
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return trace.Wrap(err)
	}
	session, err := s.store.DeleteCaptureSession(ctx, sessionID,
		actor.auditRecord(events.CaptureSessionDeleted))
	if err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Deleted capture session", "session_id", sessionID)
	s.emit(ctx, projectID, events.CaptureSessionDeleted, sessionPayload(session))
	return nil
}

// ListSessionEvents returns one page of the session's audit log with the
// total count.
func (s *Service) ListSessionEvents(ctx context.Context, projectID, sessionID uuid.UUID, limit, offset int) ([]storage.CaptureSessionEvent, int64, error) {
	if _, err := s.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, 0, trace.Wrap(err)
	}
	return s.store.ListCaptureSessionEvents(ctx, sessionID, limit, offset)
}

func sessionPayload(session *storage.CaptureSession) map[string]any {
	return map[string]any{
		"capture_session_id": session.ID.String(),
		"run_id":             session.RunID.String(),
		"ordinal_number":     session.OrdinalNumber,
		"status":             session.Status,
	}
}

// emit fans the event out; failures are logged and never fail the mutation,
// delivery being at-least-once from the queue onward only.
func (s *Service) emit(ctx context.Context, projectID uuid.UUID, eventType string, payload map[string]any) {
	err := s.emitter.Emit(ctx, projectID, events.Event{
		Type:       eventType,
		OccurredAt: s.clock.Now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		s.log.WarnContext(ctx, "Failed to emit event",
			"event_type", eventType, "error", err)
	}
}
