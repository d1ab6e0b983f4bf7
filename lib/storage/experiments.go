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

const experimentColumns = `id, project_id, owner_id, name, tags, metadata,
	status, created_at, updated_at`

func scanExperiment(row pgx.Row) (*Experiment, error) {
	var e Experiment
	err := row.Scan(&e.ID, &e.ProjectID, &e.OwnerID, &e.Name, &e.Tags,
		&e.Metadata, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("experiment not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &e, nil
}

// CreateExperiment inserts a draft experiment.
func (s *Store) CreateExperiment(ctx context.Context, projectID, ownerID uuid.UUID, name string, tags []string, metadata map[string]any) (*Experiment, error) {
	if tags == nil {
		tags = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return scanExperiment(s.pool.QueryRow(ctx, `
		INSERT INTO experiments (project_id, owner_id, name, tags, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+experimentColumns,
		projectID, ownerID, name, tags, metadata))
}

// GetExperiment fetches an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, experimentID uuid.UUID) (*Experiment, error) {
	return scanExperiment(s.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = $1`, experimentID))
}

// SetExperimentStatus moves the experiment through its state machine:
// draft→running→{succeeded,failed,archived}. Archived experiments accept no
// further transitions.
func (s *Store) SetExperimentStatus(ctx context.Context, experimentID uuid.UUID, status string) (*Experiment, error) {
	allowed := map[string][]string{
		ExperimentStatusRunning:   {ExperimentStatusDraft},
		ExperimentStatusSucceeded: {ExperimentStatusRunning},
		ExperimentStatusFailed:    {ExperimentStatusRunning},
		ExperimentStatusArchived:  {ExperimentStatusDraft, ExperimentStatusRunning, ExperimentStatusSucceeded, ExperimentStatusFailed},
	}
	from, ok := allowed[status]
	if !ok {
		return nil, trace.BadParameter("unsupported experiment status %q", status)
	}
	experiment, err := scanExperiment(s.pool.QueryRow(ctx, `
		UPDATE experiments SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+experimentColumns,
		experimentID, status, from))
	if err != nil {
		if trace.IsNotFound(err) {
			current, getErr := s.GetExperiment(ctx, experimentID)
			if getErr != nil {
				return nil, trace.Wrap(getErr)
			}
			return nil, trace.AlreadyExists("experiment is %s and cannot become %s", current.Status, status)
		}
		return nil, trace.Wrap(err)
	}
	return experiment, nil
}

const runColumns = `r.id, r.experiment_id, e.project_id, r.params, r.git_sha,
	r.env, r.status, r.started_at, r.finished_at, r.created_at, r.updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.ExperimentID, &r.ProjectID, &r.Params, &r.GitSHA,
		&r.Env, &r.Status, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("run not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// CreateRun inserts a draft run under the experiment and links the given
// sensors. Archived experiments refuse new runs.
func (s *Store) CreateRun(ctx context.Context, experimentID uuid.UUID, params map[string]any, gitSHA string, env map[string]any, sensorIDs []uuid.UUID) (*Run, error) {
	if params == nil {
		params = map[string]any{}
	}
	if env == nil {
		env = map[string]any{}
	}
	var run *Run
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		experiment, err := scanExperiment(tx.QueryRow(ctx,
			`SELECT `+experimentColumns+` FROM experiments WHERE id = $1 FOR SHARE`,
			experimentID))
		if err != nil {
			return trace.Wrap(err)
		}
		if experiment.Status == ExperimentStatusArchived {
			return trace.AlreadyExists("experiment is archived and accepts no new runs")
		}
		var runID uuid.UUID
		if err := tx.QueryRow(ctx, `
			INSERT INTO runs (experiment_id, params, git_sha, env)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			experimentID, params, gitSHA, env,
		).Scan(&runID); err != nil {
			return trace.Wrap(err)
		}
		for _, sensorID := range sensorIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO run_sensors (run_id, sensor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				runID, sensorID,
			); err != nil {
				if isForeignKeyViolation(err) {
					return trace.NotFound("sensor %v not found", sensorID)
				}
				return trace.Wrap(err)
			}
		}
		run, err = scanRun(tx.QueryRow(ctx, `
			SELECT `+runColumns+` FROM runs r JOIN experiments e ON e.id = r.experiment_id
			WHERE r.id = $1`, runID))
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs r JOIN experiments e ON e.id = r.experiment_id
		WHERE r.id = $1`, runID))
}

// StartRun transitions a draft run to running and stamps started_at.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE runs SET status = $2, started_at = $3, updated_at = now()
			WHERE id = $1 AND status = $4
			RETURNING *
		)
		SELECT `+runColumns+` FROM updated r JOIN experiments e ON e.id = r.experiment_id`,
		runID, RunStatusRunning, s.Now(), RunStatusDraft))
	if err != nil {
		if trace.IsNotFound(err) {
			current, getErr := s.GetRun(ctx, runID)
			if getErr != nil {
				return nil, trace.Wrap(getErr)
			}
			return nil, trace.AlreadyExists("run is %s and cannot be started", current.Status)
		}
		return nil, trace.Wrap(err)
	}
	return run, nil
}

// FinishRun transitions a running run to a terminal status.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, status string) (*Run, error) {
	if status != RunStatusSucceeded && status != RunStatusFailed {
		return nil, trace.BadParameter("unsupported terminal run status %q", status)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE runs SET status = $2, finished_at = $3, updated_at = now()
			WHERE id = $1 AND status = $4
			RETURNING *
		)
		SELECT `+runColumns+` FROM updated r JOIN experiments e ON e.id = r.experiment_id`,
		runID, status, s.Now(), RunStatusRunning))
	if err != nil {
		if trace.IsNotFound(err) {
			current, getErr := s.GetRun(ctx, runID)
			if getErr != nil {
				return nil, trace.Wrap(getErr)
			}
			return nil, trace.AlreadyExists("run is %s and cannot finish", current.Status)
		}
		return nil, trace.Wrap(err)
	}
	return run, nil
}

const sessionColumns = `id, run_id, project_id, ordinal_number, status,
	started_at, stopped_at, initiated_by, created_at, updated_at`

func scanSession(row pgx.Row) (*CaptureSession, error) {
	var c CaptureSession
	err := row.Scan(&c.ID, &c.RunID, &c.ProjectID, &c.OrdinalNumber, &c.Status,
		&c.StartedAt, &c.StoppedAt, &c.InitiatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("capture session not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// AuditRecord describes the audit log row written alongside a capture
// session mutation.
type AuditRecord struct {
	EventType string
	ActorID   *uuid.UUID
	ActorRole string
	Payload   map[string]any
}

func insertAuditEvent(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, record AuditRecord) error {
	if record.Payload == nil {
		record.Payload = map[string]any{}
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO capture_session_events (capture_session_id, event_type, actor_id, actor_role, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, record.EventType, record.ActorID, record.ActorRole, record.Payload)
	return trace.Wrap(err)
}

// CreateCaptureSession inserts a running capture session with the next
// ordinal number within the run and writes the audit record in the same
// transaction. Concurrent creates for one run retry the ordinal assignment.
func (s *Store) CreateCaptureSession(ctx context.Context, runID, projectID uuid.UUID, initiatedBy *uuid.UUID, record AuditRecord) (*CaptureSession, error) {
	const maxOrdinalRetries = 3
	var session *CaptureSession
	for attempt := 0; attempt < maxOrdinalRetries; attempt++ {
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			session, err = scanSession(tx.QueryRow(ctx, `
				INSERT INTO capture_sessions (run_id, project_id, ordinal_number, status, started_at, initiated_by)
				SELECT $1, $2, coalesce(max(ordinal_number), 0) + 1, $3, $4, $5
				FROM capture_sessions WHERE run_id = $1
				RETURNING `+sessionColumns,
				runID, projectID, SessionStatusRunning, s.Now(), initiatedBy))
			if err != nil {
				return trace.Wrap(err)
			}
			record.Payload = withSessionPayload(record.Payload, session)
			return trace.Wrap(insertAuditEvent(ctx, tx, session.ID, record))
		})
		if err == nil {
			return session, nil
		}
		if isUniqueViolation(err, "capture_sessions_run_ordinal_key") {
			continue
		}
		if isForeignKeyViolation(err) {
			return nil, trace.NotFound("run not found")
		}
		return nil, trace.Wrap(err)
	}
	return nil, trace.LimitExceeded("could not assign a session ordinal for run %v", runID)
}

func withSessionPayload(payload map[string]any, session *CaptureSession) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["ordinal_number"] = session.OrdinalNumber
	payload["status"] = session.Status
	return payload
}

// GetCaptureSession fetches a capture session by id.
func (s *Store) GetCaptureSession(ctx context.Context, sessionID uuid.UUID) (*CaptureSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM capture_sessions WHERE id = $1`, sessionID))
}

// StopCaptureSession moves a session from an accepting status to the given
// terminal status, stamps stopped_at and writes the audit record in the same
// transaction. Stopping is terminal: stopped sessions cannot be restarted.
func (s *Store) StopCaptureSession(ctx context.Context, sessionID uuid.UUID, status string, record AuditRecord) (*CaptureSession, error) {
	if status != SessionStatusSucceeded && status != SessionStatusFailed {
		return nil, trace.BadParameter("unsupported terminal session status %q", status)
	}
	var session *CaptureSession
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		session, err = scanSession(tx.QueryRow(ctx, `
			UPDATE capture_sessions
			SET status = $2, stopped_at = $3, updated_at = now()
			WHERE id = $1 AND status IN ($4, $5)
			RETURNING `+sessionColumns,
			sessionID, status, s.Now(), SessionStatusRunning, SessionStatusDraft))
		if err != nil {
			if trace.IsNotFound(err) {
				current, getErr := s.GetCaptureSession(ctx, sessionID)
				if getErr != nil {
					return trace.Wrap(getErr)
				}
				return trace.AlreadyExists("capture session is %s and cannot be stopped", current.Status)
			}
			return trace.Wrap(err)
		}
		record.Payload = withSessionPayload(record.Payload, session)
		return trace.Wrap(insertAuditEvent(ctx, tx, sessionID, record))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// SetCaptureSessionStatus updates the session status unconditionally from a
// set of expected statuses. Used by backfill to flag sessions as
// backfilling and restore them afterwards.
func (s *Store) SetCaptureSessionStatus(ctx context.Context, sessionID uuid.UUID, from []string, to string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE capture_sessions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)`,
		sessionID, to, from)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("capture session not found in expected status")
	}
	return nil
}

// DeleteCaptureSession removes a non-active session and writes the audit
// record in the same transaction. Audit rows have no foreign key to the
// session, so the trail survives the delete.
func (s *Store) DeleteCaptureSession(ctx context.Context, sessionID uuid.UUID, record AuditRecord) (*CaptureSession, error) {
	var session *CaptureSession
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		session, err = scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM capture_sessions WHERE id = $1 FOR UPDATE`,
			sessionID))
		if err != nil {
			return trace.Wrap(err)
		}
		if SessionIsActive(session.Status) {
			return trace.AlreadyExists("capture session is %s and cannot be deleted", session.Status)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM capture_sessions WHERE id = $1`, sessionID,
		); err != nil {
			return trace.Wrap(err)
		}
		record.Payload = withSessionPayload(record.Payload, session)
		return trace.Wrap(insertAuditEvent(ctx, tx, sessionID, record))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// ListCaptureSessionEvents returns one page of the session audit log,
// ordered by (created_at, id) ascending, along with the total event count.
func (s *Store) ListCaptureSessionEvents(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]CaptureSessionEvent, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, capture_session_id, event_type, actor_id, actor_role, payload, created_at,
			count(*) OVER () AS total
		FROM capture_session_events
		WHERE capture_session_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	defer rows.Close()
	var events []CaptureSessionEvent
	var total int64
	for rows.Next() {
		var e CaptureSessionEvent
		if err := rows.Scan(&e.ID, &e.CaptureSessionID, &e.EventType, &e.ActorID,
			&e.ActorRole, &e.Payload, &e.CreatedAt, &total); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		events = append(events, e)
	}
	return events, total, trace.Wrap(rows.Err())
}
