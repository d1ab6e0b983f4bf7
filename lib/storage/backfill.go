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
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"

	"github.com/gravitational/telemeter/lib/defaults"
)

const backfillColumns = `id, sensor_id, project_id, conversion_profile_id,
	status, total_records, processed_records, error_message, created_by,
	created_at, updated_at, started_at, completed_at`

func scanBackfillTask(row pgx.Row) (*BackfillTask, error) {
	var t BackfillTask
	err := row.Scan(&t.ID, &t.SensorID, &t.ProjectID, &t.ConversionProfileID,
		&t.Status, &t.TotalRecords, &t.ProcessedRecords, &t.ErrorMessage,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("backfill task not found")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &t, nil
}

// EnqueueBackfillTask inserts a pending reprocessing task for the sensor
// against the given profile.
func (s *Store) EnqueueBackfillTask(ctx context.Context, sensorID, projectID, profileID uuid.UUID, createdBy *uuid.UUID) (*BackfillTask, error) {
	task, err := scanBackfillTask(s.pool.QueryRow(ctx, `
		INSERT INTO conversion_backfill_tasks (sensor_id, project_id, conversion_profile_id, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING `+backfillColumns,
		sensorID, projectID, profileID, createdBy))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, trace.NotFound("sensor or conversion profile not found")
		}
		return nil, trace.Wrap(err)
	}
	return task, nil
}

// GetBackfillTask fetches a task by id.
func (s *Store) GetBackfillTask(ctx context.Context, taskID uuid.UUID) (*BackfillTask, error) {
	return scanBackfillTask(s.pool.QueryRow(ctx,
		`SELECT `+backfillColumns+` FROM conversion_backfill_tasks WHERE id = $1`, taskID))
}

// ListBackfillTasks returns the sensor's tasks, newest first.
func (s *Store) ListBackfillTasks(ctx context.Context, sensorID uuid.UUID, limit int) ([]BackfillTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+backfillColumns+` FROM conversion_backfill_tasks
		WHERE sensor_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		sensorID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var tasks []BackfillTask
	for rows.Next() {
		t, err := scanBackfillTask(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, trace.Wrap(rows.Err())
}

// backfillClaimLockID namespaces the per-sensor advisory locks that
// serialize concurrent claims.
const backfillClaimLockID = 573_807_202

// ClaimBackfillTask atomically moves the oldest claimable pending task to
// running and returns it, or NotFound when nothing is claimable. The
// candidate row is selected FOR UPDATE SKIP LOCKED so concurrent workers
// never claim the same task, and tasks whose sensor already has a running
// task are skipped so at most one backfill runs per sensor cluster-wide.
// Claims for one sensor are serialized with an advisory lock held to commit:
// under READ COMMITTED two snapshots taken before either claim commits would
// both pass the running-task check.
func (s *Store) ClaimBackfillTask(ctx context.Context) (*BackfillTask, error) {
	var task *BackfillTask
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var taskID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM conversion_backfill_tasks t
			WHERE status = $1
				AND NOT EXISTS (
					SELECT 1 FROM conversion_backfill_tasks r
					WHERE r.sensor_id = t.sensor_id AND r.status = $2
				)
				AND pg_try_advisory_xact_lock($3, hashtext(t.sensor_id::text))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			TaskStatusPending, TaskStatusRunning, backfillClaimLockID,
		).Scan(&taskID)
		if errors.Is(err, pgx.ErrNoRows) {
			return trace.NotFound("no pending backfill tasks")
		}
		if err != nil {
			return trace.Wrap(err)
		}
		// re-check under a fresh snapshot: a racing claim for this sensor
		// must have committed, releasing the lock, before ours was acquired,
		// so its running row is visible here
		task, err = scanBackfillTask(tx.QueryRow(ctx, `
			UPDATE conversion_backfill_tasks
			SET status = $2, started_at = $3, updated_at = $3
			WHERE id = $1 AND status = $4
				AND NOT EXISTS (
					SELECT 1 FROM conversion_backfill_tasks r
					WHERE r.sensor_id = conversion_backfill_tasks.sensor_id
						AND r.status = $2
				)
			RETURNING `+backfillColumns,
			taskID, TaskStatusRunning, s.Now(), TaskStatusPending))
		if err != nil && trace.IsNotFound(err) {
			return trace.NotFound("no pending backfill tasks")
		}
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return task, nil
}

// SetBackfillTotal records how many readings the task must rewrite.
func (s *Store) SetBackfillTotal(ctx context.Context, taskID uuid.UUID, total int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_backfill_tasks
		SET total_records = $2, updated_at = $3
		WHERE id = $1 AND status = $4`,
		taskID, total, s.Now(), TaskStatusRunning)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("backfill task is not running")
	}
	return nil
}

// AdvanceBackfillProgress records progress after a committed page. The
// updated_at touch doubles as the lease heartbeat for the stale-task
// sweeper.
func (s *Store) AdvanceBackfillProgress(ctx context.Context, taskID uuid.UUID, processed int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_backfill_tasks
		SET processed_records = $2, updated_at = $3
		WHERE id = $1 AND status = $4`,
		taskID, processed, s.Now(), TaskStatusRunning)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("backfill task is not running")
	}
	return nil
}

// CompleteBackfillTask terminally marks a running task completed.
func (s *Store) CompleteBackfillTask(ctx context.Context, taskID uuid.UUID) (*BackfillTask, error) {
	now := s.Now()
	task, err := scanBackfillTask(s.pool.QueryRow(ctx, `
		UPDATE conversion_backfill_tasks
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+backfillColumns,
		taskID, TaskStatusCompleted, now, TaskStatusRunning))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("backfill task is not running")
		}
		return nil, trace.Wrap(err)
	}
	return task, nil
}

// FailBackfillTask terminally marks a running task failed with a truncated
// error message. Failed tasks are not retried; operators re-enqueue.
func (s *Store) FailBackfillTask(ctx context.Context, taskID uuid.UUID, message string) error {
	now := s.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE conversion_backfill_tasks
		SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5`,
		taskID, TaskStatusFailed, truncateError(message, defaults.BackfillErrorMaxLen),
		now, TaskStatusRunning)
	return trace.Wrap(err)
}

// RequeueStaleBackfillTasks resets running tasks whose progress heartbeat is
// older than the cutoff back to pending, so another worker can pick up after
// a crashed runner. Re-claiming is safe because row conversion is
// idempotent.
func (s *Store) RequeueStaleBackfillTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_backfill_tasks
		SET status = $1, started_at = NULL, updated_at = $2
		WHERE status = $3 AND updated_at < $4`,
		TaskStatusPending, s.Now(), TaskStatusRunning, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return tag.RowsAffected(), nil
}
