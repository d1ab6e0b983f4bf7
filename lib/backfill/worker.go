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

// Package backfill implements the conversion backfill worker: a tick-driven
// claim→reprocess→complete loop rewriting historical readings against a
// newly published profile, one committed page at a time.
package backfill

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/conversion"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

var (
	backfillClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricBackfillTasksClaimed,
		Help:      "Number of backfill tasks claimed by this process",
	})
	backfillCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricBackfillTasksCompleted,
		Help:      "Number of finished backfill tasks by outcome",
	}, []string{"outcome"})
	backfillRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricBackfillRecords,
		Help:      "Number of telemetry rows rewritten by backfill",
	})
	backfillRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricBackfillTasksRequeued,
		Help:      "Number of stale running tasks swept back to pending",
	})
)

// Store is the persistence surface of the backfill worker.
type Store interface {
	ClaimBackfillTask(ctx context.Context) (*storage.BackfillTask, error)
	GetProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error)
	CountConversionOutdated(ctx context.Context, sensorID, profileID uuid.UUID) (int64, error)
	SetBackfillTotal(ctx context.Context, taskID uuid.UUID, total int64) error
	ConversionPage(ctx context.Context, sensorID, profileID uuid.UUID, after storage.TelemetryCursor, limit int) ([]storage.TelemetryRecord, error)
	ApplyConversionUpdates(ctx context.Context, updates []storage.ConversionUpdate) error
	AdvanceBackfillProgress(ctx context.Context, taskID uuid.UUID, processed int64) error
	CompleteBackfillTask(ctx context.Context, taskID uuid.UUID) (*storage.BackfillTask, error)
	FailBackfillTask(ctx context.Context, taskID uuid.UUID, message string) error
	RequeueStaleBackfillTasks(ctx context.Context, cutoff time.Time) (int64, error)
}

// Emitter fans a domain event out to the project's webhook subscriptions.
type Emitter interface {
	Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error
}

// Config configures the backfill worker.
type Config struct {
	Store   Store
	Emitter Emitter
	Clock   clockwork.Clock
	Log     *slog.Logger

	// TickInterval is how often an idle worker polls the queue.
	TickInterval time.Duration
	// PageSize bounds each keyset page and its update transaction.
	PageSize int
	// LeaseTimeout requeues a running task whose heartbeat is older.
	LeaseTimeout time.Duration
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
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentBackfill)
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.BackfillTickInterval
	}
	if c.PageSize == 0 {
		c.PageSize = defaults.BackfillPageSize
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = defaults.BackfillLeaseTimeout
	}
	return nil
}

// Worker drains the backfill queue. Many workers may run across processes;
// the skip-locked claim guarantees a task is processed by one of them and
// that one sensor never has two tasks running.
type Worker struct {
	cfg    Config
	jitter utils.Jitter
	wg     sync.WaitGroup
}

// NewWorker creates a backfill worker.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		backfillClaimed, backfillCompleted, backfillRecords, backfillRequeued,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Worker{cfg: cfg, jitter: utils.NewSeventhJitter()}, nil
}

// Run starts the worker loop and blocks until ctx is canceled and the loop
// has drained.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	defer w.cfg.Log.InfoContext(ctx, "Exited backfill loop")

	// jittered ticks keep idle workers across processes from polling in
	// lockstep
	timer := w.cfg.Clock.NewTimer(w.jitter(w.cfg.TickInterval))
	defer timer.Stop()
	for {
		if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.cfg.Log.ErrorContext(ctx, "Backfill tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
		}
		timer.Reset(w.jitter(w.cfg.TickInterval))
	}
}

// Tick requeues stale tasks, then claims and processes tasks until the
// queue is empty. Exported for tests.
func (w *Worker) Tick(ctx context.Context) error {
	cutoff := w.cfg.Clock.Now().UTC().Add(-w.cfg.LeaseTimeout)
	requeued, err := w.cfg.Store.RequeueStaleBackfillTasks(ctx, cutoff)
	if err != nil {
		return trace.Wrap(err)
	}
	if requeued > 0 {
		backfillRequeued.Add(float64(requeued))
		w.cfg.Log.WarnContext(ctx, "Requeued stale backfill tasks", "count", requeued)
	}

	for {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		task, err := w.cfg.Store.ClaimBackfillTask(ctx)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		backfillClaimed.Inc()
		w.processTask(ctx, task)
	}
}

// processTask runs one claimed task to a terminal status. Errors never
// propagate: the task is marked failed with a truncated message and the
// worker moves on.
func (w *Worker) processTask(ctx context.Context, task *storage.BackfillTask) {
	log := w.cfg.Log.With("task_id", task.ID, "sensor_id", task.SensorID,
		"profile_id", task.ConversionProfileID)
	log.InfoContext(ctx, "Claimed backfill task")

	completed, err := w.reprocess(ctx, task, log)
	if err != nil {
		backfillCompleted.WithLabelValues("failed").Inc()
		log.ErrorContext(ctx, "Backfill task failed", "error", err)
		if failErr := w.cfg.Store.FailBackfillTask(ctx, task.ID, err.Error()); failErr != nil {
			log.ErrorContext(ctx, "Failed to mark backfill task failed", "error", failErr)
		}
		return
	}

	backfillCompleted.WithLabelValues("completed").Inc()
	log.InfoContext(ctx, "Completed backfill task",
		"records", humanize.Comma(completed.ProcessedRecords))

	if err := w.cfg.Emitter.Emit(ctx, task.ProjectID, events.Event{
		Type:       events.BackfillCompleted,
		OccurredAt: w.cfg.Clock.Now().UTC(),
		Payload: map[string]any{
			"backfill_task_id":  task.ID.String(),
			"sensor_id":         task.SensorID.String(),
			"profile_id":        task.ConversionProfileID.String(),
			"processed_records": completed.ProcessedRecords,
		},
	}); err != nil {
		log.WarnContext(ctx, "Failed to emit backfill completed event", "error", err)
	}
}

// reprocess rewrites every outdated reading of the task's sensor in keyset
// pages. Each page commits atomically; the loop is cancellable between
// pages, and a resumed task converges because reconversion is idempotent.
func (w *Worker) reprocess(ctx context.Context, task *storage.BackfillTask, log *slog.Logger) (*storage.BackfillTask, error) {
	row, err := w.cfg.Store.GetProfile(ctx, task.ConversionProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	kind, err := conversion.ParseKind(row.Kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	profile, parseErr := conversion.ParseProfile(kind, row.Payload)

	total, err := w.cfg.Store.CountConversionOutdated(ctx, task.SensorID, task.ConversionProfileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := w.cfg.Store.SetBackfillTotal(ctx, task.ID, total); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Counted records to backfill", "total", total)

	var processed int64
	var cursor storage.TelemetryCursor
	for {
		if err := ctx.Err(); err != nil {
			return nil, trace.Wrap(err)
		}
		page, err := w.cfg.Store.ConversionPage(ctx, task.SensorID,
			task.ConversionProfileID, cursor, w.cfg.PageSize)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(page) == 0 {
			break
		}

		updates := make([]storage.ConversionUpdate, len(page))
		for i, record := range page {
			update := storage.ConversionUpdate{
				SensorID:  record.SensorID,
				Timestamp: record.Timestamp,
				ID:        record.ID,
				ProfileID: task.ConversionProfileID,
			}
			if parseErr != nil {
				// unparseable payload: every reading records a failed
				// conversion rather than a stale value
				update.Status = storage.ConversionStatusFailed
			} else {
				physical := profile.Apply(record.RawValue)
				update.PhysicalValue = &physical
				update.Status = storage.ConversionStatusConverted
			}
			updates[i] = update
		}
		if err := w.cfg.Store.ApplyConversionUpdates(ctx, updates); err != nil {
			return nil, trace.Wrap(err)
		}
		processed += int64(len(page))
		backfillRecords.Add(float64(len(page)))
		if err := w.cfg.Store.AdvanceBackfillProgress(ctx, task.ID, processed); err != nil {
			return nil, trace.Wrap(err)
		}
		log.DebugContext(ctx, "Committed backfill page",
			"processed", processed, "total", total)

		last := page[len(page)-1]
		cursor = storage.TelemetryCursor{Timestamp: last.Timestamp, ID: last.ID}
		if len(page) < w.cfg.PageSize || (total > 0 && processed >= total) {
			break
		}
	}

	completed, err := w.cfg.Store.CompleteBackfillTask(ctx, task.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return completed, nil
}
