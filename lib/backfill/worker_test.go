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

package backfill

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

type fakeStore struct {
	mu sync.Mutex

	pending  []*storage.BackfillTask
	profiles map[uuid.UUID]*storage.ConversionProfile
	records  []*storage.TelemetryRecord

	totals    map[uuid.UUID]int64
	progress  map[uuid.UUID]int64
	completed []uuid.UUID
	failed    map[uuid.UUID]string

	staleCutoff time.Time
	requeued    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[uuid.UUID]*storage.ConversionProfile),
		totals:   make(map[uuid.UUID]int64),
		progress: make(map[uuid.UUID]int64),
		failed:   make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ClaimBackfillTask(ctx context.Context) (*storage.BackfillTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, trace.NotFound("no pending backfill tasks")
	}
	task := s.pending[0]
	s.pending = s.pending[1:]
	task.Status = storage.TaskStatusRunning
	return task, nil
}

func (s *fakeStore) GetProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[profileID]
	if !ok {
		return nil, trace.NotFound("conversion profile %v not found", profileID)
	}
	return profile, nil
}

func (s *fakeStore) outdated(sensorID, profileID uuid.UUID, record *storage.TelemetryRecord) bool {
	if record.SensorID != sensorID {
		return false
	}
	if record.ConversionProfileID == nil || *record.ConversionProfileID != profileID {
		return true
	}
	return record.ConversionStatus == storage.ConversionStatusRawOnly ||
		record.ConversionStatus == storage.ConversionStatusFailed
}

func (s *fakeStore) CountConversionOutdated(ctx context.Context, sensorID, profileID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, record := range s.records {
		if s.outdated(sensorID, profileID, record) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) SetBackfillTotal(ctx context.Context, taskID uuid.UUID, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[taskID] = total
	return nil
}

func (s *fakeStore) ConversionPage(ctx context.Context, sensorID, profileID uuid.UUID, after storage.TelemetryCursor, limit int) ([]storage.TelemetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []storage.TelemetryRecord
	for _, record := range s.records {
		if !s.outdated(sensorID, profileID, record) {
			continue
		}
		if record.Timestamp.Before(after.Timestamp) {
			continue
		}
		if record.Timestamp.Equal(after.Timestamp) && record.ID <= after.ID {
			continue
		}
		page = append(page, *record)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeStore) ApplyConversionUpdates(ctx context.Context, updates []storage.ConversionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, update := range updates {
		for _, record := range s.records {
			if record.SensorID == update.SensorID && record.ID == update.ID &&
				record.Timestamp.Equal(update.Timestamp) {
				profileID := update.ProfileID
				record.ConversionProfileID = &profileID
				record.ConversionStatus = update.Status
				record.PhysicalValue = update.PhysicalValue
			}
		}
	}
	return nil
}

func (s *fakeStore) AdvanceBackfillProgress(ctx context.Context, taskID uuid.UUID, processed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[taskID] = processed
	return nil
}

func (s *fakeStore) CompleteBackfillTask(ctx context.Context, taskID uuid.UUID) (*storage.BackfillTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, taskID)
	return &storage.BackfillTask{
		ID:               taskID,
		Status:           storage.TaskStatusCompleted,
		TotalRecords:     s.totals[taskID],
		ProcessedRecords: s.progress[taskID],
	}, nil
}

func (s *fakeStore) FailBackfillTask(ctx context.Context, taskID uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[taskID] = message
	return nil
}

func (s *fakeStore) RequeueStaleBackfillTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCutoff = cutoff
	return s.requeued, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (e *fakeEmitter) Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

func newTestWorker(t *testing.T, store *fakeStore, emitter *fakeEmitter, clock clockwork.Clock) *Worker {
	t.Helper()
	worker, err := NewWorker(Config{
		Store:    store,
		Emitter:  emitter,
		Clock:    clock,
		PageSize: 2,
	})
	require.NoError(t, err)
	return worker
}

func seedTask(store *fakeStore, sensorID uuid.UUID) *storage.BackfillTask {
	task := &storage.BackfillTask{
		ID:                  uuid.New(),
		SensorID:            sensorID,
		ProjectID:           uuid.New(),
		ConversionProfileID: uuid.New(),
		Status:              storage.TaskStatusPending,
	}
	store.pending = append(store.pending, task)
	return task
}

func seedRecords(store *fakeStore, sensorID uuid.UUID, n int) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		store.records = append(store.records, &storage.TelemetryRecord{
			ID:               int64(i + 1),
			SensorID:         sensorID,
			Timestamp:        base.Add(time.Duration(i) * time.Second),
			Signal:           "temperature",
			RawValue:         float64(i * 10),
			ConversionStatus: storage.ConversionStatusRawOnly,
		})
	}
}

func TestTickConvertsOutdatedRecords(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	clock := clockwork.NewFakeClock()

	sensorID := uuid.New()
	task := seedTask(store, sensorID)
	store.profiles[task.ConversionProfileID] = &storage.ConversionProfile{
		ID:       task.ConversionProfileID,
		SensorID: sensorID,
		Kind:     "linear",
		Payload:  []byte(`{"a": 2, "b": 1}`),
		Status:   storage.ProfileStatusActive,
	}
	seedRecords(store, sensorID, 5)

	worker := newTestWorker(t, store, emitter, clock)
	require.NoError(t, worker.Tick(context.Background()))

	require.Equal(t, []uuid.UUID{task.ID}, store.completed)
	require.Empty(t, store.failed)
	require.Equal(t, int64(5), store.totals[task.ID])
	require.Equal(t, int64(5), store.progress[task.ID])
	for _, record := range store.records {
		require.Equal(t, storage.ConversionStatusConverted, record.ConversionStatus)
		require.NotNil(t, record.ConversionProfileID)
		require.Equal(t, task.ConversionProfileID, *record.ConversionProfileID)
		require.NotNil(t, record.PhysicalValue)
		require.Equal(t, 2*record.RawValue+1, *record.PhysicalValue)
	}

	require.Len(t, emitter.events, 1)
	event := emitter.events[0]
	require.Equal(t, events.BackfillCompleted, event.Type)
	require.Equal(t, task.ID.String(), event.Payload["backfill_task_id"])
	require.Equal(t, int64(5), event.Payload["processed_records"])
}

func TestTickMarksReadingsFailedOnBadPayload(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	clock := clockwork.NewFakeClock()

	sensorID := uuid.New()
	task := seedTask(store, sensorID)
	store.profiles[task.ConversionProfileID] = &storage.ConversionProfile{
		ID:       task.ConversionProfileID,
		SensorID: sensorID,
		Kind:     "linear",
		Payload:  []byte(`{"a": "not a number"}`),
		Status:   storage.ProfileStatusActive,
	}
	seedRecords(store, sensorID, 3)

	worker := newTestWorker(t, store, emitter, clock)
	require.NoError(t, worker.Tick(context.Background()))

	// the task completes, but every reading records a failed conversion
	require.Equal(t, []uuid.UUID{task.ID}, store.completed)
	require.Empty(t, store.failed)
	for _, record := range store.records {
		require.Equal(t, storage.ConversionStatusFailed, record.ConversionStatus)
		require.Nil(t, record.PhysicalValue)
	}
	require.Len(t, emitter.events, 1)
}

func TestTickFailsTaskOnUnknownKind(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	clock := clockwork.NewFakeClock()

	sensorID := uuid.New()
	task := seedTask(store, sensorID)
	store.profiles[task.ConversionProfileID] = &storage.ConversionProfile{
		ID:       task.ConversionProfileID,
		SensorID: sensorID,
		Kind:     "cubic_spline",
		Payload:  []byte(`{}`),
		Status:   storage.ProfileStatusActive,
	}
	seedRecords(store, sensorID, 2)

	worker := newTestWorker(t, store, emitter, clock)
	require.NoError(t, worker.Tick(context.Background()))

	require.Empty(t, store.completed)
	require.Contains(t, store.failed[task.ID], "cubic_spline")
	require.Empty(t, emitter.events)
	for _, record := range store.records {
		require.Equal(t, storage.ConversionStatusRawOnly, record.ConversionStatus)
	}
}

func TestTickFailsTaskOnMissingProfile(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	clock := clockwork.NewFakeClock()

	sensorID := uuid.New()
	task := seedTask(store, sensorID)
	seedRecords(store, sensorID, 1)

	worker := newTestWorker(t, store, emitter, clock)
	require.NoError(t, worker.Tick(context.Background()))

	require.Empty(t, store.completed)
	require.Contains(t, store.failed[task.ID], "not found")
	require.Empty(t, emitter.events)
}

func TestTickRequeuesWithLeaseCutoff(t *testing.T) {
	store := newFakeStore()
	store.requeued = 2
	emitter := &fakeEmitter{}
	clock := clockwork.NewFakeClock()

	worker, err := NewWorker(Config{
		Store:        store,
		Emitter:      emitter,
		Clock:        clock,
		LeaseTimeout: 10 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, worker.Tick(context.Background()))

	want := clock.Now().UTC().Add(-10 * time.Minute)
	require.Equal(t, want, store.staleCutoff)
}

func TestEmitFailureDoesNotFailTask(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{err: trace.ConnectionProblem(nil, "webhook store down")}
	clock := clockwork.NewFakeClock()

	sensorID := uuid.New()
	task := seedTask(store, sensorID)
	store.profiles[task.ConversionProfileID] = &storage.ConversionProfile{
		ID:       task.ConversionProfileID,
		SensorID: sensorID,
		Kind:     "linear",
		Payload:  []byte(`{"a": 1, "b": 0}`),
		Status:   storage.ProfileStatusActive,
	}
	seedRecords(store, sensorID, 1)

	worker := newTestWorker(t, store, emitter, clock)
	require.NoError(t, worker.Tick(context.Background()))

	require.Equal(t, []uuid.UUID{task.ID}, store.completed)
	require.Empty(t, store.failed)
}
