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

package web

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/storage"
)

// memBackend is an in-memory stand-in for lib/storage used by the handler
// tests. It implements the store interfaces of every service plus Backend.
type memBackend struct {
	mu sync.Mutex

	sensors     map[uuid.UUID]*storage.Sensor
	attachments map[uuid.UUID]map[uuid.UUID]bool
	profiles    map[uuid.UUID]*storage.ConversionProfile
	experiments map[uuid.UUID]*storage.Experiment
	runs        map[uuid.UUID]*storage.Run
	sessions    map[uuid.UUID]*storage.CaptureSession
	audit       []storage.CaptureSessionEvent
	records     []storage.TelemetryRecord
	tasks       map[uuid.UUID]*storage.BackfillTask
	subs        map[uuid.UUID]*storage.WebhookSubscription
	deliveries  map[uuid.UUID]*storage.WebhookDelivery

	nextRecordID int64
	nextAuditID  int64
}

func newMemBackend() *memBackend {
	return &memBackend{
		sensors:     make(map[uuid.UUID]*storage.Sensor),
		attachments: make(map[uuid.UUID]map[uuid.UUID]bool),
		profiles:    make(map[uuid.UUID]*storage.ConversionProfile),
		experiments: make(map[uuid.UUID]*storage.Experiment),
		runs:        make(map[uuid.UUID]*storage.Run),
		sessions:    make(map[uuid.UUID]*storage.CaptureSession),
		tasks:       make(map[uuid.UUID]*storage.BackfillTask),
		subs:        make(map[uuid.UUID]*storage.WebhookSubscription),
		deliveries:  make(map[uuid.UUID]*storage.WebhookDelivery),
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

// sensors

func (b *memBackend) CreateSensor(ctx context.Context, projectID uuid.UUID, name string, tokenHash []byte, tokenPreview string) (*storage.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sensor := &storage.Sensor{
		ID:           uuid.New(),
		ProjectID:    projectID,
		Name:         name,
		Status:       storage.SensorStatusActive,
		TokenHash:    tokenHash,
		TokenPreview: tokenPreview,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	b.sensors[sensor.ID] = sensor
	return copySensor(sensor), nil
}

func (b *memBackend) GetSensor(ctx context.Context, sensorID uuid.UUID) (*storage.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sensor, ok := b.sensors[sensorID]
	if !ok {
		return nil, trace.NotFound("sensor %v not found", sensorID)
	}
	return copySensor(sensor), nil
}

func (b *memBackend) AuthenticateSensor(ctx context.Context, sensorID uuid.UUID, tokenHash []byte) (*storage.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sensor, ok := b.sensors[sensorID]
	if !ok || sensor.Status != storage.SensorStatusActive || !bytes.Equal(sensor.TokenHash, tokenHash) {
		return nil, trace.AccessDenied("invalid sensor token")
	}
	return copySensor(sensor), nil
}

func (b *memBackend) RotateSensorToken(ctx context.Context, sensorID uuid.UUID, tokenHash []byte, tokenPreview string) (*storage.Sensor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sensor, ok := b.sensors[sensorID]
	if !ok {
		return nil, trace.NotFound("sensor %v not found", sensorID)
	}
	sensor.TokenHash = tokenHash
	sensor.TokenPreview = tokenPreview
	return copySensor(sensor), nil
}

func (b *memBackend) AttachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sensors[sensorID]; !ok {
		return trace.NotFound("sensor %v not found", sensorID)
	}
	if b.attachments[sensorID] == nil {
		b.attachments[sensorID] = make(map[uuid.UUID]bool)
	}
	b.attachments[sensorID][projectID] = true
	return nil
}

func (b *memBackend) DetachSensorProject(ctx context.Context, sensorID, projectID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attachments[sensorID][projectID] {
		return trace.NotFound("sensor %v is not attached to project %v", sensorID, projectID)
	}
	delete(b.attachments[sensorID], projectID)
	return nil
}

func (b *memBackend) SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sensor, ok := b.sensors[sensorID]
	if !ok {
		return false, nil
	}
	return sensor.ProjectID == projectID || b.attachments[sensorID][projectID], nil
}

func (b *memBackend) DeleteSensor(ctx context.Context, sensorID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sensors[sensorID]; !ok {
		return trace.NotFound("sensor %v not found", sensorID)
	}
	delete(b.sensors, sensorID)
	return nil
}

// conversion profiles

func (b *memBackend) CreateProfileDraft(ctx context.Context, sensorID uuid.UUID, kind string, payload []byte) (*storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sensors[sensorID]; !ok {
		return nil, trace.NotFound("sensor not found")
	}
	version := 0
	for _, p := range b.profiles {
		if p.SensorID == sensorID && p.Version > version {
			version = p.Version
		}
	}
	profile := &storage.ConversionProfile{
		ID:        uuid.New(),
		SensorID:  sensorID,
		Version:   version + 1,
		Kind:      kind,
		Payload:   payload,
		Status:    storage.ProfileStatusDraft,
		CreatedAt: time.Now().UTC(),
	}
	b.profiles[profile.ID] = profile
	return copyProfile(profile), nil
}

func (b *memBackend) GetProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, ok := b.profiles[profileID]
	if !ok {
		return nil, trace.NotFound("conversion profile %v not found", profileID)
	}
	return copyProfile(profile), nil
}

func (b *memBackend) GetActiveProfile(ctx context.Context, sensorID uuid.UUID) (*storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, profile := range b.profiles {
		if profile.SensorID == sensorID && profile.Status == storage.ProfileStatusActive {
			return copyProfile(profile), nil
		}
	}
	return nil, trace.NotFound("sensor %v has no active profile", sensorID)
}

func (b *memBackend) ListProfiles(ctx context.Context, sensorID uuid.UUID) ([]storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.ConversionProfile
	for _, profile := range b.profiles {
		if profile.SensorID == sensorID {
			out = append(out, *profile)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (b *memBackend) PublishProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, ok := b.profiles[profileID]
	if !ok {
		return nil, trace.NotFound("conversion profile %v not found", profileID)
	}
	if profile.Status != storage.ProfileStatusDraft {
		return nil, trace.AlreadyExists("profile %v is %s, only drafts can be published", profileID, profile.Status)
	}
	now := time.Now().UTC()
	for _, other := range b.profiles {
		if other.SensorID == profile.SensorID && other.Status == storage.ProfileStatusActive {
			other.Status = storage.ProfileStatusRetired
			other.ValidTo = &now
		}
	}
	profile.Status = storage.ProfileStatusActive
	profile.ValidFrom = &now
	if sensor, ok := b.sensors[profile.SensorID]; ok {
		id := profile.ID
		sensor.ActiveProfileID = &id
	}
	return copyProfile(profile), nil
}

func (b *memBackend) RetireProfile(ctx context.Context, profileID uuid.UUID) (*storage.ConversionProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	profile, ok := b.profiles[profileID]
	if !ok {
		return nil, trace.NotFound("conversion profile %v not found", profileID)
	}
	now := time.Now().UTC()
	profile.Status = storage.ProfileStatusRetired
	profile.ValidTo = &now
	if sensor, ok := b.sensors[profile.SensorID]; ok &&
		sensor.ActiveProfileID != nil && *sensor.ActiveProfileID == profileID {
		sensor.ActiveProfileID = nil
	}
	return copyProfile(profile), nil
}

// experiments, runs, capture sessions

func (b *memBackend) CreateExperiment(ctx context.Context, projectID, ownerID uuid.UUID, name string, tags []string, metadata map[string]any) (*storage.Experiment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	experiment := &storage.Experiment{
		ID:        uuid.New(),
		ProjectID: projectID,
		OwnerID:   ownerID,
		Name:      name,
		Tags:      tags,
		Metadata:  metadata,
		Status:    storage.ExperimentStatusDraft,
		CreatedAt: time.Now().UTC(),
	}
	b.experiments[experiment.ID] = experiment
	return copyExperiment(experiment), nil
}

func (b *memBackend) GetExperiment(ctx context.Context, experimentID uuid.UUID) (*storage.Experiment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	experiment, ok := b.experiments[experimentID]
	if !ok {
		return nil, trace.NotFound("experiment %v not found", experimentID)
	}
	return copyExperiment(experiment), nil
}

func (b *memBackend) SetExperimentStatus(ctx context.Context, experimentID uuid.UUID, status string) (*storage.Experiment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	experiment, ok := b.experiments[experimentID]
	if !ok {
		return nil, trace.NotFound("experiment %v not found", experimentID)
	}
	experiment.Status = status
	return copyExperiment(experiment), nil
}

func (b *memBackend) CreateRun(ctx context.Context, experimentID uuid.UUID, params map[string]any, gitSHA string, env map[string]any, sensorIDs []uuid.UUID) (*storage.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	experiment, ok := b.experiments[experimentID]
	if !ok {
		return nil, trace.NotFound("experiment %v not found", experimentID)
	}
	if experiment.Status == storage.ExperimentStatusArchived {
		return nil, trace.AlreadyExists("experiment %v is archived", experimentID)
	}
	run := &storage.Run{
		ID:           uuid.New(),
		ExperimentID: experimentID,
		ProjectID:    experiment.ProjectID,
		Params:       params,
		GitSHA:       gitSHA,
		Env:          env,
		Status:       storage.RunStatusDraft,
		CreatedAt:    time.Now().UTC(),
	}
	b.runs[run.ID] = run
	return copyRun(run), nil
}

func (b *memBackend) GetRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runID]
	if !ok {
		return nil, trace.NotFound("run %v not found", runID)
	}
	return copyRun(run), nil
}

func (b *memBackend) StartRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runID]
	if !ok {
		return nil, trace.NotFound("run %v not found", runID)
	}
	if run.Status != storage.RunStatusDraft {
		return nil, trace.AlreadyExists("run %v is %s", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = storage.RunStatusRunning
	run.StartedAt = &now
	return copyRun(run), nil
}

func (b *memBackend) FinishRun(ctx context.Context, runID uuid.UUID, status string) (*storage.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runID]
	if !ok {
		return nil, trace.NotFound("run %v not found", runID)
	}
	if run.Status != storage.RunStatusRunning {
		return nil, trace.AlreadyExists("run %v is %s", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	return copyRun(run), nil
}

func (b *memBackend) CreateCaptureSession(ctx context.Context, runID, projectID uuid.UUID, initiatedBy *uuid.UUID, record storage.AuditRecord) (*storage.CaptureSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ordinal := 0
	for _, session := range b.sessions {
		if session.RunID == runID && session.OrdinalNumber > ordinal {
			ordinal = session.OrdinalNumber
		}
	}
	now := time.Now().UTC()
	session := &storage.CaptureSession{
		ID:            uuid.New(),
		RunID:         runID,
		ProjectID:     projectID,
		OrdinalNumber: ordinal + 1,
		Status:        storage.SessionStatusRunning,
		StartedAt:     &now,
		InitiatedBy:   initiatedBy,
		CreatedAt:     now,
	}
	b.sessions[session.ID] = session
	b.appendAudit(session.ID, record)
	return copySession(session), nil
}

func (b *memBackend) GetCaptureSession(ctx context.Context, sessionID uuid.UUID) (*storage.CaptureSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return nil, trace.NotFound("capture session %v not found", sessionID)
	}
	return copySession(session), nil
}

func (b *memBackend) StopCaptureSession(ctx context.Context, sessionID uuid.UUID, status string, record storage.AuditRecord) (*storage.CaptureSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return nil, trace.NotFound("capture session %v not found", sessionID)
	}
	if !storage.SessionAcceptsReadings(session.Status) {
		return nil, trace.AlreadyExists("capture session %v is %s", sessionID, session.Status)
	}
	now := time.Now().UTC()
	session.Status = status
	session.StoppedAt = &now
	b.appendAudit(sessionID, record)
	return copySession(session), nil
}

func (b *memBackend) DeleteCaptureSession(ctx context.Context, sessionID uuid.UUID, record storage.AuditRecord) (*storage.CaptureSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[sessionID]
	if !ok {
		return nil, trace.NotFound("capture session %v not found", sessionID)
	}
	if storage.SessionIsActive(session.Status) {
		return nil, trace.AlreadyExists("capture session %v is %s and cannot be deleted", sessionID, session.Status)
	}
	delete(b.sessions, sessionID)
	b.appendAudit(sessionID, record)
	return copySession(session), nil
}

func (b *memBackend) ListCaptureSessionEvents(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]storage.CaptureSessionEvent, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []storage.CaptureSessionEvent
	for _, event := range b.audit {
		if event.CaptureSessionID == sessionID {
			matched = append(matched, event)
		}
	}
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (b *memBackend) appendAudit(sessionID uuid.UUID, record storage.AuditRecord) {
	b.nextAuditID++
	b.audit = append(b.audit, storage.CaptureSessionEvent{
		ID:               b.nextAuditID,
		CaptureSessionID: sessionID,
		EventType:        record.EventType,
		ActorID:          record.ActorID,
		ActorRole:        record.ActorRole,
		Payload:          record.Payload,
		CreatedAt:        time.Now().UTC(),
	})
}

// telemetry

func (b *memBackend) InsertTelemetry(ctx context.Context, records []storage.TelemetryRecord) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, record := range records {
		b.nextRecordID++
		record.ID = b.nextRecordID
		b.records = append(b.records, record)
	}
	return len(records), nil
}

func (b *memBackend) ListSessionTelemetry(ctx context.Context, sessionID uuid.UUID, after storage.TelemetryCursor, limit int) ([]storage.TelemetryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.TelemetryRecord
	for _, record := range b.records {
		if record.CaptureSessionID == nil || *record.CaptureSessionID != sessionID {
			continue
		}
		if record.Timestamp.Before(after.Timestamp) ||
			(record.Timestamp.Equal(after.Timestamp) && record.ID <= after.ID) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memBackend) QueryTelemetry1m(ctx context.Context, filter storage.TelemetryAggregateFilter) ([]storage.TelemetryBucket, error) {
	return nil, nil
}

// backfill

func (b *memBackend) EnqueueBackfillTask(ctx context.Context, sensorID, projectID, profileID uuid.UUID, createdBy *uuid.UUID) (*storage.BackfillTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task := &storage.BackfillTask{
		ID:                  uuid.New(),
		SensorID:            sensorID,
		ProjectID:           projectID,
		ConversionProfileID: profileID,
		Status:              storage.TaskStatusPending,
		CreatedBy:           createdBy,
		CreatedAt:           time.Now().UTC(),
	}
	b.tasks[task.ID] = task
	return copyTask(task), nil
}

func (b *memBackend) GetBackfillTask(ctx context.Context, taskID uuid.UUID) (*storage.BackfillTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[taskID]
	if !ok {
		return nil, trace.NotFound("backfill task %v not found", taskID)
	}
	return copyTask(task), nil
}

func (b *memBackend) ListBackfillTasks(ctx context.Context, sensorID uuid.UUID, limit int) ([]storage.BackfillTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.BackfillTask
	for _, task := range b.tasks {
		if task.SensorID == sensorID {
			out = append(out, *task)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// webhooks

func (b *memBackend) CreateWebhookSubscription(ctx context.Context, projectID uuid.UUID, targetURL string, eventTypes []string, secret *string) (*storage.WebhookSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &storage.WebhookSubscription{
		ID:         uuid.New(),
		ProjectID:  projectID,
		TargetURL:  targetURL,
		EventTypes: eventTypes,
		Secret:     secret,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	b.subs[sub.ID] = sub
	return copySubscription(sub), nil
}

func (b *memBackend) GetWebhookSubscription(ctx context.Context, subscriptionID uuid.UUID) (*storage.WebhookSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		return nil, trace.NotFound("webhook subscription %v not found", subscriptionID)
	}
	return copySubscription(sub), nil
}

func (b *memBackend) ListWebhookDeliveries(ctx context.Context, projectID uuid.UUID, status *string, limit, offset int) ([]storage.WebhookDelivery, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []storage.WebhookDelivery
	for _, delivery := range b.deliveries {
		if delivery.ProjectID != projectID {
			continue
		}
		if status != nil && delivery.Status != *status {
			continue
		}
		out = append(out, *delivery)
	}
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (b *memBackend) RetryWebhookDelivery(ctx context.Context, projectID, deliveryID uuid.UUID) (*storage.WebhookDelivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivery, ok := b.deliveries[deliveryID]
	if !ok || delivery.ProjectID != projectID {
		return nil, trace.NotFound("webhook delivery %v not found", deliveryID)
	}
	if delivery.Status != storage.DeliveryStatusFailed {
		return nil, trace.AlreadyExists("delivery %v is %s, only failed deliveries can be retried", deliveryID, delivery.Status)
	}
	delivery.Status = storage.DeliveryStatusPending
	out := *delivery
	return &out, nil
}

// copy helpers keep callers from mutating shared state.

func copySensor(s *storage.Sensor) *storage.Sensor           { out := *s; return &out }
func copyProfile(p *storage.ConversionProfile) *storage.ConversionProfile {
	out := *p
	return &out
}
func copyExperiment(e *storage.Experiment) *storage.Experiment { out := *e; return &out }
func copyRun(r *storage.Run) *storage.Run                      { out := *r; return &out }
func copySession(s *storage.CaptureSession) *storage.CaptureSession {
	out := *s
	return &out
}
func copyTask(t *storage.BackfillTask) *storage.BackfillTask { out := *t; return &out }
func copySubscription(s *storage.WebhookSubscription) *storage.WebhookSubscription {
	out := *s
	return &out
}
