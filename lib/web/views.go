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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gravitational/telemeter/lib/storage"
)

// View types shape API responses. They exist so storage rows never leak
// directly onto the wire: token hashes and webhook secrets stay server-side.

type sensorView struct {
	ID              uuid.UUID  `json:"id"`
	ProjectID       uuid.UUID  `json:"project_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TokenPreview    string     `json:"token_preview"`
	ActiveProfileID *uuid.UUID `json:"active_profile_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func newSensorView(s *storage.Sensor) sensorView {
	return sensorView{
		ID:              s.ID,
		ProjectID:       s.ProjectID,
		Name:            s.Name,
		Status:          s.Status,
		TokenPreview:    s.TokenPreview,
		ActiveProfileID: s.ActiveProfileID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// sensorWithTokenView is returned on create and rotate only; Token is the
// plaintext bearer token, never retrievable again.
type sensorWithTokenView struct {
	sensorView
	Token string `json:"token"`
}

type profileView struct {
	ID        uuid.UUID       `json:"id"`
	SensorID  uuid.UUID       `json:"sensor_id"`
	Version   int             `json:"version"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	ValidFrom *time.Time      `json:"valid_from,omitempty"`
	ValidTo   *time.Time      `json:"valid_to,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newProfileView(p *storage.ConversionProfile) profileView {
	return profileView{
		ID:        p.ID,
		SensorID:  p.SensorID,
		Version:   p.Version,
		Kind:      p.Kind,
		Payload:   json.RawMessage(p.Payload),
		Status:    p.Status,
		ValidFrom: p.ValidFrom,
		ValidTo:   p.ValidTo,
		CreatedAt: p.CreatedAt,
	}
}

type experimentView struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID uuid.UUID      `json:"project_id"`
	OwnerID   uuid.UUID      `json:"owner_id"`
	Name      string         `json:"name"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func newExperimentView(e *storage.Experiment) experimentView {
	return experimentView{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		OwnerID:   e.OwnerID,
		Name:      e.Name,
		Tags:      e.Tags,
		Metadata:  e.Metadata,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type runView struct {
	ID           uuid.UUID      `json:"id"`
	ExperimentID uuid.UUID      `json:"experiment_id"`
	Params       map[string]any `json:"params,omitempty"`
	GitSHA       string         `json:"git_sha,omitempty"`
	Env          map[string]any `json:"env,omitempty"`
	Status       string         `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newRunView(r *storage.Run) runView {
	return runView{
		ID:           r.ID,
		ExperimentID: r.ExperimentID,
		Params:       r.Params,
		GitSHA:       r.GitSHA,
		Env:          r.Env,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		CreatedAt:    r.CreatedAt,
	}
}

type sessionView struct {
	ID            uuid.UUID  `json:"id"`
	RunID         uuid.UUID  `json:"run_id"`
	OrdinalNumber int        `json:"ordinal_number"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	InitiatedBy   *uuid.UUID `json:"initiated_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newSessionView(s *storage.CaptureSession) sessionView {
	return sessionView{
		ID:            s.ID,
		RunID:         s.RunID,
		OrdinalNumber: s.OrdinalNumber,
		Status:        s.Status,
		StartedAt:     s.StartedAt,
		StoppedAt:     s.StoppedAt,
		InitiatedBy:   s.InitiatedBy,
		CreatedAt:     s.CreatedAt,
	}
}

type auditEventView struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	ActorRole string         `json:"actor_role,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func newAuditEventView(e storage.CaptureSessionEvent) auditEventView {
	return auditEventView{
		ID:        e.ID,
		EventType: e.EventType,
		ActorID:   e.ActorID,
		ActorRole: e.ActorRole,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

type recordView struct {
	ID                  int64          `json:"id"`
	SensorID            uuid.UUID      `json:"sensor_id"`
	Timestamp           time.Time      `json:"timestamp"`
	Signal              string         `json:"signal,omitempty"`
	RawValue            float64        `json:"raw_value"`
	PhysicalValue       *float64       `json:"physical_value,omitempty"`
	ConversionStatus    string         `json:"conversion_status"`
	ConversionProfileID *uuid.UUID     `json:"conversion_profile_id,omitempty"`
	Meta                map[string]any `json:"meta,omitempty"`
}

func newRecordView(r storage.TelemetryRecord) recordView {
	return recordView{
		ID:                  r.ID,
		SensorID:            r.SensorID,
		Timestamp:           r.Timestamp,
		Signal:              r.Signal,
		RawValue:            r.RawValue,
		PhysicalValue:       r.PhysicalValue,
		ConversionStatus:    r.ConversionStatus,
		ConversionProfileID: r.ConversionProfileID,
		Meta:                r.Meta,
	}
}

type bucketView struct {
	Bucket           time.Time  `json:"bucket"`
	Signal           string     `json:"signal"`
	CaptureSessionID *uuid.UUID `json:"capture_session_id,omitempty"`
	SampleCount      int64      `json:"sample_count"`
	AvgRaw           float64    `json:"avg_raw"`
	MinRaw           float64    `json:"min_raw"`
	MaxRaw           float64    `json:"max_raw"`
	AvgPhysical      *float64   `json:"avg_physical,omitempty"`
	MinPhysical      *float64   `json:"min_physical,omitempty"`
	MaxPhysical      *float64   `json:"max_physical,omitempty"`
}

func newBucketView(b storage.TelemetryBucket) bucketView {
	return bucketView{
		Bucket:           b.Bucket,
		Signal:           b.Signal,
		CaptureSessionID: b.CaptureSessionID,
		SampleCount:      b.SampleCount,
		AvgRaw:           b.AvgRaw,
		MinRaw:           b.MinRaw,
		MaxRaw:           b.MaxRaw,
		AvgPhysical:      b.AvgPhysical,
		MinPhysical:      b.MinPhysical,
		MaxPhysical:      b.MaxPhysical,
	}
}

type subscriptionView struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	TargetURL  string    `json:"target_url"`
	EventTypes []string  `json:"event_types"`
	HasSecret  bool      `json:"has_secret"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

func newSubscriptionView(s *storage.WebhookSubscription) subscriptionView {
	return subscriptionView{
		ID:         s.ID,
		ProjectID:  s.ProjectID,
		TargetURL:  s.TargetURL,
		EventTypes: s.EventTypes,
		HasSecret:  s.Secret != nil,
		Active:     s.Active,
		CreatedAt:  s.CreatedAt,
	}
}

type deliveryView struct {
	ID             uuid.UUID  `json:"id"`
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	EventType      string     `json:"event_type"`
	TargetURL      string     `json:"target_url"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      *string    `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func newDeliveryView(d *storage.WebhookDelivery) deliveryView {
	return deliveryView{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		TargetURL:      d.TargetURL,
		Status:         d.Status,
		AttemptCount:   d.AttemptCount,
		LastError:      d.LastError,
		NextAttemptAt:  d.NextAttemptAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type taskView struct {
	ID                  uuid.UUID  `json:"id"`
	SensorID            uuid.UUID  `json:"sensor_id"`
	ConversionProfileID uuid.UUID  `json:"conversion_profile_id"`
	Status              string     `json:"status"`
	TotalRecords        int64      `json:"total_records"`
	ProcessedRecords    int64      `json:"processed_records"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func newTaskView(t *storage.BackfillTask) taskView {
	return taskView{
		ID:                  t.ID,
		SensorID:            t.SensorID,
		ConversionProfileID: t.ConversionProfileID,
		Status:              t.Status,
		TotalRecords:        t.TotalRecords,
		ProcessedRecords:    t.ProcessedRecords,
		ErrorMessage:        t.ErrorMessage,
		CreatedAt:           t.CreatedAt,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
	}
}
