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
	"time"

	"github.com/google/uuid"
)

// Sensor statuses.
const (
	SensorStatusActive   = "active"
	SensorStatusDisabled = "disabled"
)

// Conversion profile statuses.
const (
	ProfileStatusDraft   = "draft"
	ProfileStatusActive  = "active"
	ProfileStatusRetired = "retired"
)

// Experiment statuses.
const (
	ExperimentStatusDraft     = "draft"
	ExperimentStatusRunning   = "running"
	ExperimentStatusSucceeded = "succeeded"
	ExperimentStatusFailed    = "failed"
	ExperimentStatusArchived  = "archived"
)

// Run statuses.
const (
	RunStatusDraft     = "draft"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// RunIsTerminal reports whether a run can no longer accept readings.
func RunIsTerminal(status string) bool {
	return status == RunStatusSucceeded || status == RunStatusFailed
}

// Capture session statuses.
const (
	SessionStatusDraft       = "draft"
	SessionStatusRunning     = "running"
	SessionStatusSucceeded   = "succeeded"
	SessionStatusFailed      = "failed"
	SessionStatusBackfilling = "backfilling"
)

// SessionIsActive reports whether a capture session is collecting or
// reprocessing data. Active sessions cannot be deleted and block sensor
// deletion.
func SessionIsActive(status string) bool {
	return status == SessionStatusRunning || status == SessionStatusBackfilling
}

// SessionAcceptsReadings reports whether readings may target the session.
func SessionAcceptsReadings(status string) bool {
	return status == SessionStatusRunning || status == SessionStatusDraft
}

// Telemetry conversion statuses.
const (
	ConversionStatusConverted = "converted"
	ConversionStatusRawOnly   = "raw_only"
	ConversionStatusFailed    = "conversion_failed"
)

// Backfill task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Webhook delivery statuses.
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusInProgress = "in_progress"
	DeliveryStatusSucceeded  = "succeeded"
	DeliveryStatusFailed     = "failed"
)

// Sensor is one row of the sensors table. TokenHash is the SHA-256 of the
// ingest bearer token; the token itself is never stored.
type Sensor struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Name            string
	Status          string
	TokenHash       []byte
	TokenPreview    string
	ActiveProfileID *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConversionProfile is one row of the conversion_profiles table. Payload is
// the opaque JSON validated by lib/conversion at publish time.
type ConversionProfile struct {
	ID        uuid.UUID
	SensorID  uuid.UUID
	Version   int
	Kind      string
	Payload   []byte
	Status    string
	ValidFrom *time.Time
	ValidTo   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Experiment is one row of the experiments table.
type Experiment struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Tags      []string
	Metadata  map[string]any
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one row of the runs table.
type Run struct {
	ID           uuid.UUID
	ExperimentID uuid.UUID
	ProjectID    uuid.UUID
	Params       map[string]any
	GitSHA       string
	Env          map[string]any
	Status       string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CaptureSession is one row of the capture_sessions table.
type CaptureSession struct {
	ID            uuid.UUID
	RunID         uuid.UUID
	ProjectID     uuid.UUID
	OrdinalNumber int
	Status        string
	StartedAt     *time.Time
	StoppedAt     *time.Time
	InitiatedBy   *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CaptureSessionEvent is one row of the append-only session audit log.
type CaptureSessionEvent struct {
	ID               int64
	CaptureSessionID uuid.UUID
	EventType        string
	ActorID          *uuid.UUID
	ActorRole        string
	Payload          map[string]any
	CreatedAt        time.Time
}

// TelemetryRecord is one reading of the telemetry_records hypertable. ID is
// assigned by the server and orders readings with equal timestamps.
type TelemetryRecord struct {
	ID                  int64
	SensorID            uuid.UUID
	Timestamp           time.Time
	Signal              string
	RawValue            float64
	PhysicalValue       *float64
	ConversionStatus    string
	ConversionProfileID *uuid.UUID
	CaptureSessionID    *uuid.UUID
	Meta                map[string]any
	CreatedAt           time.Time
}

// TelemetryBucket is one row of the telemetry_1m rollup. Physical aggregates
// are nil when every sample in the bucket was raw-only.
type TelemetryBucket struct {
	Bucket           time.Time
	SensorID         uuid.UUID
	Signal           string
	CaptureSessionID *uuid.UUID
	SampleCount      int64
	AvgRaw           float64
	MinRaw           float64
	MaxRaw           float64
	AvgPhysical      *float64
	MinPhysical      *float64
	MaxPhysical      *float64
}

// BackfillTask is one row of the conversion_backfill_tasks queue.
type BackfillTask struct {
	ID                  uuid.UUID
	SensorID            uuid.UUID
	ProjectID           uuid.UUID
	ConversionProfileID uuid.UUID
	Status              string
	TotalRecords        int64
	ProcessedRecords    int64
	ErrorMessage        *string
	CreatedBy           *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// WebhookSubscription is one row of the webhook_subscriptions table.
type WebhookSubscription struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	TargetURL  string
	EventTypes []string
	Secret     *string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebhookDelivery is one row of the webhook_deliveries queue. Subscription
// fields are denormalized at enqueue time so a delivery survives subscription
// edits unchanged.
type WebhookDelivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	ProjectID      uuid.UUID
	EventType      string
	TargetURL      string
	Secret         *string
	RequestBody    []byte
	Status         string
	AttemptCount   int
	LastError      *string
	NextAttemptAt  *time.Time
	LockedAt       *time.Time
	DedupKey       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
