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

// Package ingest implements the telemetry write path: sensor token
// authentication, scope validation, per-reading conversion through the
// profile cache and a single bulk insert per batch.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/sensors"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

var (
	ingestBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricIngestBatches,
		Help:      "Number of accepted ingest batches",
	})
	ingestRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricIngestRecords,
		Help:      "Number of accepted telemetry readings",
	})
	ingestRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricIngestRejected,
		Help:      "Number of rejected ingest batches by reason",
	}, []string{"reason"})
	ingestSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: telemeter.MetricNamespace,
		Name:      telemeter.MetricIngestSeconds,
		Help:      "End-to-end ingest batch latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// SystemMetaKey is the reserved meta namespace for late arrival tags and the
// like. Agents may pre-populate it; the server adds its own tags on top.
const SystemMetaKey = "__system"

// signalMetaKey is the legacy location of the signal name. Agents that
// predate the explicit field put it in reading meta.
const signalMetaKey = "signal"

// Reading is one sample of an ingest batch.
type Reading struct {
	Timestamp     time.Time      `json:"timestamp"`
	RawValue      float64        `json:"raw_value"`
	PhysicalValue *float64       `json:"physical_value,omitempty"`
	Signal        string         `json:"signal,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Batch is the body of one ingest request. All readings target a single
// sensor and, optionally, a single run and capture session.
type Batch struct {
	SensorID         uuid.UUID      `json:"sensor_id"`
	RunID            *uuid.UUID     `json:"run_id,omitempty"`
	CaptureSessionID *uuid.UUID     `json:"capture_session_id,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	Readings         []Reading      `json:"readings"`
}

// Check validates the batch shape.
func (b *Batch) Check() error {
	if b.SensorID == uuid.Nil {
		return trace.BadParameter("missing sensor_id")
	}
	if len(b.Readings) == 0 {
		return trace.BadParameter("batch has no readings")
	}
	if len(b.Readings) > defaults.MaxBatchReadings {
		return trace.BadParameter("batch exceeds %d readings", defaults.MaxBatchReadings)
	}
	for i, r := range b.Readings {
		if r.Timestamp.IsZero() {
			return trace.BadParameter("reading %d is missing a timestamp", i)
		}
	}
	return nil
}

// Store is the persistence surface of the write path.
type Store interface {
	AuthenticateSensor(ctx context.Context, sensorID uuid.UUID, tokenHash []byte) (*storage.Sensor, error)
	SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*storage.Run, error)
	GetCaptureSession(ctx context.Context, sessionID uuid.UUID) (*storage.CaptureSession, error)
	InsertTelemetry(ctx context.Context, records []storage.TelemetryRecord) (int, error)
}

// Config configures the ingest service.
type Config struct {
	Store Store
	Cache *ProfileCache
	Clock clockwork.Clock
	Log   *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentIngest)
	}
	return nil
}

// Service is the telemetry ingest service.
type Service struct {
	store Store
	cache *ProfileCache
	clock clockwork.Clock
	log   *slog.Logger
}

// NewService creates an ingest service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		ingestBatches, ingestRecords, ingestRejected, ingestSeconds,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		store: cfg.Store,
		cache: cfg.Cache,
		clock: cfg.Clock,
		log:   cfg.Log,
	}, nil
}

// Ingest authenticates the batch against the sensor token, validates its
// scope, converts every reading with the sensor's active profile and
// appends the whole batch in one statement. The batch is atomic: any
// failure stores nothing.
func (s *Service) Ingest(ctx context.Context, token string, batch Batch) (int, error) {
	start := s.clock.Now()
	accepted, err := s.ingest(ctx, token, batch)
	if err != nil {
		ingestRejected.WithLabelValues(rejectReason(err)).Inc()
		return 0, trace.Wrap(err)
	}
	ingestBatches.Inc()
	ingestRecords.Add(float64(accepted))
	ingestSeconds.Observe(s.clock.Since(start).Seconds())
	return accepted, nil
}

func (s *Service) ingest(ctx context.Context, token string, batch Batch) (int, error) {
	if err := batch.Check(); err != nil {
		return 0, trace.Wrap(err)
	}
	if token == "" {
		return 0, trace.AccessDenied("sensor token is required")
	}
	sensor, err := s.store.AuthenticateSensor(ctx, batch.SensorID, sensors.HashToken(token))
	if err != nil {
		return 0, trace.Wrap(err)
	}

	if err := s.checkScope(ctx, sensor, batch); err != nil {
		return 0, trace.Wrap(err)
	}

	active, err := s.cache.Get(ctx, sensor.ID)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	now := s.clock.Now().UTC()
	records := make([]storage.TelemetryRecord, len(batch.Readings))
	for i, reading := range batch.Readings {
		meta := mergeMeta(batch.Meta, reading.Meta)
		if now.Sub(reading.Timestamp) > defaults.LateArrivalGrace {
			meta = tagLateArrival(meta)
		}
		record := storage.TelemetryRecord{
			SensorID:         sensor.ID,
			Timestamp:        reading.Timestamp.UTC(),
			Signal:           readingSignal(reading, meta),
			RawValue:         reading.RawValue,
			CaptureSessionID: batch.CaptureSessionID,
			Meta:             meta,
		}
		switch {
		case active != nil:
			physical := active.Profile.Apply(reading.RawValue)
			record.PhysicalValue = &physical
			record.ConversionStatus = storage.ConversionStatusConverted
			record.ConversionProfileID = &active.ID
		default:
			// no active profile: store raw, keeping a caller-side conversion
			// if the agent sent one
			record.PhysicalValue = reading.PhysicalValue
			record.ConversionStatus = storage.ConversionStatusRawOnly
		}
		records[i] = record
	}

	accepted, err := s.store.InsertTelemetry(ctx, records)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	s.log.DebugContext(ctx, "Accepted telemetry batch",
		"sensor_id", sensor.ID, "readings", accepted)
	return accepted, nil
}

// checkScope validates that the batch's run and capture session exist,
// agree with each other and can accept readings, per the scope rules of the
// ingest contract.
func (s *Service) checkScope(ctx context.Context, sensor *storage.Sensor, batch Batch) error {
	if batch.CaptureSessionID != nil {
		session, err := s.store.GetCaptureSession(ctx, *batch.CaptureSessionID)
		if err != nil {
			return trace.Wrap(err)
		}
		if batch.RunID != nil && session.RunID != *batch.RunID {
			return trace.BadParameter("capture session %v does not belong to run %v",
				session.ID, *batch.RunID)
		}
		if !storage.SessionAcceptsReadings(session.Status) {
			return trace.BadParameter("capture session %v is %s and does not accept readings",
				session.ID, session.Status)
		}
		ok, err := s.store.SensorInProject(ctx, sensor.ID, session.ProjectID)
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return trace.BadParameter("capture session %v is outside the sensor's projects", session.ID)
		}
		return nil
	}
	if batch.RunID != nil {
		run, err := s.store.GetRun(ctx, *batch.RunID)
		if err != nil {
			return trace.Wrap(err)
		}
		if storage.RunIsTerminal(run.Status) {
			return trace.BadParameter("run %v is %s and does not accept readings",
				run.ID, run.Status)
		}
	}
	return nil
}

// mergeMeta overlays reading meta on batch meta, the reading winning on key
// conflicts. The reserved __system namespace is merged key-by-key so a
// batch-level tag never clobbers a per-reading one.
func mergeMeta(batchMeta, readingMeta map[string]any) map[string]any {
	merged := make(map[string]any, len(batchMeta)+len(readingMeta))
	for k, v := range batchMeta {
		merged[k] = v
	}
	for k, v := range readingMeta {
		if k != SystemMetaKey {
			merged[k] = v
		}
	}
	if system := mergeSystemMeta(batchMeta[SystemMetaKey], readingMeta[SystemMetaKey]); system != nil {
		merged[SystemMetaKey] = system
	}
	return merged
}

func mergeSystemMeta(batchSystem, readingSystem any) map[string]any {
	batchMap, _ := batchSystem.(map[string]any)
	readingMap, _ := readingSystem.(map[string]any)
	if batchMap == nil && readingMap == nil {
		return nil
	}
	merged := make(map[string]any, len(batchMap)+len(readingMap))
	for k, v := range batchMap {
		merged[k] = v
	}
	for k, v := range readingMap {
		merged[k] = v
	}
	return merged
}

// tagLateArrival marks a reading that arrived past the grace window in the
// reserved __system namespace. Late rows are tagged, never rejected.
func tagLateArrival(meta map[string]any) map[string]any {
	system, _ := meta[SystemMetaKey].(map[string]any)
	if system == nil {
		system = make(map[string]any, 1)
	}
	system["late_arrival"] = true
	meta[SystemMetaKey] = system
	return meta
}

// readingSignal picks the signal name: the explicit field wins, with a
// fallback to the legacy meta key set by older agents.
func readingSignal(reading Reading, meta map[string]any) string {
	if reading.Signal != "" {
		return reading.Signal
	}
	if legacy, ok := meta[signalMetaKey].(string); ok {
		return legacy
	}
	return ""
}

func rejectReason(err error) string {
	switch {
	case trace.IsAccessDenied(err):
		return "unauthorized"
	case trace.IsNotFound(err):
		return "not_found"
	case trace.IsBadParameter(err):
		return "bad_request"
	}
	return "internal"
}
