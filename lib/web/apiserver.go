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

// Package web implements the public HTTP API of the telemetry plane: agent
// ingest plus the operator surface for sensors, profiles, experiments,
// capture sessions, webhooks and backfill.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/events"
	"github.com/gravitational/telemeter/lib/experiments"
	"github.com/gravitational/telemeter/lib/httplib"
	"github.com/gravitational/telemeter/lib/ingest"
	"github.com/gravitational/telemeter/lib/profiles"
	"github.com/gravitational/telemeter/lib/sensors"
	"github.com/gravitational/telemeter/lib/storage"
)

// Backend is the storage surface the handler reads directly: telemetry
// read-back, webhook subscriptions and deliveries, backfill tasks. Mutations
// with business rules go through the services instead.
type Backend interface {
	SensorInProject(ctx context.Context, sensorID, projectID uuid.UUID) (bool, error)
	GetActiveProfile(ctx context.Context, sensorID uuid.UUID) (*storage.ConversionProfile, error)
	ListSessionTelemetry(ctx context.Context, sessionID uuid.UUID, after storage.TelemetryCursor, limit int) ([]storage.TelemetryRecord, error)
	QueryTelemetry1m(ctx context.Context, filter storage.TelemetryAggregateFilter) ([]storage.TelemetryBucket, error)
	CreateWebhookSubscription(ctx context.Context, projectID uuid.UUID, targetURL string, eventTypes []string, secret *string) (*storage.WebhookSubscription, error)
	GetWebhookSubscription(ctx context.Context, subscriptionID uuid.UUID) (*storage.WebhookSubscription, error)
	ListWebhookDeliveries(ctx context.Context, projectID uuid.UUID, status *string, limit, offset int) ([]storage.WebhookDelivery, int64, error)
	RetryWebhookDelivery(ctx context.Context, projectID, deliveryID uuid.UUID) (*storage.WebhookDelivery, error)
	EnqueueBackfillTask(ctx context.Context, sensorID, projectID, profileID uuid.UUID, createdBy *uuid.UUID) (*storage.BackfillTask, error)
	GetBackfillTask(ctx context.Context, taskID uuid.UUID) (*storage.BackfillTask, error)
	ListBackfillTasks(ctx context.Context, sensorID uuid.UUID, limit int) ([]storage.BackfillTask, error)
}

// Emitter fans a domain event out to the project's webhook subscriptions.
type Emitter interface {
	Emit(ctx context.Context, projectID uuid.UUID, event events.Event) error
}

// Config represents web handler configuration parameters
type Config struct {
	// Ingest is the telemetry write path.
	Ingest *ingest.Service
	// Sensors manages sensor identities.
	Sensors *sensors.Service
	// Profiles manages the conversion profile lifecycle.
	Profiles *profiles.Service
	// Experiments manages experiments, runs and capture sessions.
	Experiments *experiments.Service
	// Backend serves direct reads and queue operations.
	Backend Backend
	// Emitter emits webhook_subscription.created.
	Emitter Emitter
	// Clock is used for time operations, overridden in tests.
	Clock clockwork.Clock
	// Log is the handler logger.
	Log *slog.Logger
	// Environment is reported by the health endpoint. The dev environment
	// additionally allows cross-origin requests.
	Environment string
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Ingest == nil {
		return trace.BadParameter("missing parameter Ingest")
	}
	if c.Sensors == nil {
		return trace.BadParameter("missing parameter Sensors")
	}
	if c.Profiles == nil {
		return trace.BadParameter("missing parameter Profiles")
	}
	if c.Experiments == nil {
		return trace.BadParameter("missing parameter Experiments")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing parameter Emitter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentWeb)
	}
	if c.Environment == "" {
		c.Environment = telemeter.EnvironmentProd
	}
	return nil
}

// Handler is the public API HTTP handler
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns a new instance of the API handler
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	// agent surface
	h.POST("/api/v1/telemetry", h.ingestTelemetry)

	// sensors
	h.POST("/api/v1/sensors", h.withScope(roleEditor, h.createSensor))
	h.GET("/api/v1/sensors/:sensor_id", h.withScope(roleViewer, h.getSensor))
	h.DELETE("/api/v1/sensors/:sensor_id", h.withScope(roleOwner, h.deleteSensor))
	h.POST("/api/v1/sensors/:sensor_id/rotate", h.withScope(roleEditor, h.rotateSensorToken))
	h.POST("/api/v1/sensors/:sensor_id/projects", h.withScope(roleEditor, h.attachSensorProject))
	h.DELETE("/api/v1/sensors/:sensor_id/projects/:project_id", h.withScope(roleEditor, h.detachSensorProject))

	// conversion profiles
	h.POST("/api/v1/sensors/:sensor_id/profiles", h.withScope(roleEditor, h.createProfileDraft))
	h.GET("/api/v1/sensors/:sensor_id/profiles", h.withScope(roleViewer, h.listProfiles))
	h.GET("/api/v1/profiles/:profile_id", h.withScope(roleViewer, h.getProfile))
	h.POST("/api/v1/profiles/:profile_id/publish", h.withScope(roleEditor, h.publishProfile))
	h.POST("/api/v1/profiles/:profile_id/retire", h.withScope(roleEditor, h.retireProfile))

	// experiments, runs, capture sessions
	h.POST("/api/v1/experiments", h.withScope(roleEditor, h.createExperiment))
	h.GET("/api/v1/experiments/:experiment_id", h.withScope(roleViewer, h.getExperiment))
	h.PUT("/api/v1/experiments/:experiment_id/status", h.withScope(roleEditor, h.setExperimentStatus))
	h.POST("/api/v1/experiments/:experiment_id/runs", h.withScope(roleEditor, h.createRun))
	h.GET("/api/v1/runs/:run_id", h.withScope(roleViewer, h.getRun))
	h.POST("/api/v1/runs/:run_id/start", h.withScope(roleEditor, h.startRun))
	h.POST("/api/v1/runs/:run_id/finish", h.withScope(roleEditor, h.finishRun))
	h.POST("/api/v1/runs/:run_id/sessions", h.withScope(roleEditor, h.createSession))
	h.GET("/api/v1/sessions/:session_id", h.withScope(roleViewer, h.getSession))
	h.POST("/api/v1/sessions/:session_id/stop", h.withScope(roleEditor, h.stopSession))
	h.DELETE("/api/v1/sessions/:session_id", h.withScope(roleOwner, h.deleteSession))
	h.GET("/api/v1/sessions/:session_id/events", h.withScope(roleViewer, h.listSessionEvents))

	// telemetry read-back
	h.GET("/api/v1/sessions/:session_id/telemetry", h.withScope(roleViewer, h.listSessionTelemetry))
	h.GET("/api/v1/sensors/:sensor_id/telemetry/1m", h.withScope(roleViewer, h.queryTelemetry1m))

	// webhooks
	h.POST("/api/v1/webhooks", h.withScope(roleEditor, h.createWebhookSubscription))
	h.GET("/api/v1/webhooks/:subscription_id", h.withScope(roleViewer, h.getWebhookSubscription))
	h.GET("/api/v1/deliveries", h.withScope(roleViewer, h.listWebhookDeliveries))
	h.POST("/api/v1/deliveries/:delivery_id/retry", h.withScope(roleEditor, h.retryWebhookDelivery))

	// backfill
	h.POST("/api/v1/backfill", h.withScope(roleEditor, h.enqueueBackfill))
	h.GET("/api/v1/backfill/:task_id", h.withScope(roleViewer, h.getBackfillTask))
	h.GET("/api/v1/sensors/:sensor_id/backfill", h.withScope(roleViewer, h.listBackfillTasks))

	h.GET("/api/v1/health", httplib.MakeHandler(h.health))

	if cfg.Environment == telemeter.EnvironmentDev {
		h.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httplib.InsecureSetDevmodeHeaders(w)
			w.WriteHeader(http.StatusOK)
		})
	}
	return h, nil
}

// ServeHTTP sets response policy headers and routes the request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httplib.SetNoCacheHeaders(w.Header())
	if h.cfg.Environment == telemeter.EnvironmentDev {
		httplib.InsecureSetDevmodeHeaders(w)
	}
	h.Router.ServeHTTP(w, r)
}

// scope identifies the operator behind a request, asserted by the fronting
// auth gateway headers.
type scope struct {
	ProjectID uuid.UUID
	Role      telemeter.Role
	// UserID is uuid.Nil when the gateway did not assert a user.
	UserID uuid.UUID
}

func (s *scope) actor() experiments.Actor {
	return experiments.Actor{UserID: s.UserID, Role: s.Role}
}

// actorID returns the user for audit attribution, nil when anonymous.
func (s *scope) actorID() *uuid.UUID {
	if s.UserID == uuid.Nil {
		return nil
	}
	id := s.UserID
	return &id
}

// minRole is the weakest role a route accepts.
type minRole int

const (
	roleViewer minRole = iota
	roleEditor
	roleOwner
)

// scopeHandler is an API handler that runs within a validated project scope.
type scopeHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error)

// withScope authenticates the gateway headers and enforces the route's
// minimum role before invoking the handler.
func (h *Handler) withScope(min minRole, fn scopeHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		s, err := scopeFromRequest(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		switch min {
		case roleOwner:
			if s.Role != telemeter.RoleOwner {
				return nil, trace.AccessDenied("%s role is required", telemeter.RoleOwner)
			}
		case roleEditor:
			if !s.Role.CanEdit() {
				return nil, trace.AccessDenied("the %s role is read-only", s.Role)
			}
		}
		return fn(w, r, p, s)
	})
}

func scopeFromRequest(r *http.Request) (*scope, error) {
	rawProject := r.Header.Get(telemeter.HeaderProject)
	if rawProject == "" {
		return nil, trace.AccessDenied("missing %s header", telemeter.HeaderProject)
	}
	projectID, err := uuid.Parse(rawProject)
	if err != nil {
		return nil, trace.AccessDenied("invalid %s header", telemeter.HeaderProject)
	}
	role, err := telemeter.ParseRole(r.Header.Get(telemeter.HeaderRole))
	if err != nil {
		return nil, trace.AccessDenied("invalid %s header", telemeter.HeaderRole)
	}
	s := &scope{ProjectID: projectID, Role: role}
	if rawUser := r.Header.Get(telemeter.HeaderUser); rawUser != "" {
		userID, err := uuid.Parse(rawUser)
		if err != nil {
			return nil, trace.AccessDenied("invalid %s header", telemeter.HeaderUser)
		}
		s.UserID = userID
	}
	return s, nil
}

// healthResponse is the health endpoint body.
type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Environment string `json:"env"`
	Time        string `json:"time"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return healthResponse{
		Status:      "ok",
		Service:     "telemeter",
		Version:     telemeter.Version,
		Environment: h.cfg.Environment,
		Time:        h.cfg.Clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ingestResponse is the ingest endpoint body.
type ingestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

// ingestTelemetry authenticates the batch with the sensor bearer token.
// Unlike the operator surface, authentication failures map to 401: agents
// retry on 401 after re-reading their token file.
func (h *Handler) ingestTelemetry(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	out, err := func() (any, error) {
		var batch ingest.Batch
		if err := httplib.ReadJSON(r, &batch); err != nil {
			return nil, trace.Wrap(err)
		}
		accepted, err := h.cfg.Ingest.Ingest(r.Context(), bearerToken(r), batch)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return ingestResponse{Status: "accepted", Accepted: accepted}, nil
	}()
	if err != nil {
		if trace.IsAccessDenied(err) {
			roundtrip.ReplyJSON(w, http.StatusUnauthorized, map[string]any{
				"error": trace.UserMessage(err),
			})
			return
		}
		httplib.ReplyError(w, err)
		return
	}
	roundtrip.ReplyJSON(w, http.StatusAccepted, out)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// paramUUID parses a route parameter as a UUID.
func paramUUID(p httprouter.Params, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p.ByName(name))
	if err != nil {
		return uuid.Nil, trace.BadParameter("invalid %s", name)
	}
	return id, nil
}
