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
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/experiments"
	"github.com/gravitational/telemeter/lib/httplib"
	"github.com/gravitational/telemeter/lib/storage"
)

type createExperimentRequest struct {
	Name     string         `json:"name"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) createExperiment(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	var req createExperimentRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	experiment, err := h.cfg.Experiments.CreateExperiment(r.Context(), s.ProjectID, s.actor(),
		req.Name, req.Tags, req.Metadata)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newExperimentView(experiment), nil
}

func (h *Handler) getExperiment(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	experimentID, err := paramUUID(p, "experiment_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	experiment, err := h.cfg.Experiments.GetExperiment(r.Context(), s.ProjectID, experimentID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newExperimentView(experiment), nil
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setExperimentStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	experimentID, err := paramUUID(p, "experiment_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req setStatusRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	experiment, err := h.cfg.Experiments.SetExperimentStatus(r.Context(), s.ProjectID, experimentID, req.Status)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newExperimentView(experiment), nil
}

type createRunRequest struct {
	Params    map[string]any `json:"params,omitempty"`
	GitSHA    string         `json:"git_sha,omitempty"`
	Env       map[string]any `json:"env,omitempty"`
	SensorIDs []uuid.UUID    `json:"sensor_ids,omitempty"`
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	experimentID, err := paramUUID(p, "experiment_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createRunRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := h.cfg.Experiments.CreateRun(r.Context(), s.ProjectID, experiments.CreateRunParams{
		ExperimentID: experimentID,
		Params:       req.Params,
		GitSHA:       req.GitSHA,
		Env:          req.Env,
		SensorIDs:    req.SensorIDs,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newRunView(run), nil
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	runID, err := paramUUID(p, "run_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := h.cfg.Experiments.GetRun(r.Context(), s.ProjectID, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newRunView(run), nil
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	runID, err := paramUUID(p, "run_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := h.cfg.Experiments.StartRun(r.Context(), s.ProjectID, runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newRunView(run), nil
}

func (h *Handler) finishRun(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	runID, err := paramUUID(p, "run_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req setStatusRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	run, err := h.cfg.Experiments.FinishRun(r.Context(), s.ProjectID, runID, req.Status)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newRunView(run), nil
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	runID, err := paramUUID(p, "run_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Experiments.CreateSession(r.Context(), s.ProjectID, s.actor(), runID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newSessionView(session), nil
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sessionID, err := paramUUID(p, "session_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Experiments.GetSession(r.Context(), s.ProjectID, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newSessionView(session), nil
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sessionID, err := paramUUID(p, "session_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req setStatusRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	session, err := h.cfg.Experiments.StopSession(r.Context(), s.ProjectID, s.actor(), sessionID, req.Status)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newSessionView(session), nil
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sessionID, err := paramUUID(p, "session_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Experiments.DeleteSession(r.Context(), s.ProjectID, s.actor(), sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse(), nil
}

func (h *Handler) listSessionEvents(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sessionID, err := paramUUID(p, "session_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limit, err := queryInt(r, "limit", defaults.EventsPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	list, total, err := h.cfg.Experiments.ListSessionEvents(r.Context(), s.ProjectID, sessionID, limit, offset)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]auditEventView, len(list))
	for i, event := range list {
		views[i] = newAuditEventView(event)
	}
	return map[string]any{"events": views, "total": total}, nil
}

func (h *Handler) listSessionTelemetry(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sessionID, err := paramUUID(p, "session_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// the lifecycle service enforces project scope on the session
	if _, err := h.cfg.Experiments.GetSession(r.Context(), s.ProjectID, sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	limit, err := queryInt(r, "limit", defaults.TelemetryPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cursor, err := cursorFromRequest(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	records, err := h.cfg.Backend.ListSessionTelemetry(r.Context(), sessionID, cursor, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]recordView, len(records))
	for i, record := range records {
		views[i] = newRecordView(record)
	}
	out := map[string]any{"records": views}
	if len(records) == limit {
		last := records[len(records)-1]
		out["next"] = map[string]any{
			"after_ts": last.Timestamp.UTC().Format(time.RFC3339Nano),
			"after_id": last.ID,
		}
	}
	return out, nil
}

// cursorFromRequest parses the keyset cursor query parameters after_ts and
// after_id. Both absent means the first page.
func cursorFromRequest(r *http.Request) (storage.TelemetryCursor, error) {
	var cursor storage.TelemetryCursor
	if raw := r.URL.Query().Get("after_ts"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return cursor, trace.BadParameter("invalid after_ts")
		}
		cursor.Timestamp = ts
	}
	afterID, err := queryInt(r, "after_id", 0)
	if err != nil {
		return cursor, trace.Wrap(err)
	}
	cursor.ID = int64(afterID)
	return cursor, nil
}

func (h *Handler) queryTelemetry1m(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.checkSensorScope(r.Context(), sensorID, s); err != nil {
		return nil, trace.Wrap(err)
	}
	filter := storage.TelemetryAggregateFilter{SensorID: sensorID}
	query := r.URL.Query()
	if raw := query.Get("from"); raw != "" {
		if filter.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, trace.BadParameter("invalid from")
		}
	} else {
		filter.From = h.cfg.Clock.Now().UTC().Add(-time.Hour)
	}
	if raw := query.Get("to"); raw != "" {
		if filter.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, trace.BadParameter("invalid to")
		}
	} else {
		filter.To = h.cfg.Clock.Now().UTC()
	}
	if signal := query.Get("signal"); signal != "" {
		filter.Signal = &signal
	}
	if raw := query.Get("session_id"); raw != "" {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid session_id")
		}
		filter.CaptureSessionID = &sessionID
	}
	if filter.Limit, err = queryInt(r, "limit", defaults.TelemetryPageSize); err != nil {
		return nil, trace.Wrap(err)
	}
	buckets, err := h.cfg.Backend.QueryTelemetry1m(r.Context(), filter)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]bucketView, len(buckets))
	for i, bucket := range buckets {
		views[i] = newBucketView(bucket)
	}
	return map[string]any{"buckets": views}, nil
}
