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
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/telemeter/lib/defaults"
	"github.com/gravitational/telemeter/lib/httplib"
	"github.com/gravitational/telemeter/lib/profiles"
	"github.com/gravitational/telemeter/lib/storage"
)

type createProfileRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) createProfileDraft(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req createProfileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := h.cfg.Profiles.CreateDraft(r.Context(), s.ProjectID, sensorID, req.Kind, req.Payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newProfileView(profile), nil
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	list, err := h.cfg.Profiles.List(r.Context(), s.ProjectID, sensorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]profileView, len(list))
	for i := range list {
		views[i] = newProfileView(&list[i])
	}
	return map[string]any{"profiles": views}, nil
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	profileID, err := paramUUID(p, "profile_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	profile, err := h.cfg.Profiles.Get(r.Context(), s.ProjectID, profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newProfileView(profile), nil
}

type publishProfileRequest struct {
	// EnqueueBackfill also queues reprocessing of the sensor's historical
	// readings under the new profile.
	EnqueueBackfill bool `json:"enqueue_backfill"`
}

func (h *Handler) publishProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	profileID, err := paramUUID(p, "profile_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req publishProfileRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	published, err := h.cfg.Profiles.Publish(r.Context(), profiles.PublishParams{
		ProjectID:       s.ProjectID,
		ProfileID:       profileID,
		EnqueueBackfill: req.EnqueueBackfill,
		ActorID:         s.actorID(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newProfileView(published), nil
}

func (h *Handler) retireProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	profileID, err := paramUUID(p, "profile_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	retired, err := h.cfg.Profiles.Retire(r.Context(), s.ProjectID, profileID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newProfileView(retired), nil
}

type enqueueBackfillRequest struct {
	SensorID uuid.UUID `json:"sensor_id"`
	// ProfileID defaults to the sensor's active profile.
	ProfileID *uuid.UUID `json:"profile_id,omitempty"`
}

func (h *Handler) enqueueBackfill(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	var req enqueueBackfillRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.SensorID == uuid.Nil {
		return nil, trace.BadParameter("missing sensor_id")
	}
	if err := h.checkSensorScope(r.Context(), req.SensorID, s); err != nil {
		return nil, trace.Wrap(err)
	}
	var profile *storage.ConversionProfile
	var err error
	if req.ProfileID != nil {
		profile, err = h.cfg.Profiles.Get(r.Context(), s.ProjectID, *req.ProfileID)
	} else {
		profile, err = h.cfg.Backend.GetActiveProfile(r.Context(), req.SensorID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if profile.SensorID != req.SensorID {
		return nil, trace.BadParameter("profile %v does not belong to sensor %v", profile.ID, req.SensorID)
	}
	task, err := h.cfg.Backend.EnqueueBackfillTask(r.Context(), req.SensorID, s.ProjectID, profile.ID, s.actorID())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newTaskView(task), nil
}

func (h *Handler) getBackfillTask(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	taskID, err := paramUUID(p, "task_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	task, err := h.cfg.Backend.GetBackfillTask(r.Context(), taskID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if task.ProjectID != s.ProjectID {
		return nil, trace.NotFound("backfill task not found")
	}
	return newTaskView(task), nil
}

func (h *Handler) listBackfillTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.checkSensorScope(r.Context(), sensorID, s); err != nil {
		return nil, trace.Wrap(err)
	}
	limit, err := queryInt(r, "limit", defaults.EventsPageSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tasks, err := h.cfg.Backend.ListBackfillTasks(r.Context(), sensorID, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]taskView, len(tasks))
	for i := range tasks {
		views[i] = newTaskView(&tasks[i])
	}
	return map[string]any{"tasks": views}, nil
}

// checkSensorScope hides sensors outside the project behind NotFound.
func (h *Handler) checkSensorScope(ctx context.Context, sensorID uuid.UUID, s *scope) error {
	ok, err := h.cfg.Backend.SensorInProject(ctx, sensorID, s.ProjectID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.NotFound("sensor not found")
	}
	return nil
}

// queryInt parses an optional positive integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, trace.BadParameter("invalid %s", name)
	}
	if n == 0 {
		return fallback, nil
	}
	return n, nil
}
