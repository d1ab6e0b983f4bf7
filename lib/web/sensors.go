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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/telemeter/lib/httplib"
)

type createSensorRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createSensor(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	var req createSensorRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Sensors.Create(r.Context(), s.ProjectID, req.Name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sensorWithTokenView{
		sensorView: newSensorView(created.Sensor),
		Token:      created.Token,
	}, nil
}

func (h *Handler) getSensor(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sensor, err := h.cfg.Sensors.Get(r.Context(), s.ProjectID, sensorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newSensorView(sensor), nil
}

func (h *Handler) rotateSensorToken(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rotated, err := h.cfg.Sensors.RotateToken(r.Context(), s.ProjectID, sensorID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sensorWithTokenView{
		sensorView: newSensorView(rotated.Sensor),
		Token:      rotated.Token,
	}, nil
}

type attachProjectRequest struct {
	ProjectID uuid.UUID `json:"project_id"`
}

func (h *Handler) attachSensorProject(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req attachProjectRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ProjectID == uuid.Nil {
		return nil, trace.BadParameter("missing project_id")
	}
	if err := h.cfg.Sensors.AttachProject(r.Context(), s.ProjectID, sensorID, req.ProjectID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse(), nil
}

func (h *Handler) detachSensorProject(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	targetID, err := paramUUID(p, "project_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Sensors.DetachProject(r.Context(), s.ProjectID, sensorID, targetID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse(), nil
}

func (h *Handler) deleteSensor(w http.ResponseWriter, r *http.Request, p httprouter.Params, s *scope) (any, error) {
	sensorID, err := paramUUID(p, "sensor_id")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Sensors.Delete(r.Context(), s.ProjectID, sensorID); err != nil {
		return nil, trace.Wrap(err)
	}
	return okResponse(), nil
}

func okResponse() any {
	return map[string]string{"status": "ok"}
}
