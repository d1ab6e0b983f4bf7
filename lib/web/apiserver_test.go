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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/experiments"
	"github.com/gravitational/telemeter/lib/ingest"
	"github.com/gravitational/telemeter/lib/profiles"
	"github.com/gravitational/telemeter/lib/sensors"
	"github.com/gravitational/telemeter/lib/storage"
	"github.com/gravitational/telemeter/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// testPack wires a handler over the in-memory backend with real services.
type testPack struct {
	handler   *Handler
	server    *httptest.Server
	backend   *memBackend
	emitter   *recordingEmitter
	clock     *clockwork.FakeClock
	projectID uuid.UUID
	userID    uuid.UUID
}

func newTestPack(t *testing.T) *testPack {
	t.Helper()
	backend := newMemBackend()
	emitter := &recordingEmitter{}
	clock := clockwork.NewFakeClock()

	cache, err := ingest.NewProfileCache(ingest.ProfileCacheConfig{Loader: backend})
	require.NoError(t, err)
	ingestService, err := ingest.NewService(ingest.Config{Store: backend, Cache: cache, Clock: clock})
	require.NoError(t, err)
	sensorService, err := sensors.NewService(sensors.Config{Store: backend})
	require.NoError(t, err)
	profileService, err := profiles.NewService(profiles.Config{
		Store: backend, Cache: cache, Emitter: emitter, Clock: clock,
	})
	require.NoError(t, err)
	experimentService, err := experiments.NewService(experiments.Config{
		Store: backend, Emitter: emitter, Clock: clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Ingest:      ingestService,
		Sensors:     sensorService,
		Profiles:    profileService,
		Experiments: experimentService,
		Backend:     backend,
		Emitter:     emitter,
		Clock:       clock,
		Environment: telemeter.EnvironmentDev,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testPack{
		handler:   handler,
		server:    server,
		backend:   backend,
		emitter:   emitter,
		clock:     clock,
		projectID: uuid.New(),
		userID:    uuid.New(),
	}
}

// do issues a request with the project scope headers of the given role.
func (p *testPack) do(t *testing.T, role, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, p.server.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	if role != "" {
		req.Header.Set(telemeter.HeaderProject, p.projectID.String())
		req.Header.Set(telemeter.HeaderRole, role)
		req.Header.Set(telemeter.HeaderUser, p.userID.String())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, payload
}

func (p *testPack) doJSON(t *testing.T, role, method, path string, body any, out any) *http.Response {
	t.Helper()
	resp, payload := p.do(t, role, method, path, body)
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(payload, out), "body: %s", payload)
	}
	return resp
}

func TestHealth(t *testing.T) {
	pack := newTestPack(t)
	resp, payload := pack.do(t, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// the wire keys are stable: agents probe status and env by name
	var out map[string]any
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "telemeter", out["service"])
	require.Equal(t, telemeter.EnvironmentDev, out["env"])
}

func TestScopeHeaders(t *testing.T) {
	pack := newTestPack(t)

	// no scope headers at all
	resp, _ := pack.do(t, "", http.MethodPost, "/sensors", createSensorRequest{Name: "dyno"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// viewers cannot mutate
	resp, _ = pack.do(t, "viewer", http.MethodPost, "/sensors", createSensorRequest{Name: "dyno"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// editors cannot delete sensors
	resp, _ = pack.do(t, "editor", http.MethodDelete, "/sensors/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// unknown role is rejected outright
	resp, _ = pack.do(t, "admin", http.MethodGet, "/sensors/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSensorLifecycle(t *testing.T) {
	pack := newTestPack(t)

	var created sensorWithTokenView
	resp := pack.doJSON(t, "editor", http.MethodPost, "/sensors", createSensorRequest{Name: "thermo-1"}, &created)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, created.Token)
	require.Equal(t, "thermo-1", created.Name)
	require.Equal(t, pack.projectID, created.ProjectID)

	var fetched sensorView
	resp = pack.doJSON(t, "viewer", http.MethodGet, "/sensors/"+created.ID.String(), nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, created.ID, fetched.ID)

	var rotated sensorWithTokenView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/sensors/"+created.ID.String()+"/rotate", nil, &rotated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, rotated.Token)
	require.NotEqual(t, created.Token, rotated.Token)

	resp, _ = pack.do(t, "owner", http.MethodDelete, "/sensors/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = pack.do(t, "viewer", http.MethodGet, "/sensors/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestAndReadBack(t *testing.T) {
	pack := newTestPack(t)

	var sensor sensorWithTokenView
	resp := pack.doJSON(t, "editor", http.MethodPost, "/sensors", createSensorRequest{Name: "dyno-rpm"}, &sensor)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// publish a linear profile for the sensor
	var draft profileView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/sensors/"+sensor.ID.String()+"/profiles",
		createProfileRequest{Kind: "linear", Payload: json.RawMessage(`{"a": 10, "b": 5}`)}, &draft)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, draft.Version)

	var published profileView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/profiles/"+draft.ID.String()+"/publish",
		publishProfileRequest{}, &published)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, storage.ProfileStatusActive, published.Status)

	// experiment → run → capture session
	var experiment experimentView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/experiments",
		createExperimentRequest{Name: "coastdown"}, &experiment)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var run runView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/experiments/"+experiment.ID.String()+"/runs",
		createRunRequest{GitSHA: "deadbeef"}, &run)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = pack.doJSON(t, "editor", http.MethodPost, "/runs/"+run.ID.String()+"/start", nil, &run)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, storage.RunStatusRunning, run.Status)

	var session sessionView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/runs/"+run.ID.String()+"/sessions", nil, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, session.OrdinalNumber)

	// ingest a batch with the sensor bearer token
	now := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	batch := ingest.Batch{
		SensorID:         sensor.ID,
		RunID:            &run.ID,
		CaptureSessionID: &session.ID,
		Readings: []ingest.Reading{
			{Timestamp: now, RawValue: 1, Signal: "rpm"},
			{Timestamp: now.Add(time.Second), RawValue: 2, Signal: "rpm"},
		},
	}
	encoded, err := json.Marshal(batch)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, pack.server.URL+"/api/v1/telemetry", bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+sensor.Token)
	ingestResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(ingestResp.Body)
	require.NoError(t, err)
	require.NoError(t, ingestResp.Body.Close())
	require.Equal(t, http.StatusAccepted, ingestResp.StatusCode, "body: %s", body)
	var accepted ingestResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	require.Equal(t, "accepted", accepted.Status)
	require.Equal(t, 2, accepted.Accepted)

	// a bad token is a 401, not a 403
	req, err = http.NewRequest(http.MethodPost, pack.server.URL+"/api/v1/telemetry", bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tmtr_bogus")
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, badResp.Body.Close())
	require.Equal(t, http.StatusUnauthorized, badResp.StatusCode)

	// read the session telemetry back, converted by the active profile
	var page struct {
		Records []recordView `json:"records"`
	}
	resp = pack.doJSON(t, "viewer", http.MethodGet,
		"/sessions/"+session.ID.String()+"/telemetry", nil, &page)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page.Records, 2)
	for i, record := range page.Records {
		require.Equal(t, storage.ConversionStatusConverted, record.ConversionStatus)
		require.NotNil(t, record.PhysicalValue)
		require.Equal(t, 10*float64(i+1)+5, *record.PhysicalValue)
	}

	// the session audit log has the creation event
	var audit struct {
		Events []auditEventView `json:"events"`
		Total  int64            `json:"total"`
	}
	resp = pack.doJSON(t, "viewer", http.MethodGet,
		"/sessions/"+session.ID.String()+"/events", nil, &audit)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(1), audit.Total)
	require.Equal(t, "capture_session.created", audit.Events[0].EventType)
}

func TestStopSessionAndDelete(t *testing.T) {
	pack := newTestPack(t)

	var experiment experimentView
	resp := pack.doJSON(t, "editor", http.MethodPost, "/experiments",
		createExperimentRequest{Name: "stop test"}, &experiment)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run runView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/experiments/"+experiment.ID.String()+"/runs",
		createRunRequest{}, &run)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session sessionView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/runs/"+run.ID.String()+"/sessions", nil, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// running sessions cannot be deleted
	resp, _ = pack.do(t, "owner", http.MethodDelete, "/sessions/"+session.ID.String(), nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = pack.doJSON(t, "editor", http.MethodPost, "/sessions/"+session.ID.String()+"/stop",
		setStatusRequest{}, &session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, storage.SessionStatusSucceeded, session.Status)

	// stopped sessions cannot restart via stop
	resp, _ = pack.do(t, "editor", http.MethodPost, "/sessions/"+session.ID.String()+"/stop",
		setStatusRequest{Status: storage.SessionStatusFailed})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = pack.do(t, "owner", http.MethodDelete, "/sessions/"+session.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebhookSubscriptions(t *testing.T) {
	pack := newTestPack(t)

	// unknown event types are rejected
	resp, _ := pack.do(t, "editor", http.MethodPost, "/webhooks", createSubscriptionRequest{
		TargetURL:  "https://hooks.example.com/t",
		EventTypes: []string{"sensor.exploded"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	secret := "hunter2"
	var sub subscriptionView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/webhooks", createSubscriptionRequest{
		TargetURL:  "https://hooks.example.com/t",
		EventTypes: []string{"run.started"},
		Secret:     &secret,
	}, &sub)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, sub.HasSecret)

	// the secret never appears in any response
	var fetched map[string]any
	resp = pack.doJSON(t, "viewer", http.MethodGet, "/webhooks/"+sub.ID.String(), nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, fetched, "secret")

	// webhook_subscription.created was emitted
	require.NotEmpty(t, pack.emitter.events)
	last := pack.emitter.events[len(pack.emitter.events)-1]
	require.Equal(t, "webhook_subscription.created", last.Type)
}

func TestEnqueueBackfill(t *testing.T) {
	pack := newTestPack(t)

	var sensor sensorWithTokenView
	resp := pack.doJSON(t, "editor", http.MethodPost, "/sensors", createSensorRequest{Name: "bf"}, &sensor)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// no active profile yet
	resp, _ = pack.do(t, "editor", http.MethodPost, "/backfill",
		enqueueBackfillRequest{SensorID: sensor.ID})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var draft profileView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/sensors/"+sensor.ID.String()+"/profiles",
		createProfileRequest{Kind: "linear", Payload: json.RawMessage(`{"a": 1, "b": 0}`)}, &draft)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published profileView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/profiles/"+draft.ID.String()+"/publish",
		publishProfileRequest{}, &published)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var task taskView
	resp = pack.doJSON(t, "editor", http.MethodPost, "/backfill",
		enqueueBackfillRequest{SensorID: sensor.ID}, &task)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, storage.TaskStatusPending, task.Status)
	require.Equal(t, published.ID, task.ConversionProfileID)

	var fetched taskView
	resp = pack.doJSON(t, "viewer", http.MethodGet, "/backfill/"+task.ID.String(), nil, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, task.ID, fetched.ID)

	var list struct {
		Tasks []taskView `json:"tasks"`
	}
	resp = pack.doJSON(t, "viewer", http.MethodGet,
		fmt.Sprintf("/sensors/%s/backfill?limit=10", sensor.ID), nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Tasks, 1)
}
