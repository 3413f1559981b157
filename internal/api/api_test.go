package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosewatch/internal/alerts"
	"github.com/gmsas95/dosewatch/internal/clock"
	"github.com/gmsas95/dosewatch/internal/config"
	apperrors "github.com/gmsas95/dosewatch/internal/errors"
	"github.com/gmsas95/dosewatch/internal/ledger"
	"github.com/gmsas95/dosewatch/internal/medication"
	"github.com/gmsas95/dosewatch/internal/monitor"
	"github.com/gmsas95/dosewatch/internal/schedule"
	"github.com/gmsas95/dosewatch/internal/store"
	"github.com/gmsas95/dosewatch/internal/tracker"
)

var now = time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)

type testServer struct {
	srv      *Server
	platform *alerts.LocalPlatform
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	kv, err := store.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	clk := clock.NewManual(now)
	meds := medication.NewRepository(kv, "user1", clk, nil)
	led := ledger.New(kv, "user1", meds, clk, nil)
	resolver := schedule.NewResolver(time.UTC)
	platform := alerts.NewLocalPlatform(clk, nil)
	sched := alerts.NewScheduler(platform, resolver, clk, alerts.DefaultSettings(), nil)
	sched.SetResolutions(led)
	mon := monitor.New(monitor.Config{Ledger: led, Medications: meds, Advancer: sched, Clock: clk, Location: time.UTC})
	mon.Attach(platform)
	svc := tracker.New(tracker.Deps{
		Medications: meds,
		Ledger:      led,
		Scheduler:   sched,
		Monitor:     mon,
		Resolver:    resolver,
		Clock:       clk,
	})
	t.Cleanup(svc.Stop)

	cfg := &config.Config{
		Server:     config.ServerConfig{AllowOrigins: []string{"*"}},
		Scheduling: config.SchedulingConfig{Timezone: "UTC"},
		Metrics:    config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	return &testServer{srv: New(cfg, svc, nil, "test"), platform: platform}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func paracetamol() map[string]any {
	return map[string]any{
		"name":      "Paracetamol 500mg",
		"dosage":    "500mg",
		"frequency": "daily",
		"timeOfDay": []string{"08:00"},
		"startDate": "2024-03-01",
	}
}

func (ts *testServer) create(t *testing.T) medication.Medication {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/medications", paracetamol())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out MedicationResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Nil(t, out.SchedulingError)
	return out.Medication
}

func TestHealth(t *testing.T) {
	ts := setupServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
}

func TestMedicationCRUD(t *testing.T) {
	ts := setupServer(t)
	med := ts.create(t)
	assert.NotEmpty(t, med.ID)

	resp, body := ts.do(t, http.MethodGet, "/api/medications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []medication.Medication
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/medications/"+med.ID+"/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []alerts.ScheduledAlert
	require.NoError(t, json.Unmarshal(body, &pending))
	assert.Len(t, pending, 2)

	resp, body = ts.do(t, http.MethodPut, "/api/medications/"+med.ID, map[string]any{"dosage": "1g"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated MedicationResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "1g", updated.Medication.Dosage)

	resp, _ = ts.do(t, http.MethodDelete, "/api/medications/"+med.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/medications/"+med.ID+"/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "null", string(body))
}

func TestGetUnknownMedication(t *testing.T) {
	ts := setupServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/medications/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, apperrors.CodeNotFound, e.Code)
}

func TestCreateInvalidMedication(t *testing.T) {
	ts := setupServer(t)
	req := paracetamol()
	req["frequency"] = "weekly"

	resp, body := ts.do(t, http.MethodPost, "/api/medications", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, apperrors.CodeValidation, e.Code)
}

func TestCreateWithoutPermissionStillSaves(t *testing.T) {
	ts := setupServer(t)
	ts.platform.SetPermission(false)

	resp, body := ts.do(t, http.MethodPost, "/api/medications", paracetamol())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out MedicationResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.Medication.ID)
	require.NotNil(t, out.SchedulingError)
	assert.Equal(t, apperrors.CodePermissionDenied, out.SchedulingError.Code)
}

func TestRecordTakenAndHistory(t *testing.T) {
	ts := setupServer(t)
	med := ts.create(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/medications/"+med.ID+"/taken", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/medications/"+med.ID+"/taken",
		DoseRequest{ScheduledTime: time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var entry ledger.Entry
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, ledger.StatusTaken, entry.Status)

	resp, _ = ts.do(t, http.MethodPost, "/api/medications/nope/taken",
		DoseRequest{ScheduledTime: time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/history?from=2024-03-10&to=2024-03-10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []ledger.Entry
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Len(t, history, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/history?from=2024-03-11", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))

	resp, _ = ts.do(t, http.MethodGet, "/api/history?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/adherence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep struct {
		Rate int `json:"rate"`
	}
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.Equal(t, 100, rep.Rate)
}

func TestTodayAndSchedule(t *testing.T) {
	ts := setupServer(t)
	ts.create(t)

	resp, body := ts.do(t, http.MethodGet, "/api/today", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var slots []tracker.DoseSlot
	require.NoError(t, json.Unmarshal(body, &slots))
	require.Len(t, slots, 1)
	assert.Equal(t, "08:00", slots[0].Slot)

	resp, _ = ts.do(t, http.MethodGet, "/api/schedule?date=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/schedule?date=2024-02-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "null", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupServer(t)
	ts.do(t, http.MethodGet, "/api/health", nil)

	resp, body := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dosewatch_")
}

func TestReplan(t *testing.T) {
	ts := setupServer(t)
	ts.create(t)

	resp, body := ts.do(t, http.MethodPost, "/api/replan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"alerts":2}`, string(body))
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	ts := setupServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/ws/events", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
