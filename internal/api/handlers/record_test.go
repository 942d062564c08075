package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalcare/go-vha/internal/api/middleware"
	"github.com/vitalcare/go-vha/internal/observability/metrics"
	"github.com/vitalcare/go-vha/internal/record"
	"github.com/vitalcare/go-vha/internal/storage"
)

const (
	keyClinicA = "key-clinic-a"
	keyClinicB = "key-clinic-b"
)

// Metrics register against the process-global registry, so the test binary
// creates them exactly once.
var testMetrics = metrics.New()

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := record.NewStore(storage.NewMemory(), nil)
	handler := NewRecordHandler(store, testMetrics, nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrincipalAuth(map[string]string{
		keyClinicA: "clinic-a",
		keyClinicB: "clinic-b",
	}))
	r.Mount("/records", handler.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, apiKey string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createPayload() record.PatientUpdatePayload {
	return record.PatientUpdatePayload{
		PatientName:    "Jane Doe",
		Age:            30,
		Symptoms:       "cough",
		Diagnosis:      "flu",
		Medications:    "paracetamol",
		MonitoringData: "stable",
	}
}

func mustCreate(t *testing.T, srv *httptest.Server, apiKey string) record.HealthRecord {
	t.Helper()
	resp := do(t, srv, http.MethodPost, "/records", apiKey, createPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[record.HealthRecord](t, resp)
}

func TestCreateRecord(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodPost, "/records", keyClinicA, createPayload())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	rec := decode[record.HealthRecord](t, resp)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, "clinic-a", rec.OwnerIdentity)
	assert.Equal(t, "Jane Doe", rec.PatientName)
	assert.NotZero(t, rec.CreatedAt)
	assert.Nil(t, rec.UpdatedAt)
}

func TestCreateRecord_ValidationFailure(t *testing.T) {
	srv := newTestServer(t)

	p := createPayload()
	p.Diagnosis = "   "
	resp := do(t, srv, http.MethodPost, "/records", keyClinicA, p)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "invalid input: diagnosis must not be empty", body["error"])
}

func TestCreateRecord_MalformedBody(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/records", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", keyClinicA)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuth_MissingAndInvalidKey(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/records", "no-such-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetRecord(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodGet, fmt.Sprintf("/records/%d", created.ID), keyClinicB, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created, decode[record.HealthRecord](t, resp))
}

func TestGetRecord_NotFound(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/records/999", keyClinicA, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "a health record with id=999 not found", body["error"])
}

func TestGetRecord_BadID(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/records/abc", keyClinicA, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateRecord(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	p := createPayload()
	p.Age = 31
	resp := do(t, srv, http.MethodPut, fmt.Sprintf("/records/%d", created.ID), keyClinicA, p)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decode[record.HealthRecord](t, resp)
	assert.Equal(t, uint32(31), updated.Age)
	assert.NotNil(t, updated.UpdatedAt)
}

func TestUpdateRecord_NonOwnerForbidden(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodPut, fmt.Sprintf("/records/%d", created.ID), keyClinicB, createPayload())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteRecord(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodDelete, fmt.Sprintf("/records/%d", created.ID), keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created, decode[record.HealthRecord](t, resp))

	resp = do(t, srv, http.MethodGet, fmt.Sprintf("/records/%d", created.ID), keyClinicA, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteRecord_NonOwnerForbidden(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodDelete, fmt.Sprintf("/records/%d", created.ID), keyClinicB, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTrackMedicationAndHistory(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	for _, med := range []string{"ibuprofen", "amoxicillin"} {
		resp := do(t, srv, http.MethodPost, fmt.Sprintf("/records/%d/medications", created.ID), keyClinicA,
			TrackMedicationRequest{Medication: med})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := do(t, srv, http.MethodGet, fmt.Sprintf("/records/%d/medications", created.ID), keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		ID      uint64   `json:"id"`
		History []string `json:"medication_history"`
	}](t, resp)
	assert.Equal(t, created.ID, body.ID)
	assert.Equal(t, []string{"ibuprofen", "amoxicillin"}, body.History)
}

func TestTrackMedication_EmptyRejected(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodPost, fmt.Sprintf("/records/%d/medications", created.ID), keyClinicA,
		TrackMedicationRequest{Medication: "  "})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestListCountExists(t *testing.T) {
	srv := newTestServer(t)
	mustCreate(t, srv, keyClinicA)
	mustCreate(t, srv, keyClinicB)

	resp := do(t, srv, http.MethodGet, "/records", keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := decode[[]record.HealthRecord](t, resp)
	assert.Len(t, recs, 2)

	resp = do(t, srv, http.MethodGet, "/records/count", keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	count := decode[map[string]uint64](t, resp)
	assert.Equal(t, uint64(2), count["count"])

	resp = do(t, srv, http.MethodGet, "/records/1/exists", keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exists := decode[struct {
		Exists bool `json:"exists"`
	}](t, resp)
	assert.True(t, exists.Exists)

	resp = do(t, srv, http.MethodGet, "/records/99/exists", keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exists = decode[struct {
		Exists bool `json:"exists"`
	}](t, resp)
	assert.False(t, exists.Exists)
}

func TestLatestActivity(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodGet, fmt.Sprintf("/records/%d/activity", created.ID), keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		LatestActivity uint64 `json:"latest_activity"`
	}](t, resp)
	assert.Equal(t, created.CreatedAt, body.LatestActivity)
}

func TestReport(t *testing.T) {
	srv := newTestServer(t)
	created := mustCreate(t, srv, keyClinicA)

	resp := do(t, srv, http.MethodGet, fmt.Sprintf("/records/%d/report", created.ID), keyClinicA, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf(
		"Health Report for Patient Jane Doe (ID: %d)\nAge: 30\nSymptoms: cough\nDiagnosis: flu\nMedications: paracetamol\nMonitoring Data: stable",
		created.ID,
	), buf.String())
}

func TestReport_NotFound(t *testing.T) {
	srv := newTestServer(t)

	resp := do(t, srv, http.MethodGet, "/records/58/report", keyClinicA, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "cannot generate report: a health record with id=58 not found", body["error"])
}
