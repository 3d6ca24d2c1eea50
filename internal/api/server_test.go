package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/thriftpool/internal/api/models"
)

type fakeBackend struct {
	workers   []models.WorkerData
	listeners []models.ListenerData
	err       error
	levels    []string
}

func (f *fakeBackend) MasterID() string { return "master-1" }

func (f *fakeBackend) Workers(context.Context) ([]models.WorkerData, error) {
	return f.workers, f.err
}

func (f *fakeBackend) Listeners() []models.ListenerData { return f.listeners }

func (f *fakeBackend) SetLogLevel(_ context.Context, level string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.levels = append(f.levels, level)
	return len(f.workers), nil
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		workers: []models.WorkerData{
			{ID: 0, PID: 100, Title: "[thriftpool-worker-0]", SpawnedAt: time.Unix(0, 0).UTC(), Healthy: true},
			{ID: 1, PID: 101, Title: "[thriftpool-worker-1]", SpawnedAt: time.Unix(0, 0).UTC(), Healthy: false},
		},
		listeners: []models.ListenerData{
			{Index: 0, Name: "front", Service: "echo", Address: "127.0.0.1:9090", Active: true},
		},
	}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{Backend: newBackend()})

	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.HealthData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "master-1", body.MasterID)
	assert.Equal(t, 1, body.Workers, "only healthy workers count")
}

func TestHealthWhileStopping(t *testing.T) {
	backend := newBackend()
	backend.err = errors.New("event loop stopped")
	s := NewServer(Options{Backend: backend})

	rec := do(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListWorkers(t *testing.T) {
	s := NewServer(Options{Backend: newBackend()})

	rec := do(t, s, http.MethodGet, "/api/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.WorkersData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, 101, body.Workers[1].PID)
	assert.False(t, body.Workers[1].Healthy)
}

func TestListWorkersEmpty(t *testing.T) {
	s := NewServer(Options{Backend: &fakeBackend{}})

	rec := do(t, s, http.MethodGet, "/api/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workers":[]`)
}

func TestListListeners(t *testing.T) {
	s := NewServer(Options{Backend: newBackend()})
	tapi := humatest.Wrap(t, s.API())

	rec := tapi.Get("/api/listeners")
	require.Equal(t, http.StatusOK, rec.Code)

	var body models.ListenersData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Listeners, 1)
	assert.Equal(t, "front", body.Listeners[0].Name)
}

func TestSetLogLevel(t *testing.T) {
	backend := newBackend()
	s := NewServer(Options{Backend: backend})

	rec := do(t, s, http.MethodPut, "/api/workers/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body models.LogLevelData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Workers)
	assert.Equal(t, []string{"debug"}, backend.levels)
}

func TestSetLogLevelRejectsUnknownLevel(t *testing.T) {
	backend := newBackend()
	s := NewServer(Options{Backend: backend})
	tapi := humatest.Wrap(t, s.API())

	rec := tapi.Put("/api/workers/log-level", map[string]any{"level": "loud"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, backend.levels)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "thriftpool_workers_active 2\n")
	})
	s := NewServer(Options{Backend: newBackend(), MetricsHandler: metrics})

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "thriftpool_workers_active 2")
}

func TestListenAndStop(t *testing.T) {
	s := NewServer(Options{Backend: newBackend()})
	require.NoError(t, s.Listen("127.0.0.1:0"))
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/api/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
	_, err = http.Get("http://" + s.Addr() + "/api/version")
	assert.Error(t, err)
}

func TestStopWithoutListen(t *testing.T) {
	s := NewServer(Options{Backend: newBackend()})
	assert.NoError(t, s.Stop())
}
