package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/core/internal/audit"
	"github.com/casarerpa/core/internal/events"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/robotmgr"
	"github.com/casarerpa/core/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *robotmgr.Manager, *audit.Repository) {
	t.Helper()
	mgr := robotmgr.NewManager(events.NewBus(), robotmgr.Options{})
	repo, err := audit.Open("sqlite3", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)
	srv := NewServer(mgr, repo, resilience.NewRegistry(resilience.DefaultBreakerConfig()), reg, "test")
	return srv, mgr, repo
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func validWorkflowJSON(t *testing.T) []byte {
	t.Helper()
	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)

	wf := workflow.New("api-test")
	require.NoError(t, wf.AddNode(node.Data{NodeID: "start", Type: node.TypeStart, Config: map[string]any{}}))
	require.NoError(t, wf.AddNode(node.Data{NodeID: "end", Type: node.TypeEnd, Config: map[string]any{}}))
	require.NoError(t, wf.Connect(reg, workflow.Connection{
		SourceNode: "start", SourcePort: "exec_out", TargetNode: "end", TargetPort: "exec_in",
	}))
	data, err := wf.Canonical()
	require.NoError(t, err)
	return data
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, "GET", "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSubmitJobValidatesWorkflow(t *testing.T) {
	srv, mgr, _ := newTestServer(t)

	req, err := json.Marshal(map[string]any{
		"workflow_id":   "wf-1",
		"workflow_data": json.RawMessage(validWorkflowJSON(t)),
		"variables":     map[string]any{"x": 1},
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, "POST", "/api/jobs", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decodeBody[model.Job](t, rec)
	assert.Equal(t, model.JobPending, job.Status)
	assert.NotEmpty(t, job.ID)
	assert.NotNil(t, mgr.Job(job.ID))
}

func TestSubmitJobRejectsBadWorkflow(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := json.Marshal(map[string]any{
		"workflow_data": json.RawMessage(`{"schema_version":"2.0"}`),
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, "POST", "/api/jobs", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, "POST", "/api/jobs", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingJobsAndLookup(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	job := mgr.SubmitJob(robotmgr.JobSpec{WorkflowID: "wf-1"})

	rec := doRequest(t, srv, "GET", "/api/jobs/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]model.Job](t, rec)
	require.Len(t, pending, 1)

	rec = doRequest(t, srv, "GET", "/api/jobs/"+string(job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, "GET", "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRobotEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, "GET", "/api/robots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]robotView](t, rec))

	rec = doRequest(t, srv, "GET", "/api/robots/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateWorkflowEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, "POST", "/api/workflows/validate", validWorkflowJSON(t))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["valid"])

	rec = doRequest(t, srv, "POST", "/api/workflows/validate", []byte(`{"schema_version":"1.0"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["error"])
}

func TestBreakerStatsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.breakers.Get("session:r1")

	rec := doRequest(t, srv, "GET", "/api/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[[]map[string]any](t, rec)
	require.Len(t, stats, 1)
}

func TestAuditEndpoints(t *testing.T) {
	srv, _, repo := newTestServer(t)
	require.NoError(t, repo.Record(context.Background(), &audit.Event{
		EventType: "job.submitted", Success: true, RobotID: "r1",
	}))

	rec := doRequest(t, srv, "GET", "/api/audit/events?robot_id=r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]map[string]any](t, rec)
	require.Len(t, events, 1)

	rec = doRequest(t, srv, "GET", "/api/audit/events?robot_id=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]map[string]any](t, rec))

	rec = doRequest(t, srv, "POST", "/api/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[audit.IntegrityReport](t, rec)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.EventsChecked)

	rec = doRequest(t, srv, "GET", "/api/audit/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
}

func TestAuditUnavailableWithoutStore(t *testing.T) {
	mgr := robotmgr.NewManager(events.NewBus(), robotmgr.Options{})
	reg := node.NewRegistry()
	node.RegisterBuiltins(reg)
	srv := NewServer(mgr, nil, resilience.NewRegistry(resilience.DefaultBreakerConfig()), reg, "test")

	rec := doRequest(t, srv, "GET", "/api/audit/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
