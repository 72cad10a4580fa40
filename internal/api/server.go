// Package api is the orchestrator's REST monitoring surface: fleet and
// job state, job submission, breaker stats, audit queries, and the
// Prometheus scrape endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casarerpa/core/internal/audit"
	"github.com/casarerpa/core/internal/model"
	"github.com/casarerpa/core/internal/node"
	"github.com/casarerpa/core/internal/resilience"
	"github.com/casarerpa/core/internal/robotmgr"
	"github.com/casarerpa/core/internal/workflow"
)

// Server wires the monitoring endpoints to their backing components.
// Audit may be nil; its endpoints then return 503.
type Server struct {
	mgr      *robotmgr.Manager
	audit    *audit.Repository
	breakers *resilience.Registry
	registry *node.Registry
	version  string
	started  time.Time
}

// NewServer builds the API surface.
func NewServer(mgr *robotmgr.Manager, auditRepo *audit.Repository, breakers *resilience.Registry, registry *node.Registry, version string) *Server {
	return &Server{
		mgr:      mgr,
		audit:    auditRepo,
		breakers: breakers,
		registry: registry,
		version:  version,
		started:  time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/robots", s.handleRobots).Methods("GET")
	r.HandleFunc("/api/robots/{robot_id}", s.handleRobot).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/api/jobs/pending", s.handlePendingJobs).Methods("GET")
	r.HandleFunc("/api/jobs/{job_id}", s.handleJob).Methods("GET")
	r.HandleFunc("/api/breakers", s.handleBreakers).Methods("GET")
	r.HandleFunc("/api/workflows/validate", s.handleValidateWorkflow).Methods("POST")
	r.HandleFunc("/api/audit/events", s.handleAuditEvents).Methods("GET")
	r.HandleFunc("/api/audit/verify", s.handleAuditVerify).Methods("POST")
	r.HandleFunc("/api/audit/export", s.handleAuditExport).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"robots":         len(s.mgr.Robots()),
		"pending_jobs":   len(s.mgr.PendingJobs()),
	})
}

type robotView struct {
	RobotID        model.RobotID     `json:"robot_id"`
	Name           string            `json:"name"`
	TenantID       model.TenantID    `json:"tenant_id,omitempty"`
	Status         model.RobotStatus `json:"status"`
	Capabilities   []string          `json:"capabilities"`
	CurrentJobs    int               `json:"current_jobs"`
	AvailableSlots int               `json:"available_slots"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	ConnectedAt    time.Time         `json:"connected_at"`
}

func viewOf(r *robotmgr.ConnectedRobot) robotView {
	return robotView{
		RobotID:        r.ID,
		Name:           r.Name,
		TenantID:       r.TenantID,
		Status:         r.Status(),
		Capabilities:   r.Capabilities.Types,
		CurrentJobs:    len(r.CurrentJobIDs),
		AvailableSlots: r.AvailableSlots(),
		LastHeartbeat:  r.LastHeartbeat,
		ConnectedAt:    r.ConnectedAt,
	}
}

func (s *Server) handleRobots(w http.ResponseWriter, _ *http.Request) {
	robots := s.mgr.Robots()
	out := make([]robotView, 0, len(robots))
	for _, r := range robots {
		out = append(out, viewOf(r))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRobot(w http.ResponseWriter, r *http.Request) {
	id := model.RobotID(mux.Vars(r)["robot_id"])
	robot := s.mgr.Robot(id)
	if robot == nil {
		writeError(w, http.StatusNotFound, "robot not connected")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(robot))
}

type submitRequest struct {
	WorkflowID           model.WorkflowID `json:"workflow_id"`
	WorkflowData         json.RawMessage  `json:"workflow_data"`
	Variables            map[string]any   `json:"variables,omitempty"`
	Priority             int              `json:"priority,omitempty"`
	TargetRobotID        model.RobotID    `json:"target_robot_id,omitempty"`
	RequiredCapabilities []string         `json:"required_capabilities,omitempty"`
	TimeoutMS            int              `json:"timeout_ms,omitempty"`
	TenantID             model.TenantID   `json:"tenant_id,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.WorkflowData) == 0 {
		writeError(w, http.StatusBadRequest, "workflow_data is required")
		return
	}
	if _, err := workflow.Parse(req.WorkflowData, s.registry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow: "+err.Error())
		return
	}

	job := s.mgr.SubmitJob(robotmgr.JobSpec{
		WorkflowID:           req.WorkflowID,
		WorkflowData:         req.WorkflowData,
		Variables:            req.Variables,
		Priority:             req.Priority,
		TargetRobotID:        req.TargetRobotID,
		RequiredCapabilities: req.RequiredCapabilities,
		TimeoutMS:            req.TimeoutMS,
		TenantID:             req.TenantID,
	})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handlePendingJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.mgr.PendingJobs()
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := model.JobID(mux.Vars(r)["job_id"])
	job := s.mgr.Job(id)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Stats())
}

func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := workflow.Parse(body, s.registry); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) auditFilter(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		EventType:  q.Get("event_type"),
		Resource:   q.Get("resource"),
		WorkflowID: model.WorkflowID(q.Get("workflow_id")),
		RobotID:    model.RobotID(q.Get("robot_id")),
		UserID:     q.Get("user_id"),
	}
	if v := q.Get("success"); v != "" {
		b := v == "true" || v == "1"
		f.Success = &b
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	events, err := s.audit.Query(r.Context(), s.auditFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	report, err := s.audit.VerifyIntegrity(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	filter := s.auditFilter(r)
	switch r.URL.Query().Get("format") {
	case "csv":
		out, err := s.audit.ExportCSV(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write(out)
	default:
		out, err := s.audit.ExportJSON(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}
}
