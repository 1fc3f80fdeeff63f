// Package httpserver exposes the harness API. Wire DTOs use kebab-case
// field names and are mapped to and from the internal types at this
// boundary; errors are rendered as RFC 7807 problem documents.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/gateway"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// Server routes the harness API onto the gateway.
type Server struct {
	gw    *gateway.Gateway
	met   *metrics.Metrics
	log   *zap.Logger
	start time.Time
}

// New builds the server.
func New(gw *gateway.Gateway, met *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{gw: gw, met: met, log: logger.Named("http"), start: time.Now()}
}

// Router assembles the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/metrics", promhttp.HandlerFor(s.met.Registry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/test/initialize", s.handleInitialize)
		r.Post("/test/start", s.handleStart)
		r.Get("/test/{testId}/status", s.handleStatus)
		r.Delete("/test/{testId}", s.handleCancel)
		r.Get("/queue/status", s.handleQueueStatus)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"ok":     true,
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if snap, err := s.gw.QueueStatus(r.Context()); err == nil {
		depth := 0
		for _, n := range snap.Counts {
			depth += n
		}
		body["queue-depth"] = depth
	}
	respondJSON(w, http.StatusOK, body)
}

// initializeResponse acknowledges admission.
type initializeResponse struct {
	TestID string `json:"test-id"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gw.InitializeTest(r.Context())
	if err != nil {
		s.respondProblem(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, initializeResponse{TestID: resp.TestID.String()})
}

type startRequest struct {
	TestID   string `json:"test-id"`
	Bucket   string `json:"bucket"`
	TestType string `json:"test-type"`
}

type startResponse struct {
	TestID   string `json:"test-id"`
	TestType string `json:"test-type,omitempty"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		s.problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	id, err := uuid.Parse(req.TestID)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "Bad Request", "invalid test-id")
		return
	}
	resp, err := s.gw.StartTest(r.Context(), id, req.Bucket, req.TestType)
	if err != nil {
		s.respondProblem(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startResponse{
		TestID:   resp.TestID.String(),
		TestType: resp.TestType,
		Accepted: true,
	})
}

// statusResponse is the user-visible status snapshot.
type statusResponse struct {
	TestID    string  `json:"test-id"`
	State     string  `json:"state"`
	Bucket    string  `json:"bucket,omitempty"`
	TestType  string  `json:"test-type,omitempty"`
	StartTime *string `json:"start-time,omitempty"`
	EndTime   *string `json:"end-time,omitempty"`
	Success   *bool   `json:"success,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "testId"))
	if err != nil {
		s.problem(w, http.StatusBadRequest, "Bad Request", "invalid test id")
		return
	}
	s.renderStatus(w, r, id)
}

func (s *Server) renderStatus(w http.ResponseWriter, r *http.Request, id model.TestID) {
	resp, err := s.gw.Status(r.Context(), id)
	if err != nil {
		s.respondProblem(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{
		TestID:    resp.TestID.String(),
		State:     string(resp.State),
		Bucket:    resp.Bucket,
		TestType:  resp.TestType,
		StartTime: timeString(resp.StartTime),
		EndTime:   timeString(resp.EndTime),
		Success:   resp.Success,
		Error:     resp.Error,
	})
}

type cancelResponse struct {
	TestID    string `json:"test-id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "testId"))
	if err != nil {
		s.problem(w, http.StatusBadRequest, "Bad Request", "invalid test id")
		return
	}
	resp, err := s.gw.Cancel(r.Context(), id)
	if err != nil {
		s.respondProblem(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{
		TestID:    resp.TestID.String(),
		Cancelled: resp.Cancelled,
		Message:   resp.Message,
	})
}

type queueStatusResponse struct {
	Counts  map[string]int `json:"counts"`
	Testing *string        `json:"testing,omitempty"`
}

// handleQueueStatus reports the whole queue, or a single test when the
// testId query parameter is present.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("testId"); q != "" {
		id, err := uuid.Parse(q)
		if err != nil {
			s.problem(w, http.StatusBadRequest, "Bad Request", "invalid test id")
			return
		}
		s.renderStatus(w, r, id)
		return
	}
	snap, err := s.gw.QueueStatus(r.Context())
	if err != nil {
		s.respondProblem(w, err)
		return
	}
	counts := make(map[string]int, len(snap.Counts))
	for state, n := range snap.Counts {
		counts[string(state)] = n
	}
	var testing *string
	if snap.Testing != nil {
		t := snap.Testing.String()
		testing = &t
	}
	respondJSON(w, http.StatusOK, queueStatusResponse{Counts: counts, Testing: testing})
}

// problemDocument is an RFC 7807 error body.
type problemDocument struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) respondProblem(w http.ResponseWriter, err error) {
	ge := gateway.AsError(err)
	if ge == nil {
		s.problem(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}
	switch ge.Kind {
	case gateway.KindValidation:
		s.problem(w, http.StatusBadRequest, "Validation Failed", ge.Message)
	case gateway.KindNotFound:
		s.problem(w, http.StatusNotFound, "Not Found", ge.Message)
	case gateway.KindTimeout:
		s.problem(w, http.StatusGatewayTimeout, "Service Timeout", ge.Message)
	case gateway.KindUnavailable:
		s.problem(w, http.StatusServiceUnavailable, "Service Unavailable", ge.Message)
	default:
		s.problem(w, http.StatusInternalServerError, "Internal Server Error", ge.Message)
	}
}

func (s *Server) problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDocument{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func timeString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
