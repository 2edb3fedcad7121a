// Package api exposes the HTTP interface for the work coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crawlkit/coordinator/internal/config"
	"github.com/crawlkit/coordinator/internal/frontier"
	"github.com/crawlkit/coordinator/internal/telemetry"
	"github.com/crawlkit/coordinator/internal/workqueue"
)

// Server wires HTTP handlers to the frontier service.
type Server struct {
	router   chi.Router
	frontier *frontier.Service
	store    workqueue.Store
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(frontierSvc *frontier.Service, store workqueue.Store, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		frontier: frontierSvc,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.submitItem)
			r.Post("/batch", s.submitBatch)
			r.Post("/claim", s.claimItem)
			r.Route("/{item_id}", func(r chi.Router) {
				r.Get("/", s.getItem)
				r.Post("/progress", s.startItem)
				r.Post("/complete", s.completeItem)
				r.Post("/fail", s.failItem)
				r.Post("/skip", s.skipItem)
			})
		})
		r.Get("/stats", s.getStats)
		r.Get("/stats/evaluation", s.getEvaluationStats)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", s.triggerSweep)
			r.Post("/requeue", s.requeueFailed)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", "unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	// Evaluation items are created by the handoff bridge only.
	if req.Kind != "" && req.Kind != string(workqueue.KindCrawl) {
		writeError(w, http.StatusBadRequest, "only crawl items may be submitted", "bad_request")
		return
	}
	item, created, err := s.frontier.Submit(r.Context(), req.URL, req.Priority)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, item)
}

type batchRequest struct {
	Items []frontier.BatchEntry `json:"items"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	result, err := s.frontier.SubmitBatch(r.Context(), req.Items)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type claimRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) claimItem(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	kind, err := workqueue.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	item, ok, err := s.frontier.Claim(r.Context(), kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.frontier.Get(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) startItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.frontier.Start(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type completeRequest struct {
	Result workqueue.Result `json:"result"`
}

func (s *Server) completeItem(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	if req.Result.Score != nil && (*req.Result.Score < 0 || *req.Result.Score > 100) {
		writeError(w, http.StatusBadRequest, "score must be between 0 and 100", "bad_request")
		return
	}
	item, err := s.frontier.Complete(r.Context(), chi.URLParam(r, "item_id"), req.Result)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) failItem(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	if req.Error == "" {
		req.Error = "unknown error"
	}
	item, err := s.frontier.Fail(r.Context(), chi.URLParam(r, "item_id"), req.Error)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) skipItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.frontier.Skip(r.Context(), chi.URLParam(r, "item_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	kindParam := r.URL.Query().Get("kind")
	if kindParam == "" {
		kindParam = string(workqueue.KindCrawl)
	}
	kind, err := workqueue.ParseKind(kindParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	counts, err := s.frontier.Stats(r.Context(), kind)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":      kind,
		"by_status": counts,
		"total":     counts.Total(),
	})
}

func (s *Server) getEvaluationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.frontier.EvaluationStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type sweepRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (s *Server) triggerSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.SweepTimeout()
	}
	reclaimed, err := s.frontier.Sweep(r.Context(), timeout)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

type requeueRequest struct {
	Kind        string `json:"kind"`
	MaxAttempts int    `json:"max_attempts"`
}

func (s *Server) requeueFailed(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "bad_request")
		return
	}
	kind, err := workqueue.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}
	requeued, err := s.frontier.RequeueFailed(r.Context(), kind, req.MaxAttempts)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": requeued})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, workqueue.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error(), "invalid_state")
	case errors.Is(err, workqueue.ErrConflict):
		writeError(w, http.StatusConflict, err.Error(), "conflict")
	case errors.Is(err, workqueue.ErrCapacityExceeded):
		writeError(w, http.StatusBadRequest, err.Error(), "capacity_exceeded")
	case errors.Is(err, frontier.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error(), "bad_request")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out", "timeout")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}
