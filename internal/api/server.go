// Package api exposes the campaign lifecycle over HTTP. Handlers translate
// between JSON and the orchestrator; no campaign logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"applyd/internal/adapter"
	"applyd/internal/database"
	"applyd/internal/orchestrator"
	"applyd/pkg/models"
)

// longPollCap bounds how long an events request may hang
const longPollCap = 30 * time.Second

// requestsPerMinute bounds what one client may ask of the API per minute.
// The CLI's busiest flows, including --follow long-polling, stay far below it.
const requestsPerMinute = 240

// Server routes campaign API requests to the orchestrator
type Server struct {
	store    *database.Store
	orch     *orchestrator.Orchestrator
	registry *adapter.Registry
	logger   *zap.Logger
	limiter  *clientLimiter
	mux      *http.ServeMux
}

// NewServer wires the route table
func NewServer(store *database.Store, orch *orchestrator.Orchestrator, registry *adapter.Registry, logger *zap.Logger) *Server {
	s := &Server{
		store:    store,
		orch:     orch,
		registry: registry,
		logger:   logger.Named("api"),
		limiter:  newClientLimiter(requestsPerMinute),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /campaigns", s.handleCreateCampaign)
	s.mux.HandleFunc("POST /campaigns/{id}/jobs", s.handleEnqueueJobs)
	s.mux.HandleFunc("POST /campaigns/{id}/run", s.handleTransition(s.orch.Run))
	s.mux.HandleFunc("POST /campaigns/{id}/pause", s.handleTransition(s.orch.Pause))
	s.mux.HandleFunc("POST /campaigns/{id}/resume", s.handleTransition(s.orch.Resume))
	s.mux.HandleFunc("POST /campaigns/{id}/stop", s.handleTransition(s.orch.Stop))
	s.mux.HandleFunc("GET /campaigns", s.handleListCampaigns)
	s.mux.HandleFunc("GET /campaigns/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /campaigns/{id}/applications", s.handleApplications)
	s.mux.HandleFunc("GET /campaigns/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s
}

// Handler returns the server's HTTP handler with rate limiting and
// request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.limitClients(s.mux))
}

// limitClients refuses requests beyond a client's per-minute budget with
// 429 and a Retry-After hint
func (s *Server) limitClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			client = host
		}
		ok, retryAfter := s.limiter.allow(client)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)+1))
			s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("could not encode response", zap.Error(err))
	}
}

// respondError maps domain errors onto status codes: unknown ids are 404,
// illegal transitions and lost races are 409, a missing store is 503.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrInvalidTransition), errors.Is(err, database.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, database.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

type createCampaignRequest struct {
	ProfileID string                `json:"profile_id"`
	Config    models.CampaignConfig `json:"config"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.ProfileID == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "profile_id is required"})
		return
	}

	c, err := s.orch.CreateCampaign(req.ProfileID, req.Config)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// config validation failures are the caller's problem
		if !errors.Is(err, database.ErrUnavailable) {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"campaign_id": c.CampaignID})
}

type enqueueJobsRequest struct {
	Jobs []*models.JobPosting `json:"jobs"`
}

func (s *Server) handleEnqueueJobs(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}

	added, err := s.orch.EnqueueJobs(r.PathValue("id"), req.Jobs)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, database.ErrInvalidTransition) {
			s.respondError(w, err)
			return
		}
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"added": added})
}

// handleTransition adapts the orchestrator's lifecycle operations
func (s *Server) handleTransition(op func(campaignID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.PathValue("id")); err != nil {
			s.respondError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	campaignID := r.PathValue("id")
	if _, err := s.store.GetCampaign(campaignID); err != nil {
		s.respondError(w, err)
		return
	}

	limit := intQuery(r, "limit", 100)
	offset := intQuery(r, "offset", 0)
	records, err := s.store.ListApplications(campaignID, limit, offset)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"applications": records,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"adapters": s.registry.Health(),
	})
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
