// Package api exposes the HTTP interface: job submission and inspection,
// search, document retrieval, policy management, and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/radlabs/rad-crawler/internal/ingest"
	"github.com/radlabs/rad-crawler/internal/metrics"
	"github.com/radlabs/rad-crawler/internal/search"
)

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
	APIKey         string
}

// Server wires HTTP handlers to the store and the search engine.
type Server struct {
	router chi.Router
	store  ingest.Store
	engine *search.Engine
	logger *zap.Logger
	cfg    Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store ingest.Store, engine *search.Engine, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		store:  store,
		engine: engine,
		logger: logger,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/search", s.search)
		r.Get("/documents/{doc_id}", s.getDocument)
		r.Get("/policy", s.getPolicy)
		r.Put("/policy", s.putPolicy)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers queries.
	if _, err := s.store.Stats(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Kind   ingest.JobKind   `json:"kind"`
	Params ingest.JobParams `json:"params"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Params.Validate(req.Kind); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.CreateJob(r.Context(), req.Kind, req.Params)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "job_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.GetJob(r.Context(), jobID)
	if errors.Is(err, ingest.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	topK := 0
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return
		}
		topK = parsed
	}

	mode := ingest.SearchMode(r.URL.Query().Get("mode"))
	if mode != "" && mode != ingest.ModeHybrid && mode != ingest.ModeLexical {
		s.writeError(w, http.StatusBadRequest, "mode must be hybrid or lexical")
		return
	}

	hits, err := s.engine.Search(r.Context(), query, topK, mode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hits == nil {
		hits = []ingest.SearchResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": hits})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := strconv.ParseInt(chi.URLParam(r, "doc_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	detail, err := s.store.GetDocument(r.Context(), docID)
	if errors.Is(err, ingest.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	pol, err := s.store.ActivePolicy(r.Context())
	if errors.Is(err, ingest.ErrNoActivePolicy) {
		s.writeError(w, http.StatusNotFound, "no active policy")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, pol)
}

type policyRequest struct {
	Allowlist []string       `json:"allowlist"`
	Denylist  []string       `json:"denylist"`
	Budgets   ingest.Budgets `json:"budgets"`
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	stored, err := s.store.SwapPolicy(r.Context(), ingest.Policy{
		Allowlist: req.Allowlist,
		Denylist:  req.Denylist,
		Budgets:   req.Budgets,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
