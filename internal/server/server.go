// Package server exposes the recommender over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/pipeline"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

// #region types

// CircuitReporter exposes breaker snapshots; *modelclient.Client
// implements it.
type CircuitReporter interface {
	Circuits() []modelclient.CircuitState
}

// Options wires the server. Circuits and Tiers are optional.
type Options struct {
	Pipeline    *pipeline.Pipeline
	Store       state.Store
	Catalog     *catalog.Snapshot
	Circuits    CircuitReporter
	Tiers       *orchestrator.TierMemory
	MaxDeadline time.Duration
	// RateLimit caps /v1 requests per client IP per minute; zero disables.
	RateLimit int
}

// Server holds the HTTP handlers.
type Server struct {
	opts     Options
	validate *validator.Validate
}

// RecommendRequest is the body of POST /v1/students/{id}/recommendations.
type RecommendRequest struct {
	DeadlineMS int            `json:"deadline_ms" validate:"gte=0"`
	Context    map[string]any `json:"context"`
}

// RecommendResponse wraps a delivered recommendation. PersistError is set
// when the state update failed after delivery.
type RecommendResponse struct {
	Recommendation pipeline.Recommendation `json:"recommendation"`
	StateVersion   string                  `json:"state_version,omitempty"`
	PersistError   string                  `json:"persist_error,omitempty"`
}

// InteractionRequest is the body of POST /v1/students/{id}/interactions.
type InteractionRequest struct {
	ContentID string   `json:"content_id" validate:"required"`
	Score     *float64 `json:"score" validate:"required,gte=0,lte=1"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// #endregion types

// New creates a Server.
func New(opts Options) *Server {
	return &Server{opts: opts, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// #region routes

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, time.Minute))
		}
		r.Route("/students/{id}", func(r chi.Router) {
			r.Post("/recommendations", s.recommend)
			r.Post("/interactions", s.interact)
			r.Get("/state", s.studentState)
		})
		r.Get("/circuits", s.circuits)
		r.Get("/tiers", s.tierStats)
	})
	return r
}

// requestID propagates X-Request-ID, minting one when absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// #endregion routes

// #region handlers

func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	var req RecommendRequest
	if r.ContentLength != 0 {
		if !s.decode(w, r, &req) {
			return
		}
	}

	deadline := time.Duration(req.DeadlineMS) * time.Millisecond
	if s.opts.MaxDeadline > 0 && deadline > s.opts.MaxDeadline {
		deadline = s.opts.MaxDeadline
	}

	res, err := s.opts.Pipeline.Recommend(r.Context(), studentID, req.Context, s.opts.Catalog, deadline)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := RecommendResponse{Recommendation: res.Recommendation, StateVersion: res.State.VersionID}
	if res.PersistErr != nil {
		resp.PersistError = res.PersistErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) interact(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	var req InteractionRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, ok := s.opts.Catalog.Lookup(req.ContentID)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown content_id " + req.ContentID})
		return
	}
	st, err := s.opts.Pipeline.Interact(r.Context(), studentID, update.Outcome{Item: item, Score: *req.Score})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) studentState(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) circuits(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Circuits == nil {
		writeJSON(w, http.StatusOK, []modelclient.CircuitState{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Circuits.Circuits())
}

func (s *Server) tierStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Tiers == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "tier memory disabled"})
		return
	}
	stats, err := s.opts.Tiers.Stats(orchestrator.DefaultHalfLife)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// #endregion handlers

// #region helpers

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Reason: "validation"})
		return false
	}
	return true
}

// statusFor maps terminal request errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrNoEligibleContent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, faults.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, state.ErrInvariant):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Reason: faults.Reason(err)})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("[SERVER] failed to encode JSON response")
	}
}

// #endregion helpers
