// Package api exposes the ingestion pipeline and recommendation review
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/pipeline"
	"github.com/sells-group/pricewatch/internal/review"
	"github.com/sells-group/pricewatch/internal/store"
)

// Pipeline is the slice of the run pipeline the API drives.
type Pipeline interface {
	Prepare(ctx context.Context, req pipeline.Request) (*pipeline.PreparedRun, error)
	Execute(ctx context.Context, prepared *pipeline.PreparedRun) (*model.RunStatusView, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*model.RunStatusView, error)
}

// Reviewer applies recommendation decisions.
type Reviewer interface {
	Accept(ctx context.Context, recommendationID, actor string) error
	Reject(ctx context.Context, recommendationID, actor string) error
	BulkAccept(ctx context.Context, ids []string, actor string) (*review.BulkResult, error)
}

// Collector produces health snapshots for the status endpoint.
type Collector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Store is the read surface the API serves listings from.
type Store interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestionRun, error)
	ListRecommendations(ctx context.Context, filter store.RecommendationFilter) ([]model.Recommendation, error)
}

// Server wires HTTP handlers for the pricewatch control surface.
type Server struct {
	pipeline  Pipeline
	reviewer  Reviewer
	collector Collector
	store     Store

	// Lookback for GET /status when the request does not specify one.
	defaultLookbackHours int
}

// New constructs the API server.
func New(p Pipeline, rev Reviewer, col Collector, st Store, defaultLookbackHours int) *Server {
	if defaultLookbackHours <= 0 {
		defaultLookbackHours = 24
	}
	return &Server{
		pipeline:             p,
		reviewer:             rev,
		collector:            col,
		store:                st,
		defaultLookbackHours: defaultLookbackHours,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)

	r.Post("/runs", s.handleStartRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/runs/{id}/cancel", s.handleCancelRun)

	r.Get("/recommendations", s.handleListRecommendations)
	r.Post("/recommendations/{id}/accept", s.handleAccept)
	r.Post("/recommendations/{id}/reject", s.handleReject)
	r.Post("/recommendations/bulk-accept", s.handleBulkAccept)

	return r
}

type startRunRequest struct {
	ProductID   string `json:"product_id"`
	TriggeredBy string `json:"triggered_by"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	prepared, err := s.pipeline.Prepare(r.Context(), pipeline.Request{
		ProductID:   req.ProductID,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	// The run outlives the request; only process exit stops it.
	go s.executeRun(context.WithoutCancel(r.Context()), prepared)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": prepared.Run.ID,
		"status": string(prepared.Run.Status),
	})
}

func (s *Server) executeRun(ctx context.Context, prepared *pipeline.PreparedRun) {
	view, err := s.pipeline.Execute(ctx, prepared)
	if err != nil {
		zap.L().Error("api: background run failed",
			zap.String("run_id", prepared.Run.ID),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("api: background run settled",
		zap.String("run_id", prepared.Run.ID),
		zap.String("status", string(view.Status)),
	)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status:    model.RunStatus(r.URL.Query().Get("status")),
		ProductID: r.URL.Query().Get("product"),
		Limit:     queryInt(r, "limit", 50),
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []model.IngestionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.pipeline.Cancel(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancelled"})
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	filter := store.RecommendationFilter{
		RunID:     r.URL.Query().Get("run"),
		ProductID: r.URL.Query().Get("product"),
		Status:    model.RecommendationStatus(r.URL.Query().Get("status")),
		Limit:     queryInt(r, "limit", 50),
	}

	recs, err := s.store.ListRecommendations(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if recs == nil {
		recs = []model.Recommendation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

type reviewRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reviewer.Accept(r.Context(), id, reviewActor(r)); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recommendation_id": id, "status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reviewer.Reject(r.Context(), id, reviewActor(r)); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recommendation_id": id, "status": "rejected"})
}

type bulkAcceptRequest struct {
	IDs   []string `json:"ids"`
	Actor string   `json:"actor"`
}

type bulkFailureResponse struct {
	RecommendationID string `json:"recommendation_id"`
	Error            string `json:"error"`
}

type bulkAcceptResponse struct {
	Accepted int                   `json:"accepted"`
	Failed   int                   `json:"failed"`
	Failures []bulkFailureResponse `json:"failures,omitempty"`
}

func (s *Server) handleBulkAccept(w http.ResponseWriter, r *http.Request) {
	var req bulkAcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	result, err := s.reviewer.BulkAccept(r.Context(), req.IDs, req.Actor)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := bulkAcceptResponse{Accepted: result.Accepted, Failed: result.Failed}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, bulkFailureResponse{
			RecommendationID: f.RecommendationID,
			Error:            f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), queryInt(r, "lookback_hours", s.defaultLookbackHours))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func reviewActor(r *http.Request) string {
	if r.ContentLength == 0 {
		return "api"
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		return "api"
	}
	return req.Actor
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case eris.Is(err, review.ErrNoRecommendedPrice):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
