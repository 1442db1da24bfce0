// Package api exposes the engine's external interface over HTTP for the
// UI/authoring layer and channel webhooks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/dwelldigitally/learnlynk-campaigns/analytics"
	"github.com/dwelldigitally/learnlynk-campaigns/engine"
	"github.com/dwelldigitally/learnlynk-campaigns/ingest"
	"github.com/dwelldigitally/learnlynk-campaigns/storage"
	"github.com/dwelldigitally/learnlynk-campaigns/types"
)

// Server wires the engine, ingest, and analytics into an HTTP handler.
type Server struct {
	engine     *engine.Engine
	ingest     *ingest.Ingest
	aggregator *analytics.Aggregator
	origins    []string
}

// NewServer creates a Server.
func NewServer(eng *engine.Engine, ing *ingest.Ingest, agg *analytics.Aggregator, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{engine: eng, ingest: ing, aggregator: agg, origins: allowedOrigins}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", s.handlePublishCampaign)
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/pause", s.campaignAction(s.engine.PauseCampaign))
			r.Post("/resume", s.campaignAction(s.engine.ResumeCampaign))
			r.Post("/archive", s.campaignAction(s.engine.ArchiveCampaign))
			r.Post("/enrollments", s.handleEnroll)
			r.Get("/summary", s.handleSummary)
			r.Get("/enrollments/{targetID}", s.handleGetEnrollment)
		})
		r.Post("/enrollments/{enrollmentID}/resolve-task", s.handleResolveTask)
		r.Post("/events", s.handleRecordEvent)
	})
	return r
}

type publishResponse struct {
	CampaignID string `json:"campaign_id"`
	Version    int    `json:"version"`
}

func (s *Server) handlePublishCampaign(w http.ResponseWriter, r *http.Request) {
	var def types.CampaignDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign definition payload")
		return
	}
	id, version, err := s.engine.PublishCampaign(r.Context(), def)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidDefinition):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, engine.ErrCampaignArchived):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, publishResponse{CampaignID: id.String(), Version: version})
}

func (s *Server) campaignAction(action func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseCampaignID(w, r)
		if !ok {
			return
		}
		if err := action(r.Context(), id); err != nil {
			switch {
			case errors.Is(err, engine.ErrCampaignNotFound):
				respondError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, engine.ErrInvalidTransition):
				respondError(w, http.StatusConflict, err.Error())
			default:
				respondError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type enrollRequest struct {
	TargetID string `json:"target_id"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCampaignID(w, r)
	if !ok {
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		respondError(w, http.StatusBadRequest, "target_id is required")
		return
	}
	enrollmentID, err := s.engine.Enroll(r.Context(), id, req.TargetID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateEnrollment):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrCampaignNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, engine.ErrCampaignNotActive):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"enrollment_id": enrollmentID.String()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCampaignID(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.aggregator.Summary(id))
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCampaignID(w, r)
	if !ok {
		return
	}
	targetID := chi.URLParam(r, "targetID")
	enr, err := s.engine.GetEnrollment(r.Context(), id, targetID)
	if err != nil {
		if errors.Is(err, storage.ErrEnrollmentNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, enr)
}

func (s *Server) handleResolveTask(w http.ResponseWriter, r *http.Request) {
	enrollmentID, err := uuid.Parse(chi.URLParam(r, "enrollmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid enrollment id")
		return
	}
	if err := s.engine.ResolveTask(r.Context(), enrollmentID); err != nil {
		switch {
		case errors.Is(err, storage.ErrEnrollmentNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, engine.ErrNotBlockedOnTask):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type recordEventRequest struct {
	TargetID       string                 `json:"target_id"`
	EventType      string                 `json:"event_type"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" || req.EventType == "" {
		respondError(w, http.StatusBadRequest, "target_id and event_type are required")
		return
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now()
	}
	if err := s.ingest.RecordEvent(r.Context(), req.TargetID, req.EventType, req.OccurredAt, req.Metadata, req.IdempotencyKey); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func parseCampaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return uuid.Nil, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": payload})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
