// Package api exposes the producer HTTP surface: job enqueue, campaign
// control, credit top-ups, engagement events, and the synchronous generation
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"outreach-engine/internal/config"
	"outreach-engine/internal/gateway"
	"outreach-engine/internal/models"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/ratelimit"
	"outreach-engine/internal/store"
	"outreach-engine/internal/telemetry"
)

// Store is the slice of the persistence layer the API consumes.
type Store interface {
	EnqueueJob(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	SetCampaignStatus(ctx context.Context, id, status string, pausedReason *string) error
	MarkSendEvent(ctx context.Context, tenant, sendID, event string) error
}

// CreditStore is the slice of the ledger the API consumes.
type CreditStore interface {
	Increment(ctx context.Context, tenant string, deltas map[models.ResourceClass]int64) error
	Balances(ctx context.Context, tenant string) ([]models.CreditBalance, error)
	EnsureClasses(ctx context.Context, tenant string) error
}

// Generator runs synchronous gateway generations.
type Generator interface {
	Generate(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Server wires HTTP handlers over the engine's services.
type Server struct {
	cfg     config.Config
	store   Store
	credits CreditStore
	gateway Generator
	hints   *queue.WakeHints
	limiter *ratelimit.TokenBucket
	log     *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, credits CreditStore, gw Generator, hints *queue.WakeHints, limiter *ratelimit.TokenBucket, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, credits: credits, gateway: gw, hints: hints, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/generate", s.handleGenerate)
		r.Post("/jobs", s.handleEnqueue)
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Post("/campaigns/{id}/start", s.handleCampaignStart)
		r.Post("/campaigns/{id}/pause", s.handleCampaignPause)
		r.Post("/campaigns/{id}/resume", s.handleCampaignResume)
		r.Post("/credits/topup", s.handleTopUp)
		r.Post("/sends/{id}/events", s.handleSendEvent)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/campaigns/{id}", s.handleGetCampaign)
	r.Get("/credits", s.handleGetCredits)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.TenantKey(tenantFromRequest(r)))
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Tenant = tenantFromRequest(r)
	if req.Prompt == "" {
		http.Error(w, "prompt is required", http.StatusBadRequest)
		return
	}
	resp, err := s.gateway.Generate(r.Context(), req)
	if err != nil {
		s.log.Error("generate failed", "tenant", req.Tenant, "error", err)
		http.Error(w, "generation unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type enqueueRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	job, err := s.store.EnqueueJob(r.Context(), tenantFromRequest(r), req.Type, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notify(r, job.ID)
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil || job.Tenant != tenantFromRequest(r) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type createCampaignRequest struct {
	Name            string                `json:"name"`
	Steps           []models.CampaignStep `json:"steps"`
	SegmentCriteria map[string]any        `json:"segment_criteria"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		http.Error(w, "name and steps are required", http.StatusBadRequest)
		return
	}
	for i, step := range req.Steps {
		if _, ok := models.CreditClassForChannel(step.Channel); !ok {
			http.Error(w, fmt.Sprintf("unknown channel %q in step %d", step.Channel, i), http.StatusBadRequest)
			return
		}
	}
	c, err := s.store.CreateCampaign(r.Context(), models.Campaign{
		Tenant:          tenantFromRequest(r),
		Name:            req.Name,
		Steps:           req.Steps,
		SegmentCriteria: req.SegmentCriteria,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrCampaignNotFound) || (err == nil && c.Tenant != tenantFromRequest(r)) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	s.enqueueCampaignJob(w, r, models.JobCampaignStart)
}

func (s *Server) handleCampaignResume(w http.ResponseWriter, r *http.Request) {
	s.enqueueCampaignJob(w, r, models.JobCampaignResume)
}

func (s *Server) enqueueCampaignJob(w http.ResponseWriter, r *http.Request, jobType string) {
	tenant := tenantFromRequest(r)
	campaignID := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), campaignID)
	if errors.Is(err, store.ErrCampaignNotFound) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if c.Tenant != tenant {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	job, err := s.store.EnqueueJob(r.Context(), tenant, jobType, map[string]any{
		"campaign_id": campaignID,
		"clinic_id":   tenant,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notify(r, job.ID)
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

// handleCampaignPause flips the status directly; the running batch notices at
// its next boundary.
func (s *Server) handleCampaignPause(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	campaignID := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(r.Context(), campaignID)
	if errors.Is(err, store.ErrCampaignNotFound) || (err == nil && c.Tenant != tenant) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reason := "paused by operator"
	if err := s.store.SetCampaignStatus(r.Context(), campaignID, models.CampaignPaused, &reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CampaignPaused})
}

type topUpRequest struct {
	Deltas map[models.ResourceClass]int64 `json:"deltas"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)
	// First top-up for a tenant seeds zero rows for every class, so balance
	// reads and row locks see the full set from then on.
	if err := s.credits.EnsureClasses(r.Context(), tenant); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.credits.Increment(r.Context(), tenant, req.Deltas); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	balances, err := s.credits.Balances(r.Context(), tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	balances, err := s.credits.Balances(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": balances})
}

type sendEventRequest struct {
	Event string `json:"event"` // opened or replied
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req sendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := s.store.MarkSendEvent(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), req.Event)
	if errors.Is(err, store.ErrSendNotFound) {
		http.Error(w, "send not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// notify pushes a wake hint; failures only cost latency, never correctness.
func (s *Server) notify(r *http.Request, jobID string) {
	if s.hints == nil {
		return
	}
	if err := s.hints.Notify(r.Context(), jobID); err != nil {
		s.log.Warn("wake hint push failed", "job", jobID, "error", err)
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
