package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/orchestrator"
	"github.com/BaSui01/dataforge/ratelimit"
	"github.com/BaSui01/dataforge/types"
)

// Jobs serves the job lifecycle API.
type Jobs struct {
	orch         *orchestrator.Orchestrator
	limiterStats func() ratelimit.Stats
	providers    []string
	version      string
	started      time.Time
	logger       *zap.Logger
}

// NewJobs creates the job handler set.
func NewJobs(
	orch *orchestrator.Orchestrator,
	limiterStats func() ratelimit.Stats,
	providers []string,
	version string,
	logger *zap.Logger,
) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		orch:         orch,
		limiterStats: limiterStats,
		providers:    providers,
		version:      version,
		started:      time.Now(),
		logger:       logger.With(zap.String("component", "api")),
	}
}

// RegisterRoutes attaches the API routes to mux.
func (h *Jobs) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.Submit)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.Cancel)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /version", h.Version)
}

// Submit handles POST /api/v1/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req types.GenerationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	job, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusAccepted, job)
}

// Get handles GET /api/v1/jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, job)
}

// Cancel handles DELETE /api/v1/jobs/{id}.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, job)
}

// StatsResponse is the payload of GET /api/v1/stats.
type StatsResponse struct {
	Jobs      orchestrator.Stats `json:"jobs"`
	RateLimit ratelimit.Stats    `json:"rate_limit"`
	Providers []string           `json:"providers"`
}

// Stats handles GET /api/v1/stats.
func (h *Jobs) Stats(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.orch.JobStats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, StatsResponse{
		Jobs:      jobs,
		RateLimit: h.limiterStats(),
		Providers: h.providers,
	})
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Health handles GET /health.
func (h *Jobs) Health(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// VersionResponse is the payload of GET /version.
type VersionResponse struct {
	Version string `json:"version"`
}

// Version handles GET /version.
func (h *Jobs) Version(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, VersionResponse{Version: h.version})
}
