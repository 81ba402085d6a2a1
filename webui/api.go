package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"mlpipeline/core"
	"mlpipeline/metrics"
	"mlpipeline/pipeline"

	"go.uber.org/zap"
)

// Pipeline is the part of pipeline.Orchestrator the API reads.
type Pipeline interface {
	Status() pipeline.Status
	ResourceStats() metrics.PipelineMetrics
	Subscribe() (<-chan metrics.PipelineMetrics, func())
}

// LifecycleEmitter forwards host lifecycle events. pipeline.LifecycleBus
// implements it.
type LifecycleEmitter interface {
	Emit(event pipeline.LifecycleEvent)
}

// FrameHistory reads persisted frame outcomes. db.Repository implements
// it.
type FrameHistory interface {
	FrameOutcomeCounts(ctx context.Context, since time.Time) (map[string]int64, error)
}

// APIConfig configures the REST API.
type APIConfig struct {
	// DefaultLimit is the frame count returned without ?limit
	DefaultLimit int
	// MaxLimit caps ?limit
	MaxLimit int
	// HistoryWindow is how far back /api/metrics counts persisted frames
	HistoryWindow time.Duration
}

// DefaultAPIConfig returns the API defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		DefaultLimit:  20,
		MaxLimit:      100,
		HistoryWindow: 24 * time.Hour,
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	pipeline.Status
	Health  string `json:"health"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// MetricsResponse is the body of GET /api/metrics.
type MetricsResponse struct {
	Snapshot metrics.PipelineMetrics `json:"snapshot"`
	Frames   metrics.FrameMetrics    `json:"frames"`
	// History holds persisted outcome counts within the history window,
	// omitted without telemetry
	History map[string]int64 `json:"history,omitempty"`
}

// FramesResponse is the body of GET /api/frames.
type FramesResponse struct {
	Frames []metrics.FrameRecord `json:"frames"`
	Count  int                   `json:"count"`
}

// LifecycleResponse is the body of POST /api/lifecycle/{event}.
type LifecycleResponse struct {
	Event  string          `json:"event"`
	Status pipeline.Status `json:"status"`
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// API is a molecule serving the pipeline status and metrics REST
// endpoints.
//
// Molecule composition:
//   - Pipeline for live status and snapshots
//   - metrics.MetricsCollector for frame aggregates and recent frames
//   - LifecycleEmitter for host events (optional)
//   - FrameHistory for persisted outcome counts (optional)
type API struct {
	pipeline  Pipeline
	store     metrics.MetricsCollector
	lifecycle LifecycleEmitter
	history   FrameHistory
	cfg       APIConfig
	startTime time.Time
	logger    *zap.Logger
}

// APIDeps bundles the API data sources. Pipeline and Store are required.
type APIDeps struct {
	Pipeline  Pipeline
	Store     metrics.MetricsCollector
	Lifecycle LifecycleEmitter
	History   FrameHistory
}

// NewAPI creates the API.
func NewAPI(deps APIDeps, cfg APIConfig, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultAPIConfig().DefaultLimit
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = cfg.DefaultLimit
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultAPIConfig().HistoryWindow
	}
	return &API{
		pipeline:  deps.Pipeline,
		store:     deps.Store,
		lifecycle: deps.Lifecycle,
		history:   deps.History,
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
	}
}

// RegisterRoutes adds the API routes to mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)
	mux.HandleFunc("GET /api/frames", a.handleFrames)
	mux.HandleFunc("POST /api/lifecycle/{event}", a.handleLifecycle)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  a.pipeline.Status(),
		Health:  a.store.GetSystemStatus().Health,
		Version: core.Version,
		Uptime:  time.Since(a.startTime).Round(time.Second).String(),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.store.GetSnapshot()
	if !ok {
		snap = a.pipeline.ResourceStats()
	}
	resp := MetricsResponse{
		Snapshot: snap,
		Frames:   a.store.GetFrameMetrics(),
	}

	if a.history != nil {
		counts, err := a.history.FrameOutcomeCounts(r.Context(), time.Now().Add(-a.cfg.HistoryWindow))
		if err != nil {
			a.logger.Warn("Frame history query failed", zap.Error(err))
		} else {
			resp.History = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFrames(w http.ResponseWriter, r *http.Request) {
	limit := a.cfg.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, a.cfg.MaxLimit)
	}

	frames := a.store.GetRecentFrames(limit)
	if frames == nil {
		frames = []metrics.FrameRecord{}
	}
	writeJSON(w, http.StatusOK, FramesResponse{Frames: frames, Count: len(frames)})
}

func (a *API) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if a.lifecycle == nil {
		writeError(w, http.StatusNotImplemented, "lifecycle_unavailable", "no lifecycle host configured")
		return
	}
	event, err := pipeline.ParseLifecycleEvent(r.PathValue("event"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if event == pipeline.Destroyed {
		writeError(w, http.StatusBadRequest, "invalid_event", "destroy is only accepted from the host")
		return
	}

	a.logger.Info("Lifecycle event from API", zap.String("event", event.String()), zap.String("ip", clientIP(r)))
	a.lifecycle.Emit(event)
	writeJSON(w, http.StatusOK, LifecycleResponse{Event: event.String(), Status: a.pipeline.Status()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
