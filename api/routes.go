package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/garnizeh/redmine-rag/internal/app"
	"github.com/garnizeh/redmine-rag/internal/config"
)

// Handlers groups the route handlers. Nil handlers leave their routes unregistered.
type Handlers struct {
	System  *SystemHandler
	Ask     *AskHandler
	Sync    *SyncHandler
	Extract *ExtractHandler
	Metrics *MetricsHandler
	LLM     *LLMHandler
}

// NewHandlers wires handlers over a built App.
func NewHandlers(a *app.App) Handlers {
	return Handlers{
		System:  NewSystemHandler(a.Repo, a.Vectors, a.Runtime.Telemetry(), a),
		Ask:     NewAskHandler(a.Ask),
		Sync:    NewSyncHandler(a.Queue),
		Extract: NewExtractHandler(a.Extractor),
		Metrics: NewMetricsHandler(a.Metrics),
		LLM:     NewLLMHandler(a.Runtime.Telemetry(), a.Runtime.Guardrails(), a.Runtime.ProviderName()),
	}
}

func SetupRoutes(cfg *config.Config, version, buildTime string, h Handlers) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed")
	})

	// Open endpoints
	if h.System != nil {
		r.HandleFunc("/version", h.System.VersionHandler(version, buildTime)).Methods(http.MethodGet)
		r.HandleFunc("/healthz", h.System.HealthHandler(version)).Methods(http.MethodGet)
	}

	// API v1, protected when a JWT secret is configured
	apiV1 := r.PathPrefix("/v1").Subrouter()
	if cfg.JWTSecret != "" {
		apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))
	}

	if h.Ask != nil {
		apiV1.HandleFunc("/ask", h.Ask.Ask).Methods(http.MethodPost, http.MethodOptions)
	}
	if h.Sync != nil {
		apiV1.HandleFunc("/sync/redmine", h.Sync.Trigger).Methods(http.MethodPost, http.MethodOptions)
		apiV1.HandleFunc("/sync/jobs", h.Sync.ListJobs).Methods(http.MethodGet)
		apiV1.HandleFunc("/sync/jobs/{id}", h.Sync.GetJob).Methods(http.MethodGet)
	}
	if h.Extract != nil {
		apiV1.HandleFunc("/extract/properties", h.Extract.Extract).Methods(http.MethodPost, http.MethodOptions)
	}
	if h.Metrics != nil {
		apiV1.HandleFunc("/metrics/summary", h.Metrics.Summary).Methods(http.MethodGet)
	}
	if h.LLM != nil {
		apiV1.HandleFunc("/llm/telemetry", h.LLM.Telemetry).Methods(http.MethodGet)
		apiV1.HandleFunc("/llm/telemetry/reset", h.LLM.Reset).Methods(http.MethodPost)
	}
	if h.System != nil && h.System.reindexer != nil {
		apiV1.HandleFunc("/reindex", h.System.Reindex).Methods(http.MethodPost, http.MethodOptions)
	}

	return r
}
