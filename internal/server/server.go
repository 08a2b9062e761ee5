package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dokvern/privshield/internal/cache"
	"github.com/dokvern/privshield/internal/config"
	"github.com/dokvern/privshield/internal/document"
	"github.com/dokvern/privshield/internal/logger"
	"github.com/dokvern/privshield/internal/websocket"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Pipeline is the document lifecycle the HTTP layer exposes. The gate
// implements it; tests substitute a stub.
type Pipeline interface {
	Ingest(ctx context.Context, doc *document.Document, data []byte) (*document.Document, error)
	Get(ctx context.Context, id string) (*document.Document, error)
	ToggleFinding(ctx context.Context, id string, index int) (*document.Document, error)
	Confirm(ctx context.Context, id string) (*document.Document, error)
	Skip(ctx context.Context, id string) (*document.Document, error)
	Analyze(ctx context.Context, id string) (*document.Document, error)
}

// CacheControl exposes the analysis cache's counters and maintenance surface.
type CacheControl interface {
	GetStats() cache.Stats
	Clear(ctx context.Context) error
}

// Server represents the main HTTP server
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	pipeline Pipeline
	router   *mux.Router
	server   *http.Server
	wsHub    *websocket.Hub
	cache    CacheControl
}

// New creates a new HTTP server instance
func New(cfg *config.Config, pipeline Pipeline, wsHub *websocket.Hub, cacheControl CacheControl, log *logger.Logger) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	router := mux.NewRouter()

	server := &Server{
		config:   cfg,
		logger:   log.WithComponent("server"),
		pipeline: pipeline,
		router:   router,
		wsHub:    wsHub,
		cache:    cacheControl,
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// Analysis cache maintenance
	s.router.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")

	// WebSocket endpoint for the review dashboard
	if s.wsHub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.handleWebSocket).Methods("GET")
	}

	// Document pipeline endpoints
	api := s.router.PathPrefix("/documents").Subrouter()
	api.Use(s.loggingMiddleware)
	api.HandleFunc("", s.handleUpload).Methods("POST")
	api.HandleFunc("/{id}", s.handleGetDocument).Methods("GET")
	api.HandleFunc("/{id}/findings", s.handleListFindings).Methods("GET")
	api.HandleFunc("/{id}/findings/{index}/toggle", s.handleToggleFinding).Methods("POST")
	api.HandleFunc("/{id}/confirm", s.handleConfirm).Methods("POST")
	api.HandleFunc("/{id}/skip", s.handleSkip).Methods("POST")
	api.HandleFunc("/{id}/analyze", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/{id}/retry", s.handleAnalyze).Methods("POST")
	api.HandleFunc("/{id}/result", s.handleResult).Methods("GET")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting privacy shield server",
		zap.Int("port", s.config.Server.Port),
		zap.String("upstream_transcriber", s.config.Upstream.Transcriber),
		zap.String("upstream_analyzer", s.config.Upstream.Analyzer),
	)

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping privacy shield server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":            "privshield",
		"version":         "0.1.0",
		"shield_enabled":  s.config.Shield.Enabled,
		"detectors_count": len(s.config.Shield.Detectors),
	}
	if s.wsHub != nil {
		info["websocket_clients"] = s.wsHub.ClientCount()
	}
	if s.cache != nil {
		info["cache"] = s.cache.GetStats()
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleClearCache drops every cached analysis entry.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, r, http.StatusNotFound, "analysis cache disabled")
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear analysis cache", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket handles WebSocket connections for the review dashboard
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
