package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tmaklein/campaigner/internal/campaign"
	"github.com/tmaklein/campaigner/internal/config"
	"github.com/tmaklein/campaigner/internal/metrics"
	"github.com/tmaklein/campaigner/internal/session"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Storage
	sessions   *session.Storage
	monitor    *session.Monitor
	metrics    *metrics.Metrics
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(
	campaigns *campaign.Storage,
	sessions *session.Storage,
	monitor *session.Monitor,
	m *metrics.Metrics,
	cfg *config.APIConfig,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		sessions:  sessions,
		monitor:   monitor,
		metrics:   m,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	// Health check and metrics (no auth required)
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Post("/{id}/start", s.handleTransition(campaign.StatusRunning))
			r.Post("/{id}/pause", s.handleTransition(campaign.StatusPaused))
			r.Post("/{id}/resume", s.handleTransition(campaign.StatusRunning))
			r.Post("/{id}/cancel", s.handleTransition(campaign.StatusCancelled))
			r.Patch("/{id}/messages/{index}", s.handleUpdateMessage)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Get("/{id}/qr.png", s.handleSessionQR)
			r.Post("/{id}/check", s.handleSessionCheck)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
