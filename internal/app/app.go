package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmaklein/campaigner/internal/api"
	"github.com/tmaklein/campaigner/internal/campaign"
	"github.com/tmaklein/campaigner/internal/channel"
	"github.com/tmaklein/campaigner/internal/config"
	"github.com/tmaklein/campaigner/internal/dispatch"
	"github.com/tmaklein/campaigner/internal/lock"
	"github.com/tmaklein/campaigner/internal/metrics"
	"github.com/tmaklein/campaigner/internal/ratelimit"
	"github.com/tmaklein/campaigner/internal/session"
	"github.com/tmaklein/campaigner/internal/store"
)

// App is the main application
type App struct {
	config     *config.Config
	store      *store.Store
	sessions   *session.Storage
	registry   *channel.Registry
	monitor    *session.Monitor
	dispatcher *dispatch.Dispatcher
	apiServer  *api.Server
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Create the shared coordination store
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	campaigns, err := campaign.NewStorage(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create campaign storage: %w", err)
	}
	sessions, err := session.NewStorage(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create session storage: %w", err)
	}

	limiter := ratelimit.NewLimiter(st, cfg.RateLimit, logger.With("component", "ratelimit"))
	locks := lock.NewManager(st, cfg.Lock, logger.With("component", "lock"))
	m := metrics.New()

	// One channel client per configured session. A session that fails to
	// open its device store is logged and skipped; the monitor will keep
	// reporting it disconnected.
	registry := channel.NewRegistry()
	for _, sc := range cfg.Sessions {
		client, err := channel.NewWhatsmeowClient(
			context.Background(), sc.ID, cfg.DeviceDSN(sc.ID),
			logger.With("component", "channel", "session_id", sc.ID),
		)
		if err != nil {
			logger.Error("failed to create channel client", "session_id", sc.ID, "error", err)
			continue
		}
		registry.Register(sc.ID, client)

		if existing, err := sessions.Get(sc.ID); err == nil && existing == nil {
			seed := &session.Session{
				ID:        sc.ID,
				Name:      sc.Name,
				Status:    session.StatusDisconnected,
				CreatedAt: time.Now(),
			}
			if err := sessions.Put(seed); err != nil {
				logger.Error("failed to seed session record", "session_id", sc.ID, "error", err)
			}
		}
	}

	monitor := session.NewMonitor(sessions, registry, cfg.Monitor.Interval,
		logger.With("component", "monitor"))

	dispatcher := dispatch.New(campaigns, sessions, registry, limiter, locks, m,
		dispatch.Config{
			TickInterval: cfg.Dispatch.TickInterval,
			BatchSize:    cfg.Dispatch.BatchSize,
		},
		logger.With("component", "dispatch"))

	apiServer := api.NewServer(campaigns, sessions, monitor, m, &cfg.API,
		logger.With("component", "api"))

	return &App{
		config:     cfg,
		store:      st,
		sessions:   sessions,
		registry:   registry,
		monitor:    monitor,
		dispatcher: dispatcher,
		apiServer:  apiServer,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaigner",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"sessions", len(a.registry.SessionIDs()),
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Connect channel clients; a session that cannot connect yet stays
	// registered and is retried by operator action.
	for _, id := range a.registry.SessionIDs() {
		client, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		if wc, ok := client.(*channel.WhatsmeowClient); ok {
			go func(id string, wc *channel.WhatsmeowClient) {
				if err := wc.Connect(ctx); err != nil {
					a.logger.Error("channel connect failed", "session_id", id, "error", err)
				}
			}(id, wc)
		}
	}

	// Start monitor and dispatch loop
	a.monitor.Start(ctx)
	a.dispatcher.Start(ctx)

	// Channel to collect errors
	errCh := make(chan error, 1)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing work first
	a.dispatcher.Stop()
	a.monitor.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Disconnect channel clients
	for _, id := range a.registry.SessionIDs() {
		if client, ok := a.registry.Get(id); ok {
			if wc, ok := client.(*channel.WhatsmeowClient); ok {
				wc.Disconnect()
			}
		}
	}

	// Close storage
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
