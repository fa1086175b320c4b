package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sharedrop/sharedrop/internal/api"
	"github.com/sharedrop/sharedrop/internal/config"
	"github.com/sharedrop/sharedrop/internal/lifecycle"
	"github.com/sharedrop/sharedrop/internal/metrics"
	"github.com/sharedrop/sharedrop/internal/middleware"
	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/sirupsen/logrus"
)

// Server represents the sharedrop server
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	store          share.Store
	shareManager   share.Manager
	metricsManager metrics.Manager
	sweepWorker    *lifecycle.Worker
	startTime      time.Time
}

// New creates a new sharedrop server
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open share store: %w", err)
	}

	metricsManager := metrics.NewManager(cfg.Metrics)

	shareManager := share.NewManager(store, share.Options{
		CodeLength:         cfg.Share.CodeLength,
		DefaultExpiryHours: cfg.Share.DefaultExpiryHours,
		MaxExpiryHours:     cfg.Share.MaxExpiryHours,
		MaxCodeAttempts:    cfg.Share.MaxCodeAttempts,
		Metrics:            metricsManager,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := &Server{
		config:         cfg,
		httpServer:     httpServer,
		store:          store,
		shareManager:   shareManager,
		metricsManager: metricsManager,
		startTime:      time.Now(),
	}

	if cfg.Sweep.Enable {
		server.sweepWorker = lifecycle.NewWorker(shareManager, metricsManager)
	}

	server.setupRoutes()

	return server, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address":  s.config.Listen,
		"data_dir": s.config.DataDir,
		"backend":  s.config.Storage.Backend,
		"tls":      s.config.EnableTLS,
	}).Info("Starting sharedrop server")

	if err := s.metricsManager.Start(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to start metrics manager")
	}

	if s.sweepWorker != nil {
		s.sweepWorker.Start(ctx, s.config.Sweep.Interval)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown() error {
	logrus.WithField("uptime", time.Since(s.startTime).Round(time.Second)).Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if s.sweepWorker != nil {
		s.sweepWorker.Stop()
	}

	s.metricsManager.Stop()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close share store: %w", err)
	}

	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	// Route-aware middleware runs only for matched routes
	router.Use(middleware.Logging())
	if s.config.RateLimit.Enable {
		router.Use(middleware.RateLimit(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst))
	}
	if s.config.Metrics.Enable {
		router.Use(s.metricsManager.Middleware())
		router.Handle(s.config.Metrics.Path, s.metricsManager.GetMetricsHandler()).Methods("GET")
	}

	apiHandler := api.NewHandler(s.shareManager, s.config.PublicURL, s.config.Share.MaxUploadBytes)
	apiHandler.RegisterRoutes(router)

	// Tracing and CORS wrap the router so preflights and unmatched
	// requests get them too
	var handler http.Handler = router
	handler = middleware.CORS(s.config.CORS.AllowedOrigins)(handler)
	handler = middleware.TracingMiddleware(handler)

	s.httpServer.Handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logrus.StandardLogger()),
	)(handler)
}
