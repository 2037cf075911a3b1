package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/config"
	"github.com/jackzampolin/sift/internal/home"
	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/prompts/extraction"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/server/endpoints"
	"github.com/jackzampolin/sift/internal/svcctx"
)

// Server is the sift HTTP server. It serves schema compilation and
// extraction over the configured model providers and traces every model
// call to the home directory.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	registry   *providers.Registry
	configMgr  *config.Manager
	recorder   *llmcall.Recorder
	sessionID  string
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Home holds prompt overrides and call traces. Nil disables tracing.
	Home *home.Dir
	// PromptDir overrides the prompt override directory (default: home prompts).
	PromptDir string
	// Registry replaces the config-built provider registry (tests).
	Registry *providers.Registry
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = providers.NewRegistry()
		registry.SetLogger(cfg.Logger)

		// If config manager provided, set up providers and hot reload
		if cfg.ConfigManager != nil {
			registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

			cfg.ConfigManager.OnChange(func(c *config.Config) {
				registry.Reload(c.ToProviderRegistryConfig())
				cfg.Logger.Info("provider registry reloaded from config")
			})
		}
	}

	promptDir := cfg.PromptDir
	if promptDir == "" && cfg.Home != nil {
		promptDir = cfg.Home.PromptsPath()
	}

	s := &Server{
		registry:  registry,
		configMgr: cfg.ConfigManager,
		sessionID: uuid.NewString(),
		logger:    cfg.Logger,
	}

	services := &svcctx.Services{
		Registry:      registry,
		ConfigManager: cfg.ConfigManager,
		Prompts:       extraction.NewResolver(promptDir),
		Logger:        cfg.Logger,
		Home:          cfg.Home,
		SessionID:     s.sessionID,
	}
	if cfg.Home != nil {
		if err := cfg.Home.EnsureExists(); err != nil {
			return nil, fmt.Errorf("failed to create home directory: %w", err)
		}
		tracePath := cfg.Home.TracePath(s.sessionID)
		rec, err := llmcall.OpenFile(tracePath, cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		services.Recorder = rec
		services.LLMCallStore = llmcall.NewStore(tracePath)
	}
	s.services = services

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)
	s.handler = s.withServices(mux)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Extraction requests wait on the model, repairs included.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts the server.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	s.checkDefaultProvider(ctx)

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr, "session", s.sessionID)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// checkDefaultProvider probes the default provider a few times. An
// unhealthy provider is logged, not fatal: GET /ready reports it.
func (s *Server) checkDefaultProvider(ctx context.Context) {
	cfg := config.DefaultConfig()
	if s.configMgr != nil {
		cfg = s.configMgr.Get()
	}
	name := cfg.Defaults.LLMProvider
	client, err := s.registry.GetLLM(name)
	if err != nil {
		s.logger.Warn("default provider not registered", "provider", name, "error", err)
		return
	}
	err = retry.Do(
		func() error { return providers.CheckHealth(ctx, client) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.logger.Warn("default provider unhealthy", "provider", name, "error", err)
		return
	}
	s.logger.Info("default provider ready", "provider", name)
}

// shutdown performs graceful shutdown of the HTTP server and closes the
// call trace.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Error("trace close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped", "traced_calls", s.recorder.Count())
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the HTTP handler with services attached.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// SessionID identifies this server's call trace.
func (s *Server) SessionID() string {
	return s.sessionID
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures at least one LLM provider is
// registered. Returns 503 Service Unavailable otherwise.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.registry.ListLLM()) == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"no LLM providers configured"}`))
			return
		}
		next(w, r)
	}
}
