// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/sift/internal/config"
	"github.com/jackzampolin/sift/internal/home"
	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/prompts"
	"github.com/jackzampolin/sift/internal/providers"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Registry      *providers.Registry
	ConfigManager *config.Manager
	Prompts       *prompts.Resolver
	Logger        *slog.Logger
	Home          *home.Dir
	// Recorder traces model calls made by the server. LLMCallStore reads
	// the same file back.
	Recorder     *llmcall.Recorder
	LLMCallStore *llmcall.Store
	// SessionID tags every call traced during this server session.
	SessionID string
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// ConfigFrom returns the current configuration, or the defaults when no
// manager is attached.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil && s.ConfigManager != nil {
		return s.ConfigManager.Get()
	}
	return config.DefaultConfig()
}

// PromptsFrom extracts the prompt resolver from context.
func PromptsFrom(ctx context.Context) *prompts.Resolver {
	if s := ServicesFrom(ctx); s != nil {
		return s.Prompts
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// RecorderFrom extracts the call recorder from context.
func RecorderFrom(ctx context.Context) *llmcall.Recorder {
	if s := ServicesFrom(ctx); s != nil {
		return s.Recorder
	}
	return nil
}

// LLMCallStoreFrom extracts the LLM call store from context.
func LLMCallStoreFrom(ctx context.Context) *llmcall.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.LLMCallStore
	}
	return nil
}

// SessionIDFrom returns the server session id.
func SessionIDFrom(ctx context.Context) string {
	if s := ServicesFrom(ctx); s != nil {
		return s.SessionID
	}
	return ""
}
