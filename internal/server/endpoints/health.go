package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/svcctx"
)

// readyTimeout bounds the provider probe made by GET /ready.
const readyTimeout = 5 * time.Second

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Error    string `json:"error,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReadyEndpoint handles GET /ready. The server is ready when the default
// provider is registered and its backend answers a health probe.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cfg := svcctx.ConfigFrom(r.Context())
	name := cfg.Defaults.LLMProvider
	resp := HealthResponse{Status: "ok", Provider: name, Model: cfg.ModelFor(name)}

	registry := svcctx.RegistryFrom(r.Context())
	if registry == nil {
		resp.Status = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	client, err := registry.GetLLM(name)
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := providers.CheckHealth(ctx, client); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the default model provider)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server          string   `json:"server"`
	SessionID       string   `json:"session_id,omitempty"`
	ConfigFile      string   `json:"config_file,omitempty"`
	Home            string   `json:"home,omitempty"`
	DefaultProvider string   `json:"default_provider"`
	Providers       []string `json:"providers"`
	TracedCalls     int      `json:"traced_calls"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{
		Server:          "running",
		SessionID:       svcctx.SessionIDFrom(ctx),
		DefaultProvider: svcctx.ConfigFrom(ctx).Defaults.LLMProvider,
		Providers:       []string{},
		TracedCalls:     svcctx.RecorderFrom(ctx).Count(),
	}
	if registry := svcctx.RegistryFrom(ctx); registry != nil {
		resp.Providers = registry.ListLLM()
	}
	if h := svcctx.HomeFrom(ctx); h != nil {
		resp.Home = h.Path()
	}
	if s := svcctx.ServicesFrom(ctx); s != nil && s.ConfigManager != nil {
		resp.ConfigFile = s.ConfigManager.ConfigFile()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatJSON {
				return api.Output(resp)
			}
			fmt.Printf("Server:    %s\n", resp.Server)
			fmt.Printf("Session:   %s\n", resp.SessionID)
			fmt.Printf("Config:    %s\n", resp.ConfigFile)
			fmt.Printf("Home:      %s\n", resp.Home)
			fmt.Printf("Default:   %s\n", resp.DefaultProvider)
			fmt.Printf("Providers: %v\n", resp.Providers)
			fmt.Printf("Traced:    %d calls\n", resp.TracedCalls)
			return nil
		},
	}
}
