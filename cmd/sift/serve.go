package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/home"
	"github.com/jackzampolin/sift/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sift server",
	Long: `Start the sift HTTP server.

The server compiles schemas and runs extractions over the configured
providers. Every model call is traced to ~/.sift/traces. Edits to the
config file reload the provider registry without a restart.

The server provides:
  - /health          - Basic server health check
  - /ready           - Readiness check (probes the default provider)
  - /status          - Session and provider overview
  - /v1/schema       - Compile a parser format
  - /v1/extract      - Extract records from input texts
  - /v1/llmcalls     - Traced model calls
  - /v1/prompts      - Prompts in effect

Examples:
  sift serve                    # Start on the configured port (default 8080)
  sift serve --port 3000        # Start on custom port
  sift serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger(false, nil)

		h, err := getHome()
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		mgr.WatchConfig()
		cfg := mgr.Get()

		host, port := cfg.Server.Host, strconv.Itoa(cfg.Server.Port)
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			ConfigManager: mgr,
			Home:          h,
			PromptDir:     promptDir(cfg.Run.PromptDir, h),
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

// promptDir prefers the configured override directory over the home one.
func promptDir(configured string, h *home.Dir) string {
	if configured != "" {
		return configured
	}
	return h.PromptsPath()
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (default: server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (default: server.port)")

	rootCmd.AddCommand(serveCmd)
}
