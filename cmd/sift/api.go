package main

import (
	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/server/endpoints"
)

var serverURL string

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	registry := api.NewRegistry()
	for _, ep := range endpoints.All() {
		registry.Register(ep)
	}
	apiCmd := registry.BuildCommands(getServerURL)

	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)
	rootCmd.AddCommand(apiCmd)
}
