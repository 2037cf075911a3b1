package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint is one sift server operation exposed twice: as an HTTP route on
// `sift serve` and as a `sift api` subcommand that calls that route.
type Endpoint interface {
	// Route returns the method, path and handler mounted on the server mux.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the route answers 503 until at least one
	// LLM provider is registered. Health, status and prompt listing do not.
	RequiresInit() bool

	// Command builds the CLI side. getServerURL is resolved when the command
	// runs so the --server flag has been parsed.
	Command(getServerURL func() string) *cobra.Command
}
