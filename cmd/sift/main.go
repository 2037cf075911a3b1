// Command sift extracts schema-conforming records from text datasets with
// an LLM and repairs whatever the model gets wrong.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the conventional status for a SIGINT-terminated run.
const exitInterrupted = 130

func main() {
	// Cancelling ctx aborts in-flight model calls. Chunked runs resume from
	// their saved chunks on the next invocation.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	switch {
	case err == nil:
	case interrupted:
		os.Exit(exitInterrupted)
	default:
		os.Exit(1)
	}
}
