// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"
)

// PostgresDSNEnv names the variable that enables Postgres integration tests.
const PostgresDSNEnv = "SIFT_TEST_POSTGRES_DSN"

// PostgresDSN returns the integration database DSN or skips the test.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping Postgres integration test", PostgresDSNEnv)
	}
	return dsn
}

// TableName returns a table name unique to this test run.
func TableName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// Logger returns a logger that discards output unless -v is set.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// WaitForServer polls url+"/health" until it returns 200.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// HTTPClient returns an HTTP client for making requests.
func HTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
