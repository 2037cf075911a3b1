// Package output persists extraction results: JSON prediction files on
// disk, an optional Postgres mirror, and schema verification of written
// files.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/sift/internal/schema"
)

// Write retry policy.
const (
	WriteAttempts   = 3
	WriteRetryDelay = time.Second
)

// WriteJSON writes v to path as JSON indented by four spaces. The file is
// written to a temporary sibling and renamed into place, so readers never
// see a partial file. Failed writes are retried.
func WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	return retry.Do(
		func() error { return writeAtomic(path, data) },
		retry.Context(ctx),
		retry.Attempts(WriteAttempts),
		retry.Delay(WriteRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

// ReadRows reads a JSON array of objects, keeping key order.
func ReadRows(path string) ([]schema.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows []schema.Object
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rows, nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
