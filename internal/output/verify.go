package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/sift/internal/schema"
)

// Failure is one row that does not conform to the schema.
type Failure struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Report summarizes a verification pass.
type Report struct {
	Path     string         `json:"path"`
	Rows     int            `json:"rows"`
	Statuses map[string]int `json:"statuses"`
	Failures []Failure      `json:"failures,omitempty"`
}

// OK reports whether every row conformed.
func (r *Report) OK() bool { return len(r.Failures) == 0 }

// Verify checks every row of a prediction file against spec's JSON Schema.
// Extra columns, such as the input row and status, are allowed.
func Verify(spec *schema.Spec, path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	report, err := VerifyRows(spec, rows)
	if err != nil {
		return nil, err
	}
	report.Path = path
	return report, nil
}

// VerifyRows checks decoded rows against spec's JSON Schema.
func VerifyRows(spec *schema.Spec, rows []any) (*Report, error) {
	compiled, err := spec.Compiled()
	if err != nil {
		return nil, err
	}

	report := &Report{Rows: len(rows), Statuses: make(map[string]int)}
	for i, row := range rows {
		if obj, ok := row.(map[string]any); ok {
			if status, ok := obj[schema.StatusKey].(string); ok {
				report.Statuses[status]++
			}
		}
		if err := compiled.Validate(row); err != nil {
			report.Failures = append(report.Failures, Failure{Row: i, Message: validationMessage(err)})
		}
	}
	return report, nil
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	// The leaf causes name the offending property; the root message only
	// says that validation failed.
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
