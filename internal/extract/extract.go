// Package extract pulls a structured payload out of free-form model output.
package extract

import (
	"encoding/json"
	"io"
	"strings"
)

// Span returns the text from the first '{' to the last '}' inclusive, or ""
// when there is no such span. Models routinely wrap the payload in prose or
// markdown fences; everything outside the span is ignored.
func Span(raw string) string {
	start := strings.Index(raw, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(raw, "}")
	if end < start {
		return ""
	}
	return raw[start : end+1]
}

// Payload parses the span found by Span as a JSON object. Numbers decode as
// json.Number so integer and float fields can be told apart during
// validation. It returns false when the span is missing, is not valid JSON,
// or is not an object; it never returns an error.
func Payload(raw string) (map[string]any, bool) {
	span := Span(raw)
	if span == "" {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(span))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return nil, false
	}
	// Trailing content inside the span means the braces did not delimit a
	// single object, e.g. "{...} and {...}".
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return out, true
}
