package extract

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPayload(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   map[string]any
		wantOK bool
	}{
		{
			name:   "surrounded by prose",
			raw:    `Sure! Here you go: {"a": 1} Thanks.`,
			want:   map[string]any{"a": json.Number("1")},
			wantOK: true,
		},
		{
			name:   "markdown fence",
			raw:    "```json\n{\"label\": \"yes\", \"n\": 2.5}\n```",
			want:   map[string]any{"label": "yes", "n": json.Number("2.5")},
			wantOK: true,
		},
		{
			name:   "nested braces use last closing brace",
			raw:    `result: {"outer": {"inner": "x"}} done`,
			want:   map[string]any{"outer": map[string]any{"inner": "x"}},
			wantOK: true,
		},
		{name: "no braces", raw: "I cannot answer that.", wantOK: false},
		{name: "empty", raw: "", wantOK: false},
		{name: "closing before opening", raw: "} oops {", wantOK: false},
		{name: "unparsable span", raw: `{"a": 1,}`, wantOK: false},
		{name: "two objects", raw: `{"a": 1} and {"b": 2}`, wantOK: false},
		{name: "single quotes", raw: `{'a': 1}`, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Payload(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("Payload() ok = %v, want %v (got %v)", ok, tt.wantOK, got)
			}
			if !ok {
				if got != nil {
					t.Errorf("Payload() = %v, want nil on failure", got)
				}
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Payload() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSpan(t *testing.T) {
	if got := Span(`x {"a": {}} y`); got != `{"a": {}}` {
		t.Errorf("Span() = %q", got)
	}
	if got := Span("no payload"); got != "" {
		t.Errorf("Span() = %q, want empty", got)
	}
}
