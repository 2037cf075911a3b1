package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/extract":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"inputs are required"}`))
		case "/v1/schema":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down\n"))
		default:
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL + "/")

	err := client.Post(context.Background(), "/v1/extract", map[string]any{}, nil)
	if err == nil || err.Error() != "sift POST /v1/extract (400): inputs are required" {
		t.Fatalf("Post() error = %v", err)
	}
	err = client.Get(context.Background(), "/v1/schema", nil)
	if err == nil || !strings.HasSuffix(err.Error(), "(502): upstream down") {
		t.Fatalf("Get() error = %v", err)
	}

	var out struct{ Status string }
	if err := client.Get(context.Background(), "/health", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out.Status != "ok" {
		t.Fatalf("status = %q, want ok", out.Status)
	}
}

func TestSetOutputFormat(t *testing.T) {
	defer func() { _ = SetOutputFormat("yaml") }()

	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"json", OutputFormatJSON, false},
		{"YML", OutputFormatYAML, false},
		{"yaml", OutputFormatYAML, false},
		{"toml", OutputFormatYAML, true},
	}
	for _, tt := range tests {
		err := SetOutputFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("SetOutputFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && GetOutputFormat() != tt.want {
			t.Errorf("SetOutputFormat(%q) -> %s, want %s", tt.in, GetOutputFormat(), tt.want)
		}
	}
}

func TestOutputTo(t *testing.T) {
	data := map[string]int{"rows": 3}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatalf("OutputTo(json) error = %v", err)
	}
	if buf.String() != "{\n  \"rows\": 3\n}\n" {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatalf("OutputTo(yaml) error = %v", err)
	}
	if buf.String() != "rows: 3\n" {
		t.Errorf("yaml output = %q", buf.String())
	}

	if err := OutputTo(&buf, OutputFormat("xml"), data); err == nil {
		t.Error("expected error for unknown format")
	}
}
