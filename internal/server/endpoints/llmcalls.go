package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/svcctx"
)

// LLMCallsResponse contains a list of LLM calls.
type LLMCallsResponse struct {
	Calls []llmcall.Call `json:"calls"`
	Total int            `json:"total"`
}

// LLMCallCountsResponse contains prompt key counts.
type LLMCallCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

// ListLLMCallsEndpoint handles GET /v1/llmcalls.
type ListLLMCallsEndpoint struct{}

func (e *ListLLMCallsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/v1/llmcalls", e.handler
}

func (e *ListLLMCallsEndpoint) RequiresInit() bool { return false }

func (e *ListLLMCallsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.LLMCallStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM call store not available")
		return
	}

	filter, err := parseCallFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	calls, err := store.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []llmcall.Call{}
	}
	writeJSON(w, http.StatusOK, LLMCallsResponse{Calls: calls, Total: len(calls)})
}

func parseCallFilter(q url.Values) (llmcall.QueryFilter, error) {
	filter := llmcall.QueryFilter{
		RunID:     q.Get("run_id"),
		Task:      q.Get("task"),
		PromptKey: q.Get("prompt_key"),
		Provider:  q.Get("provider"),
		Model:     q.Get("model"),
		Limit:     100,
	}

	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid success filter: %q must be true or false", v)
		}
		filter.Success = &b
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid limit: %q must be an integer", v)
		}
		if limit > 0 {
			filter.Limit = limit
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid offset: %q must be an integer", v)
		}
		filter.Offset = offset
	}
	if v := q.Get("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid after time: %q must be RFC3339 format (e.g., 2024-01-15T00:00:00Z)", v)
		}
		filter.After = &t
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("invalid before time: %q must be RFC3339 format (e.g., 2024-01-15T00:00:00Z)", v)
		}
		filter.Before = &t
	}
	return filter, nil
}

func (e *ListLLMCallsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var runID, task, promptKey, provider, model string
	var limit, offset int
	var successOnly, failedOnly bool

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List traced LLM calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			for k, v := range map[string]string{
				"run_id":     runID,
				"task":       task,
				"prompt_key": promptKey,
				"provider":   provider,
				"model":      model,
			} {
				if v != "" {
					params.Set(k, v)
				}
			}
			if successOnly {
				params.Set("success", "true")
			}
			if failedOnly {
				params.Set("success", "false")
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				params.Set("offset", strconv.Itoa(offset))
			}

			path := "/v1/llmcalls"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			client := api.NewClient(getServerURL())
			var resp LLMCallsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Filter by run ID")
	cmd.Flags().StringVar(&task, "task", "", "Filter by task")
	cmd.Flags().StringVar(&promptKey, "prompt-key", "", "Filter by prompt key")
	cmd.Flags().StringVar(&provider, "provider", "", "Filter by provider")
	cmd.Flags().StringVar(&model, "model", "", "Filter by model")
	cmd.Flags().BoolVar(&successOnly, "success", false, "Only show successful calls")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed calls")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	return cmd
}

// GetLLMCallEndpoint handles GET /v1/llmcalls/{id}.
type GetLLMCallEndpoint struct{}

func (e *GetLLMCallEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/v1/llmcalls/{id}", e.handler
}

func (e *GetLLMCallEndpoint) RequiresInit() bool { return false }

func (e *GetLLMCallEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}

	store := svcctx.LLMCallStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM call store not available")
		return
	}

	call, err := store.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, "LLM call not found")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (e *GetLLMCallEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "call <id>",
		Short: "Get a traced LLM call by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var call llmcall.Call
			if err := client.Get(cmd.Context(), "/v1/llmcalls/"+url.PathEscape(args[0]), &call); err != nil {
				return err
			}
			return api.Output(call)
		},
	}
}

// LLMCallCountsEndpoint handles GET /v1/runs/{run_id}/llmcalls/counts.
type LLMCallCountsEndpoint struct{}

func (e *LLMCallCountsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/v1/runs/{run_id}/llmcalls/counts", e.handler
}

func (e *LLMCallCountsEndpoint) RequiresInit() bool { return false }

func (e *LLMCallCountsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	store := svcctx.LLMCallStoreFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM call store not available")
		return
	}

	counts, err := store.CountByPromptKey(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LLMCallCountsResponse{Counts: counts})
}

func (e *LLMCallCountsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "call-counts <run-id>",
		Short: "Count traced LLM calls of one extraction by prompt key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp LLMCallCountsResponse
			if err := client.Get(cmd.Context(), "/v1/runs/"+url.PathEscape(args[0])+"/llmcalls/counts", &resp); err != nil {
				return err
			}
			return api.Output(resp.Counts)
		},
	}
}
