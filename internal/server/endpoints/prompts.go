package endpoints

import (
	"net/http"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/prompts"
	"github.com/jackzampolin/sift/internal/svcctx"
)

// PromptResponse represents a single prompt as the server resolves it.
type PromptResponse struct {
	Key         string   `json:"key"`
	Text        string   `json:"text"`
	Description string   `json:"description,omitempty"`
	Variables   []string `json:"variables,omitempty"`
	Hash        string   `json:"hash,omitempty"`
	IsOverride  bool     `json:"is_override"`
}

// PromptsListResponse contains all prompts.
type PromptsListResponse struct {
	Prompts []PromptResponse `json:"prompts"`
}

func promptResponse(resolver *prompts.Resolver, p prompts.EmbeddedPrompt) PromptResponse {
	resp := PromptResponse{
		Key:         p.Key,
		Text:        p.Text,
		Description: p.Description,
		Variables:   p.Variables,
		Hash:        p.Hash,
	}
	if resolved, err := resolver.Resolve(p.Key); err == nil && resolved.IsOverride {
		resp.Text = resolved.Text
		resp.Variables = resolved.Variables
		resp.Hash = resolved.Hash
		resp.IsOverride = true
	}
	return resp
}

// ListPromptsEndpoint handles GET /v1/prompts.
type ListPromptsEndpoint struct{}

func (e *ListPromptsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/v1/prompts", e.handler
}

func (e *ListPromptsEndpoint) RequiresInit() bool { return false }

func (e *ListPromptsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt resolver not available")
		return
	}

	embedded := resolver.AllEmbedded()
	sort.Slice(embedded, func(i, j int) bool {
		return embedded[i].Key < embedded[j].Key
	})

	resp := PromptsListResponse{Prompts: make([]PromptResponse, len(embedded))}
	for i, p := range embedded {
		resp.Prompts[i] = promptResponse(resolver, p)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListPromptsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "prompts",
		Short: "List extraction and repair prompts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PromptsListResponse
			if err := client.Get(cmd.Context(), "/v1/prompts", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetPromptEndpoint handles GET /v1/prompts/{key}.
type GetPromptEndpoint struct{}

func (e *GetPromptEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/v1/prompts/{key}", e.handler
}

func (e *GetPromptEndpoint) RequiresInit() bool { return false }

func (e *GetPromptEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(r.PathValue("key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid prompt key")
		return
	}

	resolver := svcctx.PromptsFrom(r.Context())
	if resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "prompt resolver not available")
		return
	}

	embedded, ok := resolver.GetEmbedded(key)
	if !ok {
		writeError(w, http.StatusNotFound, "prompt not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, promptResponse(resolver, *embedded))
}

func (e *GetPromptEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <key>",
		Short: "Get a prompt by key (e.g. extraction.system)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PromptResponse
			if err := client.Get(cmd.Context(), "/v1/prompts/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
