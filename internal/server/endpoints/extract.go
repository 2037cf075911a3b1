package endpoints

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/completion"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/svcctx"
)

// ExtractRequest is the request body of POST /v1/extract.
type ExtractRequest struct {
	SchemaRequest

	// Task and Description fill the extraction system prompt. Task defaults
	// to the schema name.
	Task        string   `json:"task,omitempty"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs"`

	// Provider and Model override the configured defaults.
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// MaxRepairAttempts overrides defaults.max_repair_attempts. Zero
	// disables repair.
	MaxRepairAttempts *int `json:"max_repair_attempts,omitempty"`
}

// ExtractResponse carries one record per input, in input order. Every
// record ends with its status and retry_count.
type ExtractResponse struct {
	RunID    string          `json:"run_id"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Records  []schema.Object `json:"records"`
	Statuses map[string]int  `json:"statuses"`
}

// ExtractEndpoint handles POST /v1/extract.
type ExtractEndpoint struct{}

func (e *ExtractEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/v1/extract", e.handler
}

func (e *ExtractEndpoint) RequiresInit() bool { return true }

func (e *ExtractEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ExtractRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "inputs must not be empty")
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, schemaErrorStatus(err), err.Error())
		return
	}

	cfg := svcctx.ConfigFrom(ctx)
	providerName := req.Provider
	if providerName == "" {
		providerName = cfg.Defaults.LLMProvider
	}
	registry := svcctx.RegistryFrom(ctx)
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "provider registry not available")
		return
	}
	client, err := registry.GetLLM(providerName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := cfg.CompletionOptions(providerName)
	if req.Model != "" {
		opts.Model = req.Model
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	repairCfg := cfg.Defaults.RepairConfig()
	if req.MaxRepairAttempts != nil {
		repairCfg.MaxAttempts = *req.MaxRepairAttempts
		if repairCfg.MaxAttempts <= 0 {
			repairCfg.MaxAttempts = -1
		}
	}

	title := req.Task
	if title == "" {
		title = spec.Name()
	}
	runID := uuid.NewString()
	logger := svcctx.LoggerFrom(ctx).With("run_id", runID, "provider", providerName)

	p, err := completion.New(completion.Config{
		Client:      client,
		Prompts:     svcctx.PromptsFrom(ctx),
		Task:        title,
		Description: req.Description,
		Options:     opts,
		Concurrency: cfg.Defaults.Concurrency,
		Repair:      repairCfg,
		Recorder:    svcctx.RecorderFrom(ctx),
		RunID:       runID,
		Logger:      logger,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	records, err := p.Extract(ctx, spec, req.Inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := ctx.Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	resp := ExtractResponse{
		RunID:    runID,
		Provider: providerName,
		Model:    opts.Model,
		Records:  make([]schema.Object, len(records)),
		Statuses: make(map[string]int),
	}
	for i, rec := range records {
		resp.Records[i] = rec.Object()
		resp.Statuses[string(rec.Status)]++
	}
	logger.Info("extraction served", "inputs", len(req.Inputs), "statuses", resp.Statuses)
	writeJSON(w, http.StatusOK, resp)
}

func (e *ExtractEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req ExtractRequest
	var file, inputFile string
	var repairs int
	var temperature float64
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract structured records from input texts",
		Long: `Send input texts to the server and print one structured record per
input. Inputs come from repeated --input flags and/or --input-file
(one input per line).

Examples:
  sift api extract -f parsers/person.yaml -i "Ann is 31 and lives in Oslo"
  sift api extract -f parsers/person.yaml --input-file notes.txt --provider openai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				d, err := schema.LoadDescriptor(file)
				if err != nil {
					return err
				}
				req.ParserFormat = d
			}
			if inputFile != "" {
				lines, err := readLines(inputFile)
				if err != nil {
					return err
				}
				req.Inputs = append(req.Inputs, lines...)
			}
			if len(req.Inputs) == 0 {
				return fmt.Errorf("no inputs: use --input or --input-file")
			}
			if cmd.Flags().Changed("max-repair-attempts") {
				req.MaxRepairAttempts = &repairs
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}

			client := api.NewClient(getServerURL())
			var resp ExtractResponse
			if err := client.Post(cmd.Context(), "/v1/extract", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Parser format descriptor file (.json, .yaml)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Schema name")
	cmd.Flags().StringVar(&req.Type, "type", "", "Task type (archetypes: Translation, Example Generation)")
	cmd.Flags().StringVar(&req.Task, "task", "", "Task title for the prompt")
	cmd.Flags().StringVar(&req.Description, "description", "", "Task description for the prompt")
	cmd.Flags().StringArrayVarP(&req.Inputs, "input", "i", nil, "Input text (repeatable)")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "File with one input per line")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "LLM provider (default from config)")
	cmd.Flags().StringVar(&req.Model, "model", "", "Model override")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature override")
	cmd.Flags().IntVar(&repairs, "max-repair-attempts", 0, "Repair rounds override (0 disables repair)")
	return cmd
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
