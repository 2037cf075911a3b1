// Package runner executes a task end to end: load the dataset, optionally
// translate it, then extract and repair every row for each repeated run,
// writing one prediction file per run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/sift/internal/completion"
	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/output"
	"github.com/jackzampolin/sift/internal/prompts"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/repair"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/task"
)

// File names inside a run directory.
const (
	PredictionsFile = "nlp-predictions-dataset.json"
	chunkPrefix     = "nlp-predictions-dataset-"
	TraceFile       = "llm_calls.jsonl"
)

// TranslationDescription is the {description} used for the translation pass.
const TranslationDescription = "Translate the input text to English. Keep names, numbers and measurements unchanged."

// Config configures a Runner.
type Config struct {
	Client      providers.LLMClient
	Prompts     *prompts.Resolver
	Options     completion.Options
	Concurrency int
	Attempts    uint
	RetryDelay  time.Duration
	Repair      repair.Config

	Runs      int
	RunName   string
	ChunkSize int
	Overwrite bool
	Translate bool
	Trace     bool

	OutputDir      string
	DataDir        string
	TranslationDir string

	// Sink mirrors every written prediction file. Nil disables it.
	Sink output.Sink

	Logger *slog.Logger
}

// Runner executes tasks.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Client == nil {
		return nil, errors.New("runner: model client is required")
	}
	if cfg.Runs <= 0 {
		cfg.Runs = 1
	}
	if cfg.RunName == "" {
		cfg.RunName = "run"
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("runner: chunk size must not be negative, got %d", cfg.ChunkSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: cfg.Logger}, nil
}

// RunSummary describes one repeated run.
type RunSummary struct {
	Index    int            `json:"index"`
	Path     string         `json:"path"`
	Skipped  bool           `json:"skipped,omitempty"`
	Rows     int            `json:"rows"`
	Statuses map[string]int `json:"statuses,omitempty"`
	Retries  int            `json:"retries"`
	Duration time.Duration  `json:"duration"`
}

// Summary describes a task execution.
type Summary struct {
	RunID    string        `json:"run_id"`
	Task     string        `json:"task"`
	Rows     int           `json:"rows"`
	Runs     []RunSummary  `json:"runs"`
	Duration time.Duration `json:"duration"`
}

// Run executes t for every configured run.
func (r *Runner) Run(ctx context.Context, t *task.Task) (*Summary, error) {
	start := time.Now()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	spec, err := t.Schema()
	if err != nil {
		return nil, err
	}
	ds, err := task.LoadDataset(t.DatasetPath(r.cfg.DataDir), t.InputField)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("task", t.Name)
	logger.Info("task loaded", "rows", ds.Len(), "schema", spec.Name(), "runs", r.cfg.Runs)

	if r.cfg.Translate {
		if ds, err = r.translate(ctx, t, ds, logger); err != nil {
			return nil, fmt.Errorf("translation failed: %w", err)
		}
	}

	summary := &Summary{RunID: uuid.NewString(), Task: t.Name, Rows: ds.Len()}
	for i := 0; i < r.cfg.Runs; i++ {
		rs, err := r.runOnce(ctx, summary.RunID, t, spec, ds, i, logger)
		if err != nil {
			return summary, fmt.Errorf("run %d: %w", i, err)
		}
		summary.Runs = append(summary.Runs, *rs)
	}
	summary.Duration = time.Since(start)
	logger.Info("task complete", "duration", summary.Duration)
	return summary, nil
}

// RunDir returns the directory of run i for t.
func (r *Runner) RunDir(t *task.Task, i int) string {
	return filepath.Join(r.cfg.OutputDir, r.cfg.RunName, fmt.Sprintf("%s-run%d", t.Name, i))
}

// TranslationPath returns the cached translation file for t.
func (r *Runner) TranslationPath(t *task.Task) string {
	return filepath.Join(r.cfg.TranslationDir, t.Name+"_translations.json")
}

func (r *Runner) runOnce(ctx context.Context, runID string, t *task.Task, spec *schema.Spec, ds *task.Dataset, i int, logger *slog.Logger) (*RunSummary, error) {
	start := time.Now()
	dir := r.RunDir(t, i)
	path := filepath.Join(dir, PredictionsFile)
	logger = logger.With("run", i+1, "of", r.cfg.Runs)
	rs := &RunSummary{Index: i, Path: path}

	if output.Exists(path) && !r.cfg.Overwrite {
		logger.Info("prediction already exists, skipping", "path", path)
		rs.Skipped = true
		return rs, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	var recorder *llmcall.Recorder
	if r.cfg.Trace {
		rec, err := llmcall.OpenFile(filepath.Join(dir, TraceFile), logger)
		if err != nil {
			return nil, err
		}
		defer rec.Close()
		recorder = rec
	}

	p, err := r.pipeline(taskTitle(t), t.Description, recorder, runID, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("running prediction")
	var rows []schema.Object
	if r.cfg.ChunkSize > 0 {
		rows, err = r.predictChunked(ctx, p, spec, ds, dir, logger)
	} else {
		rows, err = predict(ctx, p, spec, ds)
	}
	if err != nil {
		return nil, err
	}

	if err := output.WriteJSON(ctx, path, rows); err != nil {
		return nil, err
	}
	if r.cfg.ChunkSize > 0 {
		removeChunks(dir, logger)
	}

	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.Write(ctx, output.Batch{
			RunID:    runID,
			Task:     t.Name,
			RunName:  r.cfg.RunName,
			RunIndex: i,
			Model:    r.cfg.Options.Model,
			Rows:     rows,
		}); err != nil {
			return nil, err
		}
	}

	rs.Rows = len(rows)
	rs.Statuses, rs.Retries = tally(rows)
	rs.Duration = time.Since(start)
	logger.Info("run summary",
		"rows", rs.Rows,
		"success", rs.Statuses[string(repair.StatusSuccess)],
		"repaired", rs.Statuses[string(repair.StatusRepaired)],
		"failed", rs.Statuses[string(repair.StatusFailed)],
		"retries", rs.Retries,
		"duration", rs.Duration,
		"path", path)
	return rs, nil
}

// predictChunked processes ds in ChunkSize slices, writing each slice to its
// own file so an interrupted run resumes at the first missing chunk.
func (r *Runner) predictChunked(ctx context.Context, p *completion.Pipeline, spec *schema.Spec, ds *task.Dataset, dir string, logger *slog.Logger) ([]schema.Object, error) {
	var rows []schema.Object
	for start := 0; start < ds.Len(); start += r.cfg.ChunkSize {
		chunkPath := filepath.Join(dir, fmt.Sprintf("%s%d.json", chunkPrefix, start))
		if output.Exists(chunkPath) {
			logger.Info("chunk already exists, skipping", "chunk", start)
			chunk, err := output.ReadRows(chunkPath)
			if err != nil {
				return nil, err
			}
			rows = append(rows, chunk...)
			continue
		}

		chunk, err := predict(ctx, p, spec, ds.Slice(start, start+r.cfg.ChunkSize))
		if err != nil {
			return nil, err
		}
		if err := output.WriteJSON(ctx, chunkPath, chunk); err != nil {
			return nil, err
		}
		logger.Debug("chunk written", "chunk", start, "rows", len(chunk))
		rows = append(rows, chunk...)
	}
	return rows, nil
}

// predict extracts every row of ds and merges each record into its input
// row. Record keys replace input columns of the same name.
func predict(ctx context.Context, p *completion.Pipeline, spec *schema.Spec, ds *task.Dataset) ([]schema.Object, error) {
	records, err := p.Extract(ctx, spec, ds.Inputs())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make([]schema.Object, len(records))
	for i, rec := range records {
		rows[i] = ds.Rows[i].Merge(rec.Object())
	}
	return rows, nil
}

// translate replaces the input column with an English translation, reusing
// the cached translation file when present.
func (r *Runner) translate(ctx context.Context, t *task.Task, ds *task.Dataset, logger *slog.Logger) (*task.Dataset, error) {
	path := r.TranslationPath(t)
	if output.Exists(path) {
		rows, err := output.ReadRows(path)
		if err != nil {
			return nil, err
		}
		if len(rows) != ds.Len() {
			return nil, fmt.Errorf("cached translation %s has %d rows, dataset has %d", path, len(rows), ds.Len())
		}
		logger.Info("using cached translation", "path", path)
		return &task.Dataset{InputField: ds.InputField, Rows: rows}, nil
	}

	spec, _ := schema.Builtin(schema.ArchetypeTranslation)
	p, err := r.pipeline(string(schema.ArchetypeTranslation), TranslationDescription, nil, "", logger)
	if err != nil {
		return nil, err
	}

	logger.Info("translating dataset", "rows", ds.Len())
	records, err := p.Extract(ctx, spec, ds.Inputs())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i], _ = rec.Fields["translation"].(string)
	}
	translated, err := ds.WithInputs(texts)
	if err != nil {
		return nil, err
	}
	if err := output.WriteJSON(ctx, path, translated.Rows); err != nil {
		return nil, err
	}
	return translated, nil
}

func (r *Runner) pipeline(title, description string, recorder *llmcall.Recorder, runID string, logger *slog.Logger) (*completion.Pipeline, error) {
	repairCfg := r.cfg.Repair
	repairCfg.Logger = logger
	return completion.New(completion.Config{
		Client:      r.cfg.Client,
		Prompts:     r.cfg.Prompts,
		Task:        title,
		Description: description,
		Options:     r.cfg.Options,
		Concurrency: r.cfg.Concurrency,
		Attempts:    r.cfg.Attempts,
		RetryDelay:  r.cfg.RetryDelay,
		Repair:      repairCfg,
		Recorder:    recorder,
		RunID:       runID,
		Logger:      logger,
	})
}

func taskTitle(t *task.Task) string {
	if t.Task != "" {
		return t.Task
	}
	return t.Name
}

func tally(rows []schema.Object) (map[string]int, int) {
	statuses := make(map[string]int)
	retries := 0
	for _, row := range rows {
		status, n := output.RowStatus(row)
		statuses[status]++
		retries += n
	}
	return statuses, retries
}

func removeChunks(dir string, logger *slog.Logger) {
	matches, _ := filepath.Glob(filepath.Join(dir, chunkPrefix+"*.json"))
	for _, p := range matches {
		if err := os.Remove(p); err != nil {
			logger.Warn("failed to remove chunk file", "path", p, "error", err)
		}
	}
}
