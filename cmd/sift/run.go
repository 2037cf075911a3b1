package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/config"
	"github.com/jackzampolin/sift/internal/output"
	"github.com/jackzampolin/sift/internal/prompts/extraction"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/runner"
	"github.com/jackzampolin/sift/internal/task"
)

var runFlags struct {
	provider  string
	model     string
	runs      int
	runName   string
	chunkSize int
	overwrite bool
	translate bool
	trace     bool
	taskDir   string
	dataDir   string
	outputDir string
}

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run an extraction task over its dataset",
	Long: `Run the task whose file in the task directory is named TaskNNN*.json,
where NNN is the zero-padded task id.

Each of the configured runs writes its predictions to
<output_dir>/<run_name>/<task>-run<i>/nlp-predictions-dataset.json.
Runs whose file already exists are skipped unless --overwrite is set.

Examples:
  sift run 1                          # Task001_*.json with config defaults
  sift run 7 --runs 1 --provider openai
  sift run 12 --chunk-size 50         # Resumable chunked run
  sift run 3 --translate              # Translate inputs to English first`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.Atoi(args[0])
		if err != nil || id < 0 {
			return fmt.Errorf("invalid task id %q", args[0])
		}

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		c := *mgr.Get()
		cfg := &c
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}
		t, err := task.FindAndLoad(cfg.Run.TaskDir, id)
		if err != nil {
			return err
		}

		logFile, err := openRunLog(cfg.Run.LogDirOrDefault(), t.Name)
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger := newLogger(cfg.Run.Verbose, logFile).With("task", t.Name)

		providerName := cfg.Defaults.LLMProvider
		registry := providers.NewRegistry()
		registry.SetLogger(logger)
		registry.Reload(cfg.ToProviderRegistryConfig())
		client, err := registry.GetLLM(providerName)
		if err != nil {
			return err
		}

		rcfg := runner.Config{
			Client:         client,
			Prompts:        extraction.NewResolver(promptDir(cfg.Run.PromptDir, h)),
			Options:        cfg.CompletionOptions(providerName),
			Concurrency:    cfg.Defaults.Concurrency,
			Repair:         cfg.Defaults.RepairConfig(),
			Runs:           cfg.Run.Runs,
			RunName:        cfg.Run.RunName,
			ChunkSize:      cfg.Run.ChunkSize,
			Overwrite:      cfg.Run.Overwrite,
			Translate:      cfg.Run.Translate,
			Trace:          cfg.Run.Trace,
			OutputDir:      cfg.Run.OutputDir,
			DataDir:        cfg.Run.DataDir,
			TranslationDir: cfg.Run.TranslationDir,
			Logger:         logger,
		}

		if cfg.Postgres.Enabled {
			sink, err := output.OpenPostgres(ctx, output.PostgresConfig{
				DSN:    config.ResolveEnvVars(cfg.Postgres.DSN),
				Table:  cfg.Postgres.Table,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer sink.Close()
			rcfg.Sink = sink
		}

		r, err := runner.New(rcfg)
		if err != nil {
			return err
		}

		logger.Info("running task",
			"provider", providerName,
			"model", rcfg.Options.Model,
			"runs", rcfg.Runs,
			"config", mgr.ConfigFile())
		summary, err := r.Run(ctx, t)
		if err != nil {
			return err
		}
		return api.Output(summary)
	},
}

// applyRunFlags overrides config values with the flags set on cmd.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("provider") {
		cfg.Defaults.LLMProvider = runFlags.provider
	}
	if f.Changed("model") {
		cfg.Defaults.Model = runFlags.model
	}
	if f.Changed("runs") {
		cfg.Run.Runs = runFlags.runs
	}
	if f.Changed("run-name") {
		cfg.Run.RunName = runFlags.runName
	}
	if f.Changed("chunk-size") {
		cfg.Run.ChunkSize = runFlags.chunkSize
	}
	if f.Changed("overwrite") {
		cfg.Run.Overwrite = runFlags.overwrite
	}
	if f.Changed("translate") {
		cfg.Run.Translate = runFlags.translate
	}
	if f.Changed("trace") {
		cfg.Run.Trace = runFlags.trace
	}
	if f.Changed("task-dir") {
		cfg.Run.TaskDir = runFlags.taskDir
	}
	if f.Changed("data-dir") {
		cfg.Run.DataDir = runFlags.dataDir
	}
	if f.Changed("output-dir") {
		cfg.Run.OutputDir = runFlags.outputDir
	}
}

func openRunLog(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.provider, "provider", "", "LLM provider (default: defaults.llm_provider)")
	f.StringVar(&runFlags.model, "model", "", "Model override (default: defaults.model or the provider's model)")
	f.IntVar(&runFlags.runs, "runs", 0, "Number of repeated runs (default: run.runs)")
	f.StringVar(&runFlags.runName, "run-name", "", "Output subdirectory name (default: run.run_name)")
	f.IntVar(&runFlags.chunkSize, "chunk-size", 0, "Rows per resumable chunk, 0 for none")
	f.BoolVar(&runFlags.overwrite, "overwrite", false, "Redo runs whose output already exists")
	f.BoolVar(&runFlags.translate, "translate", false, "Translate inputs to English before extraction")
	f.BoolVar(&runFlags.trace, "trace", false, "Write every model call to llm_calls.jsonl in the run directory")
	f.StringVar(&runFlags.taskDir, "task-dir", "", "Task directory (default: run.task_dir)")
	f.StringVar(&runFlags.dataDir, "data-dir", "", "Dataset directory (default: run.data_dir)")
	f.StringVar(&runFlags.outputDir, "output-dir", "", "Output directory (default: run.output_dir)")

	rootCmd.AddCommand(runCmd)
}
