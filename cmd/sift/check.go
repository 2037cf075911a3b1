package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/output"
	"github.com/jackzampolin/sift/internal/runner"
)

var checkRunName string

var checkCmd = &cobra.Command{
	Use:   "check <task-id> [file...]",
	Short: "Verify prediction files against the task schema",
	Long: `Validate every row of one or more prediction files against the task's
compiled JSON Schema, with the record metadata (status, retry_count)
allowed. Without files, every run of the task under the output
directory is checked.

Examples:
  sift check 1
  sift check 1 output/run/Task001_people-run0/nlp-predictions-dataset.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := loadTask(args[0])
		if err != nil {
			return err
		}
		spec, err := t.Schema()
		if err != nil {
			return err
		}

		files := args[1:]
		if len(files) == 0 {
			mgr, err := loadConfig()
			if err != nil {
				return err
			}
			run := mgr.Get().Run
			name := run.RunName
			if checkRunName != "" {
				name = checkRunName
			}
			pattern := filepath.Join(run.OutputDir, name, t.Name+"-run*", runner.PredictionsFile)
			files, err = filepath.Glob(pattern)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no prediction files match %s", pattern)
			}
		}

		reports := make([]*output.Report, 0, len(files))
		failed := 0
		for _, path := range files {
			report, err := output.Verify(spec, path)
			if err != nil {
				return err
			}
			if !report.OK() {
				failed++
			}
			reports = append(reports, report)
		}
		if err := api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), reports); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files do not conform to %s", failed, len(files), spec.Name())
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkRunName, "run-name", "", "Run name to check (default: run.run_name)")
	rootCmd.AddCommand(checkCmd)
}
