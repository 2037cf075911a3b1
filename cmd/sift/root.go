package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/config"
	"github.com/jackzampolin/sift/internal/home"
	"github.com/jackzampolin/sift/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "Structured extraction from text with local and hosted LLMs",
	Long: `Sift turns free text into records that conform to a declared schema.

A task file names a dataset, an input column and a parser format. Sift
prompts the configured model once per input, extracts the JSON from each
reply, validates it against the compiled schema and repairs invalid
replies in bounded rounds. Items that never validate get schema defaults.

Every record carries a status (success, repaired, failed) and the number
of repair rounds it took.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sift/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "sift home directory (default: ~/.sift)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "debug logging",
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

func getHome() (*home.Dir, error) {
	return home.New(homeDir)
}

// loadConfig reads --config, or config.yaml from the working directory or
// the home directory.
func loadConfig() (*config.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	return config.NewManagerWithPaths(cfgFile, ".", h.Path())
}

// newLogger logs text to stderr and, when extra is set, to extra as well.
func newLogger(debug bool, extra io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if debug || verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	if extra != nil {
		w = io.MultiWriter(os.Stderr, extra)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
