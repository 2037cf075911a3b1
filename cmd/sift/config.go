package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Long: `Write the default configuration to --config, or to ~/.sift/config.yaml.
An existing file is kept unless --force is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			h, err := getHome()
			if err != nil {
				return err
			}
			if err := h.EnsureExists(); err != nil {
				return err
			}
			path = h.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the effective config, or one dotted key",
	Long: `Print the effective configuration after defaults, the config file and
SIFT_* environment overrides are applied.

Examples:
  sift config get
  sift config get defaults.model
  sift config get llm_providers.openai`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), mgr.Get())
		}
		v, err := mgr.Value(args[0])
		if err != nil {
			return err
		}
		return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), v)
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List every config key",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		for _, k := range mgr.Keys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configKeysCmd)
	rootCmd.AddCommand(configCmd)
}
