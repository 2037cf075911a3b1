package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/prompts"
	"github.com/jackzampolin/sift/internal/prompts/extraction"
)

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt overrides",
	Long: `Prompts are embedded in the binary and may be overridden per key with a
<key>.tmpl file in run.prompt_dir (default: ~/.sift/prompts).
Placeholders use single braces, e.g. {task} or {format_instructions}.`,
}

// promptEntry is one prompt as listed by sift prompts list.
type promptEntry struct {
	Key        string   `json:"key" yaml:"key"`
	Variables  []string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Hash       string   `json:"hash" yaml:"hash"`
	IsOverride bool     `json:"is_override" yaml:"is_override"`
	Path       string   `json:"path,omitempty" yaml:"path,omitempty"`
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts and the overrides in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		overrides, err := store.List()
		if err != nil {
			return err
		}
		paths := make(map[string]string, len(overrides))
		for _, o := range overrides {
			paths[o.Key] = o.Path
		}

		resolver := extraction.NewResolver(store.Dir())
		var entries []promptEntry
		for _, key := range extraction.Keys() {
			p, err := resolver.Resolve(key)
			if err != nil {
				return err
			}
			entries = append(entries, promptEntry{
				Key:        key,
				Variables:  p.Variables,
				Hash:       p.Hash,
				IsOverride: p.IsOverride,
				Path:       paths[key],
			})
		}
		return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), entries)
	},
}

var promptsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the prompt text in effect for a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		p, err := extraction.NewResolver(store.Dir()).Resolve(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), p.Text)
		return nil
	},
}

var promptsSetCmd = &cobra.Command{
	Use:   "set <key> <file>",
	Short: "Override a prompt with the contents of a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if !knownPrompt(key) {
			return fmt.Errorf("unknown prompt key %q", key)
		}
		text, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		store, err := promptStore()
		if err != nil {
			return err
		}
		if err := store.Set(key, string(text)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "override set for %s in %s\n", key, store.Dir())
		return nil
	},
}

var promptsClearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Remove a prompt override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := promptStore()
		if err != nil {
			return err
		}
		return store.Clear(args[0])
	},
}

func promptStore() (*prompts.Store, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return prompts.NewStore(promptDir(mgr.Get().Run.PromptDir, h)), nil
}

func knownPrompt(key string) bool {
	for _, k := range extraction.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func init() {
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsShowCmd)
	promptsCmd.AddCommand(promptsSetCmd)
	promptsCmd.AddCommand(promptsClearCmd)
	rootCmd.AddCommand(promptsCmd)
}
