package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/server/endpoints"
	"github.com/jackzampolin/sift/internal/task"
)

var schemaFlags struct {
	file         string
	name         string
	taskType     string
	instructions bool
}

var schemaCmd = &cobra.Command{
	Use:   "schema [task-id]",
	Short: "Compile a parser format and print its JSON Schema",
	Long: `Compile the parser format of a task, a descriptor file or an archetype
task type, and print the JSON Schema the model output is validated
against. --instructions prints the format instructions sent to the
model instead.

Examples:
  sift schema 1
  sift schema -f parsers/person.yaml --name Person
  sift schema --type Translation --instructions`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := resolveSpec(args)
		if err != nil {
			return err
		}
		if schemaFlags.instructions {
			text, err := schema.FormatInstructions(spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		}
		js, err := spec.JSONSchema()
		if err != nil {
			return err
		}
		var obj schema.Object
		if err := json.Unmarshal(js, &obj); err != nil {
			return err
		}
		return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), obj)
	},
}

// resolveSpec compiles the schema named by a task id argument or by the
// schema flags.
func resolveSpec(args []string) (*schema.Spec, error) {
	if len(args) == 1 {
		t, err := loadTask(args[0])
		if err != nil {
			return nil, err
		}
		return t.Schema()
	}
	req := endpoints.SchemaRequest{Name: schemaFlags.name, Type: schemaFlags.taskType}
	if schemaFlags.file != "" {
		d, err := schema.LoadDescriptor(schemaFlags.file)
		if err != nil {
			return nil, err
		}
		req.ParserFormat = d
	}
	return req.Spec()
}

func loadTask(arg string) (*task.Task, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("invalid task id %q", arg)
	}
	mgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return task.FindAndLoad(mgr.Get().Run.TaskDir, id)
}

func init() {
	f := schemaCmd.Flags()
	f.StringVarP(&schemaFlags.file, "file", "f", "", "Parser format descriptor file (.json, .yaml)")
	f.StringVar(&schemaFlags.name, "name", "", "Schema name")
	f.StringVar(&schemaFlags.taskType, "type", "", "Task type (archetypes: Translation, Example Generation)")
	f.BoolVar(&schemaFlags.instructions, "instructions", false, "Print format instructions instead of the JSON Schema")

	rootCmd.AddCommand(schemaCmd)
}
