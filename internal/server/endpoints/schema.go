package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/sift/internal/api"
	"github.com/jackzampolin/sift/internal/schema"
)

// SchemaRequest identifies an output schema: an archetype task type, or an
// inline parser format compiled under Name.
type SchemaRequest struct {
	Name         string             `json:"name,omitempty"`
	Type         string             `json:"type,omitempty"`
	ParserFormat *schema.Descriptor `json:"parser_format,omitempty"`
}

// Spec resolves the request to a compiled schema.
func (r SchemaRequest) Spec() (*schema.Spec, error) {
	if r.ParserFormat != nil && r.Name != "" {
		if _, builtin := schema.Builtin(schema.Archetype(r.Type)); !builtin {
			return schema.Compile(r.Name, r.ParserFormat)
		}
	}
	return schema.ForTask(r.Type, r.ParserFormat)
}

// SchemaResponse describes a compiled schema.
type SchemaResponse struct {
	Name               string          `json:"name"`
	Fields             []string        `json:"fields"`
	JSONSchema         json.RawMessage `json:"json_schema"`
	FormatInstructions string          `json:"format_instructions"`
}

// SchemaEndpoint handles POST /v1/schema.
type SchemaEndpoint struct{}

func (e *SchemaEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/v1/schema", e.handler
}

func (e *SchemaEndpoint) RequiresInit() bool { return false }

func (e *SchemaEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req SchemaRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := describe(req)
	if err != nil {
		writeError(w, schemaErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func describe(req SchemaRequest) (*SchemaResponse, error) {
	spec, err := req.Spec()
	if err != nil {
		return nil, err
	}
	js, err := spec.JSONSchema()
	if err != nil {
		return nil, err
	}
	instructions, err := schema.FormatInstructions(spec)
	if err != nil {
		return nil, err
	}
	return &SchemaResponse{
		Name:               spec.Name(),
		Fields:             spec.Names(),
		JSONSchema:         js,
		FormatInstructions: instructions,
	}, nil
}

// schemaErrorStatus maps invalid schemas to 400 and anything else to 500.
func schemaErrorStatus(err error) int {
	var se *schema.SchemaError
	if errors.As(err, &se) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (e *SchemaEndpoint) Command(getServerURL func() string) *cobra.Command {
	var file, name, taskType string
	var instructions bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Compile a parser format on the server",
		Long: `Compile a parser format descriptor (JSON or YAML) or an archetype
task type and print the resulting JSON Schema.

Examples:
  sift api schema -f parsers/person.yaml --name Person
  sift api schema --type Translation --instructions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := SchemaRequest{Name: name, Type: taskType}
			if file != "" {
				d, err := schema.LoadDescriptor(file)
				if err != nil {
					return err
				}
				req.ParserFormat = d
			}

			client := api.NewClient(getServerURL())
			var resp SchemaResponse
			if err := client.Post(cmd.Context(), "/v1/schema", req, &resp); err != nil {
				return err
			}
			if instructions {
				fmt.Fprintln(os.Stdout, resp.FormatInstructions)
				return nil
			}
			return printJSONSchema(resp.JSONSchema)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Parser format descriptor file (.json, .yaml)")
	cmd.Flags().StringVar(&name, "name", "", "Schema name")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (archetypes: Translation, Example Generation)")
	cmd.Flags().BoolVar(&instructions, "instructions", false, "Print format instructions instead of the JSON Schema")
	return cmd
}

// printJSONSchema writes js in the selected output format, keeping the
// top-level key order of the compiled schema.
func printJSONSchema(js json.RawMessage) error {
	var obj schema.Object
	if err := json.Unmarshal(js, &obj); err != nil {
		return err
	}
	return api.Output(obj)
}
