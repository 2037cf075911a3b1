package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat selects how CLI commands print schemas, reports and
// responses.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// globalOutputFormat is set from the root command's --output flag.
var globalOutputFormat = OutputFormatYAML

// SetOutputFormat sets the format used by Output. "yml" is accepted as an
// alias; anything else is rejected.
func SetOutputFormat(format string) error {
	switch strings.ToLower(format) {
	case "json":
		globalOutputFormat = OutputFormatJSON
	case "yaml", "yml", "":
		globalOutputFormat = OutputFormatYAML
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
	return nil
}

// GetOutputFormat returns the format chosen by --output.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the format chosen by --output.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputTo writes data to w. Values that keep key order, such as
// schema.Object, keep it in both formats.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
