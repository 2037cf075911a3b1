package schema

import (
	"errors"
	"fmt"
)

// ErrSchema is matched by every SchemaError via errors.Is.
var ErrSchema = errors.New("invalid schema")

// SchemaError reports a malformed schema descriptor. It is fatal at compile
// time and never retried.
type SchemaError struct {
	Schema string // owning schema name
	Field  string // dotted path of the offending field, if any
	Reason string
	Err    error // underlying decode error, if any
}

func (e *SchemaError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	switch {
	case e.Field != "":
		return fmt.Sprintf("schema %q: field %q: %s", e.Schema, e.Field, msg)
	case e.Schema != "":
		return fmt.Sprintf("schema %q: %s", e.Schema, msg)
	default:
		return "schema: " + msg
	}
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }
