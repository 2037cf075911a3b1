package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldDescriptor is the declarative form of one field, as found in task
// files and schema files.
type FieldDescriptor struct {
	Type        string           `json:"type" yaml:"type"`
	Optional    bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Items       *FieldDescriptor `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  *Descriptor      `json:"properties,omitempty" yaml:"properties,omitempty"`
	Literals    []any            `json:"literals,omitempty" yaml:"literals,omitempty"`
}

// Descriptor is an ordered field name to FieldDescriptor mapping. Key order
// from the source document is kept so prompts list fields as written.
type Descriptor struct {
	names  []string
	fields map[string]*FieldDescriptor
}

// NewDescriptor returns an empty descriptor.
func NewDescriptor() *Descriptor {
	return &Descriptor{fields: make(map[string]*FieldDescriptor)}
}

// Set adds or replaces a field. New fields are appended.
func (d *Descriptor) Set(name string, fd FieldDescriptor) *Descriptor {
	if d.fields == nil {
		d.fields = make(map[string]*FieldDescriptor)
	}
	if _, ok := d.fields[name]; !ok {
		d.names = append(d.names, name)
	}
	d.fields[name] = &fd
	return d
}

// Get returns the descriptor for a field.
func (d *Descriptor) Get(name string) (*FieldDescriptor, bool) {
	fd, ok := d.fields[name]
	return fd, ok
}

// Names returns field names in source order.
func (d *Descriptor) Names() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Len returns the number of fields.
func (d *Descriptor) Len() int { return len(d.names) }

// UnmarshalJSON decodes a JSON object, keeping key order and rejecting
// duplicate keys.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("schema descriptor must be a JSON object")
	}
	*d = Descriptor{fields: make(map[string]*FieldDescriptor)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if _, dup := d.fields[name]; dup {
			return fmt.Errorf("duplicate field %q", name)
		}
		var fd FieldDescriptor
		if err := dec.Decode(&fd); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		d.Set(name, fd)
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the descriptor with keys in source order.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range d.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(d.fields[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML decodes a YAML mapping, keeping key order.
func (d *Descriptor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: schema descriptor must be a mapping", node.Line)
	}
	*d = Descriptor{fields: make(map[string]*FieldDescriptor)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if _, dup := d.fields[key.Value]; dup {
			return fmt.Errorf("line %d: duplicate field %q", key.Line, key.Value)
		}
		var fd FieldDescriptor
		if err := val.Decode(&fd); err != nil {
			return fmt.Errorf("field %q: %w", key.Value, err)
		}
		d.Set(key.Value, fd)
	}
	return nil
}

// ParseDescriptor decodes a descriptor document. format is "json" or "yaml".
func ParseDescriptor(data []byte, format string) (*Descriptor, error) {
	d := NewDescriptor()
	var err error
	switch strings.ToLower(format) {
	case "json":
		err = json.Unmarshal(data, d)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, d)
	default:
		return nil, &SchemaError{Reason: fmt.Sprintf("unsupported descriptor format %q", format)}
	}
	if err != nil {
		return nil, &SchemaError{Reason: "malformed descriptor", Err: err}
	}
	return d, nil
}

// LoadDescriptor reads a .json, .yaml or .yml descriptor file.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	return ParseDescriptor(data, format)
}
