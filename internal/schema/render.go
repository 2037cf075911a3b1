package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value any
}

// Object is a JSON object that encodes its members in slice order.
type Object []Member

// MarshalJSON implements json.Marshaler.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.Value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", m.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping key order at every depth:
// nested objects decode as Object, arrays as []any. Numbers decode as
// json.Number so they round-trip unchanged.
func (o *Object) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object")
	}
	out, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*o = out
	return nil
}

// decodeObject reads members up to and including the closing brace. The
// opening brace has already been consumed.
func decodeObject(dec *json.Decoder) (Object, error) {
	out := Object{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		v, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		return decodeObject(dec)
	case '[':
		items := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", len(items), err)
			}
			items = append(items, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return items, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", delim)
}

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of an existing key in place, or appends the key.
func (o *Object) Set(key string, value any) {
	for i := range *o {
		if (*o)[i].Key == key {
			(*o)[i].Value = value
			return
		}
	}
	*o = append(*o, Member{Key: key, Value: value})
}

// Merge returns a copy of o with every member of other applied by Set.
func (o Object) Merge(other Object) Object {
	out := make(Object, len(o), len(o)+len(other))
	copy(out, o)
	for _, m := range other {
		out.Set(m.Key, m.Value)
	}
	return out
}

// MarshalYAML encodes o as a mapping in member order.
func (o Object) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, m := range o {
		var k, v yaml.Node
		if err := k.Encode(m.Key); err != nil {
			return nil, err
		}
		if err := v.Encode(yamlScalar(m.Value)); err != nil {
			return nil, fmt.Errorf("key %q: %w", m.Key, err)
		}
		node.Content = append(node.Content, &k, &v)
	}
	return node, nil
}

// yamlScalar unwraps json.Number so it is emitted as a number, not a
// quoted string.
func yamlScalar(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return v
}

// Order arranges a record's values for encoding: declared fields first in
// schema order (recursing into nested objects and lists of objects), then
// any undeclared keys sorted by name.
func (s *Spec) Order(values map[string]any) Object {
	out := make(Object, 0, len(values))
	for _, f := range s.fields {
		if v, ok := values[f.Name]; ok {
			out = append(out, Member{Key: f.Name, Value: orderValue(f, v)})
		}
	}
	var extra []string
	for k := range values {
		if _, declared := s.index[k]; !declared {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, Member{Key: k, Value: values[k]})
	}
	return out
}

func orderValue(f *FieldSpec, v any) any {
	switch f.Kind {
	case KindObject:
		if m, ok := v.(map[string]any); ok {
			return f.Nested.Order(m)
		}
	case KindList:
		if items, ok := v.([]any); ok {
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = orderValue(f.Element, item)
			}
			return out
		}
	}
	return v
}

// JSONSchema renders s as a JSON Schema document with properties in
// declaration order. Optional fields accept null and are not required.
func (s *Spec) JSONSchema() ([]byte, error) {
	return json.Marshal(s.schemaObject())
}

func (s *Spec) schemaObject() Object {
	props := make(Object, 0, len(s.fields))
	required := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		props = append(props, Member{Key: f.Name, Value: fieldSchema(f)})
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	return Object{
		{Key: "title", Value: s.name},
		{Key: "type", Value: "object"},
		{Key: "properties", Value: props},
		{Key: "required", Value: required},
	}
}

var jsonTypes = map[Kind]string{
	KindString:  "string",
	KindInteger: "integer",
	KindFloat:   "number",
	KindBoolean: "boolean",
	KindList:    "array",
}

func fieldSchema(f *FieldSpec) Object {
	var out Object
	if f.Description != "" {
		out = append(out, Member{Key: "description", Value: f.Description})
	}
	switch f.Kind {
	case KindAny:
	case KindObject:
		nested := f.Nested.schemaObject()
		if f.Optional {
			nested[1].Value = []string{"object", "null"}
		}
		return append(out, nested...)
	case KindEnum:
		values := append([]any(nil), f.Allowed...)
		if f.Optional {
			values = append(values, nil)
		}
		out = append(out, Member{Key: "enum", Value: values})
	default:
		var typ any = jsonTypes[f.Kind]
		if f.Optional {
			typ = []string{jsonTypes[f.Kind], "null"}
		}
		out = append(out, Member{Key: "type", Value: typ})
		if f.Kind == KindList {
			out = append(out, Member{Key: "items", Value: fieldSchema(f.Element)})
		}
	}
	if out == nil {
		return Object{}
	}
	return out
}

// Compiled returns the rendered JSON Schema compiled for validation.
func (s *Spec) Compiled() (*jsonschema.Schema, error) {
	raw, err := s.JSONSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to render schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// FormatInstructions renders the text substituted for {format_instructions}
// in prompt templates.
func FormatInstructions(s *Spec) (string, error) {
	raw, err := json.MarshalIndent(s.schemaObject(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render schema %s: %w", s.name, err)
	}
	return fmt.Sprintf(`Return ONLY a JSON object (no markdown, no commentary) that conforms to the JSON schema below.
Every required property must be present. Do not add properties that are not in the schema.

Schema:
%s`, raw), nil
}
