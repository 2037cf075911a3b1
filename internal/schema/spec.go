// Package schema models the record shape that extraction output must conform to.
//
// A Spec is an ordered, immutable set of FieldSpecs. Specs are built either
// from a declarative Descriptor via Compile or from one of the built-in
// archetypes, and are interpreted directly by the validator and the default
// synthesizer; nothing is generated at runtime.
package schema

import (
	"fmt"
	"strings"
)

// Kind is the type tag of a field.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindAny     Kind = "any"
	KindList    Kind = "list"
	KindObject  Kind = "object"
	KindEnum    Kind = "enum"
)

// kindAliases maps descriptor type strings to kinds.
var kindAliases = map[string]Kind{
	"str":     KindString,
	"string":  KindString,
	"int":     KindInteger,
	"integer": KindInteger,
	"float":   KindFloat,
	"number":  KindFloat,
	"bool":    KindBoolean,
	"boolean": KindBoolean,
	"any":     KindAny,
	"list":    KindList,
	"array":   KindList,
	"dict":    KindObject,
	"object":  KindObject,
	"enum":    KindEnum,
	"literal": KindEnum,
}

// ParseKind resolves a descriptor type string. Matching is case-insensitive.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Scalar reports whether values of this kind are single JSON primitives.
func (k Kind) Scalar() bool {
	switch k {
	case KindString, KindInteger, KindFloat, KindBoolean:
		return true
	}
	return false
}

// FieldSpec describes one field of a record.
type FieldSpec struct {
	Name        string
	Kind        Kind
	Optional    bool
	Description string

	// Element describes list items (KindList only).
	Element *FieldSpec
	// Nested describes the nested record (KindObject only).
	Nested *Spec
	// Allowed holds the permitted literals in declaration order (KindEnum only).
	Allowed []any
}

// Spec is an ordered collection of uniquely named fields.
// It is never modified after construction.
type Spec struct {
	name   string
	fields []*FieldSpec
	index  map[string]int
}

// NewSpec builds a Spec from fields in the given order. It checks that names
// are unique and that every list, object and enum field carries its nested
// descriptor.
func NewSpec(name string, fields ...*FieldSpec) (*Spec, error) {
	s := &Spec{
		name:   name,
		fields: make([]*FieldSpec, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f == nil {
			return nil, &SchemaError{Schema: name, Reason: "nil field"}
		}
		if f.Name == "" {
			return nil, &SchemaError{Schema: name, Reason: "field name must not be empty"}
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, &SchemaError{Schema: name, Field: f.Name, Reason: "duplicate field name"}
		}
		if err := checkField(name, f); err != nil {
			return nil, err
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

func checkField(schemaName string, f *FieldSpec) error {
	fail := func(format string, args ...any) error {
		return &SchemaError{Schema: schemaName, Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}
	switch f.Kind {
	case KindString, KindInteger, KindFloat, KindBoolean, KindAny:
	case KindList:
		if f.Element == nil {
			return fail("list field has no element spec")
		}
		return checkField(schemaName, f.Element)
	case KindObject:
		if f.Nested == nil {
			return fail("object field has no nested schema")
		}
	case KindEnum:
		if len(f.Allowed) == 0 {
			return fail("enum field has no allowed values")
		}
	default:
		return fail("unsupported kind %q", f.Kind)
	}
	return nil
}

// Name returns the schema name.
func (s *Spec) Name() string { return s.name }

// Len returns the number of declared fields.
func (s *Spec) Len() int { return len(s.fields) }

// Fields returns the fields in declaration order. The slice is a copy;
// the FieldSpecs it points to must not be modified.
func (s *Spec) Fields() []*FieldSpec {
	out := make([]*FieldSpec, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field by name.
func (s *Spec) Field(name string) (*FieldSpec, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.fields[i], true
}

// Names returns the field names in declaration order.
func (s *Spec) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}
