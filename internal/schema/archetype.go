package schema

import "fmt"

// Archetype names a built-in task type with a fixed output schema.
type Archetype string

const (
	ArchetypeExampleGeneration Archetype = "Example Generation"
	ArchetypeTranslation       Archetype = "Translation"
)

var builtins = map[Archetype]*Spec{
	ArchetypeExampleGeneration: mustSpec("ExampleGenerationOutput", &FieldSpec{
		Name:        "reasoning",
		Kind:        KindString,
		Description: "The thought process leading to the answer",
	}),
	ArchetypeTranslation: mustSpec("TranslationOutput", &FieldSpec{
		Name:        "translation",
		Kind:        KindString,
		Description: "The translated text",
	}),
}

// Builtin returns the fixed schema for an archetype.
func Builtin(a Archetype) (*Spec, bool) {
	s, ok := builtins[a]
	return s, ok
}

// ForTask resolves the output schema of a task. Archetype task types use
// their built-in schema and ignore d; every other type compiles d, which
// must then be present.
func ForTask(taskType string, d *Descriptor) (*Spec, error) {
	if s, ok := Builtin(Archetype(taskType)); ok {
		return s, nil
	}
	if d == nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("parser format must be provided for task type %q", taskType)}
	}
	name := taskType
	if name == "" {
		name = "Output"
	}
	return Compile(name, d)
}

func mustSpec(name string, fields ...*FieldSpec) *Spec {
	s, err := NewSpec(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}
