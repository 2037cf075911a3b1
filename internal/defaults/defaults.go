// Package defaults synthesizes placeholder values that satisfy a schema.
package defaults

import (
	"math/rand/v2"

	"github.com/jackzampolin/sift/internal/schema"
)

// Source picks an index in [0, n). *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// Synthesizer builds default values. Enum fields draw uniformly from their
// allowed values; every other kind is deterministic.
type Synthesizer struct {
	src Source
}

// New returns a Synthesizer drawing enum defaults from src. A nil src uses
// the process-wide generator.
func New(src Source) *Synthesizer {
	if src == nil {
		src = globalSource{}
	}
	return &Synthesizer{src: src}
}

// For returns the default value of one field.
func (s *Synthesizer) For(f *schema.FieldSpec) any {
	if f.Optional {
		return nil
	}
	switch f.Kind {
	case schema.KindString:
		return ""
	case schema.KindInteger:
		return int64(0)
	case schema.KindFloat:
		return 0.0
	case schema.KindBoolean:
		return false
	case schema.KindList:
		return []any{}
	case schema.KindObject:
		return s.Record(f.Nested)
	case schema.KindEnum:
		return f.Allowed[s.src.IntN(len(f.Allowed))]
	default:
		return nil
	}
}

// Record returns a record holding the default of every declared field.
func (s *Synthesizer) Record(spec *schema.Spec) map[string]any {
	out := make(map[string]any, spec.Len())
	for _, f := range spec.Fields() {
		out[f.Name] = s.For(f)
	}
	return out
}
