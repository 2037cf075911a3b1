// Package repair drives the bounded validate-and-repair loop that turns a
// batch of raw model completions into schema-conformant records.
//
// Every candidate ends in exactly one Record, in input order:
//
//	pending -> valid                                  (success, retry 0)
//	pending -> invalid -> repairing -> valid          (repaired, retry = round)
//	pending -> invalid -> repairing ... -> exhausted  (failed, defaults)
//
// Content failures never surface as errors. A repair round that fails as a
// whole leaves every item of that round invalid and the loop moves on.
package repair

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackzampolin/sift/internal/defaults"
	"github.com/jackzampolin/sift/internal/extract"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/validate"
)

// DefaultMaxAttempts is the number of repair rounds when Config leaves it unset.
const DefaultMaxAttempts = 3

// Status is the terminal outcome of one item.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRepaired Status = "repaired"
	StatusFailed   Status = "failed"
)

// Candidate is one raw completion and the payload extracted from it.
type Candidate struct {
	Raw     string
	Payload map[string]any // nil when nothing could be extracted
}

// NewCandidate extracts the payload from raw model output.
func NewCandidate(raw string) Candidate {
	payload, _ := extract.Payload(raw)
	return Candidate{Raw: raw, Payload: payload}
}

// Candidates wraps a batch of raw completions.
func Candidates(raws []string) []Candidate {
	out := make([]Candidate, len(raws))
	for i, raw := range raws {
		out[i] = NewCandidate(raw)
	}
	return out
}

// Request asks the model to fix one malformed payload.
type Request struct {
	// Index is the position of the item in the original batch.
	Index int
	// Raw is the most recent raw output for the item.
	Raw string
	// Issues explains why Raw was rejected.
	Issues []validate.Issue
	// FormatInstructions describes the required output shape.
	FormatInstructions string
}

// Reply is the model's answer to one Request. Err marks a per-item failure.
type Reply struct {
	Text string
	Err  error
}

// Func performs one batched repair round. It must return one Reply per
// Request, in order. A non-nil error fails the whole round.
type Func func(ctx context.Context, reqs []Request) ([]Reply, error)

// Record is a finalized, schema-conformant result.
type Record struct {
	Fields     map[string]any
	Status     Status
	RetryCount int

	spec *schema.Spec
}

// MarshalJSON writes the declared fields in schema order followed by status
// and retry_count.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Object())
}

// Object returns the record as an ordered JSON object.
func (r Record) Object() schema.Object {
	var obj schema.Object
	if r.spec != nil {
		obj = r.spec.Order(r.Fields)
	} else {
		obj = (&schema.Spec{}).Order(r.Fields)
	}
	return append(obj,
		schema.Member{Key: schema.StatusKey, Value: r.Status},
		schema.Member{Key: schema.RetryCountKey, Value: r.RetryCount},
	)
}

// Config tunes a Repairer.
type Config struct {
	// MaxAttempts bounds the number of repair rounds. Zero selects
	// DefaultMaxAttempts; a negative value disables repair.
	MaxAttempts int
	// Rand drives enum defaults. Nil uses the process-wide generator.
	Rand   defaults.Source
	Logger *slog.Logger
}

// Repairer runs the validate-and-repair loop. It holds no per-batch state and
// may be shared between goroutines.
type Repairer struct {
	maxAttempts int
	synth       *defaults.Synthesizer
	logger      *slog.Logger
}

// New creates a Repairer.
func New(cfg Config) *Repairer {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Repairer{
		maxAttempts: cfg.MaxAttempts,
		synth:       defaults.New(cfg.Rand),
		logger:      cfg.Logger,
	}
}

// MaxAttempts returns the configured round bound.
func (r *Repairer) MaxAttempts() int { return r.maxAttempts }

// pendingItem tracks an invalid item between rounds.
type pendingItem struct {
	index  int
	raw    string
	issues []validate.Issue
}

// Run validates candidates against spec and repairs the invalid ones with
// fix, returning one Record per candidate in input order. A nil fix skips
// repair and defaults invalid items directly.
func (r *Repairer) Run(ctx context.Context, spec *schema.Spec, candidates []Candidate, fix Func) []Record {
	start := time.Now()
	records := make([]Record, len(candidates))
	var pending []pendingItem

	for i, c := range candidates {
		res := validate.Validate(spec, c.Payload)
		if res.OK() {
			records[i] = Record{Fields: res.Values, Status: StatusSuccess, spec: spec}
			continue
		}
		pending = append(pending, pendingItem{index: i, raw: c.Raw, issues: res.Issues})
	}

	r.logger.Debug("initial validation complete",
		"schema", spec.Name(),
		"items", len(candidates),
		"invalid", len(pending))

	instructions := ""
	if len(pending) > 0 && fix != nil {
		var err error
		if instructions, err = schema.FormatInstructions(spec); err != nil {
			r.logger.Warn("repair prompts sent without format instructions",
				"schema", spec.Name(),
				"error", err)
		}
	}

	for attempt := 1; attempt <= r.maxAttempts && len(pending) > 0 && fix != nil; attempt++ {
		pending = r.round(ctx, spec, attempt, pending, instructions, fix, records)
	}

	for _, p := range pending {
		records[p.index] = Record{
			Fields:     r.synth.Record(spec),
			Status:     StatusFailed,
			RetryCount: r.maxAttempts,
			spec:       spec,
		}
	}

	if len(pending) > 0 {
		r.logger.Warn("items fell back to default values",
			"schema", spec.Name(),
			"failed", len(pending),
			"max_attempts", r.maxAttempts)
	}
	r.logger.Debug("validate and repair complete",
		"schema", spec.Name(),
		"items", len(candidates),
		"duration", time.Since(start))

	return records
}

// round issues one batched repair call and returns the items still invalid.
func (r *Repairer) round(ctx context.Context, spec *schema.Spec, attempt int, pending []pendingItem, instructions string, fix Func, records []Record) []pendingItem {
	reqs := make([]Request, len(pending))
	for i, p := range pending {
		reqs[i] = Request{
			Index:              p.index,
			Raw:                p.raw,
			Issues:             p.issues,
			FormatInstructions: instructions,
		}
	}

	logger := r.logger.With("schema", spec.Name(), "attempt", attempt, "batch", len(reqs))
	replies, err := fix(ctx, reqs)
	if err != nil {
		logger.Error("repair round failed", "error", err)
		return pending
	}
	if len(replies) != len(reqs) {
		logger.Error("repair round returned wrong number of replies", "replies", len(replies))
		return pending
	}

	still := pending[:0:0]
	for i, p := range pending {
		reply := replies[i]
		if reply.Err != nil {
			logger.Warn("repair request failed", "index", p.index, "error", reply.Err)
			still = append(still, p)
			continue
		}
		payload, _ := extract.Payload(reply.Text)
		res := validate.Validate(spec, payload)
		if res.OK() {
			records[p.index] = Record{Fields: res.Values, Status: StatusRepaired, RetryCount: attempt, spec: spec}
			continue
		}
		still = append(still, pendingItem{index: p.index, raw: reply.Text, issues: res.Issues})
	}

	logger.Info("repair round complete", "repaired", len(pending)-len(still), "remaining", len(still))
	return still
}

// ValidateAndRepair runs a one-off Repairer with the given attempt bound.
// Zero disables repair.
func ValidateAndRepair(ctx context.Context, candidates []Candidate, spec *schema.Spec, fix Func, maxAttempts int) []Record {
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	return New(Config{MaxAttempts: maxAttempts}).Run(ctx, spec, candidates, fix)
}
