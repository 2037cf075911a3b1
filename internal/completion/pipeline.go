// Package completion turns input texts into raw model completions and wires
// the model into the repair loop.
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/sift/internal/llmcall"
	"github.com/jackzampolin/sift/internal/prompts"
	"github.com/jackzampolin/sift/internal/prompts/extraction"
	"github.com/jackzampolin/sift/internal/providers"
	"github.com/jackzampolin/sift/internal/repair"
	"github.com/jackzampolin/sift/internal/schema"
	"github.com/jackzampolin/sift/internal/validate"
)

// Defaults applied by New.
const (
	DefaultConcurrency = 4
	DefaultAttempts    = 3
	DefaultRetryDelay  = time.Second

	// maxRepairOutput caps how much previous output is echoed back in a
	// repair prompt.
	maxRepairOutput = 12000
)

// Options are the sampling options sent with every call.
type Options struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	Seed          *int
	TopK          int
	TopP          *float64
	ContextLength int
	Timeout       time.Duration

	// Reasoning disables the JSON response format. Reasoning models emit
	// free text before the payload.
	Reasoning bool
	// SchemaFormat sends the compiled JSON Schema as the response format
	// instead of plain JSON mode.
	SchemaFormat bool
}

// Config configures a Pipeline.
type Config struct {
	Client providers.LLMClient

	// Prompts resolves the extraction and repair templates. Nil uses the
	// embedded defaults.
	Prompts *prompts.Resolver

	// Task and Description fill the {task} and {description} placeholders.
	Task        string
	Description string

	Options Options

	// Concurrency bounds in-flight model calls per batch.
	Concurrency int
	// Attempts and RetryDelay control per-call retry on model errors.
	Attempts   uint
	RetryDelay time.Duration
	// Limiter gates every call. Nil means unlimited.
	Limiter *providers.RateLimiter

	// Repair configures the validate-and-repair loop.
	Repair repair.Config

	// Recorder traces every call. Nil disables tracing.
	Recorder *llmcall.Recorder
	RunID    string

	Logger *slog.Logger
}

// Pipeline issues extraction and repair calls against one model client.
type Pipeline struct {
	client      providers.LLMClient
	prompts     *prompts.Resolver
	task        string
	description string
	opts        Options
	concurrency int
	attempts    uint
	retryDelay  time.Duration
	limiter     *providers.RateLimiter
	repairer    *repair.Repairer
	recorder    *llmcall.Recorder
	runID       string
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("completion: model client is required")
	}
	if cfg.Prompts == nil {
		cfg.Prompts = extraction.NewResolver("")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Repair.Logger == nil {
		cfg.Repair.Logger = cfg.Logger
	}

	return &Pipeline{
		client:      cfg.Client,
		prompts:     cfg.Prompts,
		task:        cfg.Task,
		description: cfg.Description,
		opts:        cfg.Options,
		concurrency: cfg.Concurrency,
		attempts:    cfg.Attempts,
		retryDelay:  cfg.RetryDelay,
		limiter:     cfg.Limiter,
		repairer:    repair.New(cfg.Repair),
		recorder:    cfg.Recorder,
		runID:       cfg.RunID,
		logger:      cfg.Logger.With("provider", cfg.Client.Name()),
	}, nil
}

// Extract completes every input, then validates and repairs the results.
// It returns one record per input, in input order.
func (p *Pipeline) Extract(ctx context.Context, spec *schema.Spec, inputs []string) ([]repair.Record, error) {
	replies, err := p.Complete(ctx, spec, inputs)
	if err != nil {
		return nil, err
	}

	candidates := make([]repair.Candidate, len(replies))
	for i, r := range replies {
		if r.Err != nil {
			p.logger.Warn("extraction call failed", "item", i, "error", r.Err)
		}
		// A failed call leaves an empty candidate, which enters repair like
		// any other unparsable output.
		candidates[i] = repair.NewCandidate(r.Text)
	}

	return p.repairer.Run(ctx, spec, candidates, p.RepairFunc(spec)), nil
}

// Complete issues one extraction call per input and returns one reply per
// input, in input order. Per-item failures are reported in Reply.Err. The
// error return is reserved for prompt resolution failures.
func (p *Pipeline) Complete(ctx context.Context, spec *schema.Spec, inputs []string) ([]repair.Reply, error) {
	system, err := p.prompts.Resolve(extraction.SystemPromptKey)
	if err != nil {
		return nil, err
	}
	user, err := p.prompts.Resolve(extraction.UserPromptKey)
	if err != nil {
		return nil, err
	}
	format, err := p.responseFormat(spec)
	if err != nil {
		return nil, err
	}
	instructions, err := schema.FormatInstructions(spec)
	if err != nil {
		return nil, err
	}

	systemText := prompts.Render(system.Text, map[string]string{
		"task":                p.task,
		"description":         p.description,
		"format_instructions": instructions,
	})

	calls := make([]call, len(inputs))
	for i, in := range inputs {
		calls[i] = call{
			item:       i,
			messages:   providers.SystemUser(systemText, prompts.Render(user.Text, map[string]string{"input": in})),
			format:     format,
			promptKey:  system.Key,
			promptHash: system.Hash,
		}
	}

	start := time.Now()
	replies := p.batch(ctx, calls)
	p.logger.Info("extraction batch complete",
		"schema", spec.Name(),
		"items", len(inputs),
		"failed_calls", countErrors(replies),
		"duration", time.Since(start))
	return replies, nil
}

// RepairFunc returns a repair.Func that asks the model to correct each
// malformed output. A round issues the whole batch through the same bounded
// machinery as Complete. The returned func numbers its rounds for tracing,
// so use a fresh one per Run.
func (p *Pipeline) RepairFunc(spec *schema.Spec) repair.Func {
	round := 0
	return func(ctx context.Context, reqs []repair.Request) ([]repair.Reply, error) {
		round++
		system, err := p.prompts.Resolve(extraction.RepairSystemPromptKey)
		if err != nil {
			return nil, err
		}
		user, err := p.prompts.Resolve(extraction.RepairUserPromptKey)
		if err != nil {
			return nil, err
		}
		format, err := p.responseFormat(spec)
		if err != nil {
			return nil, err
		}

		calls := make([]call, len(reqs))
		for i, req := range reqs {
			calls[i] = call{
				item:  req.Index,
				round: round,
				messages: providers.SystemUser(
					prompts.Render(system.Text, map[string]string{"format_instructions": req.FormatInstructions}),
					prompts.Render(user.Text, map[string]string{
						"output": truncate(req.Raw, maxRepairOutput),
						"issues": formatIssues(req.Issues),
					}),
				),
				format:     format,
				promptKey:  system.Key,
				promptHash: system.Hash,
			}
		}
		return p.batch(ctx, calls), nil
	}
}

type call struct {
	item       int
	round      int
	messages   []providers.Message
	format     *providers.ResponseFormat
	promptKey  string
	promptHash string
}

// batch runs calls with bounded concurrency. Results are written by index,
// so the output order always matches the input order.
func (p *Pipeline) batch(ctx context.Context, calls []call) []repair.Reply {
	replies := make([]repair.Reply, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range calls {
		g.Go(func() error {
			text, err := p.do(gctx, calls[i])
			replies[i] = repair.Reply{Text: text, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return replies
}

// do performs one model call with retry.
func (p *Pipeline) do(ctx context.Context, c call) (string, error) {
	temp := p.opts.Temperature
	opts := llmcall.RecordOptions{
		RunID:       p.runID,
		Task:        p.task,
		Item:        c.item,
		Round:       c.round,
		PromptKey:   c.promptKey,
		PromptHash:  c.promptHash,
		Temperature: &temp,
	}

	var text string
	err := retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			req := p.request(c)
			result, err := p.client.Chat(ctx, req)
			p.recorder.Record(result, opts)
			if err != nil {
				if rle, ok := providers.IsRateLimitError(err); ok {
					p.limiter.Record429(rle.RetryAfter)
				}
				return err
			}
			text = result.Content
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Debug("retrying model call", "item", c.item, "round", c.round, "attempt", n+1, "error", err)
		}),
	)
	return text, err
}

func (p *Pipeline) request(c call) *providers.ChatRequest {
	return &providers.ChatRequest{
		Messages:       c.messages,
		Model:          p.opts.Model,
		Temperature:    p.opts.Temperature,
		MaxTokens:      p.opts.MaxTokens,
		Seed:           p.opts.Seed,
		TopK:           p.opts.TopK,
		TopP:           p.opts.TopP,
		ContextLength:  p.opts.ContextLength,
		Timeout:        p.opts.Timeout,
		ResponseFormat: c.format,
	}
}

func (p *Pipeline) responseFormat(spec *schema.Spec) (*providers.ResponseFormat, error) {
	if p.opts.Reasoning {
		return nil, nil
	}
	if !p.opts.SchemaFormat {
		return &providers.ResponseFormat{Type: providers.FormatJSONObject}, nil
	}
	js, err := spec.JSONSchema()
	if err != nil {
		return nil, err
	}
	return &providers.ResponseFormat{Type: providers.FormatJSONSchema, Name: spec.Name(), JSONSchema: js}, nil
}

func formatIssues(issues []validate.Issue) string {
	if len(issues) == 0 {
		return "- output is not a valid JSON object"
	}
	var b strings.Builder
	for i, is := range issues {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(is.String())
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...[truncated]"
}

func countErrors(replies []repair.Reply) int {
	n := 0
	for _, r := range replies {
		if r.Err != nil {
			n++
		}
	}
	return n
}
