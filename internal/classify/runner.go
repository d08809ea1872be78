package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feedback-triage/backend/internal/metrics"
	"github.com/feedback-triage/backend/internal/parser"
	"github.com/feedback-triage/backend/internal/prompt"
	"github.com/feedback-triage/backend/pkg/logger"
	"github.com/feedback-triage/backend/pkg/utils"
)

var (
	ErrEmptyText   = errors.New("feedback text is empty")
	ErrUnparsable  = errors.New("reply did not match the expected format")
	ErrUnknownMode = errors.New("unknown schema")
)

// Completer issues one system/user exchange and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
}

type CompleterFunc func(ctx context.Context, systemPrompt, userText string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	return f(ctx, systemPrompt, userText)
}

// ReplyCache stores raw replies keyed by model, prompt and text.
type ReplyCache interface {
	GetReply(ctx context.Context, key string) (string, bool, error)
	SetReply(ctx context.Context, key, reply string) error
}

// Outcome is reported once per row as soon as that row settles.
type Outcome struct {
	Index  int
	Result parser.Result
	Err    error
	Cached bool
}

type Batch struct {
	Texts    []string
	Template prompt.Template
	// Observe may be called from several goroutines at once.
	Observe func(Outcome)
	Log     *zap.Logger
}

type Runner struct {
	client      Completer
	model       string
	concurrency int
	cache       ReplyCache
}

type Option func(*Runner)

func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithCache puts cache in front of the client. model is part of every key.
func WithCache(cache ReplyCache, model string) Option {
	return func(r *Runner) {
		r.cache = cache
		r.model = model
	}
}

func NewRunner(client Completer, opts ...Option) *Runner {
	r := &Runner{
		client:      client,
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run classifies every text and returns one result per text in input order.
// Structured batches run one row at a time; scalar batches fan out up to the
// configured concurrency. Failed rows come back with every field absent.
func (r *Runner) Run(ctx context.Context, b Batch) ([]parser.Result, error) {
	switch b.Template.Schema {
	case prompt.SchemaStructured:
		return r.RunSequential(ctx, b), nil
	case prompt.SchemaScalar:
		return r.RunConcurrent(ctx, b), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, b.Template.Schema)
	}
}

// RunSequential keeps exactly one request outstanding at a time.
func (r *Runner) RunSequential(ctx context.Context, b Batch) []parser.Result {
	b = b.withDefaults()
	results := make([]parser.Result, len(b.Texts))
	for i, text := range b.Texts {
		results[i] = r.classifyRow(ctx, b, i, text)
	}
	return results
}

// RunConcurrent dispatches rows in parallel with at most r.concurrency
// requests in flight, and returns only after every row has settled.
func (r *Runner) RunConcurrent(ctx context.Context, b Batch) []parser.Result {
	b = b.withDefaults()
	results := make([]parser.Result, len(b.Texts))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, text := range b.Texts {
		i, text := i, text
		g.Go(func() error {
			results[i] = r.classifyRow(ctx, b, i, text)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (b Batch) withDefaults() Batch {
	if b.Observe == nil {
		b.Observe = func(Outcome) {}
	}
	if b.Log == nil {
		b.Log = logger.GetLogger()
	}
	return b
}

func (r *Runner) classifyRow(ctx context.Context, b Batch, index int, text string) parser.Result {
	schema := string(b.Template.Schema)
	out := Outcome{Index: index}
	defer func() {
		b.Observe(out)
	}()

	if err := ctx.Err(); err != nil {
		out.Err = err
		metrics.RowsProcessed.WithLabelValues(schema, "skipped").Inc()
		return out.Result
	}

	if strings.TrimSpace(text) == "" {
		out.Err = ErrEmptyText
		metrics.RowsProcessed.WithLabelValues(schema, "empty").Inc()
		b.Log.Warn("Skipping empty feedback row", zap.Int("row", index))
		return out.Result
	}

	start := time.Now()
	reply, cached, err := r.complete(ctx, b, text)
	out.Cached = cached
	if err != nil {
		out.Err = err
		metrics.RowsProcessed.WithLabelValues(schema, "failed").Inc()
		b.Log.Warn("Row classification failed",
			zap.Int("row", index),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return out.Result
	}

	out.Result, out.Err = parse(b.Template.Schema, reply)
	if out.Err != nil {
		metrics.RowsProcessed.WithLabelValues(schema, "unparsable").Inc()
		b.Log.Warn("Could not extract rating from reply",
			zap.Int("row", index),
			zap.String("reply", reply),
		)
		return out.Result
	}

	metrics.RowsProcessed.WithLabelValues(schema, "ok").Inc()
	b.Log.Debug("Row classified",
		zap.Int("row", index),
		zap.Bool("cached", cached),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out.Result
}

func (r *Runner) complete(ctx context.Context, b Batch, text string) (string, bool, error) {
	if r.cache == nil {
		reply, err := r.client.Complete(ctx, b.Template.Text, text)
		return reply, false, err
	}

	key := utils.HashParts(r.model, string(b.Template.Schema), b.Template.Text, text)
	if reply, ok, err := r.cache.GetReply(ctx, key); err != nil {
		b.Log.Warn("Reply cache lookup failed", zap.Error(err))
	} else if ok {
		metrics.CacheHits.WithLabelValues("reply").Inc()
		return reply, true, nil
	}
	metrics.CacheMisses.WithLabelValues("reply").Inc()

	reply, err := r.client.Complete(ctx, b.Template.Text, text)
	if err != nil {
		return "", false, err
	}
	if err := r.cache.SetReply(ctx, key, reply); err != nil {
		b.Log.Warn("Reply cache store failed", zap.Error(err))
	}
	return reply, false, nil
}

// parse never discards fields it could read; the error only flags a reply
// that yielded nothing.
func parse(schema prompt.Schema, reply string) (parser.Result, error) {
	label := string(schema)
	switch schema {
	case prompt.SchemaScalar:
		res, ok := parser.ParseScalar(reply)
		if !ok {
			metrics.ParseMisses.WithLabelValues(label, "score").Inc()
			return res, ErrUnparsable
		}
		return res, nil
	default:
		res := parser.ParseStructured(reply)
		if res.Urgency == "" {
			metrics.ParseMisses.WithLabelValues(label, "classification").Inc()
		}
		if res.Bucket == "" {
			metrics.ParseMisses.WithLabelValues(label, "bucket").Inc()
		}
		if res.Justification == "" {
			metrics.ParseMisses.WithLabelValues(label, "justification").Inc()
		}
		if res.Score == nil {
			metrics.ParseMisses.WithLabelValues(label, "score").Inc()
		}
		if res.IsEmpty() {
			return res, ErrUnparsable
		}
		return res, nil
	}
}
