package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/feedback-triage/backend/internal/parser"
	"github.com/feedback-triage/backend/internal/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransport = errors.New("connection reset")

// structuredReply echoes the feedback into the justification so tests can
// check that results stay aligned with their rows.
func structuredReply(_ context.Context, _ string, text string) (string, error) {
	if strings.Contains(text, "fail") {
		return "", errTransport
	}
	return fmt.Sprintf("Classification: Neutral\nBucket: Other\nJustification: %s\nScore: 5", text), nil
}

// inFlightTracker records the highest number of overlapping calls.
type inFlightTracker struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (tr *inFlightTracker) wrap(delay time.Duration, fn CompleterFunc) CompleterFunc {
	return func(ctx context.Context, system, text string) (string, error) {
		n := tr.current.Add(1)
		defer tr.current.Add(-1)
		for {
			p := tr.peak.Load()
			if n <= p || tr.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		return fn(ctx, system, text)
	}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("feedback %d", i)
	}
	return out
}

func TestRunner_Sequential(t *testing.T) {
	t.Run("one result per row in order", func(t *testing.T) {
		tracker := &inFlightTracker{}
		runner := NewRunner(tracker.wrap(time.Millisecond, structuredReply), WithConcurrency(4))

		results, err := runner.Run(context.Background(), Batch{Texts: texts(5), Template: prompt.Structured})

		require.NoError(t, err)
		require.Len(t, results, 5)
		for i, r := range results {
			assert.Equal(t, fmt.Sprintf("feedback %d", i), r.Justification)
			assert.Equal(t, "Neutral", r.Urgency)
			require.NotNil(t, r.Score)
			assert.Equal(t, 5, *r.Score)
		}
		assert.Equal(t, int32(1), tracker.peak.Load())
	})

	t.Run("single failure leaves only that row absent", func(t *testing.T) {
		input := []string{"fine one", "please fail", "fine two"}
		var outcomes []Outcome
		runner := NewRunner(CompleterFunc(structuredReply))

		results, err := runner.Run(context.Background(), Batch{
			Texts:    input,
			Template: prompt.Structured,
			Observe:  func(o Outcome) { outcomes = append(outcomes, o) },
		})

		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "fine one", results[0].Justification)
		assert.True(t, results[1].IsEmpty())
		assert.Equal(t, "fine two", results[2].Justification)

		require.Len(t, outcomes, 3)
		assert.ErrorIs(t, outcomes[1].Err, errTransport)
		assert.NoError(t, outcomes[0].Err)
	})

	t.Run("system prompt comes from the template", func(t *testing.T) {
		tmpl := prompt.Structured.WithText("custom instructions")
		var seen []string
		runner := NewRunner(CompleterFunc(func(_ context.Context, system, _ string) (string, error) {
			seen = append(seen, system)
			return "Classification: Critical", nil
		}))

		_, err := runner.Run(context.Background(), Batch{Texts: texts(2), Template: tmpl})

		require.NoError(t, err)
		assert.Equal(t, []string{"custom instructions", "custom instructions"}, seen)
	})

	t.Run("empty text is not sent", func(t *testing.T) {
		var calls atomic.Int32
		runner := NewRunner(CompleterFunc(func(ctx context.Context, s, text string) (string, error) {
			calls.Add(1)
			return structuredReply(ctx, s, text)
		}))
		var outcomes []Outcome

		results, err := runner.Run(context.Background(), Batch{
			Texts:    []string{"ok", "   ", "ok"},
			Template: prompt.Structured,
			Observe:  func(o Outcome) { outcomes = append(outcomes, o) },
		})

		require.NoError(t, err)
		assert.Len(t, results, 3)
		assert.True(t, results[1].IsEmpty())
		assert.ErrorIs(t, outcomes[1].Err, ErrEmptyText)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("reply without any label is unparsable", func(t *testing.T) {
		runner := NewRunner(CompleterFunc(func(context.Context, string, string) (string, error) {
			return "I cannot help with that.", nil
		}))
		var outcome Outcome

		results, err := runner.Run(context.Background(), Batch{
			Texts:    []string{"x"},
			Template: prompt.Structured,
			Observe:  func(o Outcome) { outcome = o },
		})

		require.NoError(t, err)
		assert.True(t, results[0].IsEmpty())
		assert.ErrorIs(t, outcome.Err, ErrUnparsable)
	})
}

func TestRunner_Concurrent(t *testing.T) {
	scalarReply := func(_ context.Context, _ string, text string) (string, error) {
		if strings.HasSuffix(text, " 3") {
			return "", errTransport
		}
		var n int
		_, _ = fmt.Sscanf(text, "feedback %d", &n)
		return fmt.Sprintf("%d", n%11), nil
	}

	t.Run("results stay aligned and concurrency is capped", func(t *testing.T) {
		tracker := &inFlightTracker{}
		runner := NewRunner(tracker.wrap(5*time.Millisecond, scalarReply), WithConcurrency(3))

		var mu sync.Mutex
		observed := 0
		results, err := runner.Run(context.Background(), Batch{
			Texts:    texts(20),
			Template: prompt.Scalar,
			Observe: func(Outcome) {
				mu.Lock()
				observed++
				mu.Unlock()
			},
		})

		require.NoError(t, err)
		require.Len(t, results, 20)
		for i, r := range results {
			if i == 3 {
				assert.Nil(t, r.Score, "failed row must be absent")
				continue
			}
			require.NotNil(t, r.Score, "row %d", i)
			assert.Equal(t, i%11, *r.Score, "row %d", i)
		}
		assert.Equal(t, 20, observed)
		assert.LessOrEqual(t, tracker.peak.Load(), int32(3))
		assert.Greater(t, tracker.peak.Load(), int32(1))
	})

	t.Run("unparsable scalar reply is absent", func(t *testing.T) {
		runner := NewRunner(CompleterFunc(func(context.Context, string, string) (string, error) {
			return "Score is 100", nil
		}))

		results, err := runner.Run(context.Background(), Batch{Texts: texts(2), Template: prompt.Scalar})

		require.NoError(t, err)
		assert.Equal(t, []parser.Result{{}, {}}, results)
	})

	t.Run("cancelled context still yields every row", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls atomic.Int32
		runner := NewRunner(CompleterFunc(func(ctx context.Context, _ string, _ string) (string, error) {
			if calls.Add(1) == 1 {
				cancel()
			}
			return "4", ctx.Err()
		}), WithConcurrency(1))

		var mu sync.Mutex
		var errs []error
		results, err := runner.Run(ctx, Batch{
			Texts:    texts(6),
			Template: prompt.Scalar,
			Observe: func(o Outcome) {
				mu.Lock()
				errs = append(errs, o.Err)
				mu.Unlock()
			},
		})

		require.NoError(t, err)
		assert.Len(t, results, 6)
		assert.Len(t, errs, 6)
		for _, e := range errs {
			assert.ErrorIs(t, e, context.Canceled)
		}
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestRunner_UnknownSchema(t *testing.T) {
	runner := NewRunner(CompleterFunc(structuredReply))

	_, err := runner.Run(context.Background(), Batch{Template: prompt.Template{Schema: "xml"}})

	assert.ErrorIs(t, err, ErrUnknownMode)
}

type mapCache struct {
	mu      sync.Mutex
	replies map[string]string
}

func (c *mapCache) GetReply(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replies[key]
	return r, ok, nil
}

func (c *mapCache) SetReply(_ context.Context, key, reply string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[key] = reply
	return nil
}

func TestRunner_Cache(t *testing.T) {
	var calls atomic.Int32
	client := CompleterFunc(func(context.Context, string, string) (string, error) {
		calls.Add(1)
		return "6", nil
	})
	cache := &mapCache{replies: map[string]string{}}
	runner := NewRunner(client, WithCache(cache, "gpt-4"))

	var cached atomic.Int32
	results, err := runner.Run(context.Background(), Batch{
		Texts:    []string{"same text", "same text", "other"},
		Template: prompt.Scalar,
		Observe: func(o Outcome) {
			if o.Cached {
				cached.Add(1)
			}
		},
	})

	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NotNil(t, r.Score)
		assert.Equal(t, 6, *r.Score)
	}
	assert.Equal(t, int32(3), calls.Load()+cached.Load())
	assert.Len(t, cache.replies, 2)
}

func TestCells(t *testing.T) {
	nine := 9
	results := []parser.Result{
		{Urgency: "Critical", Bucket: "Safety Concern", Justification: "Threat.", Score: &nine},
		{},
	}

	assert.Equal(t, []string{"Classification", "Bucket", "Justification", "Score"}, Columns(prompt.SchemaStructured))
	assert.Equal(t, [][]string{{"Critical", "Safety Concern", "Threat.", "9"}, {"", "", "", ""}},
		Cells(prompt.SchemaStructured, results))

	assert.Equal(t, []string{"Misconduct Score"}, Columns(prompt.SchemaScalar))
	assert.Equal(t, [][]string{{"9"}, {""}}, Cells(prompt.SchemaScalar, results))
}
