package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/feedback-triage/backend/internal/metrics"
	"github.com/feedback-triage/backend/pkg/circuitbreaker"
	"github.com/feedback-triage/backend/pkg/config"
	"github.com/feedback-triage/backend/pkg/logger"
	"github.com/feedback-triage/backend/pkg/retry"
)

var ErrEmptyResponse = errors.New("completion returned no choices")

// zeroTemperature stands in for 0: go-openai omits a zero temperature from
// the request body, which makes the API fall back to its default of 1.
const zeroTemperature = math.SmallestNonzeroFloat32

// Client sends one system/user exchange per call. It keeps no state between
// calls beyond the HTTP handle and breaker, so one Client serves a whole run
// from many goroutines.
type Client struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg config.LLMConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, config.ErrMissingAPIKey
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: timeout,
		retryConfig: retry.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Retryable:      IsRetryable,
			Logger:         logger.GetLogger(),
		},
	}

	if cfg.Breaker.Enabled {
		c.cb = circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
			MaxRequests:      1,
			Timeout:          time.Duration(cfg.Breaker.OpenTimeoutSec) * time.Second,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: 1,
			IsFailure:        countsAgainstBreaker,
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			},
			Logger: logger.GetLogger(),
		})
	}

	logger.Info("LLM client initialized",
		zap.String("model", c.model),
		zap.Duration("timeout", c.timeout),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Bool("breaker", c.cb != nil),
	)

	return c, nil
}

func (c *Client) Model() string {
	return c.model
}

// Complete returns the first choice's content with surrounding whitespace
// trimmed. Each attempt gets its own client timeout.
func (c *Client) Complete(ctx context.Context, systemPrompt, userText string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userText},
		},
		Temperature: zeroTemperature,
	}

	var content string
	err := c.guard(func() error {
		var err error
		content, err = retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.createOnce(attemptCtx, req)
		})
		return err
	})
	if err != nil {
		return "", err
	}

	return content, nil
}

func (c *Client) createOnce(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.LLMRequestDuration.WithLabelValues(c.model, "error").Observe(elapsed)
		return "", fmt.Errorf("failed to create completion: %w", err)
	}
	metrics.LLMRequestDuration.WithLabelValues(c.model, "ok").Observe(elapsed)

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) guard(fn func() error) error {
	if c.cb == nil {
		return fn()
	}
	return c.cb.Execute(fn)
}

// IsRetryable reports whether err is a rate limit, server-side failure or
// attempt timeout worth another attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if status := StatusCode(err); status != 0 {
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	return false
}

// StatusCode extracts the HTTP status from an API error, or 0 when err did
// not come from an HTTP response.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// Caller cancellation says nothing about the upstream's health.
func countsAgainstBreaker(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
