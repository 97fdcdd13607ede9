// Package retry wraps the text generation client with bounded retries,
// exponential backoff, a per-attempt timeout and an optional rate limit.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/resumeforge/api/internal/config"
	"github.com/resumeforge/api/internal/model"
	"github.com/resumeforge/api/internal/telemetry"
)

// ErrEmptyCompletion counts as a failed attempt.
var ErrEmptyCompletion = errors.New("empty completion")

// Completion is the generation collaborator contract.
type Completion interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

type Caller struct {
	client      Completion
	maxAttempts int
	backoff     Exponential
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger
}

type Option func(*Caller)

func WithMaxAttempts(n int) Option {
	return func(c *Caller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Caller) { c.backoff = Exponential{Initial: initial, Max: maxDelay} }
}

// WithTimeout bounds each attempt independently of the backoff sleeps.
func WithTimeout(d time.Duration) Option {
	return func(c *Caller) { c.timeout = d }
}

// WithRatePerMinute smooths upstream calls through a token bucket. Zero disables it.
func WithRatePerMinute(n int) Option {
	return func(c *Caller) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

func New(client Completion, opts ...Option) *Caller {
	c := &Caller{
		client:      client,
		maxAttempts: 3,
		backoff:     Exponential{Initial: 4 * time.Second, Max: 10 * time.Second},
		timeout:     120 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a caller from the retry and generation settings.
func NewFromConfig(client Completion, retryCfg config.RetryConfig, genCfg config.GenerationConfig, logger *slog.Logger) *Caller {
	return New(client,
		WithMaxAttempts(retryCfg.MaxAttempts),
		WithBackoff(retryCfg.InitialBackoff, retryCfg.MaxBackoff),
		WithTimeout(genCfg.Timeout),
		WithRatePerMinute(genCfg.RatePerMinute),
		WithLogger(logger),
	)
}

// Call returns the first non-empty completion. Every error is retried; once
// the attempts run out a *model.GenerationError carrying the last cause is
// returned. Context cancellation ends the loop immediately.
func (c *Caller) Call(ctx context.Context, prompt, system string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}

		text, err := c.attempt(ctx, prompt, system)
		if err == nil {
			telemetry.UpstreamCalls.WithLabelValues("ok").Inc()
			return text, nil
		}
		telemetry.UpstreamCalls.WithLabelValues("error").Inc()
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := c.backoff.Delay(attempt)
		c.logger.Warn("generation.call.retry",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", &model.GenerationError{Attempts: c.maxAttempts, Cause: lastErr}
}

func (c *Caller) attempt(ctx context.Context, prompt, system string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.client.ChatCompletion(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
