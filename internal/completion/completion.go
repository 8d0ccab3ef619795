// Package completion sends extracted tariff text to Claude and retries until
// the reply is a CSV that matches the tariff contract.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/cost"
	"github.com/tarifas-co/tarifas-cli/internal/resilience"
	"github.com/tarifas-co/tarifas-cli/internal/tabular"
	"github.com/tarifas-co/tarifas-cli/pkg/anthropic"
)

// Failure kinds of a single attempt. All of them are retried.
var (
	ErrTransport   = eris.New("completion: transport failure")
	ErrTimeout     = eris.New("completion: request timed out")
	ErrRateLimited = eris.New("completion: rate limited")
)

// ErrExhausted matches an *ExhaustedError.
var ErrExhausted = eris.New("completion: attempts exhausted")

// ExhaustedError reports that every attempt failed. Last is the error of the
// final attempt. Usage and CostUSD cover the responses that were received
// and rejected.
type ExhaustedError struct {
	Attempts int
	Last     error
	Usage    anthropic.TokenUsage
	CostUSD  float64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("completion: no valid CSV after %d attempts: %v", e.Attempts, e.Last)
}

// Is reports whether target is ErrExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// attemptError tags a transport error with its failure kind while keeping
// the original chain reachable.
type attemptError struct {
	kind error
	err  error
}

func (e *attemptError) Error() string   { return e.kind.Error() + ": " + e.err.Error() }
func (e *attemptError) Unwrap() []error { return []error{e.kind, e.err} }

// Result is a validated completion.
type Result struct {
	CSV      string
	Attempts int
	Usage    anthropic.TokenUsage
	Model    string
	CostUSD  float64
}

// Options configures a Client.
type Options struct {
	Model          string
	MaxTokens      int64
	Policy         resilience.Policy
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	// Pricing prices each attempt. Nil falls back to TokenUsage.EstimateCost.
	Pricing *cost.Calculator
	// OnAttempt observes the outcome of each attempt (nil error on success).
	OnAttempt func(attempt int, err error)
}

// Client runs the completion protocol against an Anthropic client.
type Client struct {
	api  anthropic.Client
	opts Options
}

// New creates a Client.
func New(api anthropic.Client, opts Options) *Client {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-20250514"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 17000
	}
	if opts.InitialTimeout <= 0 {
		opts.InitialTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 600 * time.Second
	}
	if opts.Policy.OnRetry == nil {
		opts.Policy.OnRetry = resilience.RetryLogger("anthropic", "complete")
	}
	return &Client{api: api, opts: opts}
}

// NewFromConfig builds a Client from the anthropic, retry and pricing sections.
func NewFromConfig(cfg *config.Config, api anthropic.Client) *Client {
	return New(api, OptionsFromConfig(cfg))
}

// OptionsFromConfig maps the anthropic, retry and pricing sections to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:          cfg.Anthropic.Model,
		MaxTokens:      int64(cfg.Anthropic.MaxTokens),
		Policy:         resilience.FromSeconds(cfg.Retry.MaxRetries, cfg.Retry.RetryDelaySecs, 0),
		InitialTimeout: time.Duration(cfg.Retry.InitialTimeoutSecs * float64(time.Second)),
		MaxTimeout:     time.Duration(cfg.Retry.MaxTimeoutSecs * float64(time.Second)),
		Pricing:        cost.FromConfig(cfg.Pricing),
	}
}

// Complete asks the model to turn rawText into tariff CSV following
// instructions. It returns only a CSV that passed tabular.Validate; when no
// attempt produces one the error is an *ExhaustedError.
func (c *Client) Complete(ctx context.Context, rawText, instructions string) (*Result, error) {
	prompt := BuildPrompt(rawText, instructions)
	temp := 0.0
	timeout := c.opts.InitialTimeout

	policy := c.opts.Policy
	policy.ShouldRetry = func(err error) bool { return ctx.Err() == nil }

	var usage anthropic.TokenUsage
	var spent float64

	csv, attempts, err := resilience.RunVal(ctx, policy, func(ctx context.Context, attempt int) (string, error) {
		log := zap.L().With(
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("timeout", timeout),
		)
		log.Info("completion: sending request")

		resp, err := c.api.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       c.opts.Model,
			MaxTokens:   c.opts.MaxTokens,
			System:      []anthropic.SystemBlock{{Text: SystemPrompt}},
			Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
			Temperature: &temp,
			Timeout:     timeout,
		})
		if err != nil {
			err = classify(err)
			if errors.Is(err, ErrTimeout) {
				timeout = resilience.EscalateTimeout(timeout, c.opts.MaxTimeout)
			}
			c.observe(attempt, err)
			return "", err
		}

		usage = usage.Add(resp.Usage)
		spent += c.price(resp.Usage)
		resp.Usage.LogCost(c.opts.Model, "completion")

		text := StripFences(resp.FirstText())
		if err := tabular.Validate(text); err != nil {
			log.Warn("completion: response rejected", zap.Error(err))
			c.observe(attempt, err)
			return "", err
		}
		c.observe(attempt, nil)
		return text, nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "completion: cancelled")
		}
		return nil, &ExhaustedError{Attempts: attempts, Last: err, Usage: usage, CostUSD: spent}
	}

	zap.L().Info("completion: valid csv received",
		zap.Int("attempts", attempts),
		zap.Float64("cost_usd", spent),
	)
	return &Result{
		CSV:      csv,
		Attempts: attempts,
		Usage:    usage,
		Model:    c.opts.Model,
		CostUSD:  spent,
	}, nil
}

func (c *Client) observe(attempt int, err error) {
	if c.opts.OnAttempt != nil {
		c.opts.OnAttempt(attempt+1, err)
	}
}

func (c *Client) price(u anthropic.TokenUsage) float64 {
	if c.opts.Pricing != nil && c.opts.Pricing.Known(c.opts.Model) {
		return c.opts.Pricing.Usage(c.opts.Model, u)
	}
	return u.EstimateCost(c.opts.Model)
}

// classify maps a transport error to its failure kind.
func classify(err error) error {
	status := anthropic.StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		return &attemptError{kind: ErrRateLimited, err: err}
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout, resilience.IsTimeout(err):
		return &attemptError{kind: ErrTimeout, err: err}
	default:
		return &attemptError{kind: ErrTransport, err: err}
	}
}
