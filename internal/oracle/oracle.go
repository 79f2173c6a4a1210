// Package oracle wraps the external code-producing service. The client
// retries transient transport errors with exponential backoff and guards
// the upstream with a circuit breaker; model-side semantic failures are
// never retried here — they belong to the retry orchestrator.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"atomforge/internal/config"
	"atomforge/internal/logging"
)

// ErrorKind classifies oracle failures.
type ErrorKind string

const (
	KindTransport      ErrorKind = "transport"
	KindRateLimit      ErrorKind = "rate_limit"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServer         ErrorKind = "server"
	KindSemantic       ErrorKind = "semantic" // empty/unparseable output
)

// Error is a classified oracle failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("oracle %s error: %s", e.Kind, e.Message)
}

// Transient reports whether the client may retry the call.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTransport, KindRateLimit, KindServer:
		return true
	}
	return false
}

// Request is one generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
}

// Generator is a raw provider: one call, no retry policy.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Client enforces the oracle contract over any provider: per-call
// deadline, bounded in-flight count, transient retry with exponential
// backoff, and a circuit breaker on consecutive transport failures.
type Client struct {
	provider   Generator
	timeout    time.Duration
	maxRetries int
	breaker    *gobreaker.CircuitBreaker

	mu  sync.Mutex
	sem chan struct{}
}

// NewClient wraps a provider with the client policy from config.
func NewClient(provider Generator, cfg config.OracleConfig) *Client {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var oerr *Error
			return err == nil || (errors.As(err, &oerr) && !oerr.Transient())
		},
	})

	return &Client{
		provider:   provider,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		breaker:    breaker,
		sem:        make(chan struct{}, maxInFlight),
	}
}

// Generate performs one oracle call with the client policy applied. The
// returned text is trimmed; empty output surfaces as a semantic error.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	// Backpressure: block, never drop, when the in-flight limit is reached.
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return "", &Error{Kind: KindTransport, Message: "cancelled waiting for oracle slot: " + ctx.Err().Error()}
	}
	defer func() { <-c.sem }()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logging.OracleDebug("Transient oracle error, retry %d/%d after %v: %v",
				attempt, c.maxRetries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", &Error{Kind: KindTransport, Message: ctx.Err().Error()}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.provider.Generate(callCtx, req)
		})
		cancel()

		if err == nil {
			text := strings.TrimSpace(result.(string))
			if text == "" {
				return "", &Error{Kind: KindSemantic, Message: "oracle returned empty output"}
			}
			return text, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			lastErr = &Error{Kind: KindTransport, Message: "circuit breaker open"}
			continue
		}
		if callCtx.Err() == context.DeadlineExceeded {
			lastErr = &Error{Kind: KindTransport, Message: "oracle call timed out"}
			continue
		}

		var oerr *Error
		if errors.As(err, &oerr) {
			if !oerr.Transient() {
				return "", oerr
			}
			lastErr = oerr
			continue
		}
		lastErr = &Error{Kind: KindTransport, Message: err.Error()}
	}

	return "", fmt.Errorf("oracle retries exhausted: %w", lastErr)
}
