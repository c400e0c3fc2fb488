// Package retry drives a call through bounded retries, treating
// provider rate-limit signals specially: they trigger hint-aware
// backoff and never consume the attempt budget, so a pool that keeps
// getting told to slow down eventually gets through instead of dying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keypool-dev/keypool/internal/apierr"
)

// ErrAttemptsExhausted wraps the last underlying error once the
// bounded retry budget is spent.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Orchestrator retries a call according to the failure taxonomy:
// RateLimited sleeps hint+buffer and loops for free, Transient sleeps
// retryDelay and consumes one attempt, Fatal surfaces immediately.
type Orchestrator struct {
	maxRetries int
	retryDelay time.Duration
	buffer     time.Duration
	classify   func(error) apierr.Classification
	logger     *slog.Logger

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// New creates an orchestrator. logger may be nil.
func New(maxRetries int, retryDelay, buffer time.Duration, logger *slog.Logger) *Orchestrator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		buffer:     buffer,
		classify:   apierr.Classify,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Do runs fn until it succeeds, fails fatally, or the attempt budget
// is exhausted. Rate-limited attempts do not count against the
// budget; in principle they can loop indefinitely, bounded only by
// the caller's ctx.
func (o *Orchestrator) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		switch o.classify(err) {
		case apierr.RateLimited:
			wait := o.rateLimitWait(err)
			o.logger.Warn("retry: provider rate limited, waiting",
				"wait", wait, "error", err)
			o.sleep(wait)

		case apierr.Fatal:
			return nil, err

		default:
			attempts++
			if attempts >= o.maxRetries {
				return nil, fmt.Errorf("%w after %d attempts: %w",
					ErrAttemptsExhausted, attempts, err)
			}
			o.logger.Warn("retry: attempt failed",
				"attempt", attempts, "max", o.maxRetries, "error", err)
			o.sleep(o.retryDelay)
		}
	}
}

// rateLimitWait computes hint+buffer, falling back to
// max(retryDelay*2, 60s) when the provider gave no parseable hint.
func (o *Orchestrator) rateLimitWait(err error) time.Duration {
	hint, ok := apierr.RetryHint(err)
	if !ok {
		hint = max(o.retryDelay*2, 60*time.Second)
	}
	return hint + o.buffer
}

// SetClassifier swaps the failure classifier; the provider adapter
// installs one that inspects its structured responses.
func (o *Orchestrator) SetClassifier(fn func(error) apierr.Classification) {
	o.classify = fn
}

// SetSleepFunc overrides the sleeper. Tests only.
func (o *Orchestrator) SetSleepFunc(fn func(time.Duration)) {
	o.sleep = fn
}
