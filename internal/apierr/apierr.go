// Package apierr classifies provider failures into a machine-readable
// form. The adapter that talks to the provider should return a
// *RateLimitError directly; Classify's signature matching exists only
// as a last resort for providers that surface free text.
package apierr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Classification tells the retry and delay machinery how to treat a
// failure.
type Classification int

const (
	// Transient failures consume the bounded retry budget.
	Transient Classification = iota

	// RateLimited failures trigger hint-aware backoff and do not
	// consume the retry budget.
	RateLimited

	// Fatal failures are surfaced immediately, no retry.
	Fatal
)

func (c Classification) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

// RateLimitError is the structured form of a provider "slow down"
// signal. RetryAfter is zero when the provider gave no usable hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("provider rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix (bad request,
// revoked credential).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal provider error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// rateLimitMarkers are the known signatures of a rate-limit response
// in free-text errors.
var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"resource_exhausted",
	"resource exhausted",
	"quota exceeded",
	"too many requests",
}

// Classify maps an error to its Classification. Typed errors win;
// otherwise the message is matched against known rate-limit
// signatures and everything else is Transient.
func Classify(err error) Classification {
	if err == nil {
		return Transient
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return RateLimited
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return Fatal
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return RateLimited
		}
	}
	return Transient
}

// IsRateLimited is shorthand for Classify(err) == RateLimited.
func IsRateLimited(err error) bool {
	return err != nil && Classify(err) == RateLimited
}

// retryHintPattern matches a numeric retry hint such as
//
//	retryDelay: '55s'   retryDelay: "55"   retry-after: 12
//
// tolerating single or double quotes and an optional trailing unit.
var retryHintPattern = regexp.MustCompile(`(?i)retry[-_ ]?(?:delay|after)['"]?\s*[:=]\s*['"]?([0-9]+(?:\.[0-9]+)?)\s*s?['"]?`)

// RetryHint extracts the provider-suggested wait from an error. The
// second return is false when no parseable hint is present.
func RetryHint(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return ParseRetryHint(err.Error())
}

// ParseRetryHint extracts a numeric-seconds retry hint from free text.
func ParseRetryHint(s string) (time.Duration, bool) {
	m := retryHintPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
