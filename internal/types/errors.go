package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a single failed provider attempt.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Dispatch-level sentinels. These are the only failures surfaced to callers.
var (
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// ClassifiedError is the outcome of one failed provider attempt.
type ClassifiedError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the provider-supplied wait hint; zero when unknown.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ClassifiedError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status=%d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, msg)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// AsClassified extracts a ClassifiedError from err's chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// RateLimitError is returned when the requester has used up its window.
type RateLimitError struct {
	RequesterID string
	Limit       int64
	ResetAt     time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests per window, resets at %s",
		e.RequesterID, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// RetryAfter returns how long the requester should wait, never negative.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ExhaustedError is returned when every configured provider failed.
type ExhaustedError struct {
	// Last is the classified error of the last provider attempted.
	Last     *ClassifiedError
	Attempts int
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempts", ErrAllProvidersExhausted, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrAllProvidersExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// Timeout reports whether the dispatch ended because of a deadline.
func (e *ExhaustedError) Timeout() bool {
	return e.Last != nil && e.Last.Kind == KindTimeout
}
