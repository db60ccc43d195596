package chat

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned when the bot API asks us to back off.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("chat rate limited, retry after %s: %s", e.RetryAfter, e.Message)
}

// IsRetryable reports whether the send should be retried.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryableError marks a transient bot API failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("chat error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the send should be retried.
func (e *RetryableError) IsRetryable() bool { return true }

// PermanentError marks a failure that retrying cannot fix, such as a
// blocked bot or an unknown chat.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("chat error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the send should be retried.
func (e *PermanentError) IsRetryable() bool { return false }

type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetRetryAfter returns the backoff the provider requested, or zero.
func GetRetryAfter(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return 0
}
