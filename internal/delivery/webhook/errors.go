package webhook

import "fmt"

// RetryableError marks a failure that may succeed on a later attempt,
// such as a 429 or a 5xx from the webhook endpoint.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("webhook temporary failure (status %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook temporary failure: %s", e.Message)
}

// IsRetryable reports whether the send should be retried.
func (e *RetryableError) IsRetryable() bool { return true }

// PermanentError marks a failure that retrying cannot fix, such as a
// revoked webhook or a malformed request.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("webhook permanent failure (status %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook permanent failure: %s", e.Message)
}

// IsRetryable reports whether the send should be retried.
func (e *PermanentError) IsRetryable() bool { return false }
