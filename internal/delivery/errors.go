package delivery

import "errors"

// Manager errors.
var (
	ErrNoServiceForChannel = errors.New("no notification service registered for channel")
	ErrNoRecipients        = errors.New("message has no recipients")
	ErrMessageNotFound     = errors.New("message not found in failed set")
)

// isRetryable checks if a send error is retryable. Senders classify their
// errors by implementing IsRetryable on the error type.
func isRetryable(err error) bool {
	var r interface {
		IsRetryable() bool
	}
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}
