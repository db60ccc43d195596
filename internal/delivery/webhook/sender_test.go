package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alert-courier/internal/delivery"
)

func TestNewSender_Defaults(t *testing.T) {
	sender := NewSender(Config{})

	assert.Equal(t, defaultName, sender.config.DefaultName)
	assert.Equal(t, defaultTimeout, sender.config.Timeout)
	assert.Equal(t, defaultRatePerSec, sender.config.RatePerSec)
	assert.NotNil(t, sender.httpClient)
	assert.NotNil(t, sender.limiter)
}

func TestNewSender_CustomConfig(t *testing.T) {
	config := Config{
		DefaultName: "custom-courier",
		Timeout:     30 * time.Second,
		RatePerSec:  5,
	}

	sender := NewSender(config)

	assert.Equal(t, "custom-courier", sender.config.DefaultName)
	assert.Equal(t, 30*time.Second, sender.config.Timeout)
	assert.Equal(t, 5, sender.config.RatePerSec)
}

func TestSender_ChannelType(t *testing.T) {
	sender := NewSender(Config{})
	assert.Equal(t, "webhook", sender.ChannelType())
}

func TestSender_ValidateRecipient(t *testing.T) {
	sender := NewSender(Config{})

	tests := []struct {
		name      string
		recipient string
		valid     bool
	}{
		{"https URL", "https://hooks.example.com/abc123", true},
		{"http URL", "http://hooks.example.com/abc123", true},
		{"empty", "", false},
		{"no scheme", "hooks.example.com/abc123", false},
		{"wrong scheme", "ftp://hooks.example.com/abc", false},
		{"scheme only", "https://", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, sender.ValidateRecipient(tt.recipient))
		})
	}
}

func TestSender_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p payload
		err := json.NewDecoder(r.Body).Decode(&p)
		require.NoError(t, err)
		assert.Equal(t, "Test message", p.Text)
		assert.Equal(t, "Alert", p.Subject)
		assert.Equal(t, defaultName, p.Sender)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewSender(Config{})
	result, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Subject:   "Alert",
		Body:      "Test message",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "accepted", result.Status)
}

func TestSender_Send_EmptyWebhook(t *testing.T) {
	sender := NewSender(Config{})
	result, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: "",
		Body:      "Test message",
	})

	require.Error(t, err)
	assert.False(t, result.Success)

	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Contains(t, permErr.Message, "webhook URL is empty")
	assert.False(t, permErr.IsRetryable())
}

func TestSender_Send_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid payload"))
	}))
	defer server.Close()

	sender := NewSender(Config{})
	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusBadRequest, permErr.Code)
	assert.Contains(t, permErr.Message, "bad request")
	assert.Contains(t, permErr.Message, "invalid payload")
	assert.False(t, permErr.IsRetryable())
}

func TestSender_Send_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sender := NewSender(Config{})
	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusUnauthorized, permErr.Code)
	assert.Contains(t, permErr.Message, "invalid or expired webhook")
	assert.False(t, permErr.IsRetryable())
}

func TestSender_Send_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	sender := NewSender(Config{})
	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusNotFound, permErr.Code)
	assert.Contains(t, permErr.Message, "webhook not found")
}

func TestSender_Send_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender := NewSender(Config{})
	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusTooManyRequests, retryErr.Code)
	assert.True(t, retryErr.IsRetryable())
}

func TestSender_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer server.Close()

	sender := NewSender(Config{})
	result, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	assert.False(t, result.Success)

	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusInternalServerError, retryErr.Code)
	assert.Contains(t, retryErr.Message, "server error")
	assert.True(t, retryErr.IsRetryable())
}

func TestSender_Send_UnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("I'm a teapot"))
	}))
	defer server.Close()

	sender := NewSender(Config{})
	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: server.URL,
		Body:      "Test message",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 418")
	assert.Contains(t, err.Error(), "I'm a teapot")
}

func TestSender_Send_NetworkError(t *testing.T) {
	sender := NewSender(Config{
		Timeout: 100 * time.Millisecond,
	})

	_, err := sender.Send(context.Background(), delivery.NotificationRequest{
		Recipient: "http://localhost:59999", // nothing listens here
		Body:      "Test message",
	})

	require.Error(t, err)
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Contains(t, retryErr.Message, "send request")
	assert.True(t, retryErr.IsRetryable())
}

func TestSender_Send_ContextCancelled(t *testing.T) {
	sender := NewSender(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sender.Send(ctx, delivery.NotificationRequest{
		Recipient: "http://example.com/hook",
		Body:      "Test message",
	})

	require.Error(t, err)
	assert.False(t, result.Success)
}

func TestSender_HealthCheck(t *testing.T) {
	sender := NewSender(Config{})
	status := sender.HealthCheck(context.Background())
	assert.Equal(t, "healthy", status.Status)
}

func TestMaskWebhookURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "short URL under 40 chars",
			url:      "http://example.com/hook",
			expected: "http://example.com/hook",
		},
		{
			name:     "long URL gets masked",
			url:      "https://hooks.example.com/services/abc123def456ghi789jkl012mno345pqr678",
			expected: "https://hooks.exampl...o345pqr678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskWebhookURL(tt.url))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Run("permanent with code", func(t *testing.T) {
		err := &PermanentError{Code: 400, Message: "bad request"}
		assert.Equal(t, "webhook permanent failure (status 400): bad request", err.Error())
	})

	t.Run("permanent without code", func(t *testing.T) {
		err := &PermanentError{Message: "webhook URL is empty"}
		assert.Equal(t, "webhook permanent failure: webhook URL is empty", err.Error())
	})

	t.Run("retryable with code", func(t *testing.T) {
		err := &RetryableError{Code: 500, Message: "server error"}
		assert.Equal(t, "webhook temporary failure (status 500): server error", err.Error())
	})

	t.Run("retryable without code", func(t *testing.T) {
		err := &RetryableError{Message: "connection refused"}
		assert.Equal(t, "webhook temporary failure: connection refused", err.Error())
	})
}
