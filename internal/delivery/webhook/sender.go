// Package webhook provides a generic JSON webhook notification service.
// The recipient of a webhook notification is the webhook URL itself.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/alert-courier/internal/delivery"
)

// ChannelType identifies this sender in the manager's service map.
const ChannelType = "webhook"

const (
	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 20
	defaultName       = "alert-courier"
)

// Config holds webhook sender configuration.
type Config struct {
	DefaultName string        // sender name reported in the payload
	Timeout     time.Duration // request timeout
	RatePerSec  int           // client-side smoothing on top of the core limiter
}

// Sender implements delivery.NotificationService by POSTing JSON payloads.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewSender creates a new webhook sender.
func NewSender(config Config) *Sender {
	if config.DefaultName == "" {
		config.DefaultName = defaultName
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RatePerSec <= 0 {
		config.RatePerSec = defaultRatePerSec
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSec), config.RatePerSec),
	}
}

// ChannelType returns the channel identifier.
func (s *Sender) ChannelType() string { return ChannelType }

// ValidateRecipient reports whether the recipient is an absolute http(s) URL.
func (s *Sender) ValidateRecipient(recipient string) bool {
	u, err := url.Parse(recipient)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ChannelLimits describes webhook constraints.
func (s *Sender) ChannelLimits() delivery.ChannelLimits {
	return delivery.ChannelLimits{
		MaxMessageSize: 1 << 20,
		RateLimit:      float64(s.config.RatePerSec),
		MaxRecipients:  100,
	}
}

// HealthCheck reports sender readiness. Webhook URLs are per-recipient, so
// there is no endpoint to probe here.
func (s *Sender) HealthCheck(_ context.Context) delivery.HealthStatus {
	return delivery.HealthStatus{Status: "healthy"}
}

// payload is the JSON body POSTed to the webhook URL.
type payload struct {
	Sender   string         `json:"sender"`
	Subject  string         `json:"subject,omitempty"`
	Text     string         `json:"text"`
	Priority float64        `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Send POSTs one notification to the recipient URL.
func (s *Sender) Send(ctx context.Context, req delivery.NotificationRequest) (delivery.NotificationResult, error) {
	webhookURL := req.Recipient
	if webhookURL == "" {
		err := &PermanentError{Message: "webhook URL is empty"}
		return delivery.NotificationResult{Status: "rejected", Error: err.Error()}, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return delivery.NotificationResult{Status: "cancelled", Error: err.Error()}, err
	}

	body, err := json.Marshal(payload{
		Sender:   s.config.DefaultName,
		Subject:  req.Subject,
		Text:     req.Body,
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if err != nil {
		return delivery.NotificationResult{Status: "failed"}, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return delivery.NotificationResult{Status: "failed"}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		retryable := &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
		return delivery.NotificationResult{Status: "failed", Error: retryable.Error()}, retryable
	}
	defer func() { _ = resp.Body.Close() }()

	if err := s.handleResponse(resp, webhookURL); err != nil {
		return delivery.NotificationResult{Status: "failed", Error: err.Error()}, err
	}
	return delivery.NotificationResult{Success: true, Status: "accepted"}, nil
}

func (s *Sender) handleResponse(resp *http.Response, webhookURL string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("webhook delivered", "webhook", maskWebhookURL(webhookURL))
		return nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("server error: %s", string(body)),
		}

	case resp.StatusCode == http.StatusBadRequest:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}

	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}

	default:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body)),
		}
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(u string) string {
	if len(u) > 40 {
		return u[:20] + "..." + u[len(u)-10:]
	}
	return u
}
