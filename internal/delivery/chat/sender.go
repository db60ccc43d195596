// Package chat provides chat notification sending through a bot HTTP API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/alert-courier/internal/delivery"
)

// ChannelType identifies this sender in the manager's service map.
const ChannelType = "chat"

const (
	defaultAPIURL    = "https://api.telegram.org/bot%s/sendMessage"
	defaultRateLimit = 30.0 // bot API allows ~30 messages per second
	defaultTimeout   = 10 * time.Second
)

// Config holds chat sender configuration.
type Config struct {
	Enabled   bool
	BotToken  string
	RateLimit float64
	Timeout   time.Duration
}

// Sender implements chat notification sending over the bot API.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewSender creates a new chat sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.BotToken == "" {
			return nil, errors.New("chat sender: bot token is required when enabled")
		}
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("chat sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     defaultAPIURL,
	}, nil
}

// ChannelType returns the channel identifier.
func (s *Sender) ChannelType() string { return ChannelType }

// ValidateRecipient reports whether the recipient looks like a numeric chat
// ID or a @username handle.
func (s *Sender) ValidateRecipient(recipient string) bool {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return false
	}
	if strings.HasPrefix(recipient, "@") {
		return len(recipient) > 1
	}
	for i, r := range recipient {
		if r == '-' && i == 0 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ChannelLimits describes chat provider constraints.
func (s *Sender) ChannelLimits() delivery.ChannelLimits {
	return delivery.ChannelLimits{
		MaxMessageSize: 4096,
		RateLimit:      s.config.RateLimit,
		MaxRecipients:  1,
	}
}

// HealthCheck reports sender readiness.
func (s *Sender) HealthCheck(_ context.Context) delivery.HealthStatus {
	if !s.config.Enabled {
		return delivery.HealthStatus{
			Status:  "disabled",
			Details: map[string]string{"reason": "chat sender disabled"},
		}
	}
	return delivery.HealthStatus{Status: "healthy"}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send sends one chat notification.
func (s *Sender) Send(ctx context.Context, req delivery.NotificationRequest) (delivery.NotificationResult, error) {
	if !s.config.Enabled {
		slog.Debug("chat sender disabled, skipping", "to", req.Recipient)
		return delivery.NotificationResult{Success: true, Status: "skipped_disabled"}, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("rate limit wait: %w", err)
		return delivery.NotificationResult{Status: "cancelled", Error: err.Error()}, err
	}

	text := req.Body
	if req.Subject != "" {
		text = fmt.Sprintf("<b>%s</b>\n\n%s", req.Subject, req.Body)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    req.Recipient,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return delivery.NotificationResult{Status: "failed"}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf(s.apiURL, s.config.BotToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

	if err := s.handleResponse(resp); err != nil {
		return delivery.NotificationResult{Status: "failed", Error: err.Error()}, err
	}
	return delivery.NotificationResult{Success: true, Status: "sent"}, nil
}

func (s *Sender) handleResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return &RetryableError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("decode response: %v", err),
		}
	}

	if apiResp.OK {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := 1 * time.Second
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter, Message: apiResp.Description}

	case http.StatusUnauthorized:
		return &PermanentError{Code: apiResp.ErrorCode, Message: "invalid bot token"}

	case http.StatusForbidden, http.StatusBadRequest, http.StatusNotFound:
		return &PermanentError{Code: apiResp.ErrorCode, Message: apiResp.Description}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{Code: apiResp.ErrorCode, Message: apiResp.Description}
		}
		return &PermanentError{
			Code:    apiResp.ErrorCode,
			Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, apiResp.Description),
		}
	}
}
