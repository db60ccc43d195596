package delivery

import "context"

// NotificationRequest is one channel-scoped send for a single recipient.
type NotificationRequest struct {
	Channel   string
	Recipient string
	Subject   string
	Body      string
	Priority  float64
	Metadata  map[string]any
}

// NotificationResult is the provider-level outcome of one send.
type NotificationResult struct {
	Success   bool
	Status    string
	MessageID string // provider-assigned ID, if any
	Error     string
	Metadata  map[string]any
}

// ChannelLimits describes provider constraints for a channel.
type ChannelLimits struct {
	MaxMessageSize int
	RateLimit      float64
	MaxRecipients  int
}

// HealthStatus is the result of a sender health check.
type HealthStatus struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// NotificationService is implemented once per channel by the caller and
// supplied to the manager at construction. The manager only ever sends to
// one recipient per call; fan-out across recipients happens in the core.
type NotificationService interface {
	Send(ctx context.Context, req NotificationRequest) (NotificationResult, error)
	ValidateRecipient(recipient string) bool
	ChannelLimits() ChannelLimits
	HealthCheck(ctx context.Context) HealthStatus
	ChannelType() string
}
