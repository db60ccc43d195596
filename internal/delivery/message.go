// Package delivery implements the asynchronous notification delivery core:
// a priority-ordered message queue with bounded retries, a token-bucket rate
// limiter, a per-recipient delivery tracker, and the manager that coordinates
// them against per-channel senders.
package delivery

import "time"

// Canonical priority levels. Lower values are more urgent. Retries bump the
// priority value by +0.5, so the field is a float; it never exceeds PriorityLow.
const (
	PriorityCritical float64 = 1
	PriorityHigh     float64 = 2
	PriorityMedium   float64 = 3
	PriorityLow      float64 = 4
)

// QueuedMessage is one enqueued notification job. The content payload is
// opaque to the core; only priority, schedule and channel are interpreted.
type QueuedMessage struct {
	PriorityValue float64        `json:"priority"`
	QueuedAt      time.Time      `json:"queued_at"`
	MessageID     string         `json:"message_id"`
	Channel       string         `json:"channel"`
	Recipients    []string       `json:"recipients"`
	Content       map[string]any `json:"content,omitempty"`
	RetryCount    int            `json:"retry_count"`
	ScheduledFor  time.Time      `json:"scheduled_for,omitempty"` // zero value means immediately eligible
	BatchID       string         `json:"batch_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastError     string         `json:"last_error,omitempty"` // set by the retry path
}

// IsReady reports whether the message is eligible for dequeue, i.e. it has
// no schedule or its schedule has passed.
func (m *QueuedMessage) IsReady() bool {
	return m.ScheduledFor.IsZero() || !m.ScheduledFor.After(time.Now())
}

// less orders messages by (priority value, queued at) ascending. Earlier
// queue time wins ties within the same priority.
func (m *QueuedMessage) less(other *QueuedMessage) bool {
	if m.PriorityValue != other.PriorityValue {
		return m.PriorityValue < other.PriorityValue
	}
	return m.QueuedAt.Before(other.QueuedAt)
}

// GroupByChannel partitions messages by their channel. Pure helper, no
// queue state is touched.
func GroupByChannel(messages []*QueuedMessage) map[string][]*QueuedMessage {
	groups := make(map[string][]*QueuedMessage)
	for _, m := range messages {
		groups[m.Channel] = append(groups[m.Channel], m)
	}
	return groups
}

// GroupByBatchID partitions messages by their batch correlation key.
// Messages without a batch ID are grouped under the empty string.
func GroupByBatchID(messages []*QueuedMessage) map[string][]*QueuedMessage {
	groups := make(map[string][]*QueuedMessage)
	for _, m := range messages {
		groups[m.BatchID] = append(groups[m.BatchID], m)
	}
	return groups
}
