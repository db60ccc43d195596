package delivery

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// QueueConfig contains priority queue configuration.
type QueueConfig struct {
	MaxSize      int
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:      10000,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
	}
}

// retryDelays is the fixed backoff schedule applied between delivery
// attempts. A message whose retry count exceeds the table length is parked
// in the failed set.
var retryDelays = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// messageHeap is a min-heap over (priority value, queued at).
type messageHeap []*QueuedMessage

func (h messageHeap) Len() int           { return len(h) }
func (h messageHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)        { *h = append(*h, x.(*QueuedMessage)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	TotalQueued      int           `json:"total_queued"`
	TotalDelivered   int           `json:"total_delivered"`
	TotalFailed      int           `json:"total_failed"`
	TotalRetried     int           `json:"total_retried"`
	CurrentSize      int           `json:"current_size"`
	FailedCount      int           `json:"failed_count"`
	OldestMessageAge time.Duration `json:"oldest_message_age"`
}

// PriorityDeliveryQueue holds pending notification jobs in
// (priority, queued-at) order, enforces a capacity bound and manages the
// retry/failure lifecycle. All methods are safe for concurrent use.
type PriorityDeliveryQueue struct {
	mu     sync.Mutex
	heap   messageHeap
	failed []*QueuedMessage

	maxSize   int
	batchSize int

	totalQueued    int
	totalDelivered int
	totalFailed    int
	totalRetried   int

	// notEmpty is a 1-buffered readiness signal. It is armed on every
	// enqueue/requeue and drained when a dequeue empties the queue.
	notEmpty chan struct{}
}

// NewPriorityDeliveryQueue creates a queue with the given configuration.
// Zero or negative config fields fall back to defaults.
func NewPriorityDeliveryQueue(cfg QueueConfig) *PriorityDeliveryQueue {
	def := DefaultQueueConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &PriorityDeliveryQueue{
		maxSize:   cfg.MaxSize,
		batchSize: cfg.BatchSize,
		notEmpty:  make(chan struct{}, 1),
	}
}

// Enqueue stamps the message with the current time and pushes it onto the
// heap. It returns false without mutating anything when the queue is at
// capacity; that is back-pressure, not an error, and the caller decides
// whether to drop or retry.
func (q *PriorityDeliveryQueue) Enqueue(msg *QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.maxSize {
		slog.Warn("delivery queue full, rejecting message",
			"message_id", msg.MessageID,
			"channel", msg.Channel,
			"max_size", q.maxSize,
		)
		return false
	}

	msg.QueuedAt = time.Now()
	heap.Push(&q.heap, msg)
	q.totalQueued++
	q.signalLocked()
	recordQueueSize(len(q.heap), len(q.failed))
	return true
}

// DequeueBatch removes up to max ready messages in (priority, queued-at)
// order. When max is not positive the configured batch size applies.
//
// The heap is first partitioned into ready and deferred messages and then
// rebuilt from both halves before popping; popping stops at the first heap
// minimum whose schedule has not yet passed. A deferred message at the top
// of the heap therefore blocks lower-priority ready work until it becomes
// due.
func (q *PriorityDeliveryQueue) DequeueBatch(max int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		max = q.batchSize
	}

	var ready, deferred []*QueuedMessage
	for _, m := range q.heap {
		if m.IsReady() {
			ready = append(ready, m)
		} else {
			deferred = append(deferred, m)
		}
	}
	q.heap = q.heap[:0]
	q.heap = append(q.heap, ready...)
	q.heap = append(q.heap, deferred...)
	heap.Init(&q.heap)

	var batch []*QueuedMessage
	for len(q.heap) > 0 && len(batch) < max && q.heap[0].IsReady() {
		batch = append(batch, heap.Pop(&q.heap).(*QueuedMessage))
	}

	if len(q.heap) == 0 {
		q.drainSignalLocked()
	}
	recordQueueSize(len(q.heap), len(q.failed))
	return batch
}

// WaitForMessages blocks until the queue signals that messages exist or the
// timeout elapses, and reports whether messages are currently available.
func (q *PriorityDeliveryQueue) WaitForMessages(timeout time.Duration) bool {
	return q.waitForMessages(context.Background(), timeout)
}

// waitForMessages is WaitForMessages with a cancellation escape, used by
// channel workers so a long batch timeout never delays shutdown.
func (q *PriorityDeliveryQueue) waitForMessages(ctx context.Context, timeout time.Duration) bool {
	q.mu.Lock()
	if len(q.heap) > 0 {
		q.mu.Unlock()
		return true
	}
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.notEmpty:
		q.mu.Lock()
		n := len(q.heap)
		if n > 0 {
			// Re-arm so concurrent waiters also wake up.
			q.signalLocked()
		}
		q.mu.Unlock()
		return n > 0
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// RequeueFailed schedules a retry for a message whose delivery failed.
// It returns false once the backoff table is exhausted; the message is then
// moved to the failed set where it stays until cleared or manually retried.
// Each retry bumps the priority value by 0.5, capped at PriorityLow.
func (q *PriorityDeliveryQueue) RequeueFailed(msg *QueuedMessage, sendErr error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg.RetryCount++
	if sendErr != nil {
		msg.LastError = sendErr.Error()
	}

	if msg.RetryCount > len(retryDelays) {
		q.failed = append(q.failed, msg)
		q.totalFailed++
		recordQueueSize(len(q.heap), len(q.failed))
		slog.Warn("message retries exhausted",
			"message_id", msg.MessageID,
			"channel", msg.Channel,
			"retry_count", msg.RetryCount,
			"error", msg.LastError,
		)
		return false
	}

	delay := retryDelays[msg.RetryCount-1]
	msg.ScheduledFor = time.Now().Add(delay)
	if msg.PriorityValue < PriorityLow {
		msg.PriorityValue += 0.5
		if msg.PriorityValue > PriorityLow {
			msg.PriorityValue = PriorityLow
		}
	}

	heap.Push(&q.heap, msg)
	q.totalRetried++
	q.signalLocked()
	recordQueueSize(len(q.heap), len(q.failed))

	slog.Info("message scheduled for retry",
		"message_id", msg.MessageID,
		"channel", msg.Channel,
		"retry_count", msg.RetryCount,
		"retry_delay", delay,
	)
	return true
}

// Fail parks a message in the failed set immediately, skipping the retry
// schedule. Used when the sender classified the rejection as permanent.
func (q *PriorityDeliveryQueue) Fail(msg *QueuedMessage, sendErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sendErr != nil {
		msg.LastError = sendErr.Error()
	}
	q.failed = append(q.failed, msg)
	q.totalFailed++
	recordQueueSize(len(q.heap), len(q.failed))

	slog.Warn("message failed permanently",
		"message_id", msg.MessageID,
		"channel", msg.Channel,
		"error", msg.LastError,
	)
}

// MarkDelivered records a successful delivery. The message was already
// popped by DequeueBatch, so this is bookkeeping only.
func (q *PriorityDeliveryQueue) MarkDelivered(msg *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.totalDelivered++
}

// reinsert returns a message to the heap unchanged, preserving its original
// queue time, priority and schedule. Used by channel workers to hand back
// messages that belong to another channel.
func (q *PriorityDeliveryQueue) reinsert(msg *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, msg)
	q.signalLocked()
	recordQueueSize(len(q.heap), len(q.failed))
}

// Stats returns a snapshot of queue counters.
func (q *PriorityDeliveryQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest time.Duration
	for _, m := range q.heap {
		if age := time.Since(m.QueuedAt); age > oldest {
			oldest = age
		}
	}

	return QueueStats{
		TotalQueued:      q.totalQueued,
		TotalDelivered:   q.totalDelivered,
		TotalFailed:      q.totalFailed,
		TotalRetried:     q.totalRetried,
		CurrentSize:      len(q.heap),
		FailedCount:      len(q.failed),
		OldestMessageAge: oldest,
	}
}

// FailedMessages returns up to limit permanently failed messages, oldest
// first. A non-positive limit returns all of them.
func (q *PriorityDeliveryQueue) FailedMessages(limit int) []*QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*QueuedMessage, n)
	copy(out, q.failed[:n])
	return out
}

// ClearFailedMessages drops the failed set and returns how many messages
// were removed.
func (q *PriorityDeliveryQueue) ClearFailedMessages() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.failed)
	q.failed = nil
	recordQueueSize(len(q.heap), 0)
	return n
}

// RetryFailed re-enqueues a permanently failed message with its retry count
// reset to zero. It returns false when no failed message has the given ID.
func (q *PriorityDeliveryQueue) RetryFailed(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.failed {
		if m.MessageID != messageID {
			continue
		}
		q.failed = append(q.failed[:i], q.failed[i+1:]...)
		m.RetryCount = 0
		m.ScheduledFor = time.Time{}
		m.LastError = ""
		heap.Push(&q.heap, m)
		q.signalLocked()
		recordQueueSize(len(q.heap), len(q.failed))
		return true
	}
	return false
}

func (q *PriorityDeliveryQueue) signalLocked() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *PriorityDeliveryQueue) drainSignalLocked() {
	select {
	case <-q.notEmpty:
	default:
	}
}
