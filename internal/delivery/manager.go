package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bissquit/alert-courier/internal/pkg/ctxlog"
)

// defaultWaitTimeout bounds one worker wait on the queue readiness signal
// when no batch timeout is configured.
const defaultWaitTimeout = time.Second

// Send receipt statuses.
const (
	SendStatusQueued = "queued"
	SendStatusFailed = "failed"
)

// ManagerConfig bundles the core component configs.
type ManagerConfig struct {
	Queue      QueueConfig
	Tracker    TrackerConfig
	GlobalRate RateLimitConfig
	// RateLimits overrides the per-channel defaults; channels absent from
	// the map keep DefaultChannelRateLimits.
	RateLimits map[string]RateLimitConfig
}

// SendInput are the caller-supplied fields of one outbound notification.
type SendInput struct {
	MessageID    string // generated when empty
	Channel      string
	Recipients   []string
	Subject      string
	Body         string
	Priority     float64 // defaults to PriorityMedium
	ScheduledFor time.Time
	BatchID      string
	Metadata     map[string]any
}

// SendReceipt reports the outcome of SendMessage. A full queue yields a
// receipt with SendStatusFailed rather than an error; the caller decides
// whether to drop or apply back-pressure upstream.
type SendReceipt struct {
	Status         string
	MessageID      string
	Channel        string
	RecipientCount int
	Priority       float64
	ScheduledFor   time.Time
	Error          string
}

// RecipientResult is the per-recipient outcome within one delivery.
type RecipientResult struct {
	Recipient string
	Success   bool
	Status    string
	Error     string
}

// DeliveryResult aggregates one message delivery for callbacks. Success is
// true when at least one recipient succeeded.
type DeliveryResult struct {
	MessageID         string
	Channel           string
	Success           bool
	IndividualResults []RecipientResult
}

// DeliveryCallback observes completed deliveries. A returned error is
// logged and never interrupts other callbacks or the pipeline.
type DeliveryCallback func(DeliveryResult) error

// batchingStrategy partitions a worker batch into groups that share one
// rate-limiter acquisition. The default strategy keeps every message in its
// own group; combining messages with identical content is the intended
// extension.
type batchingStrategy func([]*QueuedMessage) [][]*QueuedMessage

func identityBatching(messages []*QueuedMessage) [][]*QueuedMessage {
	groups := make([][]*QueuedMessage, len(messages))
	for i, m := range messages {
		groups[i] = []*QueuedMessage{m}
	}
	return groups
}

// Manager is the delivery entry point. It owns the priority queue, the rate
// limiter and the tracker, and runs one worker goroutine per registered
// channel. Workers compete for dequeues from the single shared queue and
// hand foreign-channel messages back unchanged.
type Manager struct {
	services map[string]NotificationService
	queue    *PriorityDeliveryQueue
	limiter  *RateLimiter
	tracker  *DeliveryTracker

	waitTimeout time.Duration
	grouping    batchingStrategy

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cbMu      sync.Mutex
	callbacks map[int]DeliveryCallback
	nextCBID  int
}

// NewManager wires the queue, rate limiter and tracker against the supplied
// per-channel notification services. Rate limit configs are validated here;
// an invalid config fails construction.
func NewManager(services map[string]NotificationService, cfg ManagerConfig) (*Manager, error) {
	if len(services) == 0 {
		return nil, errors.New("at least one notification service is required")
	}

	global := cfg.GlobalRate
	if global.Rate <= 0 {
		global = defaultGlobalRateLimit
	}
	limits := DefaultChannelRateLimits()
	for channel, rl := range cfg.RateLimits {
		limits[channel] = rl
	}

	limiter, err := NewRateLimiter(global, limits)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	waitTimeout := cfg.Queue.BatchTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}

	return &Manager{
		services:    services,
		queue:       NewPriorityDeliveryQueue(cfg.Queue),
		limiter:     limiter,
		tracker:     NewDeliveryTracker(cfg.Tracker),
		waitTimeout: waitTimeout,
		grouping:    identityBatching,
		callbacks:   make(map[int]DeliveryCallback),
	}, nil
}

// SendMessage validates the channel, enqueues the message and creates one
// tracker record per recipient. It returns an error only for caller
// mistakes (unknown channel, no recipients); queue capacity exhaustion is
// reported in the receipt.
func (m *Manager) SendMessage(input SendInput) (*SendReceipt, error) {
	service, ok := m.services[input.Channel]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoServiceForChannel, input.Channel)
	}
	if len(input.Recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if input.MessageID == "" {
		input.MessageID = uuid.NewString()
	}
	if input.Priority == 0 {
		input.Priority = PriorityMedium
	}

	for _, rcpt := range input.Recipients {
		if !service.ValidateRecipient(rcpt) {
			slog.Warn("recipient failed channel validation",
				"message_id", input.MessageID,
				"channel", input.Channel,
				"recipient", rcpt,
			)
		}
	}

	msg := &QueuedMessage{
		PriorityValue: input.Priority,
		MessageID:     input.MessageID,
		Channel:       input.Channel,
		Recipients:    input.Recipients,
		Content: map[string]any{
			"subject":  input.Subject,
			"body":     input.Body,
			"metadata": input.Metadata,
		},
		ScheduledFor: input.ScheduledFor,
		BatchID:      input.BatchID,
		Metadata:     input.Metadata,
	}

	if !m.queue.Enqueue(msg) {
		return &SendReceipt{
			Status:    SendStatusFailed,
			MessageID: input.MessageID,
			Channel:   input.Channel,
			Error:     "queue full",
		}, nil
	}

	for _, rcpt := range input.Recipients {
		m.tracker.TrackQueued(input.MessageID, input.Channel, rcpt, input.Metadata)
	}

	return &SendReceipt{
		Status:         SendStatusQueued,
		MessageID:      input.MessageID,
		Channel:        input.Channel,
		RecipientCount: len(input.Recipients),
		Priority:       input.Priority,
		ScheduledFor:   input.ScheduledFor,
	}, nil
}

// Start launches the tracker cleanup loop and one worker per registered
// channel. Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.tracker.StartCleanupTask()

	for channel := range m.services {
		m.wg.Add(1)
		go m.worker(ctx, channel)
	}
	slog.Info("delivery manager started", "channels", len(m.services))
}

// Stop cancels all channel workers and the tracker cleanup loop, then waits
// for the workers to exit. In-flight sends are not aborted; only the next
// iteration is prevented.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	m.tracker.StopCleanupTask()
	cancel()
	m.wg.Wait()
	slog.Info("delivery manager stopped")
}

// worker is the per-channel dispatch loop. The queue is shared, so a
// dequeued batch may contain messages for other channels; those are
// reinserted unchanged and only same-channel messages are processed.
func (m *Manager) worker(ctx context.Context, channel string) {
	defer m.wg.Done()

	ctx = ctxlog.With(ctx, "channel_worker", channel)
	logger := ctxlog.FromContext(ctx)
	logger.Debug("channel worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("channel worker stopped")
			return
		default:
		}

		if !m.queue.waitForMessages(ctx, m.waitTimeout) {
			continue
		}

		batch := m.queue.DequeueBatch(0)
		var mine []*QueuedMessage
		for _, msg := range batch {
			if msg.Channel == channel {
				mine = append(mine, msg)
			} else {
				m.queue.reinsert(msg)
			}
		}
		if len(mine) == 0 {
			continue
		}
		m.processBatch(ctx, channel, mine)
	}
}

// processBatch applies the batching strategy and acquires rate-limit tokens
// once per group (sized by total recipients) before dispatching.
func (m *Manager) processBatch(ctx context.Context, channel string, messages []*QueuedMessage) {
	service := m.services[channel]

	for _, group := range m.grouping(messages) {
		var totalRecipients int
		for _, msg := range group {
			totalRecipients += len(msg.Recipients)
		}

		if err := m.limiter.WaitIfLimited(ctx, channel, "", totalRecipients); err != nil {
			// Cancelled mid-wait; hand the group back for the next run.
			for _, msg := range group {
				m.queue.reinsert(msg)
			}
			return
		}

		for _, msg := range group {
			m.deliverMessage(ctx, service, msg)
		}
	}
}

// deliverMessage sends one message to each of its recipients individually,
// tracking every attempt. Any single success counts the message as
// delivered; a message with zero successful recipients goes back through
// the queue's retry/backoff path, unless every rejection was classified as
// permanent by the sender, in which case retrying cannot help and the
// message is parked in the failed set directly.
func (m *Manager) deliverMessage(ctx context.Context, service NotificationService, msg *QueuedMessage) {
	logger := ctxlog.FromContext(ctx)

	subject, _ := msg.Content["subject"].(string)
	body, _ := msg.Content["body"].(string)

	results := make([]RecipientResult, 0, len(msg.Recipients))
	var anySuccess bool
	var anyRetryable bool
	var lastErr error

	for _, rcpt := range msg.Recipients {
		recordID := RecordID(msg.MessageID, rcpt)
		m.tracker.TrackSent(recordID, "")

		req := NotificationRequest{
			Channel:   msg.Channel,
			Recipient: rcpt,
			Subject:   subject,
			Body:      body,
			Priority:  msg.PriorityValue,
			Metadata:  msg.Metadata,
		}

		start := time.Now()
		res, err := service.Send(ctx, req)
		duration := time.Since(start)

		if err == nil && !res.Success {
			if res.Error != "" {
				err = errors.New(res.Error)
			} else {
				err = errors.New("provider reported failure")
			}
		}

		if err == nil {
			m.tracker.TrackDelivered(recordID, time.Time{})
			recordSend(msg.Channel, "success", duration)
			results = append(results, RecipientResult{
				Recipient: rcpt,
				Success:   true,
				Status:    res.Status,
			})
			anySuccess = true
			continue
		}

		lastErr = err
		if isRetryable(err) {
			anyRetryable = true
		}
		m.tracker.TrackFailed(recordID, err, msg.RetryCount+1)
		recordSend(msg.Channel, "failed", duration)
		results = append(results, RecipientResult{
			Recipient: rcpt,
			Status:    res.Status,
			Error:     err.Error(),
		})
		logger.Warn("recipient send failed",
			"message_id", msg.MessageID,
			"recipient", rcpt,
			"error", err,
		)
	}

	switch {
	case anySuccess:
		m.queue.MarkDelivered(msg)
	case anyRetryable:
		m.queue.RequeueFailed(msg, lastErr)
	default:
		m.queue.Fail(msg, lastErr)
	}

	m.notifyCallbacks(DeliveryResult{
		MessageID:         msg.MessageID,
		Channel:           msg.Channel,
		Success:           anySuccess,
		IndividualResults: results,
	})
}

// AddDeliveryCallback registers an observer and returns a handle for
// RemoveDeliveryCallback.
func (m *Manager) AddDeliveryCallback(cb DeliveryCallback) int {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCBID++
	m.callbacks[m.nextCBID] = cb
	return m.nextCBID
}

// RemoveDeliveryCallback unregisters a previously added callback.
func (m *Manager) RemoveDeliveryCallback(handle int) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.callbacks, handle)
}

func (m *Manager) notifyCallbacks(result DeliveryResult) {
	m.cbMu.Lock()
	cbs := make([]DeliveryCallback, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.cbMu.Unlock()

	for _, cb := range cbs {
		if err := cb(result); err != nil {
			slog.Error("delivery callback failed",
				"message_id", result.MessageID,
				"error", err,
			)
		}
	}
}

// QueueStats returns a snapshot of the queue counters.
func (m *Manager) QueueStats() QueueStats { return m.queue.Stats() }

// RateLimitStats returns limiter counters and bucket levels.
func (m *Manager) RateLimitStats() RateLimiterStats { return m.limiter.Stats() }

// DeliveryAnalytics returns the tracker-wide analytics view.
func (m *Manager) DeliveryAnalytics() OverallAnalytics { return m.tracker.Analytics() }

// ChannelDeliveryAnalytics returns analytics for one channel.
func (m *Manager) ChannelDeliveryAnalytics(channel string) ChannelAnalytics {
	return m.tracker.ChannelAnalytics(channel)
}

// FailedMessages returns up to limit permanently failed messages.
func (m *Manager) FailedMessages(limit int) []*QueuedMessage {
	return m.queue.FailedMessages(limit)
}

// ClearFailedMessages drops the failed set and returns how many messages
// were removed.
func (m *Manager) ClearFailedMessages() int {
	return m.queue.ClearFailedMessages()
}

// RetryFailedMessage resets a permanently failed message and re-enqueues
// it. It returns ErrMessageNotFound when the ID is not in the failed set.
func (m *Manager) RetryFailedMessage(messageID string) error {
	if !m.queue.RetryFailed(messageID) {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, messageID)
	}
	return nil
}

// HealthChecks runs every registered service's health check.
func (m *Manager) HealthChecks(ctx context.Context) map[string]HealthStatus {
	out := make(map[string]HealthStatus, len(m.services))
	for channel, service := range m.services {
		out[channel] = service.HealthCheck(ctx)
	}
	return out
}
