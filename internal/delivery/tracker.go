package delivery

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DeliveryStatus is the lifecycle state of one (message, recipient) pair.
type DeliveryStatus string

// Delivery lifecycle states. The happy path is
// queued → sending → sent → delivered → read; failed, bounced and expired
// are terminal states reachable from any non-terminal state.
const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusBounced   DeliveryStatus = "bounced"
	StatusExpired   DeliveryStatus = "expired"
)

// RecordID builds the tracker key for a message/recipient pair.
func RecordID(messageID, recipient string) string {
	return messageID + ":" + recipient
}

// DeliveryRecord tracks the delivery lifecycle for one recipient of one
// message.
type DeliveryRecord struct {
	ID        string
	Channel   string
	Recipient string
	Status    DeliveryStatus
	Timestamp time.Time // last transition time
	Attempts  int
	Error     string
	Metadata  map[string]any

	QueuedAt    *time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time

	ProviderID  string
	Response    string
	RespondedAt *time.Time
}

// DeliveryTime returns delivered_at - queued_at, when both are known.
func (r *DeliveryRecord) DeliveryTime() (time.Duration, bool) {
	if r.QueuedAt == nil || r.DeliveredAt == nil {
		return 0, false
	}
	return r.DeliveredAt.Sub(*r.QueuedAt), true
}

// ReadTime returns read_at - delivered_at, when both are known.
func (r *DeliveryRecord) ReadTime() (time.Duration, bool) {
	if r.DeliveredAt == nil || r.ReadAt == nil {
		return 0, false
	}
	return r.ReadAt.Sub(*r.DeliveredAt), true
}

// maxDeliveryTimeSamples caps the rolling window used for per-channel
// average delivery time.
const maxDeliveryTimeSamples = 1000

// channelAnalytics accumulates per-channel counters.
type channelAnalytics struct {
	sent         int
	delivered    int
	failed       int
	read         int
	deliverySecs []float64
}

// ChannelAnalytics is the per-channel analytics view.
type ChannelAnalytics struct {
	TotalSent       int           `json:"total_sent"`
	DeliveryRate    float64       `json:"delivery_rate"`
	FailureRate     float64       `json:"failure_rate"`
	AvgDeliveryTime time.Duration `json:"avg_delivery_time"`
	ReadRate        float64       `json:"read_rate"`
	CurrentQueued   int           `json:"current_queued"`
	CurrentFailed   int           `json:"current_failed"`
}

// OverallAnalytics is the tracker-wide analytics view.
type OverallAnalytics struct {
	TotalMessages       int                         `json:"total_messages"`
	StatusBreakdown     map[DeliveryStatus]int      `json:"status_breakdown"`
	OverallDeliveryRate float64                     `json:"overall_delivery_rate"`
	OverallFailureRate  float64                     `json:"overall_failure_rate"`
	Channels            map[string]ChannelAnalytics `json:"channels"`
}

// TrackerConfig contains delivery tracker configuration.
type TrackerConfig struct {
	RetentionHours  int
	CleanupInterval time.Duration
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RetentionHours:  72,
		CleanupInterval: time.Hour,
	}
}

// DeliveryTracker maintains the delivery state machine per
// (message, recipient) pair plus rolling per-channel analytics. Operations
// referencing an unknown record ID log a warning and do nothing; a late
// provider callback racing record expiry is expected, not an error.
type DeliveryTracker struct {
	mu      sync.Mutex
	records map[string]*DeliveryRecord

	// insertion-ordered IDs per index; lookups return newest first.
	byChannel   map[string][]string
	byRecipient map[string][]string
	byStatus    map[DeliveryStatus]map[string]struct{}

	analytics map[string]*channelAnalytics

	retention       time.Duration
	cleanupInterval time.Duration

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup
}

// NewDeliveryTracker creates a tracker with the given retention settings.
func NewDeliveryTracker(cfg TrackerConfig) *DeliveryTracker {
	def := DefaultTrackerConfig()
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = def.RetentionHours
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &DeliveryTracker{
		records:         make(map[string]*DeliveryRecord),
		byChannel:       make(map[string][]string),
		byRecipient:     make(map[string][]string),
		byStatus:        make(map[DeliveryStatus]map[string]struct{}),
		analytics:       make(map[string]*channelAnalytics),
		retention:       time.Duration(cfg.RetentionHours) * time.Hour,
		cleanupInterval: cfg.CleanupInterval,
	}
}

// TrackQueued creates a record in the queued state and indexes it by
// channel, recipient and status.
func (t *DeliveryTracker) TrackQueued(messageID, channel, recipient string, metadata map[string]any) {
	now := time.Now()
	id := RecordID(messageID, recipient)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &DeliveryRecord{
		ID:        id,
		Channel:   channel,
		Recipient: recipient,
		Status:    StatusQueued,
		Timestamp: now,
		Metadata:  metadata,
		QueuedAt:  &now,
	}
	t.records[id] = rec
	t.byChannel[channel] = append(t.byChannel[channel], id)
	t.byRecipient[recipient] = append(t.byRecipient[recipient], id)
	t.setStatusLocked(rec, StatusQueued)
}

// TrackSent moves a record to the sent state and counts it toward channel
// analytics. providerID, when non-empty, is stored for later correlation.
func (t *DeliveryTracker) TrackSent(id, providerID string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		slog.Warn("track_sent for unknown record", "record_id", id)
		return
	}
	t.setStatusLocked(rec, StatusSent)
	rec.Timestamp = now
	rec.SentAt = &now
	rec.Attempts++
	if providerID != "" {
		rec.ProviderID = providerID
	}
	t.channelAnalyticsLocked(rec.Channel).sent++
}

// TrackDelivered moves a record to the delivered state and records a
// delivery time sample. A zero deliveredAt means now.
func (t *DeliveryTracker) TrackDelivered(id string, deliveredAt time.Time) {
	if deliveredAt.IsZero() {
		deliveredAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		slog.Warn("track_delivered for unknown record", "record_id", id)
		return
	}
	t.setStatusLocked(rec, StatusDelivered)
	rec.Timestamp = deliveredAt
	rec.DeliveredAt = &deliveredAt

	ca := t.channelAnalyticsLocked(rec.Channel)
	ca.delivered++
	if rec.QueuedAt != nil {
		if len(ca.deliverySecs) == maxDeliveryTimeSamples {
			ca.deliverySecs = ca.deliverySecs[1:]
		}
		ca.deliverySecs = append(ca.deliverySecs, deliveredAt.Sub(*rec.QueuedAt).Seconds())
	}
}

// TrackRead moves a record to the read state. A zero readAt means now.
func (t *DeliveryTracker) TrackRead(id string, readAt time.Time) {
	if readAt.IsZero() {
		readAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		slog.Warn("track_read for unknown record", "record_id", id)
		return
	}
	t.setStatusLocked(rec, StatusRead)
	rec.Timestamp = readAt
	rec.ReadAt = &readAt
	t.channelAnalyticsLocked(rec.Channel).read++
}

// TrackFailed moves a record to the failed state, storing the error and the
// attempt count when provided.
func (t *DeliveryTracker) TrackFailed(id string, sendErr error, attempts int) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		slog.Warn("track_failed for unknown record", "record_id", id)
		return
	}
	t.setStatusLocked(rec, StatusFailed)
	rec.Timestamp = now
	rec.FailedAt = &now
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if attempts > 0 {
		rec.Attempts = attempts
	}
	t.channelAnalyticsLocked(rec.Channel).failed++
}

// TrackResponse attaches a recipient response to a record without changing
// its status. A zero respondedAt means now.
func (t *DeliveryTracker) TrackResponse(id, content string, respondedAt time.Time) {
	if respondedAt.IsZero() {
		respondedAt = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		slog.Warn("track_response for unknown record", "record_id", id)
		return
	}
	rec.Response = content
	rec.RespondedAt = &respondedAt
}

// Record returns the record for the given ID.
func (t *DeliveryTracker) Record(id string) (*DeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return rec, ok
}

// RecordsByStatus returns up to limit records in the given status, newest
// first. A non-positive limit returns all of them.
func (t *DeliveryTracker) RecordsByStatus(status DeliveryStatus, limit int) []*DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byStatus[status]
	out := make([]*DeliveryRecord, 0, len(ids))
	for id := range ids {
		out = append(out, t.records[id])
	}
	sortNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// RecordsByChannel returns up to limit records for the given channel,
// newest first. A non-positive limit returns all of them.
func (t *DeliveryTracker) RecordsByChannel(channel string, limit int) []*DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byChannel[channel]
	out := make([]*DeliveryRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if rec, ok := t.records[ids[i]]; ok {
			out = append(out, rec)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// RecordsByRecipient returns up to limit records addressed to the given
// recipient, newest first. A non-positive limit returns all of them.
func (t *DeliveryTracker) RecordsByRecipient(recipient string, limit int) []*DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byRecipient[recipient]
	out := make([]*DeliveryRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if rec, ok := t.records[ids[i]]; ok {
			out = append(out, rec)
		}
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ChannelAnalytics returns delivery rates for one channel.
func (t *DeliveryTracker) ChannelAnalytics(channel string) ChannelAnalytics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channelAnalyticsViewLocked(channel)
}

// Analytics returns the tracker-wide view: total records, status breakdown,
// overall rates and every channel's analytics.
func (t *DeliveryTracker) Analytics() OverallAnalytics {
	t.mu.Lock()
	defer t.mu.Unlock()

	breakdown := make(map[DeliveryStatus]int, len(t.byStatus))
	for status, ids := range t.byStatus {
		if len(ids) > 0 {
			breakdown[status] = len(ids)
		}
	}

	var sent, delivered, failed int
	channels := make(map[string]ChannelAnalytics, len(t.analytics))
	for channel, ca := range t.analytics {
		sent += ca.sent
		delivered += ca.delivered
		failed += ca.failed
		channels[channel] = t.channelAnalyticsViewLocked(channel)
	}

	overall := OverallAnalytics{
		TotalMessages:   len(t.records),
		StatusBreakdown: breakdown,
		Channels:        channels,
	}
	if sent > 0 {
		overall.OverallDeliveryRate = float64(delivered) / float64(sent)
		overall.OverallFailureRate = float64(failed) / float64(sent)
	}
	return overall
}

// CleanupOldRecords removes every record whose last transition is older
// than the retention window, purging it from all indexes. It returns the
// number of records removed.
func (t *DeliveryTracker) CleanupOldRecords() int {
	cutoff := time.Now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed int
	for id, rec := range t.records {
		if rec.Timestamp.After(cutoff) {
			continue
		}
		delete(t.records, id)
		t.byChannel[rec.Channel] = removeID(t.byChannel[rec.Channel], id)
		t.byRecipient[rec.Recipient] = removeID(t.byRecipient[rec.Recipient], id)
		if ids := t.byStatus[rec.Status]; ids != nil {
			delete(ids, id)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleaned up old delivery records", "removed", removed)
	}
	return removed
}

// StartCleanupTask starts the periodic retention cleanup loop. Calling it
// while the loop is running is a no-op.
func (t *DeliveryTracker) StartCleanupTask() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleanupStop != nil {
		return
	}
	t.cleanupStop = make(chan struct{})
	t.cleanupWG.Add(1)
	go t.cleanupLoop(t.cleanupStop)
}

// StopCleanupTask stops the cleanup loop and waits for it to exit. Calling
// it when the loop is not running is a no-op.
func (t *DeliveryTracker) StopCleanupTask() {
	t.mu.Lock()
	stop := t.cleanupStop
	t.cleanupStop = nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	t.cleanupWG.Wait()
}

func (t *DeliveryTracker) cleanupLoop(stop chan struct{}) {
	defer t.cleanupWG.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.CleanupOldRecords()
		}
	}
}

// setStatusLocked moves a record between status indexes.
func (t *DeliveryTracker) setStatusLocked(rec *DeliveryRecord, status DeliveryStatus) {
	if ids := t.byStatus[rec.Status]; ids != nil {
		delete(ids, rec.ID)
	}
	rec.Status = status
	ids := t.byStatus[status]
	if ids == nil {
		ids = make(map[string]struct{})
		t.byStatus[status] = ids
	}
	ids[rec.ID] = struct{}{}
	recordTrackerStatus(rec.Channel, string(status))
}

func (t *DeliveryTracker) channelAnalyticsLocked(channel string) *channelAnalytics {
	ca := t.analytics[channel]
	if ca == nil {
		ca = &channelAnalytics{}
		t.analytics[channel] = ca
	}
	return ca
}

func (t *DeliveryTracker) channelAnalyticsViewLocked(channel string) ChannelAnalytics {
	view := ChannelAnalytics{}

	if ca := t.analytics[channel]; ca != nil {
		view.TotalSent = ca.sent
		if ca.sent > 0 {
			view.DeliveryRate = float64(ca.delivered) / float64(ca.sent)
			view.FailureRate = float64(ca.failed) / float64(ca.sent)
		}
		if ca.delivered > 0 {
			view.ReadRate = float64(ca.read) / float64(ca.delivered)
		}
		if len(ca.deliverySecs) > 0 {
			var sum float64
			for _, s := range ca.deliverySecs {
				sum += s
			}
			view.AvgDeliveryTime = time.Duration(sum / float64(len(ca.deliverySecs)) * float64(time.Second))
		}
	}

	for _, id := range t.byChannel[channel] {
		rec, ok := t.records[id]
		if !ok {
			continue
		}
		switch rec.Status {
		case StatusQueued:
			view.CurrentQueued++
		case StatusFailed:
			view.CurrentFailed++
		}
	}
	return view
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func sortNewestFirst(records []*DeliveryRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}
