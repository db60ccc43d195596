package delivery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *DeliveryTracker {
	return NewDeliveryTracker(DefaultTrackerConfig())
}

func TestTracker_FullLifecycle(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("msg-1", "email", "ops@example.com", nil)
	id := RecordID("msg-1", "ops@example.com")

	rec, ok := tracker.Record(id)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, rec.Status)
	require.NotNil(t, rec.QueuedAt)

	tracker.TrackSent(id, "provider-42")
	rec, _ = tracker.Record(id)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, "provider-42", rec.ProviderID)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.SentAt)

	deliveredAt := rec.QueuedAt.Add(3 * time.Second)
	tracker.TrackDelivered(id, deliveredAt)
	rec, _ = tracker.Record(id)
	assert.Equal(t, StatusDelivered, rec.Status)

	dt, ok := rec.DeliveryTime()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, dt)

	readAt := deliveredAt.Add(time.Minute)
	tracker.TrackRead(id, readAt)
	rec, _ = tracker.Record(id)
	assert.Equal(t, StatusRead, rec.Status)

	rt, ok := rec.ReadTime()
	require.True(t, ok)
	assert.Equal(t, time.Minute, rt)
}

func TestTracker_TrackFailedStoresErrorAndAttempts(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("msg-2", "sms", "+15550100", nil)
	id := RecordID("msg-2", "+15550100")

	tracker.TrackFailed(id, errors.New("carrier rejected"), 3)
	rec, ok := tracker.Record(id)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "carrier rejected", rec.Error)
	assert.Equal(t, 3, rec.Attempts)
	require.NotNil(t, rec.FailedAt)
}

func TestTracker_UnknownIDIsNoOp(t *testing.T) {
	tracker := newTestTracker()

	// None of these may panic or create records.
	tracker.TrackSent("ghost:nobody", "")
	tracker.TrackDelivered("ghost:nobody", time.Time{})
	tracker.TrackRead("ghost:nobody", time.Time{})
	tracker.TrackFailed("ghost:nobody", errors.New("late callback"), 0)
	tracker.TrackResponse("ghost:nobody", "ok", time.Time{})

	_, ok := tracker.Record("ghost:nobody")
	assert.False(t, ok)
	assert.Zero(t, tracker.Analytics().TotalMessages)
}

func TestTracker_TrackResponseKeepsStatus(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("msg-3", "chat", "#alerts", nil)
	id := RecordID("msg-3", "#alerts")
	tracker.TrackSent(id, "")
	tracker.TrackDelivered(id, time.Time{})

	tracker.TrackResponse(id, "ack", time.Time{})
	rec, _ := tracker.Record(id)
	assert.Equal(t, StatusDelivered, rec.Status)
	assert.Equal(t, "ack", rec.Response)
	require.NotNil(t, rec.RespondedAt)
}

func TestTracker_RecordsByStatusAndChannel(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("a", "email", "one@example.com", nil)
	time.Sleep(time.Millisecond)
	tracker.TrackQueued("b", "email", "two@example.com", nil)
	time.Sleep(time.Millisecond)
	tracker.TrackQueued("c", "sms", "+15550100", nil)

	queued := tracker.RecordsByStatus(StatusQueued, 0)
	require.Len(t, queued, 3)
	assert.Equal(t, RecordID("c", "+15550100"), queued[0].ID, "newest first")

	assert.Len(t, tracker.RecordsByStatus(StatusQueued, 2), 2)
	assert.Empty(t, tracker.RecordsByStatus(StatusFailed, 0))

	email := tracker.RecordsByChannel("email", 0)
	require.Len(t, email, 2)
	assert.Equal(t, RecordID("b", "two@example.com"), email[0].ID, "newest first")

	tracker.TrackSent(RecordID("a", "one@example.com"), "")
	assert.Len(t, tracker.RecordsByStatus(StatusQueued, 0), 2)
	assert.Len(t, tracker.RecordsByStatus(StatusSent, 0), 1)
}

func TestTracker_RecordsByRecipient(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("a", "email", "oncall@example.com", nil)
	time.Sleep(time.Millisecond)
	tracker.TrackQueued("b", "sms", "oncall@example.com", nil)
	time.Sleep(time.Millisecond)
	tracker.TrackQueued("c", "email", "other@example.com", nil)

	oncall := tracker.RecordsByRecipient("oncall@example.com", 0)
	require.Len(t, oncall, 2)
	assert.Equal(t, RecordID("b", "oncall@example.com"), oncall[0].ID, "newest first")
	assert.Equal(t, RecordID("a", "oncall@example.com"), oncall[1].ID)

	assert.Len(t, tracker.RecordsByRecipient("oncall@example.com", 1), 1)
	assert.Empty(t, tracker.RecordsByRecipient("nobody@example.com", 0))
}

func TestTracker_ChannelAnalytics(t *testing.T) {
	tracker := newTestTracker()

	recipients := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	for _, rcpt := range recipients {
		tracker.TrackQueued("alert", "email", rcpt, nil)
		tracker.TrackSent(RecordID("alert", rcpt), "")
	}

	tracker.TrackDelivered(RecordID("alert", "a@example.com"), time.Time{})
	tracker.TrackDelivered(RecordID("alert", "b@example.com"), time.Time{})
	tracker.TrackRead(RecordID("alert", "a@example.com"), time.Time{})
	tracker.TrackFailed(RecordID("alert", "c@example.com"), errors.New("bounce"), 1)

	ca := tracker.ChannelAnalytics("email")
	assert.Equal(t, 4, ca.TotalSent)
	assert.InDelta(t, 0.5, ca.DeliveryRate, 0.001)
	assert.InDelta(t, 0.25, ca.FailureRate, 0.001)
	assert.InDelta(t, 0.5, ca.ReadRate, 0.001)
	assert.Equal(t, 1, ca.CurrentFailed)
	assert.Zero(t, ca.CurrentQueued)
}

func TestTracker_OverallAnalytics(t *testing.T) {
	tracker := newTestTracker()

	tracker.TrackQueued("m1", "email", "a@example.com", nil)
	tracker.TrackSent(RecordID("m1", "a@example.com"), "")
	tracker.TrackDelivered(RecordID("m1", "a@example.com"), time.Time{})

	tracker.TrackQueued("m2", "sms", "+15550100", nil)
	tracker.TrackSent(RecordID("m2", "+15550100"), "")
	tracker.TrackFailed(RecordID("m2", "+15550100"), errors.New("rejected"), 1)

	overall := tracker.Analytics()
	assert.Equal(t, 2, overall.TotalMessages)
	assert.Equal(t, 1, overall.StatusBreakdown[StatusDelivered])
	assert.Equal(t, 1, overall.StatusBreakdown[StatusFailed])
	assert.InDelta(t, 0.5, overall.OverallDeliveryRate, 0.001)
	assert.InDelta(t, 0.5, overall.OverallFailureRate, 0.001)
	assert.Contains(t, overall.Channels, "email")
	assert.Contains(t, overall.Channels, "sms")
}

func TestTracker_CleanupOldRecords(t *testing.T) {
	tracker := NewDeliveryTracker(TrackerConfig{RetentionHours: 1, CleanupInterval: time.Hour})

	tracker.TrackQueued("old", "email", "a@example.com", nil)
	tracker.TrackQueued("fresh", "email", "b@example.com", nil)

	oldID := RecordID("old", "a@example.com")
	rec, ok := tracker.Record(oldID)
	require.True(t, ok)
	rec.Timestamp = time.Now().Add(-2 * time.Hour)

	removed := tracker.CleanupOldRecords()
	assert.Equal(t, 1, removed)

	_, ok = tracker.Record(oldID)
	assert.False(t, ok)
	assert.Len(t, tracker.RecordsByChannel("email", 0), 1)
	assert.Len(t, tracker.RecordsByStatus(StatusQueued, 0), 1)
}

func TestTracker_CleanupTaskIdempotentStartStop(t *testing.T) {
	tracker := NewDeliveryTracker(TrackerConfig{RetentionHours: 1, CleanupInterval: 5 * time.Millisecond})

	tracker.TrackQueued("stale", "email", "a@example.com", nil)
	rec, _ := tracker.Record(RecordID("stale", "a@example.com"))
	rec.Timestamp = time.Now().Add(-2 * time.Hour)

	tracker.StartCleanupTask()
	tracker.StartCleanupTask() // second start is a no-op

	assert.Eventually(t, func() bool {
		_, ok := tracker.Record(RecordID("stale", "a@example.com"))
		return !ok
	}, time.Second, 5*time.Millisecond)

	tracker.StopCleanupTask()
	tracker.StopCleanupTask() // second stop is a no-op
}
