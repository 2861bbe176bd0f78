package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records deliveries and injects failures.
type fakeSink struct {
	mu    sync.Mutex
	sent  []string
	calls int

	// fail injects this many failures before succeeding; -1 fails forever
	fail     int
	failWith error
}

func (s *fakeSink) Send(_ context.Context, _, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != 0 {
		if s.fail > 0 {
			s.fail--
		}
		return s.failWith
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastNotifyConfig() *NotifyConfig {
	return &NotifyConfig{
		MaxAttempts:   3,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		RatePerSecond: 1000,
	}
}

func testGateway(t testing.TB) (*NotificationGateway, *fakeSink) {
	t.Helper()
	_, writeDB := newTestDB(t)
	gateway := NewNotificationGateway(writeDB, fastNotifyConfig(), nil)
	sink := &fakeSink{}
	gateway.RegisterSink(NotificationKindChannel, sink)
	return gateway, sink
}

func jobState(t testing.TB, g *NotificationGateway, jobID string) NotificationJob {
	t.Helper()
	var job NotificationJob
	require.NoError(
		t,
		g.writeDB.DB().Where("id = ?", jobID).First(&job).Error,
	)
	return job
}

func TestNotifyDelivers(t *testing.T) {
	gateway, sink := testGateway(t)
	ctx := context.Background()

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "hello")
	require.NoError(t, gateway.Enqueue(ctx, job))

	gateway.deliverDue(ctx)

	assert.Equal(t, []string{"hello"}, sink.sent)
	stored := jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateDelivered, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, int64(1), gateway.Stats().Delivered)
}

func TestNotifyTransientFailureRescheduled(t *testing.T) {
	gateway, sink := testGateway(t)
	ctx := context.Background()

	sink.fail = 1
	sink.failWith = fmt.Errorf("%w: socket closed", ErrDeliveryTransient)

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "hello")
	require.NoError(t, gateway.Enqueue(ctx, job))

	gateway.deliverDue(ctx)

	stored := jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateQueued, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "socket closed")
	assert.Greater(t, stored.NextAttemptAt, job.CreatedAt)

	// once due again, the retry succeeds
	time.Sleep(5 * time.Millisecond)
	gateway.deliverDue(ctx)
	stored = jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateDelivered, stored.State)
	assert.Equal(t, 2, stored.Attempts)
}

func TestNotifyRetriesExhaustedDeadLetters(t *testing.T) {
	gateway, sink := testGateway(t)
	ctx := context.Background()

	sink.fail = -1
	sink.failWith = fmt.Errorf("%w: socket closed", ErrDeliveryTransient)

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "hello")
	require.NoError(t, gateway.Enqueue(ctx, job))

	// drive attempts to the ceiling
	for i := 0; i < 10; i++ {
		time.Sleep(6 * time.Millisecond)
		gateway.deliverDue(ctx)
	}

	assert.Equal(t, 3, sink.callCount())
	stored := jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateDead, stored.State)

	letters, err := gateway.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ID, letters[0].JobID)
	assert.Contains(t, letters[0].Reason, "retries exhausted")
	assert.Equal(t, int64(1), gateway.Stats().Dead)

	// a dead job is never attempted again
	calls := sink.callCount()
	gateway.deliverDue(ctx)
	assert.Equal(t, calls, sink.callCount())
}

func TestNotifyPermanentFailureDeadLettersImmediately(t *testing.T) {
	gateway, sink := testGateway(t)
	ctx := context.Background()

	sink.fail = -1
	sink.failWith = errors.New("unknown channel")

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "hello")
	require.NoError(t, gateway.Enqueue(ctx, job))
	gateway.deliverDue(ctx)

	assert.Equal(t, 1, sink.callCount())
	stored := jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateDead, stored.State)

	letters, err := gateway.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Contains(t, letters[0].Reason, "permanent failure")
}

func TestNotifyNoSinkRegistered(t *testing.T) {
	_, writeDB := newTestDB(t)
	gateway := NewNotificationGateway(writeDB, fastNotifyConfig(), nil)
	ctx := context.Background()

	job := NewNotificationJob(NotificationKindWebhook, "https://example.com", "x")
	require.NoError(t, gateway.Enqueue(ctx, job))
	gateway.deliverDue(ctx)

	stored := jobState(t, gateway, job.ID)
	assert.Equal(t, NotificationStateDead, stored.State)
}

func TestNotifyFutureJobsNotAttempted(t *testing.T) {
	gateway, sink := testGateway(t)
	ctx := context.Background()

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "later")
	job.NextAttemptAt = time.Now().UTC().Add(time.Hour).UnixMilli()
	require.NoError(t, gateway.Enqueue(ctx, job))

	gateway.deliverDue(ctx)
	assert.Equal(t, 0, sink.callCount())
}

func TestNotifyRunWakesOnEnqueue(t *testing.T) {
	gateway, sink := testGateway(t)

	config := fastNotifyConfig()
	config.PollInterval = time.Hour
	gateway.pollInterval = config.PollInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gateway.Run(ctx)
	}()

	job := NewNotificationJob(NotificationKindChannel, "channel-1", "hello")
	require.NoError(t, gateway.Enqueue(ctx, job))

	require.Eventually(
		t, func() bool {
			return sink.callCount() == 1
		}, 5*time.Second, 10*time.Millisecond,
	)
	cancel()
	<-done
}
