package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smshub-agent/internal/clock"
	"smshub-agent/internal/model"
	"smshub-agent/internal/notify"
	"smshub-agent/internal/provider"
	"smshub-agent/internal/store"
)

// fakePusher 按顺序返回预设结果，用完后返回 fallback
type fakePusher struct {
	mu       sync.Mutex
	results  []error
	fallback error
	requests []provider.PushSMSRequest
	// accepted 平台接受推送后调用
	accepted func()
}

func (f *fakePusher) PushSMS(_ context.Context, req provider.PushSMSRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	err := f.fallback
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	if err == nil && f.accepted != nil {
		f.accepted()
	}
	return err
}

func (f *fakePusher) setFallback(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = err
}

func (f *fakePusher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

var errNetwork = errors.New("dial tcp 10.0.0.1:443: connection refused")

type fixture struct {
	store  *store.Memory
	pusher *fakePusher
	clock  *clock.Fake
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:  store.NewMemory(),
		pusher: &fakePusher{},
		clock:  clock.NewFake(time.Now()),
		events: &notify.Recorder{},
	}
}

func (f *fixture) pipeline(config Config) *Pipeline {
	return NewPipeline(f.store, f.pusher, f.clock, f.events, nil, config)
}

func (f *fixture) addMessage(t *testing.T, smsID string) {
	t.Helper()
	require.NoError(t, f.store.CreateMessage(context.Background(), &model.Message{
		SMSID:     smsID,
		ModemID:   1,
		PhoneFrom: "VK",
		PhoneTo:   "+79990000000",
		Text:      "Code 1234",
	}))
}

func (f *fixture) message(t *testing.T, smsID string) *model.Message {
	t.Helper()
	message, err := f.store.GetMessage(context.Background(), smsID)
	require.NoError(t, err)
	return message
}

func TestAttemptNetworkFaultRecordsError(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = errNetwork

	delivered, err := f.pipeline(Config{}).Attempt(context.Background(), "s1")
	assert.False(t, delivered)
	assert.ErrorIs(t, err, errNetwork)

	message := f.message(t, "s1")
	assert.False(t, message.Delivered)
	assert.Equal(t, 1, message.DeliveryAttempts)
	require.NotNil(t, message.LastError)
	assert.Contains(t, *message.LastError, "connection refused")

	events := f.events.OfType(notify.SMSUpdate)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Fields["delivery_attempts"])
}

func TestAttemptApplicationErrorRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = &provider.Error{Action: "PUSH_SMS", Status: provider.StatusError, Reason: "WRONG_SMS_ID"}

	delivered, err := f.pipeline(Config{}).Attempt(context.Background(), "s1")
	assert.False(t, delivered)
	assert.Error(t, err)
	assert.Equal(t, "WRONG_SMS_ID", *f.message(t, "s1").LastError)
}

func TestAttemptSuccessAndAlreadyDelivered(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	pipeline := f.pipeline(Config{})

	delivered, err := pipeline.Attempt(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, delivered)

	delivered, err = pipeline.Attempt(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, f.pusher.calls())

	message := f.message(t, "s1")
	assert.True(t, message.Delivered)
	assert.Equal(t, 1, message.DeliveryAttempts)

	require.Len(t, f.pusher.requests, 1)
	assert.Equal(t, provider.PushSMSRequest{SMSID: "s1", Phone: "+79990000000", PhoneFrom: "VK", Text: "Code 1234"}, f.pusher.requests[0])
}

// ctxMessages 像 MySQL 一样在 ctx 取消后拒绝写入
type ctxMessages struct {
	store.MessageStore
}

func (s ctxMessages) UpdateMessage(ctx context.Context, smsID string, update model.MessageUpdate) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MessageStore.UpdateMessage(ctx, smsID, update)
}

func TestAcceptedPushIsRecordedAfterCancellation(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	pipeline := NewPipeline(ctxMessages{f.store}, f.pusher, f.clock, f.events, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	f.pusher.accepted = cancel

	require.NoError(t, pipeline.Run(ctx, "s1"))

	message := f.message(t, "s1")
	assert.True(t, message.Delivered)
	assert.Equal(t, 1, message.DeliveryAttempts)
	assert.Len(t, f.events.OfType(notify.SMSUpdate), 1)
}

func TestAttemptUnknownMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(Config{}).Attempt(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunRetriesOnFixedInterval(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = errNetwork
	pipeline := f.pipeline(Config{RetryInterval: 10 * time.Second})

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(context.Background(), "s1") }()

	for cycle := 1; cycle <= 3; cycle++ {
		require.True(t, f.clock.BlockUntil(1, time.Second), "cycle %d", cycle)
		assert.Equal(t, cycle, f.message(t, "s1").DeliveryAttempts)
		if cycle == 3 {
			f.pusher.setFallback(nil)
		}
		f.clock.Advance(10 * time.Second)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not finish")
	}
	message := f.message(t, "s1")
	assert.True(t, message.Delivered)
	assert.Equal(t, 4, message.DeliveryAttempts)
}

func TestRunDoesNotRetryBeforeInterval(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = errNetwork
	pipeline := f.pipeline(Config{RetryInterval: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx, "s1") }()

	require.True(t, f.clock.BlockUntil(1, time.Second))
	f.clock.Advance(9 * time.Second)
	assert.Equal(t, 1, f.pusher.calls())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, f.message(t, "s1").DeliveryAttempts)
}

func TestRunStopsAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = errNetwork
	pipeline := f.pipeline(Config{RetryInterval: time.Second, MaxAttempts: 2})

	done := make(chan error, 1)
	go func() { done <- pipeline.Run(context.Background(), "s1") }()

	require.True(t, f.clock.BlockUntil(1, time.Second))
	f.clock.Advance(time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop at the attempt cap")
	}
	assert.Equal(t, 2, f.message(t, "s1").DeliveryAttempts)
}

func TestSchedulerDeduplicatesAndStops(t *testing.T) {
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.pusher.fallback = errNetwork
	scheduler := NewScheduler(f.pipeline(Config{}))

	assert.True(t, scheduler.Schedule("s1"))
	assert.False(t, scheduler.Schedule("s1"))
	require.True(t, f.clock.BlockUntil(1, time.Second))
	assert.Equal(t, []string{"s1"}, scheduler.Pending())

	scheduler.Stop()
	assert.Empty(t, scheduler.Pending())
	assert.False(t, scheduler.Schedule("s1"))
	assert.Equal(t, 1, f.pusher.calls())
}

func TestSchedulerResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addMessage(t, "s1")
	f.addMessage(t, "s2")
	f.addMessage(t, "s3")
	_, err := f.store.UpdateMessage(ctx, "s2", model.MessageUpdate{Delivered: model.Ptr(true)})
	require.NoError(t, err)
	_, err = f.store.UpdateMessage(ctx, "s3", model.MessageUpdate{DeliveryAttempts: model.Ptr(5)})
	require.NoError(t, err)

	scheduler := NewScheduler(f.pipeline(Config{MaxAttempts: 5}))
	defer scheduler.Stop()

	scheduled, err := scheduler.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, scheduled)

	assert.Eventually(t, func() bool {
		message, err := f.store.GetMessage(ctx, "s1")
		return err == nil && message.Delivered
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.pusher.calls())
}
