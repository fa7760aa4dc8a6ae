package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/pkg/schema"
)

func recvOne(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{
		ExecutionID: "exec-1",
		StepName:    "compute_loads",
		EventType:   schema.EventStepCompleted,
	}))

	e := recvOne(t, ch)
	assert.Equal(t, "exec-1", e.ExecutionID)
	assert.Equal(t, schema.EventStepCompleted, e.EventType)
}

func TestMemoryHub_FilterByExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventExecutionCompleted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: schema.EventExecutionCompleted}))

	e := recvOne(t, ch)
	assert.Equal(t, "exec-2", e.ExecutionID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventExecutionParked, schema.EventApprovalDecided},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: schema.EventExecutionParked}))

	e := recvOne(t, ch)
	assert.Equal(t, schema.EventExecutionParked, e.EventType)
}

func TestMemoryHub_CancelRemovesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: schema.EventExecutionCompleted}))
	select {
	case e := <-ch:
		t.Fatalf("cancelled subscriber received event: %+v", e)
	default:
	}
}

func TestMemoryHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Overflow the buffer without draining; Publish must never block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "e", EventType: schema.EventStepCompleted}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestMemoryHub_ConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: schema.EventStepCompleted})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, len(ch))
}

func TestMemoryHub_SubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
	require.Error(t, hub.Publish(ctx, StreamEvent{}))
}
