package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helm-labs/council/pkg/contracts"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx)

	for i := uint64(1); i <= 5; i++ {
		b.Publish(contracts.AuditEvent{TaskID: "t1", Seq: i})
	}

	for i := uint64(1); i <= 5; i++ {
		select {
		case e := <-sub.Events:
			assert.Equal(t, i, e.Seq)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDisconnectsAsLagging(t *testing.T) {
	b := New().WithCapacity(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx)

	// Flood past capacity without draining.
	for i := 0; i < 10; i++ {
		b.Publish(contracts.AuditEvent{TaskID: "t1", Seq: uint64(i)})
	}

	select {
	case _, ok := <-sub.Events:
		if ok {
			// Drain until closed.
			for ok {
				_, ok = <-sub.Events
			}
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to drain or close")
	}
	assert.Equal(t, DisconnectLagging, sub.Reason())
}

func TestUnrelatedSubscriberUnaffectedByLaggingPeer(t *testing.T) {
	b := New().WithCapacity(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := b.Subscribe(ctx)
	fast := b.Subscribe(ctx)

	go func() {
		for {
			select {
			case <-fast.Events:
			case <-ctx.Done():
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		b.Publish(contracts.AuditEvent{TaskID: "t1", Seq: uint64(i)})
	}

	require.Eventually(t, func() bool {
		return slow.Reason() == DisconnectLagging
	}, time.Second, 10*time.Millisecond)
}

func TestContextCancelClosesSubscription(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-sub.Events
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DisconnectClosed, sub.Reason())
}

func TestSinkInvokedBeforeFanout(t *testing.T) {
	var sinkSeen []uint64
	b := New().WithSink(func(e contracts.AuditEvent) {
		sinkSeen = append(sinkSeen, e.Seq)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx)

	b.Publish(contracts.AuditEvent{TaskID: "t1", Seq: 1})
	<-sub.Events

	assert.Equal(t, []uint64{1}, sinkSeen)
}

func TestCloseDisconnectsAllSubscribers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := b.Subscribe(ctx)

	b.Close()

	require.Eventually(t, func() bool {
		_, ok := <-sub.Events
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DisconnectClosed, sub.Reason())

	// Subscribing after Close returns an already-closed subscription.
	late := b.Subscribe(context.Background())
	_, ok := <-late.Events
	assert.False(t, ok)
	assert.Equal(t, DisconnectClosed, late.Reason())
}
