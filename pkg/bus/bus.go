// Package bus implements the Audit Event Bus: in-process fan-out of
// AuditEvents to subscribers in per-task sequence order. The
// bus never drops events — a subscriber that falls behind is backpressured
// against a bounded queue and, on overflow, disconnected with "lagging"
// rather than silently losing events.
package bus

import (
	"context"
	"sync"

	"github.com/helm-labs/council/pkg/contracts"
)

// DefaultQueueCapacity is the per-subscriber bound (config key
// bus.subscriber_queue_capacity).
const DefaultQueueCapacity = 1024

// Bus fans AuditEvents out to subscribers and, optionally, a persistent
// sink. Publish is synchronous: it returns only after every live subscriber
// has either accepted the event onto its queue or been disconnected for
// lagging.
type Bus interface {
	Publish(e contracts.AuditEvent)
	Subscribe(ctx context.Context) *Subscription
}

// DisconnectReason explains why a Subscription's channel was closed.
type DisconnectReason string

const (
	DisconnectNone    DisconnectReason = ""
	DisconnectLagging DisconnectReason = "lagging"
	DisconnectClosed  DisconnectReason = "closed"
)

// Subscription is a live handle to the event stream. Events arrive in
// per-task seq order; Events is closed when the subscriber's context is
// canceled, the bus is closed, or the subscriber is disconnected for
// lagging — check Reason() after the channel closes to tell them apart.
type Subscription struct {
	Events <-chan contracts.AuditEvent

	mu     sync.Mutex
	reason DisconnectReason
}

// Reason reports why Events closed. It is only meaningful after the channel
// is drained and closed.
func (s *Subscription) Reason() DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) setReason(r DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == DisconnectNone {
		s.reason = r
	}
}

// subscriber is the bus's private handle on one Subscription.
type subscriber struct {
	ch     chan contracts.AuditEvent
	done   <-chan struct{}
	sub    *Subscription
	closed bool
}

// InProcessBus is the default Bus: a mutex-protected subscriber list, each
// with its own bounded channel.
type InProcessBus struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	capacity int
	closed   bool

	// sink, if set, is invoked synchronously for every published event
	// before Publish returns — the durability-before-visibility ordering
	// is maintained by wiring sink to the Provenance Store's
	// AppendEvent result, not by re-appending here.
	sink func(contracts.AuditEvent)
}

// New constructs an InProcessBus with DefaultQueueCapacity per subscriber.
func New() *InProcessBus {
	return &InProcessBus{subs: make(map[*subscriber]struct{}), capacity: DefaultQueueCapacity}
}

// WithCapacity overrides the per-subscriber queue bound.
func (b *InProcessBus) WithCapacity(n int) *InProcessBus {
	b.capacity = n
	return b
}

// WithSink registers a function invoked synchronously for every published
// event, ahead of subscriber fan-out — typically the persistent audit log.
func (b *InProcessBus) WithSink(sink func(contracts.AuditEvent)) *InProcessBus {
	b.sink = sink
	return b
}

// Subscribe registers a new subscriber. The returned Subscription's Events
// channel closes when ctx is canceled or the bus is closed.
func (b *InProcessBus) Subscribe(ctx context.Context) *Subscription {
	ch := make(chan contracts.AuditEvent, b.capacity)
	sub := &Subscription{Events: ch}
	s := &subscriber{ch: ch, done: ctx.Done(), sub: sub}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		sub.setReason(DisconnectClosed)
		return sub
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s, DisconnectClosed)
	}()

	return sub
}

func (b *InProcessBus) remove(s *subscriber, reason DisconnectReason) {
	b.mu.Lock()
	if _, ok := b.subs[s]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s)
	b.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
		s.sub.setReason(reason)
	}
}

// Publish fans e out to every live subscriber in per-task seq order
// (callers are expected to publish in the order AuditEvents were durably
// appended). A subscriber whose queue is full is disconnected with
// "lagging" rather than blocking or dropping the event for everyone else.
func (b *InProcessBus) Publish(e contracts.AuditEvent) {
	if b.sink != nil {
		b.sink(e)
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			b.remove(s, DisconnectLagging)
		}
	}
}

// Close disconnects every subscriber and rejects future Subscribe calls.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
			s.sub.setReason(DisconnectClosed)
		}
	}
}
