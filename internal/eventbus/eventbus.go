// Package eventbus fans out task and agent state deltas to connected UI
// observers (§4.6): a single broadcast stream with per-subscriber bounded
// queues and the drop/coalesce back-pressure policy §4.6 requires.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentmesh/controller/internal/protocol"
)

// DefaultQueueSize is the default bound on a subscriber's outbound queue.
const DefaultQueueSize = 1024

// Bus is the controller's single broadcast point. Every UI WebSocket
// connection owns one Subscription.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	logger    *slog.Logger

	batcher *outputBatcher
}

// New creates an event bus with the default per-subscriber queue bound.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
	b.batcher = newOutputBatcher(b.broadcast)
	return b
}

// Subscribe registers a new observer and returns its Subscription. id
// should be unique per connection (e.g. a generated WS connection id).
func (b *Bus) Subscribe(id string) *Subscription {
	sub := newSubscription(id, b.queueSize, b.logger)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes an observer; its Subscription's queue is discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// SubscriberCount reports the number of connected observers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Broadcast fans env out to every subscriber's queue, applying each
// subscriber's own back-pressure policy independently: per §5, broadcasts
// fan out with no global lock serializing the per-subscriber enqueues.
func (b *Bus) Broadcast(env protocol.Envelope) {
	b.broadcast(env)
}

func (b *Bus) broadcast(env protocol.Envelope) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(env)
	}
}

// PublishTaskOutput applies the 50ms same-(task_id,stream) batching rule
// before broadcasting, merging a burst of small chunks into one message.
func (b *Bus) PublishTaskOutput(out *protocol.TaskOutput) {
	b.batcher.add(out)
}

// Close stops the batcher's pending flush timers without flushing them:
// chunks still inside the batch window are discarded, and later
// PublishTaskOutput calls are ignored.
func (b *Bus) Close() {
	b.batcher.close()
}

// PublishContext blocks, delivering envelopes from ch to the bus until ctx
// is cancelled or ch closes, letting a producer (e.g. the dispatcher's
// onOutput/onResult callbacks) feed the bus without knowing about
// Subscription internals.
func (b *Bus) PublishContext(ctx context.Context, ch <-chan protocol.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			b.broadcast(env)
		}
	}
}
