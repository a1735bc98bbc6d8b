package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agentmesh/controller/internal/protocol"
)

// Subscription is one observer's bounded outbound queue. It is a plain
// mutex-guarded slice rather than a Go channel because the back-pressure
// policy in §4.6 needs to reach into the queue to drop or supersede
// specific entries, which a channel cannot do.
type Subscription struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	queue     []protocol.Envelope
	maxLen    int
	notify    chan struct{}
	truncated bool // a task_output_truncated sentinel is already queued
}

func newSubscription(id string, maxLen int, logger *slog.Logger) *Subscription {
	return &Subscription{
		id:     id,
		logger: logger,
		maxLen: maxLen,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the subscription's connection id.
func (s *Subscription) ID() string { return s.id }

// enqueue applies the coalesce/drop policy and appends env.
func (s *Subscription) enqueue(env protocol.Envelope) {
	s.mu.Lock()

	switch env.Kind {
	case protocol.BroadcastTaskUpdated:
		s.supersedeTaskUpdated(env)
	case protocol.BroadcastTaskOutput:
		if len(s.queue) >= s.maxLen {
			s.dropOldestOutputAndMarkTruncated(env)
			s.mu.Unlock()
			s.signal()
			return
		}
		s.queue = append(s.queue, env)
	default:
		if len(s.queue) >= s.maxLen {
			// task_updated is never dropped; everything else yields to it.
			if !s.dropOldestNonTaskUpdated() {
				s.logger.Warn("eventbus: subscriber queue full, dropping broadcast", "subscriber", s.id, "kind", env.Kind)
				s.mu.Unlock()
				return
			}
		}
		s.queue = append(s.queue, env)
	}

	s.mu.Unlock()
	s.signal()
}

// supersedeTaskUpdated removes any already-queued task_updated for the
// same task_id before appending env, so a subscriber never observes a
// stale version after a newer one per §3's version-ordering invariant.
func (s *Subscription) supersedeTaskUpdated(env protocol.Envelope) {
	task, ok := env.Payload.(*protocol.Task)
	if !ok {
		s.queue = append(s.queue, env)
		return
	}

	out := s.queue[:0]
	for _, queued := range s.queue {
		if queued.Kind == protocol.BroadcastTaskUpdated {
			if qt, ok := queued.Payload.(*protocol.Task); ok && qt.ID == task.ID {
				continue // superseded by the newer env appended below
			}
		}
		out = append(out, queued)
	}
	s.queue = append(out, env)
}

// dropOldestOutputAndMarkTruncated evicts the oldest task_output entry (or,
// failing that, the oldest entry that is not a task_updated) and appends env, then
// ensures exactly one task_output_truncated sentinel is queued.
func (s *Subscription) dropOldestOutputAndMarkTruncated(env protocol.Envelope) {
	for i, queued := range s.queue {
		if queued.Kind == protocol.BroadcastTaskOutput {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	if len(s.queue) >= s.maxLen {
		// No task_output entry to drop (the queue is full of other kinds,
		// e.g. task_updated for many distinct task IDs); task_updated is
		// never dropped per §4.6, so fall back to the same rule the
		// default branch of enqueue uses.
		s.dropOldestNonTaskUpdated()
	}

	s.queue = append(s.queue, env)
	if !s.truncated {
		s.truncated = true
		s.queue = append(s.queue, protocol.Envelope{
			Kind:      protocol.BroadcastTaskOutputTrunc,
			EmittedAt: env.EmittedAt,
		})
	}
}

// dropOldestNonTaskUpdated evicts the oldest queued entry that is not a
// task_updated broadcast, reporting whether it found one to drop.
func (s *Subscription) dropOldestNonTaskUpdated() bool {
	for i, queued := range s.queue {
		if queued.Kind != protocol.BroadcastTaskUpdated {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an envelope is available or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (protocol.Envelope, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			if env.Kind == protocol.BroadcastTaskOutputTrunc {
				s.truncated = false
			}
			s.mu.Unlock()
			return env, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Len reports the number of envelopes currently queued, for tests and
// diagnostics.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
