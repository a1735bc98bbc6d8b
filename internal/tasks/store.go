// Package tasks implements the mutex-guarded in-memory task store: the
// authoritative record of every task's lifecycle state (§4.4), with
// optimistic-concurrency versioning so concurrent updates from the planner,
// the approval endpoint, and the dispatcher never silently clobber one
// another.
package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/controller/internal/protocol"
)

// ErrNotFound is returned when a task ID has no record in the store.
var ErrNotFound = fmt.Errorf("tasks: not found")

// ErrVersionConflict is returned by CompareAndSwap when the caller's
// expected version no longer matches the stored task.
var ErrVersionConflict = fmt.Errorf("tasks: version conflict")

// ErrIllegalTransition is returned when a status update would not be a
// legal edge in the task lifecycle graph.
var ErrIllegalTransition = fmt.Errorf("tasks: illegal status transition")

// Store is the controller's authoritative, in-memory task table.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*protocol.Task
}

// New creates an empty task store.
func New() *Store {
	return &Store{tasks: make(map[string]*protocol.Task)}
}

// Create inserts a brand-new task in TaskPending status.
func (s *Store) Create(id, request string) *protocol.Task {
	now := time.Now().UTC()
	task := &protocol.Task{
		ID:        id,
		Request:   request,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    protocol.TaskPending,
		Version:   1,
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()

	return task.Clone()
}

// Get returns a deep copy of a task.
func (s *Store) Get(id string) (*protocol.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// List returns a deep copy of every task, in no particular order.
func (s *Store) List() []*protocol.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*protocol.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Mutate applies fn to the stored task under the write lock and bumps its
// version and UpdatedAt. fn is responsible for enforcing whatever
// field-level invariants the caller needs; Mutate itself only guards status
// transitions when fn changes Status.
func (s *Store) Mutate(id string, fn func(t *protocol.Task) error) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	before := task.Status
	if err := fn(task); err != nil {
		return nil, err
	}
	if task.Status != before && !before.CanTransition(task.Status) {
		task.Status = before // roll back the attempted change
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, before, task.Status)
	}

	task.UpdatedAt = time.Now().UTC()
	task.Version++
	return task.Clone(), nil
}

// TransitionTo moves a task to a new status, rejecting the call outright if
// the edge is illegal so callers don't need to duplicate the state-machine
// check before calling Mutate.
func (s *Store) TransitionTo(id string, next protocol.TaskStatus) (*protocol.Task, error) {
	return s.Mutate(id, func(t *protocol.Task) error {
		if !t.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, next)
		}
		t.Status = next
		return nil
	})
}

// CompareAndSwap applies fn only if the task's current version matches
// expectedVersion, giving callers optimistic-concurrency protection against
// a concurrent update (e.g. an operator approving a plan the planner just
// replaced).
func (s *Store) CompareAndSwap(id string, expectedVersion int64, fn func(t *protocol.Task) error) (*protocol.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	before := task.Status
	if err := fn(task); err != nil {
		return nil, err
	}
	if task.Status != before && !before.CanTransition(task.Status) {
		task.Status = before
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, before, task.Status)
	}

	task.UpdatedAt = time.Now().UTC()
	task.Version++
	return task.Clone(), nil
}

// Delete removes a task from the store outright, used by the retention
// sweep to prune terminal tasks past their retention window (§9).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Snapshot returns every task for periodic persistence (snapshotstate).
func (s *Store) Snapshot() []*protocol.Task {
	return s.List()
}

// Restore replaces the store's contents, used when rehydrating from a
// snapshot plus replayed audit ledger tail on startup.
func (s *Store) Restore(ts []*protocol.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*protocol.Task, len(ts))
	for _, t := range ts {
		s.tasks[t.ID] = t.Clone()
	}
}
