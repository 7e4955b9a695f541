// Package history implements a bounded snapshot undo/redo stack over graph
// documents. Every topology mutation pushes a snapshot of the prior state;
// execution-status updates never do.
package history

import (
	"sync"

	"github.com/loomengine/loom/pkg/schema"
)

// DefaultLimit is the default maximum depth of the past stack.
const DefaultLimit = 50

// Stack is a bounded past/future snapshot stack. Safe for concurrent use.
type Stack struct {
	mu     sync.Mutex
	limit  int
	past   []*schema.GraphDocument
	future []*schema.GraphDocument
}

// New creates a Stack with the given depth limit. Non-positive limits fall
// back to DefaultLimit.
func New(limit int) *Stack {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Stack{limit: limit}
}

// Push records a snapshot of the state before a mutation and clears the
// redo stack. When the past stack is full the oldest snapshot is evicted.
func (s *Stack) Push(snapshot *schema.GraphDocument) {
	if snapshot == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.past = append(s.past, snapshot)
	if len(s.past) > s.limit {
		// Evict oldest; copy to release the backing array slot.
		s.past = append(s.past[:0:0], s.past[1:]...)
	}
	s.future = s.future[:0]
}

// Undo exchanges the current state for the most recent past snapshot:
// current moves to the future stack, and the popped snapshot is returned.
// Returns nil when there is nothing to undo.
func (s *Stack) Undo(current *schema.GraphDocument) *schema.GraphDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.past) == 0 {
		return nil
	}
	top := s.past[len(s.past)-1]
	s.past = s.past[:len(s.past)-1]
	s.future = append(s.future, current)
	return top
}

// Redo is the reverse of Undo. Returns nil when there is nothing to redo.
func (s *Stack) Redo(current *schema.GraphDocument) *schema.GraphDocument {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.future) == 0 {
		return nil
	}
	top := s.future[len(s.future)-1]
	s.future = s.future[:len(s.future)-1]
	s.past = append(s.past, current)
	return top
}

// CanUndo reports whether a past snapshot is available.
func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.past) > 0
}

// CanRedo reports whether a future snapshot is available.
func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.future) > 0
}

// Depth returns the current past and future stack depths.
func (s *Stack) Depth() (past, future int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.past), len(s.future)
}
