package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/loomengine/loom/internal/store"
	"github.com/loomengine/loom/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and RunLog; used by the FSM to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages node lifecycle state transitions during a run.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a new NodeFSM that emits events via the given appender.
// A nil appender disables event emission (ad-hoc runs without a store).
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a node state transition, emitting the
// corresponding event via the appender. payload is attached to the emitted
// event (the node's output on success, the error object on failure); it may
// be nil. The caller owns applying the new status to the node itself.
func (f *NodeFSM) Transition(ctx context.Context, runID, graphID, nodeID string, from, to schema.NodeStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := nodeEventType(to)
	if eventType != "" && f.appender != nil {
		event := &store.Event{
			RunID:   runID,
			GraphID: graphID,
			NodeID:  nodeID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusQueued:
		return schema.EventNodeQueued
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSuccess:
		return schema.EventNodeCompleted
	case schema.NodeStatusError:
		return schema.EventNodeFailed
	case schema.NodeStatusCanceled:
		return schema.EventNodeCancelled
	case schema.NodeStatusIdle:
		return schema.EventNodeReset
	default:
		return ""
	}
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// Terminal states exit only through an explicit reset back to idle.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:     {schema.NodeStatusQueued},
	schema.NodeStatusQueued:   {schema.NodeStatusRunning, schema.NodeStatusCanceled, schema.NodeStatusIdle},
	schema.NodeStatusRunning:  {schema.NodeStatusSuccess, schema.NodeStatusError, schema.NodeStatusCanceled},
	schema.NodeStatusSuccess:  {schema.NodeStatusIdle},
	schema.NodeStatusError:    {schema.NodeStatusIdle},
	schema.NodeStatusCanceled: {schema.NodeStatusIdle},
}
