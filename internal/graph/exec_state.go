package graph

import (
	"github.com/loomengine/loom/pkg/schema"
)

// Execution-state setters. Used only by the engine's serialized update path;
// they never touch topology. A setter against a node deleted mid-run is a
// no-op so the scheduler can merge results from a frozen snapshot safely.

// SetStatus records a node's lifecycle status.
func (g *Graph) SetStatus(nodeID string, status schema.NodeStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.Status = status
	}
}

// SetProgress records progress for a running node, clamped to [0, 100] and
// monotonic: regressions are ignored.
func (g *Graph) SetProgress(nodeID string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok && percent > n.Progress {
		n.Progress = percent
	}
}

// AppendLog appends a log line to a node. Additive and node-scoped.
func (g *Graph) AppendLog(nodeID, line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.Logs = append(n.Logs, line)
	}
}

// SetOutput records a node's opaque result payload.
func (g *Graph) SetOutput(nodeID string, output []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.Output = append([]byte(nil), output...)
	}
}

// SetLastError records a node's diagnostic message.
func (g *Graph) SetLastError(nodeID, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.LastError = msg
	}
}

// SetCanceled records the cancellation intent flag, distinct from the
// terminal canceled status.
func (g *Graph) SetCanceled(nodeID string, canceled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.Canceled = canceled
	}
}

// CancelRequested reports the node's cancellation intent flag.
func (g *Graph) CancelRequested(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nodeID]
	return ok && n.Canceled
}

// ResetExec clears a node's execution state back to idle.
func (g *Graph) ResetExec(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[nodeID]; ok {
		n.ResetExecState()
	}
}

// Status returns a node's current lifecycle status.
func (g *Graph) Status(nodeID string) (schema.NodeStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return "", false
	}
	return n.Status, true
}
