package schema

// Event type constants for the run event log and the streaming hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeQueued    = "node_queued"
	EventNodeStarted   = "node_started"
	EventNodeProgress  = "node_progress"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeCancelled = "node_cancelled"
	EventNodeSkipped   = "node_skipped"
	EventNodeReset     = "node_reset"

	EventGraphMutated = "graph_mutated"
	EventGraphSaved   = "graph_saved"
)

// NodeStatus represents the lifecycle state of a node.
type NodeStatus string

const (
	NodeStatusIdle     NodeStatus = "idle"
	NodeStatusQueued   NodeStatus = "queued"
	NodeStatusRunning  NodeStatus = "running"
	NodeStatusSuccess  NodeStatus = "success"
	NodeStatusError    NodeStatus = "error"
	NodeStatusCanceled NodeStatus = "canceled"
)

// Terminal reports whether no further automatic transition occurs from this
// status without an explicit retry.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusError || s == NodeStatusCanceled
}

// RunStatus represents the lifecycle state of a whole run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)
