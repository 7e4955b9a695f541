package tasks

import (
	"context"
	"encoding/json"

	"github.com/loomengine/loom/pkg/schema"
)

// ProgressFunc reports generation progress in percent [0,100]. Runners call
// it best-effort; implementations must tolerate it being invoked from the
// runner's goroutine.
type ProgressFunc func(percent int)

// Task is the unit of work handed to a Runner: one node, its resolved
// parameters, and the outputs of its upstream dependencies keyed by input
// handle.
type Task struct {
	NodeID string                     `json:"node_id"`
	Kind   schema.NodeKind            `json:"kind"`
	Params json.RawMessage            `json:"params,omitempty"`
	Inputs map[string]json.RawMessage `json:"inputs,omitempty"`
}

// Result is what a Runner produces for a completed task.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
	Logs   []string        `json:"logs,omitempty"`
}

// Runner executes a single generation task. Implementations must honor
// context cancellation and return ctx.Err() (or an error wrapping it) when
// the task is aborted mid-flight.
type Runner interface {
	Name() string
	Execute(ctx context.Context, task Task, progress ProgressFunc) (*Result, error)
}
