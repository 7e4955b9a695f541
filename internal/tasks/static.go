package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomengine/loom/pkg/schema"
)

// StaticRunner produces deterministic outputs without calling any provider.
// It backs offline mode and tests: each task completes after a fixed delay
// with a synthesized output describing the node.
type StaticRunner struct {
	name string
	// Delay per task. Zero completes immediately.
	Delay time.Duration
	// FailNodes lists node IDs whose tasks fail with an execution error.
	FailNodes map[string]bool
	// Outputs overrides the synthesized output per node ID.
	Outputs map[string]json.RawMessage
}

// NewStaticRunner creates a StaticRunner.
func NewStaticRunner(name string) *StaticRunner {
	return &StaticRunner{name: name}
}

// Name returns the runner identifier.
func (r *StaticRunner) Name() string { return r.name }

// Execute waits the configured delay, reporting progress, then returns the
// synthesized output. Honors context cancellation during the wait.
func (r *StaticRunner) Execute(ctx context.Context, task Task, progress ProgressFunc) (*Result, error) {
	if r.Delay > 0 {
		steps := 4
		tick := r.Delay / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tick):
			}
			if progress != nil {
				progress(i * 100 / steps)
			}
		}
	} else if progress != nil {
		progress(100)
	}

	if r.FailNodes[task.NodeID] {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: simulated failure", r.name).
			WithNode(task.NodeID)
	}

	output := r.Outputs[task.NodeID]
	if output == nil {
		b, _ := json.Marshal(map[string]any{
			"node_id": task.NodeID,
			"kind":    string(task.Kind),
			"result":  fmt.Sprintf("%s output for %s", task.Kind, task.NodeID),
		})
		output = json.RawMessage(b)
	}

	return &Result{Output: output}, nil
}

var _ Runner = (*StaticRunner)(nil)
