package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomengine/loom/internal/tasks"
	"github.com/loomengine/loom/pkg/schema"
)

// traceRunner records every invocation and lets tests fail, block, or shape
// the output of individual nodes.
type traceRunner struct {
	mu     sync.Mutex
	order  []string
	params map[string]json.RawMessage
	inputs map[string]map[string]json.RawMessage
	active int
	peak   int

	delay   time.Duration
	fail    map[string]bool
	block   map[string]chan struct{}
	outputs map[string]json.RawMessage
}

func newTraceRunner() *traceRunner {
	return &traceRunner{
		params:  make(map[string]json.RawMessage),
		inputs:  make(map[string]map[string]json.RawMessage),
		fail:    make(map[string]bool),
		block:   make(map[string]chan struct{}),
		outputs: make(map[string]json.RawMessage),
	}
}

func (r *traceRunner) Name() string { return "trace" }

func (r *traceRunner) Execute(ctx context.Context, task tasks.Task, progress tasks.ProgressFunc) (*tasks.Result, error) {
	r.mu.Lock()
	r.order = append(r.order, task.NodeID)
	r.params[task.NodeID] = task.Params
	r.inputs[task.NodeID] = task.Inputs
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	blockCh := r.block[task.NodeID]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	progress(0)
	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.fail[task.NodeID] {
		return nil, schema.NewError(schema.ErrCodeExecution, "task failed").WithNode(task.NodeID)
	}
	progress(100)

	out := r.outputs[task.NodeID]
	if out == nil {
		out = json.RawMessage(`{"node":"` + task.NodeID + `"}`)
	}
	return &tasks.Result{Output: out}, nil
}

func (r *traceRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newTestEngine(t *testing.T, runner tasks.Runner) (*Engine, *memAppender) {
	t.Helper()
	reg := tasks.NewRegistry()
	require.NoError(t, reg.Register(schema.KindText, runner))
	app := &memAppender{}
	eng := New(Config{GraphID: "g1"}, Deps{Registry: reg, Appender: app})
	return eng, app
}

func addTestNode(t *testing.T, eng *Engine, id string, data string) {
	t.Helper()
	n := &schema.Node{
		ID:      id,
		Kind:    schema.KindText,
		Inputs:  []schema.Port{{ID: "in", Type: schema.PortAny}},
		Outputs: []schema.Port{{ID: "out", Type: schema.PortAny}},
	}
	if data != "" {
		n.Data = json.RawMessage(data)
	}
	_, err := eng.AddNode(context.Background(), n)
	require.NoError(t, err)
}

func connectNodes(t *testing.T, eng *Engine, src, tgt string) {
	t.Helper()
	_, err := eng.Connect(context.Background(), &schema.Edge{
		Source: src, SourceHandle: "out", Target: tgt, TargetHandle: "in",
	})
	require.NoError(t, err)
}

// buildDiamond wires a -> b -> d and a -> c -> d.
func buildDiamond(t *testing.T, eng *Engine) {
	t.Helper()
	for _, id := range []string{"a", "b", "c", "d"} {
		addTestNode(t, eng, id, "")
	}
	connectNodes(t, eng, "a", "b")
	connectNodes(t, eng, "a", "c")
	connectNodes(t, eng, "b", "d")
	connectNodes(t, eng, "c", "d")
}

func waitForStatus(t *testing.T, eng *Engine, nodeID string, want schema.NodeStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := eng.Graph().Status(nodeID); ok && st == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := eng.Graph().Status(nodeID)
	t.Fatalf("node %s never reached %s (stuck at %s)", nodeID, want, st)
}

func TestRunDiamond(t *testing.T) {
	runner := newTraceRunner()
	eng, app := newTestEngine(t, runner)
	buildDiamond(t, eng)

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Nodes, 4)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.Contains(t, res.Nodes, id)
		assert.Equal(t, schema.NodeStatusSuccess, res.Nodes[id].Status)
		st, _ := eng.Graph().Status(id)
		assert.Equal(t, schema.NodeStatusSuccess, st)
	}

	// a strictly first, d strictly last.
	order := runner.ran()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])

	require.Len(t, app.ofType(schema.EventRunStarted), 1)
	require.Len(t, app.ofType(schema.EventRunCompleted), 1)
	assert.Len(t, app.ofType(schema.EventNodeCompleted), 4)
}

func TestRunResolvesInputsFromUpstream(t *testing.T) {
	runner := newTraceRunner()
	runner.outputs["a"] = json.RawMessage(`{"text":"hello"}`)
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")
	addTestNode(t, eng, "b", "")
	connectNodes(t, eng, "a", "b")

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Contains(t, runner.inputs, "b")
	assert.JSONEq(t, `{"text":"hello"}`, string(runner.inputs["b"]["in"]))
}

func TestRunInterpolatesParams(t *testing.T) {
	runner := newTraceRunner()
	runner.outputs["a"] = json.RawMessage(`{"url":"https://img.example.com/1.png"}`)
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")
	addTestNode(t, eng, "b", `{"prompt":"describe ${{ nodes.a.output.url }}"}`)
	connectNodes(t, eng, "a", "b")

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.JSONEq(t, `{"prompt":"describe https://img.example.com/1.png"}`, string(runner.params["b"]))
}

func TestRunBoundsConcurrency(t *testing.T) {
	runner := newTraceRunner()
	runner.delay = 15 * time.Millisecond
	eng, _ := newTestEngine(t, runner)
	for i := 0; i < 6; i++ {
		addTestNode(t, eng, string(rune('a'+i)), "")
	}

	res, err := eng.Run(context.Background(), RunOptions{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.peak, 2)
}

func TestRunFailureSkipsDownstream(t *testing.T) {
	runner := newTraceRunner()
	runner.fail["b"] = true
	eng, app := newTestEngine(t, runner)
	buildDiamond(t, eng)

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.NodeStatusSuccess, res.Nodes["a"].Status)
	assert.Equal(t, schema.NodeStatusError, res.Nodes["b"].Status)
	assert.Equal(t, schema.NodeStatusSuccess, res.Nodes["c"].Status)
	assert.True(t, res.Nodes["d"].Skipped)

	// A skipped node never leaves idle; only the run records the skip.
	st, _ := eng.Graph().Status("d")
	assert.Equal(t, schema.NodeStatusIdle, st)
	assert.NotContains(t, runner.ran(), "d")

	require.Len(t, app.ofType(schema.EventNodeSkipped), 1)
	require.Len(t, app.ofType(schema.EventNodeFailed), 1)
	require.Len(t, app.ofType(schema.EventRunFailed), 1)
}

func TestRunCancelStopsEverything(t *testing.T) {
	runner := newTraceRunner()
	runner.block["a"] = make(chan struct{})
	eng, app := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")
	addTestNode(t, eng, "b", "")
	connectNodes(t, eng, "a", "b")

	resCh := make(chan *RunResult, 1)
	go func() {
		res, err := eng.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		resCh <- res
	}()

	waitForStatus(t, eng, "a", schema.NodeStatusRunning)

	active := eng.ActiveRuns()
	require.Len(t, active, 1)
	require.NoError(t, eng.Cancel(active[0]))

	res := <-resCh
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Equal(t, schema.NodeStatusCanceled, res.Nodes["a"].Status)
	assert.True(t, res.Nodes["b"].Skipped)
	require.NotEmpty(t, app.ofType(schema.EventRunCancelled))

	// Cancelling twice is a conflict.
	err := eng.Cancel(active[0])
	assertCode(t, err, schema.ErrCodeConflict)
}

func TestCancelSingleNodeSkipsItsCone(t *testing.T) {
	runner := newTraceRunner()
	runner.block["b"] = make(chan struct{})
	eng, _ := newTestEngine(t, runner)
	buildDiamond(t, eng)

	resCh := make(chan *RunResult, 1)
	go func() {
		res, err := eng.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		resCh <- res
	}()

	waitForStatus(t, eng, "b", schema.NodeStatusRunning)

	active := eng.ActiveRuns()
	require.Len(t, active, 1)
	require.NoError(t, eng.CancelNode(active[0], "b"))

	res := <-resCh
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Equal(t, schema.NodeStatusSuccess, res.Nodes["a"].Status)
	assert.Equal(t, schema.NodeStatusCanceled, res.Nodes["b"].Status)
	assert.Equal(t, schema.NodeStatusSuccess, res.Nodes["c"].Status)
	assert.True(t, res.Nodes["d"].Skipped)
}

func TestCallerContextCancelLeavesNoQueuedNodes(t *testing.T) {
	runner := newTraceRunner()
	runner.block["a"] = make(chan struct{})
	eng, _ := newTestEngine(t, runner)
	// Two parallel roots on a single slot: "b" sits queued while "a" runs.
	addTestNode(t, eng, "a", "")
	addTestNode(t, eng, "b", "")

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan *RunResult, 1)
	go func() {
		res, err := eng.Run(ctx, RunOptions{Concurrency: 1})
		require.NoError(t, err)
		resCh <- res
	}()

	waitForStatus(t, eng, "a", schema.NodeStatusRunning)
	cancel()

	res := <-resCh
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	// However each node settled, nothing may stay in a live status that an
	// explicit reset cannot clear.
	for _, id := range []string{"a", "b"} {
		st, ok := eng.Graph().Status(id)
		require.True(t, ok)
		if st != schema.NodeStatusIdle {
			assert.True(t, st.Terminal(), "node %s left in %s", id, st)
			require.NoError(t, eng.ResetNodes(context.Background(), []string{id}))
		}
	}
}

func TestUndoAfterMidRunMutationLeavesNodesRunnable(t *testing.T) {
	runner := newTraceRunner()
	runner.block["a"] = make(chan struct{})
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")

	resCh := make(chan *RunResult, 1)
	go func() {
		res, err := eng.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		resCh <- res
	}()

	waitForStatus(t, eng, "a", schema.NodeStatusRunning)

	// A topology mutation while "a" is in flight pushes a history snapshot
	// that captures it in running.
	addTestNode(t, eng, "b", "")

	close(runner.block["a"])
	res := <-resCh
	require.Equal(t, schema.RunStatusCompleted, res.Status)
	waitForStatus(t, eng, "a", schema.NodeStatusSuccess)

	// Undoing that mutation must not revive the mid-run status: "a" comes
	// back idle and stays runnable.
	require.True(t, eng.Undo(context.Background()))
	st, ok := eng.Graph().Status("a")
	require.True(t, ok)
	assert.Equal(t, schema.NodeStatusIdle, st)

	res2, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res2.Status)
}

func TestCancelNodeUnknownRun(t *testing.T) {
	eng, _ := newTestEngine(t, newTraceRunner())
	err := eng.CancelNode("nope", "a")
	assertCode(t, err, schema.ErrCodeNotFound)
}

func TestRunRejectsNonIdleNodes(t *testing.T) {
	runner := newTraceRunner()
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")

	_, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	// a is in success now; a second run must demand a reset first.
	_, err = eng.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assertCode(t, err, schema.ErrCodeConflict)

	require.NoError(t, eng.ResetNodes(context.Background(), []string{"a"}))
	_, err = eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
}

func TestRunScopedToGroup(t *testing.T) {
	runner := newTraceRunner()
	eng, _ := newTestEngine(t, runner)
	buildDiamond(t, eng)
	_, err := eng.AddGroup(context.Background(), &schema.Group{ID: "grp", Members: []string{"b", "c"}})
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), RunOptions{Scope: []string{"grp"}})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.ElementsMatch(t, []string{"b", "c"}, runner.ran())
	assert.NotContains(t, res.Nodes, "a")
	assert.NotContains(t, res.Nodes, "d")

	// Out-of-scope nodes never move.
	st, _ := eng.Graph().Status("a")
	assert.Equal(t, schema.NodeStatusIdle, st)
}

func TestRetryFailed(t *testing.T) {
	runner := newTraceRunner()
	runner.fail["b"] = true
	eng, _ := newTestEngine(t, runner)
	buildDiamond(t, eng)

	first, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFailed, first.Status)

	// Clear the fault and retry: only b and the skipped d run again.
	runner.mu.Lock()
	runner.fail["b"] = false
	runner.mu.Unlock()

	second, err := eng.RetryFailed(context.Background(), first.RunID, 0)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, second.Status)
	assert.ElementsMatch(t, []string{"b", "d"}, []string{second.Nodes["b"].NodeID, second.Nodes["d"].NodeID})
	assert.NotContains(t, second.Nodes, "a")
	assert.NotContains(t, second.Nodes, "c")

	for _, id := range []string{"a", "b", "c", "d"} {
		st, _ := eng.Graph().Status(id)
		assert.Equal(t, schema.NodeStatusSuccess, st, id)
	}
}

func TestRetryFailedNothingToRetry(t *testing.T) {
	runner := newTraceRunner()
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	_, err = eng.RetryFailed(context.Background(), res.RunID, 0)
	require.Error(t, err)
	assertCode(t, err, schema.ErrCodeValidation)
}

func TestRunUnknownRunnerFailsNode(t *testing.T) {
	// Registry knows text only; an image node has no runner.
	reg := tasks.NewRegistry()
	require.NoError(t, reg.Register(schema.KindText, newTraceRunner()))
	eng := New(Config{GraphID: "g1"}, Deps{Registry: reg})

	_, err := eng.AddNode(context.Background(), &schema.Node{
		ID: "img", Kind: schema.KindImage,
		Outputs: []schema.Port{{ID: "out", Type: schema.PortImage}},
	})
	require.NoError(t, err)

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.NodeStatusError, res.Nodes["img"].Status)
	assert.Contains(t, res.Nodes["img"].Error, "no runner registered")
}

func TestRunStatusLookup(t *testing.T) {
	runner := newTraceRunner()
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", "")

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	got, err := eng.Status(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Status, got.Status)
	assert.Equal(t, res.RunID, got.RunID)

	_, err = eng.Status("missing")
	assertCode(t, err, schema.ErrCodeNotFound)
}

func TestRunInterpolationFailureFailsNode(t *testing.T) {
	runner := newTraceRunner()
	eng, _ := newTestEngine(t, runner)
	addTestNode(t, eng, "a", `{"prompt":"${{ nodes.ghost.output }}"}`)

	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.NodeStatusError, res.Nodes["a"].Status)
	assert.NotContains(t, runner.ran(), "a")
}
