package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomengine/loom/internal/expressions"
	"github.com/loomengine/loom/internal/logging"
	"github.com/loomengine/loom/internal/store"
	"github.com/loomengine/loom/internal/tasks"
	"github.com/loomengine/loom/pkg/schema"
)

// RunOptions configures a single run.
type RunOptions struct {
	// Scope restricts the run to these node and group IDs; group IDs expand
	// to their members. Empty means the whole graph.
	Scope []string
	// Concurrency overrides the engine default for this run; clamped to
	// [1, MaxConcurrency].
	Concurrency int
}

// NodeOutcome is the per-node result of a run.
type NodeOutcome struct {
	NodeID     string            `json:"node_id"`
	Status     schema.NodeStatus `json:"status"`
	Skipped    bool              `json:"skipped,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// RunResult is the final state of a run: one outcome per in-scope node plus
// the overall verdict.
type RunResult struct {
	RunID       string                  `json:"run_id"`
	GraphID     string                  `json:"graph_id"`
	Status      schema.RunStatus        `json:"status"`
	Nodes       map[string]*NodeOutcome `json:"nodes"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Error       string                  `json:"error,omitempty"`
}

// runState is the mutable bookkeeping of one run. The scheduler goroutine
// owns the plan walk; cancel requests arrive from other goroutines through
// the mutex-guarded fields.
type runState struct {
	id      string
	graphID string
	doc     *schema.GraphDocument // frozen at run start
	plan    *Plan
	cancel  context.CancelFunc

	mu           sync.Mutex
	cancelled    bool
	nodeCancels  map[string]context.CancelFunc
	cancelIntent map[string]bool
	outputs      map[string]json.RawMessage
	outcomes     map[string]*NodeOutcome
	status       schema.RunStatus
	startedAt    time.Time
	completedAt  time.Time
	runErr       string
}

func (rs *runState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

func (rs *runState) intent(nodeID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelIntent[nodeID]
}

func (rs *runState) setNodeCancel(nodeID string, fn context.CancelFunc) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.nodeCancels[nodeID] = fn
}

func (rs *runState) setOutcome(o *NodeOutcome) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.outcomes[o.NodeID] = o
	if o.Status == schema.NodeStatusSuccess && len(o.Output) > 0 {
		rs.outputs[o.NodeID] = o.Output
	}
}

func (rs *runState) getOutput(nodeID string) (json.RawMessage, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out, ok := rs.outputs[nodeID]
	return out, ok
}

func (rs *runState) result() *RunResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	nodes := make(map[string]*NodeOutcome, len(rs.outcomes))
	for id, o := range rs.outcomes {
		c := *o
		nodes[id] = &c
	}
	return &RunResult{
		RunID:       rs.id,
		GraphID:     rs.graphID,
		Status:      rs.status,
		Nodes:       nodes,
		StartedAt:   rs.startedAt,
		CompletedAt: rs.completedAt,
		Error:       rs.runErr,
	}
}

// nodeDone travels from worker goroutines back to the scheduler loop.
type nodeDone struct {
	id     string
	status schema.NodeStatus
	output json.RawMessage
	err    error
}

// Run executes the graph (or the given scope of it) and blocks until every
// in-scope node reaches a terminal state or is skipped. Concurrent runs over
// disjoint scopes are allowed; each run works on its own frozen snapshot of
// the document taken at start.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	e.mu.Lock()
	frozen := e.graph.Snapshot()
	e.mu.Unlock()

	plan, err := BuildPlan(frozen, opts.Scope)
	if err != nil {
		return nil, err
	}

	// A node still in a terminal state must be reset before it can run again.
	for _, id := range plan.Order {
		if st, ok := e.graph.Status(id); ok && st != schema.NodeStatusIdle {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"node is not idle (status %s); reset it before running", st).WithNode(id)
		}
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx = logging.WithIDs(runCtx, e.graphID, runID, "")

	rs := &runState{
		id:           runID,
		graphID:      e.graphID,
		doc:          frozen,
		plan:         plan,
		cancel:       cancel,
		nodeCancels:  make(map[string]context.CancelFunc),
		cancelIntent: make(map[string]bool),
		outputs:      make(map[string]json.RawMessage),
		outcomes:     make(map[string]*NodeOutcome),
		status:       schema.RunStatusActive,
		startedAt:    time.Now().UTC(),
	}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()

	if e.store != nil {
		rec := &store.Run{
			ID:          runID,
			GraphID:     e.graphID,
			Status:      schema.RunStatusActive,
			Scope:       opts.Scope,
			Concurrency: concurrency,
			StartedAt:   &rs.startedAt,
		}
		if err := e.store.CreateRun(runCtx, rec); err != nil {
			return nil, err
		}
	}
	e.appendRunEvent(runCtx, rs, schema.EventRunStarted, nil)
	e.publishRunEvent(runCtx, runID, "", schema.EventRunStarted, map[string]any{"scope": opts.Scope})
	e.log(runCtx).Info("run started",
		"nodes", len(plan.Order), "concurrency", concurrency)

	e.executeRun(runCtx, rs, concurrency)

	return e.finishRun(runCtx, rs)
}

// executeRun walks the plan: nodes become queued as their dependencies
// complete, and queued nodes dispatch to the pool while a worker slot is
// free. Only success unlocks dependents; a failed or cancelled node skips its
// whole downstream cone.
func (e *Engine) executeRun(ctx context.Context, rs *runState, concurrency int) {
	plan := rs.plan
	pool := NewWorkerPool(concurrency)
	defer pool.Shutdown()

	doneCh := make(chan nodeDone, len(plan.Nodes))

	indegree := make(map[string]int, len(plan.InDegree))
	for id, d := range plan.InDegree {
		indegree[id] = d
	}

	queued := make(map[string]bool)
	inFlight := make(map[string]bool)
	skipped := make(map[string]bool)
	finished := make(map[string]bool)

	var readyQueue []string
	promote := func() {
		for _, id := range plan.Order {
			if indegree[id] == 0 && !queued[id] && !skipped[id] && !finished[id] {
				queued[id] = true
				readyQueue = append(readyQueue, id)
				e.markQueued(ctx, rs, id)
			}
		}
	}

	skipCone := func(from string) {
		for _, id := range plan.DownstreamCone(from) {
			if skipped[id] || finished[id] || inFlight[id] || queued[id] {
				continue
			}
			skipped[id] = true
			e.markSkipped(ctx, rs, id)
		}
	}

	pending := len(plan.Nodes)
	running := 0
	promote()

	for pending > 0 {
		if rs.isCancelled() {
			// Queued nodes cancel, unreached nodes skip; in-flight nodes
			// observe their context and come back through doneCh.
			for _, id := range plan.Order {
				if finished[id] || skipped[id] || inFlight[id] {
					continue
				}
				if queued[id] {
					e.cancelQueued(ctx, rs, id)
					finished[id] = true
				} else {
					skipped[id] = true
					e.markSkipped(ctx, rs, id)
				}
				pending--
			}
			readyQueue = nil
			for running > 0 {
				d := <-doneCh
				running--
				pending--
				finished[d.id] = true
				delete(inFlight, d.id)
				e.recordDone(ctx, rs, d)
			}
			break
		}

		for running < concurrency && len(readyQueue) > 0 {
			id := readyQueue[0]
			readyQueue = readyQueue[1:]
			if rs.intent(id) {
				e.cancelQueued(ctx, rs, id)
				finished[id] = true
				pending--
				skipCone(id)
				continue
			}
			node := plan.Nodes[id]
			nodeCtx, nodeCancel := context.WithCancel(ctx)
			rs.setNodeCancel(id, nodeCancel)
			inFlight[id] = true
			err := pool.Submit(ctx, func(context.Context) error {
				d := e.executeNode(nodeCtx, rs, node)
				doneCh <- d
				if d.err != nil {
					return d.err
				}
				return nil
			})
			if err != nil {
				// Pool refused the task: the run context is gone. The node
				// never started, so it gets the queued-cancel treatment.
				nodeCancel()
				rs.mu.Lock()
				delete(rs.nodeCancels, id)
				rs.mu.Unlock()
				e.cancelQueued(ctx, rs, id)
				doneCh <- nodeDone{id: id, status: schema.NodeStatusCanceled}
			}
			running++
		}

		if running == 0 {
			// Nothing in flight and nothing dispatchable. With an acyclic
			// plan this only happens when every remaining node was skipped.
			break
		}

		d := <-doneCh
		running--
		pending--
		finished[d.id] = true
		delete(inFlight, d.id)
		e.recordDone(ctx, rs, d)

		if d.status == schema.NodeStatusSuccess {
			for _, succ := range plan.Successors[d.id] {
				indegree[succ]--
			}
			promote()
		} else {
			skipCone(d.id)
		}
	}

	pool.Wait()

	// With an acyclic plan every node is finished or skipped by now; anything
	// else never became ready.
	for _, id := range plan.Order {
		if finished[id] || skipped[id] {
			continue
		}
		rs.setOutcome(&NodeOutcome{
			NodeID: id,
			Status: schema.NodeStatusError,
			Error:  "cycle detected: node never became ready",
		})
	}
}

// recordDone stores the outcome coming back from a worker.
func (e *Engine) recordDone(_ context.Context, rs *runState, d nodeDone) {
	o := &NodeOutcome{NodeID: d.id, Status: d.status, Output: d.output}
	if d.err != nil {
		o.Error = d.err.Error()
	}
	rs.setOutcome(o)
}

// markQueued moves an idle node to queued.
func (e *Engine) markQueued(ctx context.Context, rs *runState, nodeID string) {
	if err := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		schema.NodeStatusIdle, schema.NodeStatusQueued, nil); err != nil {
		e.log(ctx).Warn("queue transition failed", "node_id", nodeID, "error", err)
	}
	e.graph.SetStatus(nodeID, schema.NodeStatusQueued)
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeQueued, nil)
}

// cancelQueued cancels a node that never started running.
func (e *Engine) cancelQueued(ctx context.Context, rs *runState, nodeID string) {
	if err := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		schema.NodeStatusQueued, schema.NodeStatusCanceled, nil); err != nil {
		e.log(ctx).Warn("cancel transition failed", "node_id", nodeID, "error", err)
	}
	e.graph.SetStatus(nodeID, schema.NodeStatusCanceled)
	rs.setOutcome(&NodeOutcome{NodeID: nodeID, Status: schema.NodeStatusCanceled})
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeCancelled, nil)
}

// markSkipped records a node that will not run this time because something
// upstream failed or was cancelled. The node itself stays idle.
func (e *Engine) markSkipped(ctx context.Context, rs *runState, nodeID string) {
	rs.setOutcome(&NodeOutcome{NodeID: nodeID, Status: schema.NodeStatusIdle, Skipped: true})
	if e.appender != nil {
		_ = e.appender.AppendEvent(ctx, &store.Event{
			RunID:   rs.id,
			GraphID: rs.graphID,
			NodeID:  nodeID,
			Type:    schema.EventNodeSkipped,
		})
	}
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeSkipped, nil)
}

// executeNode runs a single node end to end: input resolution, parameter
// interpolation, runner dispatch, and the terminal transition.
func (e *Engine) executeNode(ctx context.Context, rs *runState, node *schema.Node) nodeDone {
	nodeID := node.ID
	ctx = logging.WithNodeID(ctx, nodeID)

	if rs.intent(nodeID) || rs.isCancelled() || ctx.Err() != nil {
		e.transitionCanceled(ctx, rs, nodeID, schema.NodeStatusQueued)
		return nodeDone{id: nodeID, status: schema.NodeStatusCanceled}
	}

	if err := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		schema.NodeStatusQueued, schema.NodeStatusRunning, nil); err != nil {
		return e.failNode(ctx, rs, nodeID, schema.NodeStatusQueued, err)
	}
	e.graph.SetStatus(nodeID, schema.NodeStatusRunning)
	e.graph.SetProgress(nodeID, 0)
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeStarted, nil)
	started := time.Now()

	inputs, scope, err := e.resolveInputs(rs, node)
	if err != nil {
		return e.failNode(ctx, rs, nodeID, schema.NodeStatusRunning, err)
	}

	params, err := e.interp.Resolve(node.Data, scope)
	if err != nil {
		return e.failNode(ctx, rs, nodeID, schema.NodeStatusRunning, err)
	}

	runner, err := e.registry.Get(node.Kind)
	if err != nil {
		return e.failNode(ctx, rs, nodeID, schema.NodeStatusRunning, err)
	}

	progress := func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		e.graph.SetProgress(nodeID, percent)
		e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeProgress,
			map[string]any{"percent": percent})
	}

	res, err := runner.Execute(ctx, tasks.Task{
		NodeID: nodeID,
		Kind:   node.Kind,
		Params: params,
		Inputs: inputs,
	}, progress)
	durationMs := time.Since(started).Milliseconds()

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			e.transitionCanceled(ctx, rs, nodeID, schema.NodeStatusRunning)
			return nodeDone{id: nodeID, status: schema.NodeStatusCanceled}
		}
		d := e.failNode(ctx, rs, nodeID, schema.NodeStatusRunning, err)
		e.log(ctx).Error("node failed", "error", err, "duration_ms", durationMs)
		return d
	}

	var output json.RawMessage
	var logs []string
	if res != nil {
		output = res.Output
		logs = res.Logs
	}

	if err := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		schema.NodeStatusRunning, schema.NodeStatusSuccess, output); err != nil {
		e.log(ctx).Warn("success transition failed", "error", err)
	}
	e.graph.SetOutput(nodeID, output)
	e.graph.SetProgress(nodeID, 100)
	e.graph.SetStatus(nodeID, schema.NodeStatusSuccess)
	for _, line := range logs {
		e.graph.AppendLog(nodeID, line)
	}
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeCompleted,
		map[string]any{"output": output, "duration_ms": durationMs})
	e.log(ctx).Info("node completed", "duration_ms", durationMs)

	rs.mu.Lock()
	delete(rs.nodeCancels, nodeID)
	rs.mu.Unlock()

	return nodeDone{id: nodeID, status: schema.NodeStatusSuccess, output: output}
}

// resolveInputs builds the runner inputs keyed by target handle, plus the
// interpolation scope. Upstream outputs produced during this run win over
// whatever the frozen document carried.
func (e *Engine) resolveInputs(rs *runState, node *schema.Node) (map[string]json.RawMessage, *expressions.InterpolationScope, error) {
	outputOf := func(id string) json.RawMessage {
		if out, ok := rs.getOutput(id); ok {
			return out
		}
		for _, n := range rs.doc.Nodes {
			if n.ID == id {
				return n.Output
			}
		}
		return nil
	}

	inputs := make(map[string]json.RawMessage)
	inputValues := make(map[string]any)
	for _, edge := range rs.doc.Edges {
		if edge.Target != node.ID {
			continue
		}
		raw := outputOf(edge.Source)
		if raw == nil {
			continue
		}
		inputs[edge.TargetHandle] = raw
		inputValues[edge.TargetHandle] = decodeJSON(raw)
	}

	nodeValues := make(map[string]any)
	for _, n := range rs.doc.Nodes {
		if raw := outputOf(n.ID); raw != nil {
			nodeValues[n.ID] = decodeJSON(raw)
		}
	}

	scope := &expressions.InterpolationScope{
		Nodes:  nodeValues,
		Inputs: inputValues,
		Run: map[string]any{
			"id":       rs.id,
			"graph_id": rs.graphID,
		},
	}
	return inputs, scope, nil
}

func decodeJSON(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// failNode moves a node to error and records the failure in the log and on
// the live graph.
func (e *Engine) failNode(ctx context.Context, rs *runState, nodeID string, from schema.NodeStatus, cause error) nodeDone {
	payload, _ := json.Marshal(map[string]any{"message": cause.Error()})
	if ferr := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		from, schema.NodeStatusError, payload); ferr != nil {
		e.log(ctx).Warn("failure transition failed", "node_id", nodeID, "error", ferr)
	}
	e.graph.SetStatus(nodeID, schema.NodeStatusError)
	e.graph.SetLastError(nodeID, cause.Error())
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeFailed,
		map[string]any{"error": cause.Error()})
	return nodeDone{id: nodeID, status: schema.NodeStatusError, err: cause}
}

func (e *Engine) transitionCanceled(ctx context.Context, rs *runState, nodeID string, from schema.NodeStatus) {
	if err := e.fsm.Transition(ctx, rs.id, rs.graphID, nodeID,
		from, schema.NodeStatusCanceled, nil); err != nil {
		e.log(ctx).Warn("cancel transition failed", "node_id", nodeID, "error", err)
	}
	e.graph.SetStatus(nodeID, schema.NodeStatusCanceled)
	e.publishRunEvent(ctx, rs.id, nodeID, schema.EventNodeCancelled, nil)
}

// finishRun derives the run verdict from the node outcomes and persists it.
// A cancelled run outranks a failed one.
func (e *Engine) finishRun(ctx context.Context, rs *runState) (*RunResult, error) {
	rs.mu.Lock()
	status := schema.RunStatusCompleted
	var firstErr string
	for _, id := range rs.plan.Order {
		o, ok := rs.outcomes[id]
		if !ok {
			continue
		}
		switch {
		case o.Status == schema.NodeStatusCanceled:
			status = schema.RunStatusCancelled
		case o.Status == schema.NodeStatusError && status != schema.RunStatusCancelled:
			status = schema.RunStatusFailed
			if firstErr == "" {
				firstErr = o.Error
			}
		}
	}
	if rs.cancelled {
		status = schema.RunStatusCancelled
	}
	rs.status = status
	rs.completedAt = time.Now().UTC()
	rs.runErr = firstErr
	completedAt := rs.completedAt
	rs.mu.Unlock()

	eventType := schema.EventRunCompleted
	switch status {
	case schema.RunStatusFailed:
		eventType = schema.EventRunFailed
	case schema.RunStatusCancelled:
		eventType = schema.EventRunCancelled
	}

	var payload json.RawMessage
	if firstErr != "" {
		payload, _ = json.Marshal(map[string]any{"error": firstErr})
	}
	e.appendRunEvent(ctx, rs, eventType, payload)
	e.publishRunEvent(ctx, rs.id, "", eventType, map[string]any{"status": status})

	if e.store != nil {
		update := store.RunUpdate{
			Status:      &status,
			CompletedAt: &completedAt,
			Error:       payload,
		}
		if err := e.store.UpdateRun(ctx, rs.id, update); err != nil {
			e.log(ctx).Warn("persist run result failed", "error", err)
		}
	}
	e.log(ctx).Info("run finished", "status", status)

	return rs.result(), nil
}

func (e *Engine) appendRunEvent(ctx context.Context, rs *runState, eventType string, payload json.RawMessage) {
	if e.appender == nil {
		return
	}
	err := e.appender.AppendEvent(ctx, &store.Event{
		RunID:   rs.id,
		GraphID: rs.graphID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		e.log(ctx).Warn("append run event failed", "event_type", eventType, "error", err)
	}
}

// Cancel requests cancellation of an active run. Running nodes observe their
// contexts and stop; queued nodes cancel immediately; unreached nodes are
// skipped.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
	}

	rs.mu.Lock()
	if rs.status != schema.RunStatusActive {
		rs.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run is not active (status %s)", rs.status)
	}
	rs.cancelled = true
	cancels := make([]context.CancelFunc, 0, len(rs.nodeCancels))
	for _, fn := range rs.nodeCancels {
		cancels = append(cancels, fn)
	}
	rs.mu.Unlock()

	for _, fn := range cancels {
		fn()
	}
	rs.cancel()
	return nil
}

// CancelNode requests cancellation of a single node within an active run.
// If the node is running its context is cancelled; if it is still queued it
// cancels before dispatch. Its downstream cone is skipped either way.
func (e *Engine) CancelNode(runID, nodeID string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
	}
	if _, ok := rs.plan.Nodes[nodeID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node not in run scope: %s", nodeID).WithNode(nodeID)
	}

	rs.mu.Lock()
	rs.cancelIntent[nodeID] = true
	fn := rs.nodeCancels[nodeID]
	rs.mu.Unlock()

	e.graph.SetCanceled(nodeID, true)
	if fn != nil {
		fn()
	}
	return nil
}

// RunScheduled starts a run on behalf of the cron scheduler. Jobs for graphs
// this engine does not own are rejected.
func (e *Engine) RunScheduled(ctx context.Context, graphID string, scope []string) error {
	if graphID != e.graphID {
		return schema.NewErrorf(schema.ErrCodeNotFound, "graph not managed by this engine: %s", graphID)
	}
	_, err := e.Run(ctx, RunOptions{Scope: scope})
	return err
}

// ActiveRuns returns the IDs of runs still in progress, sorted.
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, rs := range e.runs {
		rs.mu.Lock()
		if rs.status == schema.RunStatusActive {
			ids = append(ids, id)
		}
		rs.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Status returns the current state of a run, live or finished.
func (e *Engine) Status(runID string) (*RunResult, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
	}
	return rs.result(), nil
}

// ResetNodes moves terminal nodes back to idle so they can run again.
// Non-terminal nodes in the list are rejected.
func (e *Engine) ResetNodes(ctx context.Context, nodeIDs []string) error {
	for _, id := range nodeIDs {
		st, ok := e.graph.Status(id)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id).WithNode(id)
		}
		if st == schema.NodeStatusIdle {
			continue
		}
		if !st.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot reset node in status %s", st).WithNode(id)
		}
	}
	for _, id := range nodeIDs {
		st, _ := e.graph.Status(id)
		if st == schema.NodeStatusIdle {
			continue
		}
		e.graph.ResetExec(id)
		e.publishRunEvent(ctx, "", id, schema.EventNodeReset, nil)
	}
	return nil
}

// RetryFailed resets every node that ended in error or cancelled during the
// given run and starts a new run scoped to those nodes plus the ones skipped
// because of them.
func (e *Engine) RetryFailed(ctx context.Context, runID string, concurrency int) (*RunResult, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run not found: %s", runID)
	}

	prev := rs.result()
	if prev.Status == schema.RunStatusActive {
		return nil, schema.NewError(schema.ErrCodeConflict, "run is still active")
	}

	var scope, reset []string
	for _, id := range rs.plan.Order {
		o, ok := prev.Nodes[id]
		if !ok {
			continue
		}
		switch {
		case o.Status == schema.NodeStatusError, o.Status == schema.NodeStatusCanceled:
			scope = append(scope, id)
			reset = append(reset, id)
		case o.Skipped:
			scope = append(scope, id)
		}
	}
	if len(scope) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "nothing to retry")
	}

	if err := e.ResetNodes(ctx, reset); err != nil {
		return nil, err
	}
	return e.Run(ctx, RunOptions{Scope: scope, Concurrency: concurrency})
}
