package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loomengine/loom/internal/expressions"
	"github.com/loomengine/loom/internal/graph"
	"github.com/loomengine/loom/internal/history"
	"github.com/loomengine/loom/internal/logging"
	"github.com/loomengine/loom/internal/store"
	"github.com/loomengine/loom/internal/streaming"
	"github.com/loomengine/loom/internal/tasks"
	"github.com/loomengine/loom/internal/validation"
	"github.com/loomengine/loom/pkg/schema"
)

const (
	// DefaultConcurrency is the worker pool size when a run does not specify one.
	DefaultConcurrency = 4
	// MaxConcurrency caps how many node tasks a run may have in flight.
	MaxConcurrency = 8
)

// Config holds engine configuration.
type Config struct {
	GraphID      string
	Concurrency  int
	HistoryLimit int
}

// Deps bundles the engine's collaborators. Registry is required; the rest
// are optional and disable their feature when nil.
type Deps struct {
	Registry *tasks.Registry
	Store    store.Store
	Appender EventAppender
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Engine owns one editable graph and coordinates everything that happens to
// it: mutations with undo/redo, validation, runs, and cancellation. All
// methods are safe for concurrent use.
type Engine struct {
	graphID  string
	graph    *graph.Graph
	history  *history.Stack
	hub      streaming.EventHub
	appender EventAppender
	store    store.Store
	registry *tasks.Registry
	fsm      *NodeFSM
	interp   *expressions.Interpolator
	logger   *slog.Logger
	cfg      Config

	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an Engine for a single graph.
func New(cfg Config, deps Deps) *Engine {
	if cfg.GraphID == "" {
		cfg.GraphID = uuid.New().String()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = history.DefaultLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		graphID:  cfg.GraphID,
		graph:    graph.New(),
		history:  history.New(cfg.HistoryLimit),
		hub:      deps.Hub,
		appender: deps.Appender,
		store:    deps.Store,
		registry: deps.Registry,
		fsm:      NewNodeFSM(deps.Appender),
		interp:   expressions.NewInterpolator(),
		logger:   logger,
		cfg:      cfg,
		runs:     make(map[string]*runState),
	}
}

// GraphID returns the ID of the graph this engine owns.
func (e *Engine) GraphID() string { return e.graphID }

// Graph exposes the live graph for read access.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// --- Mutations ---
//
// Every successful mutation records the pre-mutation snapshot for undo and
// announces itself on the hub. A failed mutation leaves both the graph and
// the history untouched.

// AddNode inserts a node and returns its ID.
func (e *Engine) AddNode(ctx context.Context, node *schema.Node) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.AddNode(node); err != nil {
		return "", err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "add_node", node.ID)
	return node.ID, nil
}

// UpdateNodeData replaces a node's payload.
func (e *Engine) UpdateNodeData(ctx context.Context, nodeID string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.UpdateNodeData(nodeID, data); err != nil {
		return err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "update_node", nodeID)
	return nil
}

// RemoveNode deletes a node along with its incident edges.
func (e *Engine) RemoveNode(ctx context.Context, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.RemoveNode(nodeID); err != nil {
		return err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "remove_node", nodeID)
	return nil
}

// Connect adds an edge after full validation (existence, types, cycles).
func (e *Engine) Connect(ctx context.Context, edge *schema.Edge) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.Connect(edge); err != nil {
		return "", err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "connect", edge.ID)
	return edge.ID, nil
}

// Disconnect removes an edge.
func (e *Engine) Disconnect(ctx context.Context, edgeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.Disconnect(edgeID); err != nil {
		return err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "disconnect", edgeID)
	return nil
}

// AddGroup creates a group and returns its ID.
func (e *Engine) AddGroup(ctx context.Context, grp *schema.Group) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.AddGroup(grp); err != nil {
		return "", err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "add_group", grp.ID)
	return grp.ID, nil
}

// RemoveGroup deletes a group, either promoting or removing its members.
func (e *Engine) RemoveGroup(ctx context.Context, groupID string, policy graph.GroupDeletePolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.RemoveGroup(groupID, policy); err != nil {
		return err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "remove_group", groupID)
	return nil
}

// SetParent moves a node into a group, or out of any group when groupID is
// empty.
func (e *Engine) SetParent(ctx context.Context, nodeID, groupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	if err := e.graph.SetParent(nodeID, groupID); err != nil {
		return err
	}
	e.history.Push(snap)
	e.publishMutation(ctx, "set_parent", nodeID)
	return nil
}

// --- History ---

// Undo reverts the most recent mutation. Returns false when there is nothing
// to undo.
func (e *Engine) Undo(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.history.CanUndo() {
		return false
	}
	prev := e.history.Undo(e.graph.Snapshot())
	e.graph.Restore(prev)
	e.publishMutation(ctx, "undo", "")
	return true
}

// Redo re-applies the most recently undone mutation. Returns false when there
// is nothing to redo.
func (e *Engine) Redo(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.history.CanRedo() {
		return false
	}
	next := e.history.Redo(e.graph.Snapshot())
	e.graph.Restore(next)
	e.publishMutation(ctx, "redo", "")
	return true
}

// CanUndo reports whether an undo step is available.
func (e *Engine) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.CanUndo()
}

// CanRedo reports whether a redo step is available.
func (e *Engine) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.CanRedo()
}

// --- Document I/O ---

// Export returns a deep copy of the current document.
func (e *Engine) Export() *schema.GraphDocument {
	return e.graph.Export()
}

// Import replaces the whole document. The previous document is pushed onto
// the undo stack, so an accidental import is recoverable.
func (e *Engine) Import(ctx context.Context, doc *schema.GraphDocument) error {
	v, err := validation.NewDocumentValidator()
	if err != nil {
		return err
	}
	if err := v.ValidateDocument(doc); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	e.graph.Import(doc)
	e.history.Push(snap)
	e.publishMutation(ctx, "import", "")
	return nil
}

// SaveGraph persists the current document under the engine's graph ID.
func (e *Engine) SaveGraph(ctx context.Context, name string) error {
	if e.store == nil {
		return schema.NewError(schema.ErrCodeStore, "no store configured")
	}
	doc := e.graph.Export()
	rec := &store.GraphRecord{
		ID:       e.graphID,
		Name:     name,
		Document: *doc,
	}
	if err := e.store.SaveGraph(ctx, rec); err != nil {
		return err
	}
	e.publishMutation(ctx, "save", e.graphID)
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			GraphID:   e.graphID,
			EventType: schema.EventGraphSaved,
		})
	}
	return nil
}

// LoadGraph replaces the current document with the persisted one. The
// replaced document is pushed onto the undo stack.
func (e *Engine) LoadGraph(ctx context.Context) error {
	if e.store == nil {
		return schema.NewError(schema.ErrCodeStore, "no store configured")
	}
	rec, err := e.store.GetGraph(ctx, e.graphID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.graph.Snapshot()
	e.graph.Import(&rec.Document)
	e.history.Push(snap)
	e.publishMutation(ctx, "load", e.graphID)
	return nil
}

// --- Internal helpers ---

func (e *Engine) publishMutation(ctx context.Context, op, targetID string) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		GraphID:   e.graphID,
		EventType: schema.EventGraphMutated,
		Payload:   map[string]any{"op": op, "target_id": targetID},
	})
}

func (e *Engine) publishRunEvent(ctx context.Context, runID, nodeID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		GraphID:   e.graphID,
		RunID:     runID,
		NodeID:    nodeID,
		EventType: eventType,
		Payload:   payload,
	})
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, e.logger)
}
