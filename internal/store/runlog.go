package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomengine/loom/pkg/schema"
)

// RunLog provides append-only event logging on top of a LibSQLStore.
type RunLog struct {
	store *LibSQLStore
}

// NewRunLog wraps a LibSQLStore to provide run event log operations.
func NewRunLog(s *LibSQLStore) *RunLog {
	return &RunLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
// Acquires a write lock up front to keep sequence reads and writes from
// interleaving under concurrent appenders.
func (rl *RunLog) AppendEvent(ctx context.Context, event *Event) error {
	db := rl.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, graph_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.GraphID), nullStr(event.NodeID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (rl *RunLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return rl.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (rl *RunLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return rl.store.GetEventsByType(ctx, eventType, filter)
}

// NodeRunState is the per-node state reconstructed by replaying a run's events.
type NodeRunState struct {
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ReplayRun replays all events for a run and returns the reconstructed
// per-node states. Returns an error if sequence gaps are detected.
func (rl *RunLog) ReplayRun(ctx context.Context, runID string) (map[string]*NodeRunState, error) {
	events, err := rl.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeRunState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*NodeRunState)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeRunState{
				NodeID: e.NodeID,
				Status: schema.NodeStatusIdle,
			}
			states[e.NodeID] = ns
		}

		switch e.Type {
		case schema.EventNodeQueued:
			ns.Status = schema.NodeStatusQueued

		case schema.EventNodeStarted:
			ns.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			ns.StartedAt = &ts

		case schema.EventNodeCompleted:
			ns.Status = schema.NodeStatusSuccess
			ts := e.Timestamp
			ns.CompletedAt = &ts
			ns.Output = e.Payload
			if ns.StartedAt != nil {
				ns.DurationMs = ts.Sub(*ns.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			ns.Status = schema.NodeStatusError
			ns.Error = e.Payload

		case schema.EventNodeCancelled:
			ns.Status = schema.NodeStatusCanceled

		case schema.EventNodeReset:
			ns.Status = schema.NodeStatusIdle
			ns.Output = nil
			ns.Error = nil
		}
	}

	return states, nil
}
