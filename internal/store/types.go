package store

import (
	"encoding/json"
	"time"

	"github.com/loomengine/loom/pkg/schema"
)

// GraphRecord is the persisted representation of a graph document.
type GraphRecord struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Document  schema.GraphDocument `json:"document"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Run is the persisted representation of one execution over a graph.
type Run struct {
	ID          string           `json:"id"`
	GraphID     string           `json:"graph_id"`
	Status      schema.RunStatus `json:"status"`
	// Scope holds the node IDs the run was restricted to; empty means the
	// whole graph.
	Scope       []string        `json:"scope,omitempty"`
	Concurrency int             `json:"concurrency"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	GraphID   string          `json:"graph_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered graph run.
type ScheduledJob struct {
	ID             string          `json:"id"`
	GraphID        string          `json:"graph_id"`
	CronExpression string          `json:"cron_expression"`
	// Scope restricts the scheduled run to these node IDs; empty runs the
	// whole graph.
	Scope         []string   `json:"scope,omitempty"`
	Enabled       bool       `json:"enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// GraphFilter specifies criteria for listing graphs.
type GraphFilter struct {
	Name   string `json:"name,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	GraphID string            `json:"graph_id,omitempty"`
	Status  *schema.RunStatus `json:"status,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID   string     `json:"run_id,omitempty"`
	GraphID string     `json:"graph_id,omitempty"`
	NodeID  string     `json:"node_id,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	CronExpression string     `json:"cron_expression,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	GraphID string `json:"graph_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
