package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomengine/loom/internal/engine"
)

// handleRun executes the graph (or a scoped subset) and blocks until the run finishes.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := req.GetStringSlice("scope", nil)
	concurrency := req.GetInt("concurrency", 0)

	result, runErr := s.engine.Run(ctx, engine.RunOptions{
		Scope:       scope,
		Concurrency: concurrency,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns per-node outcomes and the overall verdict of a run.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	result, statusErr := s.engine.Status(runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(result)
}

// handleCancel cancels an active run, or a single node within it when node_id is set.
func (s *LoomServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	nodeID := req.GetString("node_id", "")

	if nodeID != "" {
		if cancelErr := s.engine.CancelNode(runID, nodeID); cancelErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("cancel node failed: %v", cancelErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id":    runID,
			"node_id":   nodeID,
			"cancelled": true,
		})
	}

	if cancelErr := s.engine.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}

// handleRetry re-runs the failed, cancelled and skipped nodes of a finished run.
func (s *LoomServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	concurrency := req.GetInt("concurrency", 0)

	result, retryErr := s.engine.RetryFailed(ctx, runID, concurrency)
	if retryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retry failed: %v", retryErr)), nil
	}

	return marshalResult(result)
}

// handleGraph exports the working graph document.
func (s *LoomServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := s.engine.Export()
	return marshalResult(map[string]any{
		"graph_id":    s.engine.GraphID(),
		"document":    doc,
		"active_runs": s.engine.ActiveRuns(),
	})
}

// handleHistory applies an undo or redo step to the working graph.
func (s *LoomServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}

	var applied bool
	switch op {
	case "undo":
		applied = s.engine.Undo(ctx)
	case "redo":
		applied = s.engine.Redo(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown history op %q", op)), nil
	}

	return marshalResult(map[string]any{
		"op":       op,
		"applied":  applied,
		"can_undo": s.engine.CanUndo(),
		"can_redo": s.engine.CanRedo(),
	})
}

// handleSave persists the working graph document through the configured store.
func (s *LoomServer) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")

	if saveErr := s.engine.SaveGraph(ctx, name); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"graph_id": s.engine.GraphID(),
		"saved":    true,
	})
}

// handleLoad replaces the working graph with the persisted document.
func (s *LoomServer) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if loadErr := s.engine.LoadGraph(ctx); loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load failed: %v", loadErr)), nil
	}

	doc := s.engine.Export()
	return marshalResult(map[string]any{
		"graph_id": s.engine.GraphID(),
		"document": doc,
		"loaded":   true,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
