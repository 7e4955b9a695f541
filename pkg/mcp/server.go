package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomengine/loom/internal/engine"
	"github.com/loomengine/loom/internal/store"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Logger *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers. It is the
// run surface of the engine: agents and editor frontends drive runs,
// cancellation, retry, history and persistence through it.
type LoomServer struct {
	engine    *engine.Engine
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewLoomServer creates a new LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom executes node-graph content generation pipelines. Use loom.run to execute the graph or a scope of it, loom.status to inspect a run, loom.cancel to stop a run or a single node, loom.retry to re-run failed nodes, loom.graph to export the document, loom.history to undo/redo edits, and loom.save/loom.load to persist the graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: loadTool(), Handler: s.handleLoad},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("loom.run",
		mcp.WithDescription("Execute the graph, or a scope of it, and wait for the result"),
		mcp.WithArray("scope", mcp.Description("Node and group IDs to run; empty runs the whole graph")),
		mcp.WithNumber("concurrency", mcp.Description("Max nodes in flight (1-8, default 4)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("loom.status",
		mcp.WithDescription("Get run status: per-node outcomes and the overall verdict"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("loom.cancel",
		mcp.WithDescription("Cancel an active run, or a single node within it"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("node_id", mcp.Description("Cancel only this node; its downstream is skipped")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("loom.retry",
		mcp.WithDescription("Reset the failed and cancelled nodes of a finished run and run them again"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the finished run to retry")),
		mcp.WithNumber("concurrency", mcp.Description("Max nodes in flight (1-8, default 4)")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("loom.graph",
		mcp.WithDescription("Export the current graph document (nodes, edges, groups, execution state)"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("loom.history",
		mcp.WithDescription("Undo or redo the most recent graph edit"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("undo", "redo"),
			mcp.Description("History operation to apply"),
		),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("loom.save",
		mcp.WithDescription("Persist the current graph document"),
		mcp.WithString("name", mcp.Description("Display name to store with the graph")),
	)
}

func loadTool() mcp.Tool {
	return mcp.NewTool("loom.load",
		mcp.WithDescription("Replace the working graph with the persisted document"),
	)
}
