package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clearlane/confirmd/internal/engine"
	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/internal/streaming"
)

// ServerDeps holds the dependencies for creating a ConfirmdServer.
type ServerDeps struct {
	Orchestrator *engine.Orchestrator
	Store        store.Store
	Events       *store.EventLog
	Hub          streaming.EventHub
	Logger       *slog.Logger
}

// ConfirmdServer wraps an MCP server with confirmd-specific tool handlers,
// letting agents drive the confirmation pipeline over stdio.
type ConfirmdServer struct {
	orchestrator *engine.Orchestrator
	store        store.Store
	events       *store.EventLog
	hub          streaming.EventHub
	logger       *slog.Logger
	sessions     *SessionRegistry
	mcpServer    *server.MCPServer
}

// NewConfirmdServer creates a new ConfirmdServer with all 4 tools registered.
func NewConfirmdServer(deps ServerDeps) *ConfirmdServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConfirmdServer{
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		events:       deps.Events,
		hub:          deps.Hub,
		logger:       logger,
		sessions:     NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"confirmd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Confirmd orchestrates trade confirmation document pipelines. Use confirmd.submit to run a document through the pipeline, confirmd.status to check a run's progress, confirmd.result to fetch a terminal run's outcome, and confirmd.query to list runs or inspect a run's event log."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConfirmdServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConfirmdServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a RunNotifier bound to this server's session registry.
func (s *ConfirmdServer) Notifier() *RunNotifier {
	return NewRunNotifier(s.mcpServer, s.sessions, s.hub, s.logger)
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *ConfirmdServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resultTool(), Handler: s.handleResult},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("confirmd.submit",
		mcp.WithDescription("Submit a trade confirmation document to the pipeline"),
		mcp.WithString("input_location", mcp.Required(), mcp.Description("Location of the inbound document, e.g. an object store URL")),
		mcp.WithString("source_tag", mcp.Required(), mcp.Description("Originating counterparty or channel tag")),
		mcp.WithString("document_id", mcp.Description("Stable document identifier (generated when omitted)")),
		mcp.WithString("trace_id", mcp.Description("Distributed trace ID to propagate (generated when omitted)")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the run identity instead of waiting for the terminal result")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("confirmd.status",
		mcp.WithDescription("Get a pipeline run's current status and per-stage states"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation ID of the run to query")),
	)
}

func resultTool() mcp.Tool {
	return mcp.NewTool("confirmd.result",
		mcp.WithDescription("Fetch the terminal result of a finished pipeline run"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Correlation ID of the run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("confirmd.query",
		mcp.WithDescription("Query runs or a run's event log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, document_id, source_tag, since, limit, correlation_id, event_type)")),
	)
}
