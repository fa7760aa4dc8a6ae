package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/verdikt/verdikt/internal/service"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/streaming"
	"github.com/verdikt/verdikt/pkg/schema"
)

// VerdiktServerDeps holds the dependencies for creating a VerdiktServer.
type VerdiktServerDeps struct {
	Service *service.Service
	Store   store.Store
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// VerdiktServer wraps an MCP server with workflow-engine tool handlers.
type VerdiktServer struct {
	svc       *service.Service
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	watch     *executionWatch
	mcpServer *server.MCPServer
}

// NewVerdiktServer creates a VerdiktServer with all tools registered.
func NewVerdiktServer(deps VerdiktServerDeps) *VerdiktServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &VerdiktServer{
		svc:      deps.Service,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
		watch:    newExecutionWatch(),
	}

	mcpSrv := server.NewMCPServer(
		"verdikt",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Verdikt is a configuration-driven workflow execution and risk-routing engine. Use verdikt.submit to run a deliverable workflow, verdikt.status to inspect an execution, verdikt.decide to resolve pending approvals, verdikt.publish_schema to register schema versions, verdikt.query to list executions/approvals/schemas/variants, verdikt.export_audit for jq-projected audit trails, and verdikt.diagram to visualize a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Parked and decided executions are pushed to the submitting
// caller's session while serving.
func (s *VerdiktServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		go s.forwardEvents(ctx, notifier)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VerdiktServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// forwardEvents pushes parked/decided events to the caller that submitted
// the execution. Best-effort: disconnected callers are skipped.
func (s *VerdiktServer) forwardEvents(ctx context.Context, notifier CallerNotifier) {
	events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventExecutionParked, schema.EventApprovalDecided},
	})
	if err != nil {
		s.logger.Warn("event forwarding disabled", "error", err)
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			callerID, found := s.watch.CallerFor(e.ExecutionID)
			if !found {
				continue
			}
			if err := notifier.Notify(ctx, callerID, map[string]any{
				"execution_id": e.ExecutionID,
				"event_type":   e.EventType,
				"payload":      e.Payload,
			}); err != nil {
				s.logger.Warn("caller notification failed",
					"caller_id", callerID, "event_type", e.EventType, "error", err)
			}
		}
	}
}

func (s *VerdiktServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: publishSchemaTool(), Handler: s.handlePublishSchema},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: exportAuditTool(), Handler: s.handleExportAudit},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("verdikt.submit",
		mcp.WithDescription("Submit a deliverable workflow for execution under the governing schema. Returns the execution outcome, and the approval request when the run parks for human review"),
		mcp.WithString("deliverable_type", mcp.Required(), mcp.Description("Deliverable type of the schema to execute")),
		mcp.WithObject("input", mcp.Required(), mcp.Description("Workflow input document, validated against the schema's input contract")),
		mcp.WithNumber("schema_version", mcp.Description("Pin a specific schema version (default: active version)")),
		mcp.WithObject("context", mcp.Description("Caller-supplied context values visible to risk conditions")),
		mcp.WithString("discipline", mcp.Description("Approver discipline for HITL routing")),
		mcp.WithNumber("min_seniority", mcp.Description("Minimum approver seniority for HITL routing")),
		mcp.WithString("caller_id", mcp.Description("Caller identifier, used to push parked/decided notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("verdikt.status",
		mcp.WithDescription("Get the state of a workflow execution, optionally with its audit trail"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("with_audit", mcp.Description("Include the audit trail (default: false)")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("verdikt.decide",
		mcp.WithDescription("Resolve a pending approval request and resume the parked execution"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Approval request ID")),
		mcp.WithString("approver_id", mcp.Required(), mcp.Description("ID of the deciding approver")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject", "request_revision"),
			mcp.Description("The decision to record"),
		),
		mcp.WithString("notes", mcp.Description("Decision notes for the audit trail")),
	)
}

func publishSchemaTool() mcp.Tool {
	return mcp.NewTool("verdikt.publish_schema",
		mcp.WithDescription("Validate and publish a deliverable schema as the new active version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Deliverable schema definition: steps, risk rules, thresholds, input contract")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("verdikt.query",
		mcp.WithDescription("Query executions, approvals, schema versions, or variants"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "approvals", "schemas", "variants"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (deliverable_type, status, assigned_to, execution_id, base_version, limit)")),
	)
}

func exportAuditTool() mcp.Tool {
	return mcp.NewTool("verdikt.export_audit",
		mcp.WithDescription("Export an execution's audit trail, optionally shaped by a jq projection"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to export")),
		mcp.WithString("projection", mcp.Description("jq program applied to each audit event")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("verdikt.diagram",
		mcp.WithDescription("Render a workflow schema as a Mermaid flowchart or ASCII flow. An execution ID overlays per-step runtime status"),
		mcp.WithString("deliverable_type", mcp.Description("Deliverable type to diagram (active version unless schema_version is set)")),
		mcp.WithNumber("schema_version", mcp.Description("Specific schema version")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram with runtime status overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format"),
		),
	)
}
