package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/verdikt/verdikt/internal/diagram"
	"github.com/verdikt/verdikt/internal/service"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/pkg/schema"
)

// handleSubmit runs a workflow under the governing schema version.
func (s *VerdiktServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deliverableType, err := req.RequireString("deliverable_type")
	if err != nil {
		return mcp.NewToolResultError("deliverable_type is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	if input == nil {
		return mcp.NewToolResultError("input is required"), nil
	}

	callerID := req.GetString("caller_id", "")
	if callerID != "" {
		s.captureSession(ctx, callerID)
	}

	args := requestArgs(req)
	opts := service.SubmitOptions{
		SchemaVersion: extractInt(args, "schema_version", 0),
		Context:       mcp.ParseStringMap(req, "context", nil),
		Discipline:    req.GetString("discipline", ""),
		MinSeniority:  extractInt(args, "min_seniority", 0),
	}

	result, submitErr := s.svc.Submit(ctx, deliverableType, input, opts)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", submitErr)), nil
	}

	s.watch.Track(result.Execution.ExecutionID, callerID)
	return marshalResult(result)
}

// handleStatus returns the current state of an execution.
func (s *VerdiktServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, statusErr := s.svc.GetStatus(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	if !extractBool(requestArgs(req), "with_audit", false) {
		return marshalResult(map[string]any{"execution": exec})
	}

	trail, auditErr := s.svc.AuditTrail(ctx, executionID, 0)
	if auditErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit trail load failed: %v", auditErr)), nil
	}
	return marshalResult(map[string]any{"execution": exec, "audit": trail})
}

// handleDecide resolves a pending approval and resumes the execution.
func (s *VerdiktServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approverID, err := req.RequireString("approver_id")
	if err != nil {
		return mcp.NewToolResultError("approver_id is required"), nil
	}
	decisionStr, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	decision := schema.ApprovalDecision(decisionStr)
	switch decision {
	case schema.DecisionApprove, schema.DecisionReject, schema.DecisionRequestRevision:
	default:
		return mcp.NewToolResultError("decision must be approve, reject, or request_revision"), nil
	}

	s.captureSession(ctx, approverID)

	request, decideErr := s.svc.DecideApproval(ctx, requestID, approverID, decision, req.GetString("notes", ""))
	if decideErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decideErr)), nil
	}
	return marshalResult(request)
}

// handlePublishSchema validates and publishes a schema definition.
func (s *VerdiktServer) handlePublishSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var ds schema.DeliverableSchema
	if unmarshalErr := json.Unmarshal(defBytes, &ds); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	schemaID, version, pubErr := s.svc.PublishSchema(ctx, &ds)
	if pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", pubErr)), nil
	}

	return marshalResult(map[string]any{
		"schema_id":        schemaID,
		"deliverable_type": ds.DeliverableType,
		"version":          version,
	})
}

// handleQuery lists executions, approvals, schemas, or variants.
func (s *VerdiktServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "schemas":
		return s.querySchemas(ctx, filter)
	case "variants":
		return s.queryVariants(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *VerdiktServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if dt, ok := filter["deliverable_type"].(string); ok {
		ef.DeliverableType = dt
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *VerdiktServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	af := store.ApprovalFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		af.ExecutionID = execID
	}
	if assignedTo, ok := filter["assigned_to"].(string); ok {
		af.AssignedTo = assignedTo
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		as := schema.ApprovalStatus(status)
		af.Status = &as
	}

	approvals, err := s.store.ListApprovals(ctx, af)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *VerdiktServer) querySchemas(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	dt, _ := filter["deliverable_type"].(string)
	if dt == "" {
		return mcp.NewToolResultError("schema query requires 'deliverable_type' in filter"), nil
	}

	versions, err := s.svc.ListSchemaVersions(ctx, dt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schemas": versions})
}

func (s *VerdiktServer) queryVariants(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	vf := store.VariantFilter{
		BaseVersion: extractInt(filter, "base_version", 0),
	}
	if dt, ok := filter["deliverable_type"].(string); ok {
		vf.DeliverableType = dt
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		vs := schema.VariantStatus(status)
		vf.Status = &vs
	}

	variants, err := s.store.ListVariants(ctx, vf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"variants": variants})
}

// handleExportAudit returns an execution's audit trail, optionally projected.
func (s *VerdiktServer) handleExportAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	events, exportErr := s.svc.ExportAudit(ctx, executionID, req.GetString("projection", ""))
	if exportErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", exportErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram renders a workflow schema in the requested format.
func (s *VerdiktServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != "ascii" {
		return mcp.NewToolResultError("format must be mermaid or ascii"), nil
	}

	deliverableType := req.GetString("deliverable_type", "")
	executionID := req.GetString("execution_id", "")
	if deliverableType == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of deliverable_type or execution_id is required"), nil
	}

	var ds *schema.DeliverableSchema
	var exec *schema.WorkflowExecution

	if executionID != "" {
		var execErr error
		exec, execErr = s.svc.GetStatus(ctx, executionID)
		if execErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %v", execErr)), nil
		}
		var dsErr error
		ds, dsErr = s.store.GetSchemaVersion(ctx, exec.DeliverableType, exec.SchemaVersion)
		if dsErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schema lookup failed: %v", dsErr)), nil
		}
	} else if version := extractInt(requestArgs(req), "schema_version", 0); version > 0 {
		var dsErr error
		ds, dsErr = s.store.GetSchemaVersion(ctx, deliverableType, version)
		if dsErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schema lookup failed: %v", dsErr)), nil
		}
	} else {
		var dsErr error
		ds, dsErr = s.svc.ResolveSchema(ctx, deliverableType)
		if dsErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("schema lookup failed: %v", dsErr)), nil
		}
	}

	model := diagram.Build(ds, exec)
	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
}

// --- Internal helpers ---

// requestArgs returns the raw tool call arguments as a map, or nil.
func requestArgs(req mcp.CallToolRequest) map[string]any {
	args, _ := req.Params.Arguments.(map[string]any)
	return args
}

// extractBool safely extracts a boolean from an argument map.
func extractBool(args map[string]any, key string, defaultVal bool) bool {
	if args == nil {
		return defaultVal
	}
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultVal
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	}
	return defaultVal
}

// captureSession maps the caller ID to its current MCP session for
// notifications.
func (s *VerdiktServer) captureSession(ctx context.Context, callerID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(callerID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
