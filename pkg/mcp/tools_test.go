package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikt/verdikt/internal/approval"
	"github.com/verdikt/verdikt/internal/engine"
	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/internal/metrics"
	"github.com/verdikt/verdikt/internal/registry"
	"github.com/verdikt/verdikt/internal/service"
	"github.com/verdikt/verdikt/internal/store"
	"github.com/verdikt/verdikt/internal/streaming"
	"github.com/verdikt/verdikt/internal/validation"
	"github.com/verdikt/verdikt/pkg/schema"
)

func newTestServer(t *testing.T) (*VerdiktServer, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mcp_test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.Default()
	ev, err := expressions.NewEvaluator(logger)
	require.NoError(t, err)
	iv := validation.NewInputValidator()
	reg := registry.New(s, ev, iv, logger)

	funcs := engine.NewFuncRegistry()
	require.NoError(t, funcs.Register(engine.FuncOf("doubler",
		func(_ context.Context, input map[string]any) (json.RawMessage, error) {
			v, _ := input["value"].(float64)
			return json.Marshal(map[string]any{"result": v * 2})
		})))

	hub := streaming.NewMemoryHub()
	svc := service.New(s, reg, funcs, ev, iv, metrics.NewCollector(), hub, logger, service.Config{
		MaxConcurrent: 2,
		StepTimeout:   5 * time.Second,
		RetryDelay:    time.Millisecond,
		Approval:      approval.Config{ReviewDeadline: time.Hour, MaxEscalations: 3},
	})
	t.Cleanup(svc.Shutdown)

	srv := NewVerdiktServer(VerdiktServerDeps{
		Service: svc,
		Store:   s,
		Hub:     hub,
		Logger:  logger,
	})
	return srv, s
}

func sizingDefinition() map[string]any {
	return map[string]any{
		"deliverable_type": "foundation_design",
		"steps": []any{
			map[string]any{
				"step_number":  1,
				"step_name":    "compute_loads",
				"function_ref": "doubler",
				"input_mapping": map[string]any{
					"value": "$input.seed",
				},
			},
		},
		"default_thresholds": map[string]any{
			"auto_approve":   0.3,
			"require_review": 0.4,
			"require_hitl":   0.7,
		},
		"risk_rules": map[string]any{
			"rules": []any{
				map[string]any{
					"rule_id":   "heavy_structure",
					"scope":     "exception",
					"condition": "input.seed > 100",
					"action":    "require_hitl",
				},
			},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func publishViaTool(t *testing.T, srv *VerdiktServer) {
	t.Helper()
	result, err := srv.handlePublishSchema(context.Background(), buildRequest("verdikt.publish_schema", map[string]any{
		"definition": sizingDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "publish must succeed: %+v", result)
}

func seedApprover(t *testing.T, s *store.LibSQLStore) {
	t.Helper()
	require.NoError(t, s.UpsertApprover(context.Background(), &schema.Approver{
		ApproverID:   "se-lead",
		Name:         "Lead Engineer",
		Discipline:   "structural",
		Seniority:    3,
		MaxRiskScore: 1.0,
		Available:    true,
	}))
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func TestPublishSchemaTool(t *testing.T) {
	srv, s := newTestServer(t)
	publishViaTool(t, srv)

	versions, err := s.ListSchemaVersions(context.Background(), "foundation_design")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
}

func TestPublishSchemaTool_InvalidDefinition(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handlePublishSchema(context.Background(), buildRequest("verdikt.publish_schema", map[string]any{
		"definition": map[string]any{"deliverable_type": "empty_design"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "schema without steps must be rejected")
}

func TestSubmitTool(t *testing.T) {
	srv, s := newTestServer(t)
	publishViaTool(t, srv)

	result, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
		"input":            map[string]any{"seed": 3.0},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var res service.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &res))
	assert.Equal(t, schema.ExecutionCompleted, res.Execution.Status)

	execs, err := s.ListExecutions(context.Background(), store.ExecutionFilter{DeliverableType: "foundation_design"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestSubmitTool_MissingParams(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"input": map[string]any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDecideTool(t *testing.T) {
	srv, s := newTestServer(t)
	publishViaTool(t, srv)
	seedApprover(t, s)

	submitResult, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
		"input":            map[string]any{"seed": 200.0},
		"discipline":       "structural",
		"min_seniority":    1,
	}))
	require.NoError(t, err)
	require.False(t, submitResult.IsError)

	var res service.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, submitResult)), &res))
	require.NotNil(t, res.Approval)

	decideResult, err := srv.handleDecide(context.Background(), buildRequest("verdikt.decide", map[string]any{
		"request_id":  res.Approval.RequestID,
		"approver_id": "se-lead",
		"decision":    "approve",
		"notes":       "loads acceptable",
	}))
	require.NoError(t, err)
	require.False(t, decideResult.IsError)

	exec, err := s.GetExecution(context.Background(), res.Execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionApproved, exec.Status)
}

func TestDecideTool_InvalidDecision(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleDecide(context.Background(), buildRequest("verdikt.decide", map[string]any{
		"request_id":  "req-1",
		"approver_id": "se-lead",
		"decision":    "maybe",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool_WithAudit(t *testing.T) {
	srv, _ := newTestServer(t)
	publishViaTool(t, srv)

	submitResult, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
		"input":            map[string]any{"seed": 3.0},
	}))
	require.NoError(t, err)
	var res service.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, submitResult)), &res))

	statusResult, err := srv.handleStatus(context.Background(), buildRequest("verdikt.status", map[string]any{
		"execution_id": res.Execution.ExecutionID,
		"with_audit":   true,
	}))
	require.NoError(t, err)
	require.False(t, statusResult.IsError)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(resultText(t, statusResult)), &doc))
	assert.Contains(t, doc, "execution")
	assert.Contains(t, doc, "audit")
}

func TestQueryTool(t *testing.T) {
	srv, _ := newTestServer(t)
	publishViaTool(t, srv)

	_, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
		"input":            map[string]any{"seed": 3.0},
	}))
	require.NoError(t, err)

	result, err := srv.handleQuery(context.Background(), buildRequest("verdikt.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"deliverable_type": "foundation_design", "status": "completed"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "execution_id")

	result, err = srv.handleQuery(context.Background(), buildRequest("verdikt.query", map[string]any{
		"resource": "schemas",
		"filter":   map[string]any{"deliverable_type": "foundation_design"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = srv.handleQuery(context.Background(), buildRequest("verdikt.query", map[string]any{
		"resource": "schemas",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "schema query requires a deliverable_type")

	result, err = srv.handleQuery(context.Background(), buildRequest("verdikt.query", map[string]any{
		"resource": "datacenters",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExportAuditTool(t *testing.T) {
	srv, _ := newTestServer(t)
	publishViaTool(t, srv)

	submitResult, err := srv.handleSubmit(context.Background(), buildRequest("verdikt.submit", map[string]any{
		"deliverable_type": "foundation_design",
		"input":            map[string]any{"seed": 3.0},
	}))
	require.NoError(t, err)
	var res service.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, submitResult)), &res))

	result, err := srv.handleExportAudit(context.Background(), buildRequest("verdikt.export_audit", map[string]any{
		"execution_id": res.Execution.ExecutionID,
		"projection":   ".event_type",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "execution_completed")
}

func TestDiagramTool(t *testing.T) {
	srv, _ := newTestServer(t)
	publishViaTool(t, srv)

	result, err := srv.handleDiagram(context.Background(), buildRequest("verdikt.diagram", map[string]any{
		"deliverable_type": "foundation_design",
		"format":           "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "graph TD")
	assert.Contains(t, resultText(t, result), "compute_loads")

	result, err = srv.handleDiagram(context.Background(), buildRequest("verdikt.diagram", map[string]any{
		"format": "mermaid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "needs a deliverable_type or execution_id")

	result, err = srv.handleDiagram(context.Background(), buildRequest("verdikt.diagram", map[string]any{
		"deliverable_type": "foundation_design",
		"format":           "png",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
