package steps

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"

	"github.com/verdikt/verdikt/internal/engine"
	"github.com/verdikt/verdikt/internal/expressions"
	"github.com/verdikt/verdikt/pkg/schema"
)

// HTTPConfig tunes the http.fetch step function.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// RegisterBuiltins adds the built-in step functions to a registry. Domain
// deployments register their own computation functions alongside these.
func RegisterBuiltins(reg *engine.FuncRegistry, httpCfg HTTPConfig) error {
	for _, fn := range []engine.StepFunc{
		httpFetch(httpCfg),
		jqTransform(),
		exprCompute(),
		digest(),
	} {
		if err := reg.Register(fn); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

// httpFetch calls an external service and returns its response. The body is
// decoded as JSON when possible, otherwise returned as a string.
func httpFetch(cfg HTTPConfig) engine.StepFunc {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: cfg.DefaultTimeout}

	return engine.FuncOf("http.fetch", func(ctx context.Context, input map[string]any) (json.RawMessage, error) {
		url := stringParam(input, "url", "")
		if url == "" {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "http.fetch requires 'url'")
		}
		method := stringParam(input, "method", http.MethodGet)

		var body io.Reader
		if payload, ok := input["body"]; ok {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeStepExecution, "http.fetch: encode body").WithCause(err)
			}
			body = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "http.fetch: build request").WithCause(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := input["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "http.fetch: request failed").WithCause(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "http.fetch: read response").WithCause(err)
		}

		var decoded any
		if json.Unmarshal(raw, &decoded) != nil {
			decoded = string(raw)
		}
		return json.Marshal(map[string]any{
			"status": resp.StatusCode,
			"body":   decoded,
		})
	})
}

// jqTransform reshapes a document with a jq program. Multiple outputs are
// collected into "results"; a single output is returned as "result".
func jqTransform() engine.StepFunc {
	return engine.FuncOf("jq.transform", func(ctx context.Context, input map[string]any) (json.RawMessage, error) {
		program := stringParam(input, "program", "")
		if program == "" {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "jq.transform requires 'program'")
		}
		query, err := gojq.Parse(program)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq.transform: parse %q: %s", program, err.Error()).WithCause(err)
		}

		var results []any
		iter := query.RunWithContext(ctx, input["document"])
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := val.(error); isErr {
				return nil, schema.NewError(schema.ErrCodeExpression, "jq.transform: evaluation failed").WithCause(jqErr)
			}
			results = append(results, val)
		}

		if len(results) == 1 {
			return json.Marshal(map[string]any{"result": results[0]})
		}
		return json.Marshal(map[string]any{"results": results})
	})
}

// exprCompute evaluates an expression against caller-supplied variables.
// Useful for derived quantities between steps without a dedicated function.
func exprCompute() engine.StepFunc {
	eng := expressions.NewExprEngine()
	return engine.FuncOf("expr.compute", func(ctx context.Context, input map[string]any) (json.RawMessage, error) {
		expression := stringParam(input, "expression", "")
		if expression == "" {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "expr.compute requires 'expression'")
		}
		vars, _ := input["vars"].(map[string]any)
		result, err := eng.Evaluate(ctx, expression, vars)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"result": result})
	})
}

// digest hashes a value for integrity references in audit trails.
func digest() engine.StepFunc {
	return engine.FuncOf("hash.digest", func(_ context.Context, input map[string]any) (json.RawMessage, error) {
		data := stringParam(input, "data", "")
		if data == "" {
			return nil, schema.NewError(schema.ErrCodeStepExecution, "hash.digest requires 'data'")
		}
		algorithm := stringParam(input, "algorithm", "sha256")

		var h hash.Hash
		switch algorithm {
		case "sha256":
			h = sha256.New()
		case "sha512":
			h = sha512.New()
		default:
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"hash.digest: unsupported algorithm %q", algorithm)
		}
		h.Write([]byte(data))
		return json.Marshal(map[string]any{
			"algorithm": algorithm,
			"digest":    hex.EncodeToString(h.Sum(nil)),
			"length":    fmt.Sprintf("%d", len(data)),
		})
	})
}
