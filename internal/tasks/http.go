package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomengine/loom/internal/expressions"
	"github.com/loomengine/loom/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 120 * time.Second
)

// HTTPConfig configures an HTTPRunner.
type HTTPConfig struct {
	// Endpoint is the provider URL the task payload is POSTed to.
	Endpoint string
	// APIKey, when set, is sent as a Bearer token.
	APIKey string
	// Extract is an optional jq expression applied to the provider response
	// to select the node output (e.g. ".data.url"). Empty means the full
	// response body becomes the output.
	Extract string
	// Timeout bounds a single provider call. Zero means the default.
	Timeout time.Duration
	// MaxResponseBody caps how much of the response is read. Zero means the
	// default.
	MaxResponseBody int64
}

// HTTPRunner dispatches generation tasks to an external provider over HTTP.
// The task is serialized as JSON and POSTed to the configured endpoint; the
// response body (optionally narrowed by a jq expression) becomes the node's
// output.
type HTTPRunner struct {
	name   string
	config HTTPConfig
	client *http.Client
	jq     *expressions.GoJQEngine
}

// NewHTTPRunner creates a runner for the given provider endpoint.
func NewHTTPRunner(name string, cfg HTTPConfig) (*HTTPRunner, error) {
	u, err := url.ParseRequestURI(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid runner endpoint %q", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPRunner{
		name:   name,
		config: cfg,
		client: &http.Client{},
		jq:     expressions.NewGoJQEngine(),
	}, nil
}

// Name returns the runner identifier.
func (r *HTTPRunner) Name() string { return r.name }

// Execute POSTs the task to the provider and returns its response as the
// node output.
func (r *HTTPRunner) Execute(ctx context.Context, task Task, progress ProgressFunc) (*Result, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to marshal task", r.name).
			WithNode(task.NodeID).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.config.Endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to create request", r.name).
			WithNode(task.NodeID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	if progress != nil {
		progress(0)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: provider call failed: %v", r.name, err).
			WithNode(task.NodeID).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to read provider response", r.name).
			WithNode(task.NodeID).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: provider returned %d", r.name, resp.StatusCode).
			WithNode(task.NodeID).
			WithDetails(map[string]any{
				"status_code": resp.StatusCode,
				"body":        string(body),
			})
	}

	output := json.RawMessage(body)
	if r.config.Extract != "" {
		output, err = r.extract(ctx, body, task.NodeID)
		if err != nil {
			return nil, err
		}
	}

	if progress != nil {
		progress(100)
	}

	return &Result{
		Output: output,
		Logs: []string{
			fmt.Sprintf("%s: provider responded %d in %dms", r.name, resp.StatusCode, time.Since(start).Milliseconds()),
		},
	}, nil
}

// extract applies the configured jq expression to the provider response.
func (r *HTTPRunner) extract(ctx context.Context, body []byte, nodeID string) (json.RawMessage, error) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: provider response is not JSON", r.name).
			WithNode(nodeID).WithCause(err)
	}

	data, ok := parsed.(map[string]any)
	if !ok {
		data = map[string]any{"body": parsed}
	}

	val, err := r.jq.Evaluate(ctx, r.config.Extract, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: output extraction failed", r.name).
			WithNode(nodeID).WithCause(err)
	}

	out, err := json.Marshal(val)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: failed to marshal extracted output", r.name).
			WithNode(nodeID).WithCause(err)
	}
	return json.RawMessage(out), nil
}

var _ Runner = (*HTTPRunner)(nil)
