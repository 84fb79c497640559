// Package runners provides HTTP JSON clients for the agent and tool
// collaborators the engine calls.
package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 2 * time.Minute
)

// HTTPConfig configures an HTTP collaborator client.
type HTTPConfig struct {
	// BaseURL is the collaborator service root, e.g. http://agents:8080.
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token           string
	Headers         map[string]string
	MaxResponseBody int64
	// Timeout bounds requests that carry no deadline of their own.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

type httpClient struct {
	base    *url.URL
	cfg     HTTPConfig
	client  *http.Client
	logger  *slog.Logger
	errCode string
	kind    string
}

func newHTTPClient(cfg HTTPConfig, kind, errCode string) (*httpClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s runner: base url is required", kind)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s runner: parse base url: %w", kind, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s runner: unsupported scheme %q (only http/https)", kind, base.Scheme)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &httpClient{base: base, cfg: cfg, client: client, logger: logging.OrDiscard(cfg.Logger), errCode: errCode, kind: kind}, nil
}

// post sends payload to <base>/<collection>/<id>/execute and decodes the
// reply into out. A non-2xx reply is an error; its body is still decoded
// into out when it parses, so a failed attempt can report its cost.
func (c *httpClient) post(ctx context.Context, collection, id string, payload, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return schema.NewErrorf(c.errCode, "%s %s: encode request: %s", c.kind, id, err.Error()).WithCause(err)
	}

	endpoint := c.base.JoinPath(collection, id, "execute")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(c.errCode, "%s %s: build request: %s", c.kind, id, err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return schema.NewErrorf(c.errCode, "%s %s: request failed: %s", c.kind, id, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody+1))
	if err != nil {
		return schema.NewErrorf(c.errCode, "%s %s: read response: %s", c.kind, id, err.Error()).WithCause(err)
	}
	if int64(len(raw)) > c.cfg.MaxResponseBody {
		return schema.NewErrorf(c.errCode, "%s %s: response exceeds %d bytes", c.kind, id, c.cfg.MaxResponseBody)
	}

	c.logger.DebugContext(ctx, "collaborator call",
		slog.String("kind", c.kind),
		slog.String("id", id),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	decodeErr := json.Unmarshal(raw, out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schema.NewErrorf(c.errCode, "%s %s returned HTTP %d: %s", c.kind, id, resp.StatusCode, snippet(raw)).
			WithDetails(map[string]any{"statusCode": resp.StatusCode})
	}
	if decodeErr != nil {
		return schema.NewErrorf(c.errCode, "%s %s: decode response: %s", c.kind, id, decodeErr.Error()).WithCause(decodeErr)
	}
	return nil
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// AgentClient calls agents over HTTP: POST <base>/agents/<id>/execute with
// an engine.AgentRequest body and an engine.AgentResponse reply.
type AgentClient struct {
	http *httpClient
}

// NewAgentClient creates an AgentClient.
func NewAgentClient(cfg HTTPConfig) (*AgentClient, error) {
	c, err := newHTTPClient(cfg, "agent", schema.ErrCodeAgentFailed)
	if err != nil {
		return nil, err
	}
	return &AgentClient{http: c}, nil
}

// Execute implements engine.AgentRunner.
func (a *AgentClient) Execute(ctx context.Context, agentID string, req engine.AgentRequest) (*engine.AgentResponse, error) {
	var resp engine.AgentResponse
	if err := a.http.post(ctx, "agents", agentID, req, &resp); err != nil {
		if resp.Cost > 0 || resp.ID != "" {
			return &resp, err
		}
		return nil, err
	}
	if resp.Status == "failed" || resp.Status == "error" {
		return &resp, schema.NewErrorf(schema.ErrCodeAgentFailed, "agent %s reported status %q", agentID, resp.Status)
	}
	return &resp, nil
}

// ToolClient calls tools over HTTP: POST <base>/tools/<id>/execute with an
// engine.ToolRequest body and an engine.ToolResponse reply.
type ToolClient struct {
	http *httpClient
}

// NewToolClient creates a ToolClient.
func NewToolClient(cfg HTTPConfig) (*ToolClient, error) {
	c, err := newHTTPClient(cfg, "tool", schema.ErrCodeToolFailed)
	if err != nil {
		return nil, err
	}
	return &ToolClient{http: c}, nil
}

// Execute implements engine.ToolRunner. A request timeout bounds the call
// in addition to any deadline already on ctx.
func (t *ToolClient) Execute(ctx context.Context, toolID string, req engine.ToolRequest) (*engine.ToolResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		req.TimeoutMs = req.Timeout.Milliseconds()
	}
	var resp engine.ToolResponse
	if err := t.http.post(ctx, "tools", toolID, req, &resp); err != nil {
		if resp.Cost > 0 || resp.ID != "" {
			return &resp, err
		}
		return nil, err
	}
	if resp.Status == "failed" || resp.Status == "error" {
		return &resp, schema.NewErrorf(schema.ErrCodeToolFailed, "tool %s reported status %q", toolID, resp.Status)
	}
	return &resp, nil
}

var (
	_ engine.AgentRunner = (*AgentClient)(nil)
	_ engine.ToolRunner  = (*ToolClient)(nil)
)
