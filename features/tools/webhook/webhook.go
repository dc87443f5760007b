// Package webhook implements a tool handler that forwards tool calls to an
// HTTP endpoint. The endpoint receives the call as a JSON object and its
// response body becomes the tool result.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agui/runtime/tools"
)

type (
	// Options configures a webhook handler.
	Options struct {
		// URL receives the tool calls. Required.
		URL string
		// Client performs the requests. Defaults to a client using Timeout.
		Client *http.Client
		// Header is added to every request.
		Header http.Header
		// Timeout bounds each call when Client is nil. Defaults to 30s.
		Timeout time.Duration
		// RatePerSecond limits the calls made to the endpoint. Zero means
		// unlimited.
		RatePerSecond float64
	}

	// Handler is a tools.Handler POSTing calls to a webhook.
	Handler struct {
		url     string
		client  *http.Client
		header  http.Header
		limiter *rate.Limiter
	}

	// Request is the JSON body POSTed for each call.
	Request struct {
		ToolCallID string         `json:"toolCallId"`
		ToolName   string         `json:"toolName"`
		AgentID    string         `json:"agentId,omitempty"`
		ThreadID   string         `json:"threadId,omitempty"`
		RunID      string         `json:"runId,omitempty"`
		Arguments  map[string]any `json:"arguments"`
	}
)

const (
	defaultTimeout = 30 * time.Second
	maxResponse    = 1 << 20
)

var _ tools.Handler = (*Handler)(nil)

// New builds a webhook handler.
func New(opts Options) (*Handler, error) {
	if opts.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url %q: unsupported scheme", opts.URL)
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	h := &Handler{url: opts.URL, client: client, header: opts.Header.Clone()}
	if opts.RatePerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return h, nil
}

// HandleTool POSTs the call and returns the response body. A JSON body is
// returned as json.RawMessage, anything else as a string. Non-2xx responses
// are errors.
func (h *Handler) HandleTool(ctx context.Context, args map[string]any, call tools.Call) (any, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(Request{
		ToolCallID: call.ToolCall.ID,
		ToolName:   call.ToolCall.Name,
		AgentID:    call.Agent.ID,
		ThreadID:   call.Agent.ThreadID,
		RunID:      call.Agent.RunID,
		Arguments:  args,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("webhook: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook: %s returned %d: %s", call.ToolCall.Name, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}
	if json.Valid(data) {
		return json.RawMessage(data), nil
	}
	return string(data), nil
}
