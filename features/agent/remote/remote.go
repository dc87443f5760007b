// Package remote implements an agent backend over a remote AG-UI endpoint.
// Each turn POSTs the run input as JSON and reads the events of the turn back
// as a Server-Sent Events response.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/sse"
)

type (
	// Options configures the remote agent.
	Options struct {
		// Endpoint is the URL the run input is POSTed to. Required.
		Endpoint string
		// Client performs the requests. Defaults to http.DefaultClient.
		Client *http.Client
		// Header is added to every request.
		Header http.Header
		// Strict validates each turn with event.ValidateSequence before its
		// terminal event is delivered. A malformed turn fails with an error
		// wrapping *event.SequenceError.
		Strict bool
	}

	// Agent is an agent.Agent that delegates turns to a remote endpoint.
	Agent struct {
		endpoint string
		client   *http.Client
		header   http.Header
		strict   bool
	}

	// StatusError is returned when the endpoint answers with a non-2xx
	// status.
	StatusError struct {
		StatusCode int
		Body       string
	}
)

// maxErrorBody bounds the response body kept in a StatusError.
const maxErrorBody = 4 << 10

// New builds a remote agent.
func New(opts Options) (*Agent, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("remote agent endpoint is required")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote agent endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote agent endpoint %q: unsupported scheme", opts.Endpoint)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Agent{endpoint: opts.Endpoint, client: client, header: opts.Header.Clone(), strict: opts.Strict}, nil
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote agent: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote agent: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Run POSTs in to the endpoint and streams the response events.
func (a *Agent) Run(ctx context.Context, in *agent.Input) (agent.Stream, error) {
	if in == nil {
		return nil, errors.New("remote agent: input is required")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("remote agent: encode input: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote agent: build request: %w", err)
	}
	for k, vs := range a.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", sse.ContentType)

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote agent: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	return agent.Pipe(ctx, func(ctx context.Context, emit agent.Emit) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		dec := sse.NewDecoder(resp.Body)
		var seen []event.Event
		for {
			e, err := dec.Decode()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("remote agent: %w", err)
			}
			if a.strict {
				seen = append(seen, e)
				if event.IsTerminal(e) {
					if err := event.ValidateSequence(seen); err != nil {
						return fmt.Errorf("remote agent: %w", err)
					}
				}
			}
			if err := emit(e); err != nil {
				return err
			}
			if event.IsTerminal(e) {
				return nil
			}
		}
	}), nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", agent.ErrRateLimited, serr)
		}
		return serr
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mt != sse.ContentType {
		return fmt.Errorf("remote agent: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return nil
}
