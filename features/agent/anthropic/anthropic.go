// Package anthropic implements an agent backend over the Anthropic Claude
// Messages streaming API. Each turn sends the conversation history, the
// offered tools and the shared state to the model and translates the streamed
// content blocks into run events: text deltas become TEXT_MESSAGE_CHUNK
// events and tool_use blocks become TOOL_CALL_START/ARGS/END triads whose
// parent is the assistant message.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/toolerrors"
	"goa.design/agui/runtime/tools"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the agent. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic agent.
	Options struct {
		// Model is the Claude model identifier, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		Model string
		// MaxTokens caps each completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is the sampling temperature. Zero leaves the provider
		// default.
		Temperature float64
		// System is prepended to the system prompt of every turn.
		System string
	}

	// Agent is an agent.Agent backed by Claude.
	Agent struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
		system string
	}
)

// DefaultMaxTokens is the completion cap used when Options.MaxTokens is unset.
const DefaultMaxTokens = 4096

// New builds an Anthropic agent from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Agent, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Agent{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs an agent using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Run starts a streaming Messages request for one turn.
func (a *Agent) Run(ctx context.Context, in *agent.Input) (agent.Stream, error) {
	params, err := a.prepareRequest(in)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	stream := a.msg.NewStreaming(sctx, *params)
	if err := stream.Err(); err != nil {
		cancel()
		_ = stream.Close()
		return nil, classify(err)
	}
	return agent.Pipe(ctx, func(ctx context.Context, emit agent.Emit) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer func() { _ = stream.Close() }()

		p := newProcessor(in, emit)
		if err := p.start(); err != nil {
			return err
		}
		for stream.Next() {
			if err := p.Handle(stream.Current()); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify(err)
		}
		return nil
	}), nil
}

func (a *Agent) prepareRequest(in *agent.Input) (*sdk.MessageNewParams, error) {
	if in == nil {
		return nil, errors.New("anthropic: input is required")
	}
	msgs, system, err := encodeMessages(in.Messages)
	if err != nil {
		return nil, err
	}
	if in.Resume != nil {
		msgs = appendUser(msgs, sdk.NewTextBlock(resumeText(in.Resume)))
	}
	if len(msgs) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	system = append(systemPrelude(a.system, in), system...)
	toolList, err := encodeTools(in.Tools)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(a.maxTok),
		Messages:  msgs,
		Model:     sdk.Model(a.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if a.temp > 0 {
		params.Temperature = sdk.Float(a.temp)
	}
	return &params, nil
}

// encodeMessages converts the conversation history into Anthropic message
// params. System and developer messages become system blocks, tool messages
// become tool_result blocks of a user message, and consecutive messages with
// the same role are merged since the API requires alternating roles.
func encodeMessages(msgs []message.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem, message.RoleDeveloper:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case message.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = appendUser(conversation, sdk.NewTextBlock(m.Content))
		case message.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, fmt.Errorf("anthropic: tool message %q missing tool call id", m.ID)
			}
			conversation = appendUser(conversation, sdk.NewToolResultBlock(m.ToolCallID, m.Content, isErrorContent(m.Content)))
		case message.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, decodeArguments(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = appendRole(conversation, sdk.MessageParamRoleAssistant, blocks...)
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func appendUser(conv []sdk.MessageParam, blocks ...sdk.ContentBlockParamUnion) []sdk.MessageParam {
	return appendRole(conv, sdk.MessageParamRoleUser, blocks...)
}

func appendRole(conv []sdk.MessageParam, role sdk.MessageParamRole, blocks ...sdk.ContentBlockParamUnion) []sdk.MessageParam {
	if n := len(conv); n > 0 && conv[n-1].Role == role {
		conv[n-1].Content = append(conv[n-1].Content, blocks...)
		return conv
	}
	if role == sdk.MessageParamRoleAssistant {
		return append(conv, sdk.NewAssistantMessage(blocks...))
	}
	return append(conv, sdk.NewUserMessage(blocks...))
}

// systemPrelude renders the configured system prompt, the client context and
// the shared state as system blocks.
func systemPrelude(base string, in *agent.Input) []sdk.TextBlockParam {
	var out []sdk.TextBlockParam
	if base != "" {
		out = append(out, sdk.TextBlockParam{Text: base})
	}
	if len(in.Context) > 0 {
		var b strings.Builder
		b.WriteString("Context provided by the application:\n")
		for _, c := range in.Context {
			fmt.Fprintf(&b, "- %s: %s\n", c.Description, c.Value)
		}
		out = append(out, sdk.TextBlockParam{Text: b.String()})
	}
	if len(in.State) > 0 && string(in.State) != "null" {
		out = append(out, sdk.TextBlockParam{Text: "Current shared state:\n" + string(in.State)})
	}
	return out
}

func resumeText(r *agent.Resume) string {
	v := string(r.Value)
	if v == "" {
		v = "null"
	}
	return fmt.Sprintf("The interrupt %q was resolved with: %s", r.Name, v)
}

func encodeTools(defs []tools.Definition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool definition missing name")
		}
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	// Type is always "object"; the SDK sets it.
	delete(m, "type")
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func decodeArguments(raw string) any {
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return map[string]any{}
	}
	return v
}

// isErrorContent reports whether a tool result content carries an error
// status payload.
func isErrorContent(content string) bool {
	var s toolerrors.Status
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return false
	}
	return s.Status == toolerrors.StatusError
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", agent.ErrRateLimited, err)
	}
	return fmt.Errorf("anthropic messages stream: %w", err)
}
