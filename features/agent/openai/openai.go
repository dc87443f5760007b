// Package openai implements an agent backend over the OpenAI Chat Completions
// streaming API. Content deltas become TEXT_MESSAGE_CHUNK events and tool call
// deltas, which OpenAI streams by choice index, become TOOL_CALL_START/ARGS
// events sealed with TOOL_CALL_END once the choice reports a finish reason.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/tools"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the agent. It
	// is satisfied by *openai.ChatCompletionService.
	ChatClient interface {
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the OpenAI agent.
	Options struct {
		// Client is the chat completions client.
		Client ChatClient
		// Model is the model identifier, for example openai.ChatModelGPT4o.
		Model string
		// MaxTokens caps each completion. Zero leaves the provider default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero leaves the provider
		// default.
		Temperature float64
		// System is prepended to the system prompt of every turn.
		System string
	}

	// Agent is an agent.Agent backed by OpenAI chat completions.
	Agent struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
		system string
	}
)

// New builds an OpenAI agent from the provided options.
func New(opts Options) (*Agent, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	return &Agent{
		chat:   opts.Client,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs an agent using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Agent, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &c.Chat.Completions, Model: model})
}

// Run starts a streaming chat completion for one turn.
func (a *Agent) Run(ctx context.Context, in *agent.Input) (agent.Stream, error) {
	params, err := a.prepareRequest(in)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	stream := a.chat.NewStreaming(sctx, *params)
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
		return p.finish()
	}), nil
}

func (a *Agent) prepareRequest(in *agent.Input) (*openai.ChatCompletionNewParams, error) {
	if in == nil {
		return nil, errors.New("openai: input is required")
	}
	msgs, err := encodeMessages(in.Messages)
	if err != nil {
		return nil, err
	}
	if in.Resume != nil {
		v := string(in.Resume.Value)
		if v == "" {
			v = "null"
		}
		msgs = append(msgs, openai.UserMessage(fmt.Sprintf("The interrupt %q was resolved with: %s", in.Resume.Name, v)))
	}
	if len(msgs) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if sys := systemPrompt(a.system, in); sys != "" {
		msgs = append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(sys)}, msgs...)
	}
	toolList, err := encodeTools(in.Tools)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: msgs,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	if a.maxTok > 0 {
		params.MaxCompletionTokens = openai.Int(int64(a.maxTok))
	}
	if a.temp > 0 {
		params.Temperature = openai.Float(a.temp)
	}
	return &params, nil
}

func encodeMessages(msgs []message.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case message.RoleDeveloper:
			out = append(out, openai.DeveloperMessage(m.Content))
		case message.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case message.RoleTool:
			if m.ToolCallID == "" {
				return nil, fmt.Errorf("openai: tool message %q missing tool call id", m.ID)
			}
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case message.RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func systemPrompt(base string, in *agent.Input) string {
	var parts []string
	if base != "" {
		parts = append(parts, base)
	}
	if len(in.Context) > 0 {
		var b strings.Builder
		b.WriteString("Context provided by the application:\n")
		for _, c := range in.Context {
			fmt.Fprintf(&b, "- %s: %s\n", c.Description, c.Value)
		}
		parts = append(parts, b.String())
	}
	if len(in.State) > 0 && string(in.State) != "null" {
		parts = append(parts, "Current shared state:\n"+string(in.State))
	}
	return strings.Join(parts, "\n\n")
}

func encodeTools(defs []tools.Definition) ([]openai.ChatCompletionToolParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if len(def.Parameters) > 0 {
			var params openai.FunctionParameters
			if err := json.Unmarshal(def.Parameters, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = params
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", agent.ErrRateLimited, err)
	}
	return fmt.Errorf("openai chat completion stream: %w", err)
}
