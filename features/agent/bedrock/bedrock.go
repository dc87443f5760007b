// Package bedrock implements an agent backend over the AWS Bedrock
// ConverseStream API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/message"
	"goa.design/agui/runtime/toolerrors"
	"goa.design/agui/runtime/tools"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the agent. It matches *bedrockruntime.Client.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock agent.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// Model is the Bedrock model or inference profile identifier.
		Model string
		// MaxTokens caps each completion. Zero leaves the provider default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero leaves the provider
		// default.
		Temperature float32
		// System is prepended to the system prompt of every turn.
		System string
	}

	// Agent is an agent.Agent backed by Bedrock.
	Agent struct {
		open   func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventSource, error)
		model  string
		maxTok int
		temp   float32
		system string
	}

	// eventSource is the subset of *bedrockruntime.ConverseStreamEventStream
	// consumed by the stream loop.
	eventSource interface {
		Events() <-chan brtypes.ConverseStreamOutput
		Close() error
		Err() error
	}
)

// New builds a Bedrock agent.
func New(opts Options) (*Agent, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	rt := opts.Runtime
	open := func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (eventSource, error) {
		out, err := rt.ConverseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		stream := out.GetStream()
		if stream == nil {
			return nil, errors.New("bedrock: stream output missing event stream")
		}
		return stream, nil
	}
	return newAgent(open, opts)
}

// NewFromEnv builds an agent with a Bedrock runtime client for region using
// the static credentials found in AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and
// AWS_SESSION_TOKEN.
func NewFromEnv(region, model string) (*Agent, error) {
	rt, err := NewEnvClient(region)
	if err != nil {
		return nil, err
	}
	return New(Options{Runtime: rt, Model: model})
}

// NewEnvClient returns a Bedrock runtime client for region whose credentials
// are read from the environment on first use.
func NewEnvClient(region string) (*bedrockruntime.Client, error) {
	if region == "" {
		return nil, errors.New("aws region is required")
	}
	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("bedrock: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
	return bedrockruntime.New(bedrockruntime.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(creds),
	}), nil
}

func newAgent(open func(context.Context, *bedrockruntime.ConverseStreamInput) (eventSource, error), opts Options) (*Agent, error) {
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Agent{
		open:   open,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
		system: opts.System,
	}, nil
}

// Run starts a ConverseStream request for one turn.
func (a *Agent) Run(ctx context.Context, in *agent.Input) (agent.Stream, error) {
	input, err := a.buildInput(in)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	src, err := a.open(sctx, input)
	if err != nil {
		cancel()
		return nil, wrapError(err)
	}
	return agent.Pipe(ctx, func(ctx context.Context, emit agent.Emit) error {
		defer cancel()
		defer func() { _ = src.Close() }()

		p := newProcessor(in, emit)
		if err := p.start(); err != nil {
			return err
		}
		events := src.Events()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					if err := src.Err(); err != nil {
						return wrapError(err)
					}
					return p.finish()
				}
				if err := p.Handle(ev); err != nil {
					return err
				}
			}
		}
	}), nil
}

func (a *Agent) buildInput(in *agent.Input) (*bedrockruntime.ConverseStreamInput, error) {
	if in == nil {
		return nil, errors.New("bedrock: input is required")
	}
	msgs, system, err := encodeMessages(in.Messages)
	if err != nil {
		return nil, err
	}
	if in.Resume != nil {
		v := string(in.Resume.Value)
		if v == "" {
			v = "null"
		}
		msgs = appendRole(msgs, brtypes.ConversationRoleUser,
			&brtypes.ContentBlockMemberText{Value: fmt.Sprintf("The interrupt %q was resolved with: %s", in.Resume.Name, v)})
	}
	if len(msgs) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	if sys := systemPrompt(a.system, in); sys != "" {
		system = append([]brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: sys}}, system...)
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(a.model),
		Messages: msgs,
	}
	if len(system) > 0 {
		input.System = system
	}
	if cfg, err := encodeTools(in.Tools); err != nil {
		return nil, err
	} else if cfg != nil {
		input.ToolConfig = cfg
	}
	var inf brtypes.InferenceConfiguration
	if a.maxTok > 0 {
		inf.MaxTokens = aws.Int32(int32(a.maxTok)) //nolint:gosec // AWS SDK requires int32
	}
	if a.temp > 0 {
		inf.Temperature = aws.Float32(a.temp)
	}
	if inf.MaxTokens != nil || inf.Temperature != nil {
		input.InferenceConfig = &inf
	}
	return input, nil
}

// encodeMessages converts the history into Bedrock messages. Tool results are
// carried by user messages and consecutive messages of the same role are
// merged.
func encodeMessages(msgs []message.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem, message.RoleDeveloper:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case message.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = appendRole(conversation, brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: m.Content})
		case message.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, fmt.Errorf("bedrock: tool message %q missing tool call id", m.ID)
			}
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}
			if isErrorContent(m.Content) {
				tr.Status = brtypes.ToolResultStatusError
			}
			conversation = appendRole(conversation, brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: tr})
		case message.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     toDocument(json.RawMessage(tc.Arguments)),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = appendRole(conversation, brtypes.ConversationRoleAssistant, blocks...)
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	return conversation, system, nil
}

func appendRole(conv []brtypes.Message, role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) []brtypes.Message {
	if n := len(conv); n > 0 && conv[n-1].Role == role {
		conv[n-1].Content = append(conv[n-1].Content, blocks...)
		return conv
	}
	return append(conv, brtypes.Message{Role: role, Content: blocks})
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

func encodeTools(defs []tools.Definition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	list := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("bedrock: tool definition missing name")
		}
		// Bedrock rejects tool specs without description.
		desc := def.Description
		if desc == "" {
			desc = def.Name
		}
		list = append(list, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.Parameters)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: list}, nil
}

// toDocument decodes raw into a lazy document. Empty or invalid JSON yields
// an empty object.
func toDocument(raw json.RawMessage) document.Interface {
	var v any = map[string]any{}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded != nil {
			v = decoded
		}
	}
	return document.NewLazyDocument(&v)
}

func isErrorContent(content string) bool {
	var s toolerrors.Status
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return false
	}
	return s.Status == toolerrors.StatusError
}

// isRateLimited reports whether err is a Bedrock throttling error: either a
// ThrottlingException API error or an HTTP 429 response.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, agent.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapError(err error) error {
	if isRateLimited(err) {
		if errors.Is(err, agent.ErrRateLimited) {
			return err
		}
		return fmt.Errorf("%w: %w", agent.ErrRateLimited, err)
	}
	return fmt.Errorf("bedrock converse stream: %w", err)
}
