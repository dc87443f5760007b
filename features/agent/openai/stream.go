package openai

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
)

type (
	// processor converts chat completion chunks into run events.
	processor struct {
		emit     agent.Emit
		threadID string
		runID    string

		msgID        string
		calls        map[int64]*toolCall
		finishReason string
		usage        *usage
	}

	toolCall struct {
		id     string
		args   bool
		sealed bool
	}

	usage struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	}

	turnResult struct {
		FinishReason string `json:"finishReason,omitempty"`
		Usage        *usage `json:"usage,omitempty"`
	}
)

func newProcessor(in *agent.Input, emit agent.Emit) *processor {
	return &processor{
		emit:     emit,
		threadID: in.ThreadID,
		runID:    in.RunID,
		calls:    make(map[int64]*toolCall),
	}
}

func (p *processor) start() error {
	return p.emit(event.RunStarted{ThreadID: p.threadID, RunID: p.runID})
}

// Handle translates one chunk. Only the first choice is considered.
func (p *processor) Handle(chunk openai.ChatCompletionChunk) error {
	if p.msgID == "" {
		p.msgID = chunk.ID
		if p.msgID == "" {
			p.msgID = event.NewMessageID()
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		p.usage = &usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		if err := p.emit(event.TextMessageChunk{
			MessageID: p.msgID,
			Role:      message.RoleAssistant,
			Delta:     choice.Delta.Content,
		}); err != nil {
			return err
		}
	}
	for _, d := range choice.Delta.ToolCalls {
		tc := p.calls[d.Index]
		if tc == nil {
			if d.ID == "" {
				return fmt.Errorf("openai stream: tool call %d missing id", d.Index)
			}
			if d.Function.Name == "" {
				return fmt.Errorf("openai stream: tool call %q missing name", d.ID)
			}
			tc = &toolCall{id: d.ID}
			p.calls[d.Index] = tc
			if err := p.emit(event.ToolCallStart{
				ToolCallID:      d.ID,
				ToolCallName:    d.Function.Name,
				ParentMessageID: p.msgID,
			}); err != nil {
				return err
			}
		}
		if d.Function.Arguments == "" {
			continue
		}
		tc.args = true
		if err := p.emit(event.ToolCallArgs{ToolCallID: tc.id, Delta: d.Function.Arguments}); err != nil {
			return err
		}
	}
	if choice.FinishReason != "" {
		p.finishReason = choice.FinishReason
		return p.sealCalls()
	}
	return nil
}

// finish emits the turn's RUN_FINISHED once the model reported a finish
// reason. A stream that ended without one is left without terminal event.
func (p *processor) finish() error {
	if p.finishReason == "" {
		return nil
	}
	res, err := json.Marshal(turnResult{FinishReason: p.finishReason, Usage: p.usage})
	if err != nil {
		return err
	}
	return p.emit(event.RunFinished{ThreadID: p.threadID, RunID: p.runID, Result: res})
}

func (p *processor) sealCalls() error {
	idx := make([]int64, 0, len(p.calls))
	for i := range p.calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx {
		tc := p.calls[i]
		if tc.sealed {
			continue
		}
		tc.sealed = true
		if !tc.args {
			if err := p.emit(event.ToolCallArgs{ToolCallID: tc.id, Delta: "{}"}); err != nil {
				return err
			}
		}
		if err := p.emit(event.ToolCallEnd{ToolCallID: tc.id}); err != nil {
			return err
		}
	}
	return nil
}
