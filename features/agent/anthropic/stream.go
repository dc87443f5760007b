package anthropic

import (
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
)

type (
	// processor converts Anthropic streaming events into run events.
	processor struct {
		emit     agent.Emit
		threadID string
		runID    string

		msgID      string
		textID     string
		textOpen   bool
		toolSealed bool
		toolBlocks map[int]*toolBlock
		stopReason string
		usage      *usage
	}

	toolBlock struct {
		id   string
		args bool
	}

	usage struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
	}

	// turnResult is the RUN_FINISHED result of one turn.
	turnResult struct {
		StopReason string `json:"stopReason,omitempty"`
		Usage      *usage `json:"usage,omitempty"`
	}
)

func newProcessor(in *agent.Input, emit agent.Emit) *processor {
	return &processor{
		emit:       emit,
		threadID:   in.ThreadID,
		runID:      in.RunID,
		toolBlocks: make(map[int]*toolBlock),
	}
}

func (p *processor) start() error {
	return p.emit(event.RunStarted{ThreadID: p.threadID, RunID: p.runID})
}

// Handle translates one streaming event.
func (p *processor) Handle(ev sdk.MessageStreamEventUnion) error {
	switch ev := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.msgID = ev.Message.ID
		if p.msgID == "" {
			p.msgID = event.NewMessageID()
		}
		p.textID = p.msgID
		p.textOpen = false
		p.toolSealed = false
		p.toolBlocks = make(map[int]*toolBlock)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return fmt.Errorf("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		p.ensureMessage()
		p.toolBlocks[int(ev.Index)] = &toolBlock{id: toolUse.ID}
		return p.emit(event.ToolCallStart{
			ToolCallID:      toolUse.ID,
			ToolCallName:    toolUse.Name,
			ParentMessageID: p.msgID,
		})
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			p.ensureMessage()
			// A sealed tool call already recorded the message in history;
			// text arriving after it goes to a new message.
			if !p.textOpen && p.toolSealed {
				p.textID = event.NewMessageID()
			}
			p.textOpen = true
			return p.emit(event.TextMessageChunk{
				MessageID: p.textID,
				Role:      message.RoleAssistant,
				Delta:     delta.Text,
			})
		case sdk.InputJSONDelta:
			tb := p.toolBlocks[int(ev.Index)]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.args = true
			return p.emit(event.ToolCallArgs{ToolCallID: tb.id, Delta: delta.PartialJSON})
		}
		return nil
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		if !tb.args {
			if err := p.emit(event.ToolCallArgs{ToolCallID: tb.id, Delta: "{}"}); err != nil {
				return err
			}
		}
		p.toolSealed = true
		return p.emit(event.ToolCallEnd{ToolCallID: tb.id})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage = &usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		return nil
	case sdk.MessageStopEvent:
		res, err := json.Marshal(turnResult{StopReason: p.stopReason, Usage: p.usage})
		if err != nil {
			return err
		}
		return p.emit(event.RunFinished{ThreadID: p.threadID, RunID: p.runID, Result: res})
	}
	return nil
}

func (p *processor) ensureMessage() {
	if p.msgID == "" {
		p.msgID = event.NewMessageID()
		p.textID = p.msgID
	}
}
