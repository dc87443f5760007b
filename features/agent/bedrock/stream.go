package bedrock

import (
	"encoding/json"
	"fmt"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/message"
)

type (
	// processor converts ConverseStream events into run events.
	processor struct {
		emit     agent.Emit
		threadID string
		runID    string

		msgID      string
		textID     string
		textOpen   bool
		toolSealed bool
		toolBlocks map[int32]*toolBlock
		stopped    bool
		stopReason string
		usage      *usage
	}

	toolBlock struct {
		id   string
		args bool
	}

	usage struct {
		InputTokens  int32 `json:"inputTokens"`
		OutputTokens int32 `json:"outputTokens"`
	}

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
		toolBlocks: make(map[int32]*toolBlock),
	}
}

func (p *processor) start() error {
	return p.emit(event.RunStarted{ThreadID: p.threadID, RunID: p.runID})
}

// Handle translates one stream event.
func (p *processor) Handle(ev brtypes.ConverseStreamOutput) error {
	switch ev := ev.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.msgID = event.NewMessageID()
		p.textID = p.msgID
		p.textOpen = false
		p.toolSealed = false
		p.toolBlocks = make(map[int32]*toolBlock)
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		id, name := deref(toolUse.Value.ToolUseId), deref(toolUse.Value.Name)
		if id == "" || name == "" {
			return fmt.Errorf("bedrock stream: tool use block %d missing id or name", idx)
		}
		p.ensureMessage()
		p.toolBlocks[idx] = &toolBlock{id: id}
		return p.emit(event.ToolCallStart{ToolCallID: id, ToolCallName: name, ParentMessageID: p.msgID})
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			p.ensureMessage()
			if !p.textOpen && p.toolSealed {
				p.textID = event.NewMessageID()
			}
			p.textOpen = true
			return p.emit(event.TextMessageChunk{MessageID: p.textID, Role: message.RoleAssistant, Delta: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[idx]
			if tb == nil || delta.Value.Input == nil || *delta.Value.Input == "" {
				return nil
			}
			tb.args = true
			return p.emit(event.ToolCallArgs{ToolCallID: tb.id, Delta: *delta.Value.Input})
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
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
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.stopped = true
		p.stopReason = string(ev.Value.StopReason)
		return nil
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			p.usage = &usage{InputTokens: deref(u.InputTokens), OutputTokens: deref(u.OutputTokens)}
		}
		return nil
	}
	return nil
}

// finish emits RUN_FINISHED when the model stopped. Usage metadata arrives
// after messageStop, so the terminal event waits for the end of the stream.
func (p *processor) finish() error {
	if !p.stopped {
		return nil
	}
	res, err := json.Marshal(turnResult{StopReason: p.stopReason, Usage: p.usage})
	if err != nil {
		return err
	}
	return p.emit(event.RunFinished{ThreadID: p.threadID, RunID: p.runID, Result: res})
}

func (p *processor) ensureMessage() {
	if p.msgID == "" {
		p.msgID = event.NewMessageID()
		p.textID = p.msgID
	}
}

func contentIndex(idx *int32) (int32, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return *idx, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
