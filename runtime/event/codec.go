package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned when decoding an event with an unrecognized type.
var ErrUnknownType = errors.New("event: unknown type")

// Marshal encodes e as a JSON object tagged with its "type" discriminator.
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("event: nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.Type(), err)
	}
	typ, err := json.Marshal(e.Type())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal decodes a JSON event produced by Marshal or by any compliant
// producer. It returns ErrUnknownType when the discriminator is not part of
// the protocol.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("event: decode type: %w", err)
	}
	switch head.Type {
	case TypeRunStarted:
		return decode[RunStarted](data)
	case TypeRunFinished:
		return decode[RunFinished](data)
	case TypeRunError:
		return decode[RunError](data)
	case TypeStepStarted:
		return decode[StepStarted](data)
	case TypeStepFinished:
		return decode[StepFinished](data)
	case TypeTextMessageStart:
		return decode[TextMessageStart](data)
	case TypeTextMessageContent:
		return decode[TextMessageContent](data)
	case TypeTextMessageEnd:
		return decode[TextMessageEnd](data)
	case TypeTextMessageChunk:
		return decode[TextMessageChunk](data)
	case TypeToolCallStart:
		return decode[ToolCallStart](data)
	case TypeToolCallArgs:
		return decode[ToolCallArgs](data)
	case TypeToolCallEnd:
		return decode[ToolCallEnd](data)
	case TypeToolCallChunk:
		return decode[ToolCallChunk](data)
	case TypeToolCallResult:
		return decode[ToolCallResult](data)
	case TypeStateSnapshot:
		return decode[StateSnapshot](data)
	case TypeStateDelta:
		return decode[StateDelta](data)
	case TypeMessagesSnapshot:
		return decode[MessagesSnapshot](data)
	case TypeInterrupt:
		return decode[Interrupt](data)
	case TypeCustom:
		return decode[Custom](data)
	case TypeRaw:
		return decode[Raw](data)
	case "":
		return nil, errors.New("event: missing type")
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
}

func decode[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: decode %s: %w", e.Type(), err)
	}
	return e, nil
}
