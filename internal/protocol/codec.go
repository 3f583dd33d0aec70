package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when a frame is not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned when a frame's type is not a known inbound variant.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrEmptyContent is returned when a user message has no content.
	ErrEmptyContent = errors.New("user message content is empty")
)

type userMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type controlFrame struct {
	Type string `json:"type"`
}

// Encode renders an intent as a wire frame.
func Encode(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case SendUserMessage:
		if strings.TrimSpace(m.Content) == "" {
			return nil, ErrEmptyContent
		}
		return json.Marshal(userMessageFrame{Type: TypeUserMessage, Content: m.Content})
	case StopAgent, ClearHistory:
		return json.Marshal(controlFrame{Type: m.FrameType()})
	default:
		return nil, fmt.Errorf("unsupported intent %T", msg)
	}
}

type envelope struct {
	Type *string         `json:"type"`
	Data json.RawMessage `json:"data"`
}

type utteranceData struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

type statusData struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type errorData struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Decode parses a frame received from the backend. receivedAt stamps
// messages that arrive without a timestamp of their own.
//
// The returned error wraps ErrMalformed or ErrUnknownType.
func Decode(frame []byte, receivedAt time.Time) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	stamp := func(ts string) string {
		if ts != "" {
			return ts
		}
		return receivedAt.UTC().Format(time.RFC3339Nano)
	}

	switch typ := *env.Type; typ {
	case TypeAgentMessage, TypeToolResult:
		var d utteranceData
		if err := decodeData(typ, env.Data, &d); err != nil {
			return nil, err
		}
		u := Utterance{
			Content:   d.Content,
			Sender:    normalizeSender(d.Sender),
			Timestamp: stamp(d.Timestamp),
		}
		if typ == TypeToolResult {
			u.Sender = SenderTool
			u.ToolResult = true
		}
		return u, nil
	case TypeStatus:
		var d statusData
		if err := decodeData(typ, env.Data, &d); err != nil {
			return nil, err
		}
		return Status{
			Value:     StatusValue(d.Status),
			Message:   d.Message,
			Timestamp: stamp(d.Timestamp),
		}, nil
	case TypeError:
		var d errorData
		if err := decodeData(typ, env.Data, &d); err != nil {
			return nil, err
		}
		return AgentError{Message: d.Message, Timestamp: stamp(d.Timestamp)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

func decodeData(typ string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: %s frame without data", ErrMalformed, typ)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, typ, err)
	}
	return nil
}
