package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var receivedAt = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   Outbound
		want map[string]any
	}{
		{"user message", SendUserMessage{Content: "open chrome"}, map[string]any{"type": "user_message", "content": "open chrome"}},
		{"stop", StopAgent{}, map[string]any{"type": "stop_agent"}},
		{"clear", ClearHistory{}, map[string]any{"type": "clear_history"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(frame, &got); err != nil {
				t.Fatalf("frame is not JSON: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d fields, got %v", len(tt.want), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %s: expected %v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestEncodeRejectsEmptyUserMessage(t *testing.T) {
	if _, err := Encode(SendUserMessage{Content: "  \n"}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestDecodeStatus(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"status","data":{"status":"processing"}}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	status, ok := msg.(Status)
	if !ok {
		t.Fatalf("expected Status, got %T", msg)
	}
	if status.Value != StatusProcessing {
		t.Errorf("expected processing, got %q", status.Value)
	}
	if status.Timestamp != "2025-03-01T10:30:00Z" {
		t.Errorf("expected synthesized timestamp, got %q", status.Timestamp)
	}
}

func TestDecodeAgentMessage(t *testing.T) {
	frame := `{"type":"agent_message","data":{"content":"opening...","sender":"bot","timestamp":"2025-03-01T10:29:59"}}`
	msg, err := Decode([]byte(frame), receivedAt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	u, ok := msg.(Utterance)
	if !ok {
		t.Fatalf("expected Utterance, got %T", msg)
	}
	if u.Content != "opening..." || u.Sender != SenderAgent || u.ToolResult {
		t.Errorf("unexpected utterance: %+v", u)
	}
	if u.Time() != "2025-03-01T10:29:59" {
		t.Errorf("expected backend timestamp to be kept, got %q", u.Time())
	}
}

func TestDecodeToolResultIsTaggedTool(t *testing.T) {
	frame := `{"type":"tool_result","data":{"content":"<img src=x>","sender":"agent","timestamp":"t1"}}`
	msg, err := Decode([]byte(frame), receivedAt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	u := msg.(Utterance)
	if u.Sender != SenderTool || !u.ToolResult {
		t.Errorf("expected tool sender, got %+v", u)
	}
}

func TestDecodeError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"error","data":{"message":"boom","timestamp":"t2"}}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	e, ok := msg.(AgentError)
	if !ok || e.Message != "boom" || e.Timestamp != "t2" {
		t.Errorf("unexpected decode result: %#v", msg)
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"unknown type", `{"type":"bogus"}`, ErrUnknownType},
		{"screenshot is not handled", `{"type":"screenshot","data":{}}`, ErrUnknownType},
		{"not json", `not json`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"missing type", `{"data":{}}`, ErrMalformed},
		{"missing data", `{"type":"status"}`, ErrMalformed},
		{"data wrong shape", `{"type":"agent_message","data":"hello"}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame), receivedAt)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if msg != nil {
				t.Errorf("expected nil message, got %#v", msg)
			}
		})
	}
}
