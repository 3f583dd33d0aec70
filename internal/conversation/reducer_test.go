package conversation

import (
	"testing"

	"github.com/ashureev/omnidesk/internal/protocol"
)

func apply(s State, events ...Event) State {
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

func TestEndToEndScenario(t *testing.T) {
	s := apply(Initial(),
		UserSubmitted{Content: "open chrome", Timestamp: "t0"},
		protocol.Status{Value: protocol.StatusProcessing, Timestamp: "t1"},
		protocol.Utterance{Content: "opening...", Sender: protocol.SenderAgent, Timestamp: "t2"},
		protocol.Status{Value: protocol.StatusStopped, Timestamp: "t3"},
	)

	want := []Entry{
		{Content: "open chrome", Sender: protocol.SenderUser, Timestamp: "t0"},
		{Content: "opening...", Sender: protocol.SenderAgent, Timestamp: "t2"},
	}
	if len(s.Log) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(s.Log), s.Log)
	}
	for i := range want {
		if s.Log[i] != want[i] {
			t.Errorf("entry %d: expected %+v, got %+v", i, want[i], s.Log[i])
		}
	}
	if s.Activity != ActivityIdle {
		t.Errorf("expected idle, got %s", s.Activity)
	}
}

func TestLogCountsAndOrder(t *testing.T) {
	events := []Event{
		protocol.Status{Value: protocol.StatusConnected},
		UserSubmitted{Content: "a"},
		protocol.Utterance{Content: "b", Sender: protocol.SenderAgent},
		protocol.Status{Value: protocol.StatusProcessing},
		protocol.Utterance{Content: "c", Sender: protocol.SenderUser, ToolResult: true},
		protocol.AgentError{Message: "d"},
		UserRequestedStop{},
		UserSubmitted{Content: "e"},
		struct{ Kind string }{"future_event"},
	}

	s := apply(Initial(), events...)

	wantContent := []string{"a", "b", "c", "Error: d", "e"}
	if len(s.Log) != len(wantContent) {
		t.Fatalf("expected %d entries, got %d", len(wantContent), len(s.Log))
	}
	for i, c := range wantContent {
		if s.Log[i].Content != c {
			t.Errorf("entry %d: expected %q, got %q", i, c, s.Log[i].Content)
		}
	}
	if s.Log[2].Sender != protocol.SenderTool {
		t.Errorf("tool result should be tagged tool, got %s", s.Log[2].Sender)
	}
	if s.Log[3].Sender != protocol.SenderSystem {
		t.Errorf("error entry should be tagged system, got %s", s.Log[3].Sender)
	}
}

func TestActivityTransitions(t *testing.T) {
	processing := protocol.Status{Value: protocol.StatusProcessing}
	stopped := protocol.Status{Value: protocol.StatusStopped}
	failure := protocol.AgentError{Message: "boom"}

	tests := []struct {
		name   string
		events []Event
		want   Activity
	}{
		{"initial", nil, ActivityIdle},
		{"processing", []Event{processing}, ActivityRunning},
		{"stopped after processing", []Event{processing, stopped}, ActivityIdle},
		{"error", []Event{processing, failure}, ActivityError},
		{"error recovers on processing", []Event{failure, processing}, ActivityRunning},
		{"stop while running", []Event{processing, UserRequestedStop{}}, ActivityIdle},
		{"stop while errored is ignored", []Event{failure, UserRequestedStop{}}, ActivityError},
		{"utterance keeps error", []Event{failure, protocol.Utterance{Content: "x"}}, ActivityError},
		{"ack does not change activity", []Event{processing, protocol.Status{Value: protocol.StatusMessageReceived}}, ActivityRunning},
		{"clear keeps activity", []Event{processing, UserRequestedClear{}}, ActivityRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apply(Initial(), tt.events...).Activity; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := apply(Initial(), UserSubmitted{Content: "a"}, protocol.Utterance{Content: "b"})

	once := Reduce(s, UserRequestedClear{})
	twice := Reduce(once, UserRequestedClear{})

	if len(once.Log) != 0 || len(twice.Log) != 0 {
		t.Fatalf("expected empty logs, got %d and %d", len(once.Log), len(twice.Log))
	}
	if once.Activity != twice.Activity {
		t.Errorf("clear changed activity: %s vs %s", once.Activity, twice.Activity)
	}
}

func TestReduceDoesNotMutatePreviousState(t *testing.T) {
	base := State{Log: make([]Entry, 1, 8), Activity: ActivityIdle}
	base.Log[0] = Entry{Content: "first"}

	a := Reduce(base, UserSubmitted{Content: "a"})
	b := Reduce(base, UserSubmitted{Content: "b"})

	if len(base.Log) != 1 {
		t.Fatalf("base log length changed to %d", len(base.Log))
	}
	if a.Log[1].Content != "a" || b.Log[1].Content != "b" {
		t.Errorf("branches share storage: a=%q b=%q", a.Log[1].Content, b.Log[1].Content)
	}
}

func TestZeroValueStateIsIdle(t *testing.T) {
	if got := Reduce(State{}, UserRequestedClear{}).Activity; got != ActivityIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestNoticeAppendsSystemEntry(t *testing.T) {
	s := apply(Initial(),
		protocol.Status{Value: protocol.StatusProcessing},
		Notice{Content: "Failed to send message. Please check connection.", Timestamp: "t9"},
	)
	if len(s.Log) != 1 || s.Log[0].Sender != protocol.SenderSystem || s.Log[0].Timestamp != "t9" {
		t.Fatalf("unexpected log: %+v", s.Log)
	}
	if s.Activity != ActivityRunning {
		t.Errorf("notice changed activity to %s", s.Activity)
	}
}
