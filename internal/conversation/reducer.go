// Package conversation tracks the console's view of the agent: the
// append-only conversation log and the agent's activity.
//
// Reduce is pure. Callers pass timestamps for locally originated events and
// replace their State with the returned value.
package conversation

import (
	"slices"

	"github.com/ashureev/omnidesk/internal/protocol"
)

// Activity is what the console believes the agent is doing.
type Activity string

const (
	ActivityIdle    Activity = "idle"
	ActivityRunning Activity = "running"
	ActivityError   Activity = "error"
)

// Entry is one line of the conversation log.
type Entry struct {
	Content   string          `json:"content"`
	Sender    protocol.Sender `json:"sender"`
	Timestamp string          `json:"timestamp"`
}

// State is the reducer's value. The zero value is an empty, idle conversation.
type State struct {
	Log      []Entry
	Activity Activity
}

// Initial returns the starting state.
func Initial() State {
	return State{Activity: ActivityIdle}
}

// Event is anything Reduce accepts: protocol.Inbound values or one of the
// local user actions below.
type Event any

// UserSubmitted records a message typed by the operator.
type UserSubmitted struct {
	Content   string
	Timestamp string
}

// UserRequestedClear empties the local log.
type UserRequestedClear struct{}

// UserRequestedStop marks a running agent as stopped.
type UserRequestedStop struct{}

// Notice appends a system entry produced by the console itself, such as a
// failed send.
type Notice struct {
	Content   string
	Timestamp string
}

// Reduce applies ev to s and returns the new state. Unknown events return s unchanged.
func Reduce(s State, ev Event) State {
	if s.Activity == "" {
		s.Activity = ActivityIdle
	}

	switch e := ev.(type) {
	case UserSubmitted:
		s.Log = appendEntry(s.Log, Entry{Content: e.Content, Sender: protocol.SenderUser, Timestamp: e.Timestamp})
	case protocol.Utterance:
		sender := e.Sender
		if e.ToolResult {
			sender = protocol.SenderTool
		}
		s.Log = appendEntry(s.Log, Entry{Content: e.Content, Sender: sender, Timestamp: e.Timestamp})
	case protocol.Status:
		switch e.Value {
		case protocol.StatusProcessing:
			s.Activity = ActivityRunning
		case protocol.StatusStopped:
			s.Activity = ActivityIdle
		}
	case protocol.AgentError:
		s.Log = appendEntry(s.Log, Entry{Content: "Error: " + e.Message, Sender: protocol.SenderSystem, Timestamp: e.Timestamp})
		s.Activity = ActivityError
	case Notice:
		s.Log = appendEntry(s.Log, Entry{Content: e.Content, Sender: protocol.SenderSystem, Timestamp: e.Timestamp})
	case UserRequestedClear:
		s.Log = nil
	case UserRequestedStop:
		if s.Activity == ActivityRunning {
			s.Activity = ActivityIdle
		}
	}
	return s
}

// appendEntry never writes into a backing array shared with an earlier State.
func appendEntry(log []Entry, e Entry) []Entry {
	return append(slices.Clip(log), e)
}
