// Package protocol defines the JSON frames exchanged with the agent backend
// over the session WebSocket.
package protocol

// Sender identifies who produced a conversation entry.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderTool   Sender = "tool"
	SenderSystem Sender = "system"
)

// normalizeSender maps the backend's sender labels onto the console's set.
// The agent loop reports its own output as "bot" or "assistant".
func normalizeSender(s string) Sender {
	switch s {
	case "bot", "assistant", "":
		return SenderAgent
	default:
		return Sender(s)
	}
}

// StatusValue is the agent status carried by a status frame.
type StatusValue string

const (
	StatusProcessing StatusValue = "processing"
	StatusStopped    StatusValue = "stopped"

	// Acknowledgements sent by the backend. They do not change agent activity.
	StatusConnected       StatusValue = "connected"
	StatusMessageReceived StatusValue = "message_received"
	StatusHistoryCleared  StatusValue = "history_cleared"
)

// Frame type discriminants.
const (
	TypeUserMessage  = "user_message"
	TypeStopAgent    = "stop_agent"
	TypeClearHistory = "clear_history"

	TypeAgentMessage = "agent_message"
	TypeToolResult   = "tool_result"
	TypeStatus       = "status"
	TypeError        = "error"
)

// Inbound is a decoded frame received from the backend.
// Implementations: Utterance, Status, AgentError.
type Inbound interface {
	inbound()
	// Type returns the wire discriminant the message was decoded from.
	Type() string
	// Time returns the ISO-8601 timestamp used for ordering.
	Time() string
}

// Utterance is a line of conversation produced by the agent or one of its tools.
type Utterance struct {
	Content   string
	Sender    Sender
	Timestamp string
	// ToolResult is set for tool_result frames.
	ToolResult bool
}

// Status reports a change in the agent loop.
type Status struct {
	Value     StatusValue
	Message   string
	Timestamp string
}

// AgentError reports a failure inside the agent loop.
type AgentError struct {
	Message   string
	Timestamp string
}

func (Utterance) inbound()  {}
func (Status) inbound()     {}
func (AgentError) inbound() {}

func (u Utterance) Type() string {
	if u.ToolResult {
		return TypeToolResult
	}
	return TypeAgentMessage
}
func (Status) Type() string     { return TypeStatus }
func (AgentError) Type() string { return TypeError }

func (u Utterance) Time() string  { return u.Timestamp }
func (s Status) Time() string     { return s.Timestamp }
func (e AgentError) Time() string { return e.Timestamp }

// Outbound is an intent sent to the backend. Each variant maps to one frame.
// Implementations: SendUserMessage, StopAgent, ClearHistory.
type Outbound interface {
	outbound()
	// FrameType returns the wire discriminant.
	FrameType() string
}

// SendUserMessage asks the agent to act on a user instruction.
type SendUserMessage struct {
	Content string
}

// StopAgent asks the backend to stop the running agent loop.
type StopAgent struct{}

// ClearHistory asks the backend to drop its conversation history.
type ClearHistory struct{}

func (SendUserMessage) outbound() {}
func (StopAgent) outbound()       {}
func (ClearHistory) outbound()    {}

func (SendUserMessage) FrameType() string { return TypeUserMessage }
func (StopAgent) FrameType() string       { return TypeStopAgent }
func (ClearHistory) FrameType() string    { return TypeClearHistory }
