// Package console wires the session transport into the conversation reducer
// and exposes the operator's intents.
package console

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/omnidesk/internal/conversation"
	"github.com/ashureev/omnidesk/internal/protocol"
	"github.com/ashureev/omnidesk/internal/session"
)

// SendFailedNotice is appended to the log when a user message cannot be sent.
const SendFailedNotice = "Failed to send message. Please check connection."

// ErrEmptyMessage is returned by SendMessage for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Transport is the part of *session.Transport the controller needs.
type Transport interface {
	Publish(ctx context.Context, msg protocol.Outbound) error
	Subscribe(fn session.Observer) (unsubscribe func())
	State() session.State
	Exhausted() bool
}

// Recorder receives controller measurements.
type Recorder interface {
	IntentPublished(frameType string, err error)
	ActivityChanged(activity conversation.Activity)
}

type nopRecorder struct{}

func (nopRecorder) IntentPublished(string, error)         {}
func (nopRecorder) ActivityChanged(conversation.Activity) {}

// Snapshot is the read-only view handed to the UI.
type Snapshot struct {
	Version         uint64                `json:"version"`
	Messages        []conversation.Entry  `json:"messages"`
	AgentStatus     conversation.Activity `json:"agent_status"`
	Connected       bool                  `json:"connected"`
	ConnectionState string                `json:"connection_state"`
	GaveUp          bool                  `json:"gave_up"`
}

// Options configures a Controller.
type Options struct {
	Logger     *slog.Logger
	Recorder   Recorder
	Transcript ConversationLogger
	// Now stamps locally originated entries. Defaults to time.Now.
	Now func() time.Time
}

// Controller owns the conversation state for one session.
type Controller struct {
	transport   Transport
	logger      *slog.Logger
	recorder    Recorder
	transcript  ConversationLogger
	now         func() time.Time
	unsubscribe func()

	mu      sync.Mutex
	state   conversation.State
	version uint64

	watchMu      sync.Mutex
	watchers     map[uint64]func(Snapshot)
	nextWatchID  uint64
	lastNotified uint64
}

// New creates a controller and subscribes it to the transport.
func New(transport Transport, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Transcript == nil {
		opts.Transcript = noopConversationLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		transport:  transport,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		transcript: opts.Transcript,
		now:        opts.Now,
		state:      conversation.Initial(),
		watchers:   make(map[uint64]func(Snapshot)),
	}
	c.unsubscribe = transport.Subscribe(c.handleInbound)
	return c
}

// Close detaches the controller from the transport.
func (c *Controller) Close() {
	c.unsubscribe()
}

// SendMessage records the user's message and publishes it. On failure a
// system notice is appended and the publish error is returned.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	c.apply(conversation.UserSubmitted{Content: content, Timestamp: c.timestamp()})
	c.transcript.Log(ConversationLogEvent{Direction: DirectionOutbound, EventType: protocol.TypeUserMessage, Sender: string(protocol.SenderUser), Content: content})

	err := c.transport.Publish(ctx, protocol.SendUserMessage{Content: content})
	c.recorder.IntentPublished(protocol.TypeUserMessage, err)
	if err != nil {
		c.logger.Warn("Failed to send message", "error", err)
		c.apply(conversation.Notice{Content: SendFailedNotice, Timestamp: c.timestamp()})
		return err
	}
	return nil
}

// StopAgent asks the backend to stop and marks a running agent idle.
func (c *Controller) StopAgent(ctx context.Context) error {
	err := c.transport.Publish(ctx, protocol.StopAgent{})
	c.recorder.IntentPublished(protocol.TypeStopAgent, err)
	if err != nil {
		c.logger.Warn("Failed to stop agent", "error", err)
		return err
	}
	c.transcript.Log(ConversationLogEvent{Direction: DirectionOutbound, EventType: protocol.TypeStopAgent})
	c.apply(conversation.UserRequestedStop{})
	return nil
}

// ClearHistory asks the backend to clear its history and empties the local log.
func (c *Controller) ClearHistory(ctx context.Context) error {
	err := c.transport.Publish(ctx, protocol.ClearHistory{})
	c.recorder.IntentPublished(protocol.TypeClearHistory, err)
	if err != nil {
		c.logger.Warn("Failed to clear history", "error", err)
		return err
	}
	c.transcript.Log(ConversationLogEvent{Direction: DirectionOutbound, EventType: protocol.TypeClearHistory})
	c.apply(conversation.UserRequestedClear{})
	return nil
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch registers fn to be called with every new snapshot. fn must not block.
func (c *Controller) Watch(fn func(Snapshot)) (cancel func()) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.nextWatchID++
	id := c.nextWatchID
	c.watchers[id] = fn
	return func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		delete(c.watchers, id)
	}
}

// ConnectionChanged is wired to the transport's state notifications.
func (c *Controller) ConnectionChanged(s session.State) {
	c.logger.Debug("Connection state changed", "state", s.String())
	c.mu.Lock()
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) handleInbound(msg protocol.Inbound) {
	ev := ConversationLogEvent{Direction: DirectionInbound, EventType: msg.Type(), Timestamp: msg.Time()}
	switch m := msg.(type) {
	case protocol.Utterance:
		ev.Sender, ev.Content = string(m.Sender), m.Content
	case protocol.Status:
		ev.Content = string(m.Value)
	case protocol.AgentError:
		ev.Content = m.Message
	}
	c.transcript.Log(ev)
	c.apply(msg)
}

func (c *Controller) apply(ev conversation.Event) {
	c.mu.Lock()
	before := c.state.Activity
	c.state = conversation.Reduce(c.state, ev)
	after := c.state.Activity
	c.version++
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if before != after {
		c.recorder.ActivityChanged(after)
		c.logger.Info("Agent activity changed", "from", string(before), "to", string(after))
	}
	c.notify(snap)
}

func (c *Controller) notify(snap Snapshot) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if snap.Version <= c.lastNotified {
		return
	}
	c.lastNotified = snap.Version
	for _, fn := range c.watchers {
		fn(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	state := c.transport.State()
	messages := c.state.Log
	if messages == nil {
		messages = []conversation.Entry{}
	}
	return Snapshot{
		Version:         c.version,
		Messages:        messages,
		AgentStatus:     c.state.Activity,
		Connected:       state == session.Connected,
		ConnectionState: state.String(),
		GaveUp:          c.transport.Exhausted(),
	}
}

func (c *Controller) timestamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}
