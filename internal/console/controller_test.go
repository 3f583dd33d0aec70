package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/omnidesk/internal/conversation"
	"github.com/ashureev/omnidesk/internal/protocol"
	"github.com/ashureev/omnidesk/internal/session"
)

type fakeTransport struct {
	mu        sync.Mutex
	state     session.State
	observers []session.Observer
	published []protocol.Outbound
	err       error
}

func (f *fakeTransport) Publish(_ context.Context, msg protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.Connected {
		return session.ErrNotConnected
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeTransport) Subscribe(fn session.Observer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	idx := len(f.observers) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.observers[idx] = nil
	}
}

func (f *fakeTransport) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Exhausted() bool { return false }

func (f *fakeTransport) deliver(msg protocol.Inbound) {
	f.mu.Lock()
	observers := append([]session.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		if fn != nil {
			fn(msg)
		}
	}
}

func (f *fakeTransport) setState(s session.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func newTestController(state session.State) (*Controller, *fakeTransport) {
	ft := &fakeTransport{state: state}
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(ft, Options{Now: func() time.Time { return fixed }})
	return c, ft
}

func TestSendMessagePublishesAndAppends(t *testing.T) {
	c, ft := newTestController(session.Connected)

	if err := c.SendMessage(context.Background(), "open chrome"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap.Messages))
	}
	got := snap.Messages[0]
	if got.Content != "open chrome" || got.Sender != protocol.SenderUser || got.Timestamp != "2025-03-01T12:00:00Z" {
		t.Errorf("unexpected entry %+v", got)
	}
	if len(ft.published) != 1 || ft.published[0] != (protocol.SendUserMessage{Content: "open chrome"}) {
		t.Errorf("unexpected published intents %v", ft.published)
	}
}

func TestSendMessageFailureAppendsNotice(t *testing.T) {
	c, _ := newTestController(session.Disconnected)

	err := c.SendMessage(context.Background(), "open chrome")
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Messages) != 2 {
		t.Fatalf("expected user entry and notice, got %+v", snap.Messages)
	}
	if snap.Messages[0].Sender != protocol.SenderUser {
		t.Errorf("expected user entry first, got %+v", snap.Messages[0])
	}
	if snap.Messages[1].Sender != protocol.SenderSystem || snap.Messages[1].Content != SendFailedNotice {
		t.Errorf("expected failure notice, got %+v", snap.Messages[1])
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	c, ft := newTestController(session.Connected)

	if err := c.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(c.Snapshot().Messages) != 0 || len(ft.published) != 0 {
		t.Error("blank message should not be recorded or published")
	}
}

func TestInboundMessagesDriveState(t *testing.T) {
	c, ft := newTestController(session.Connected)

	if err := c.SendMessage(context.Background(), "open chrome"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ft.deliver(protocol.Status{Value: protocol.StatusProcessing})
	if got := c.Snapshot().AgentStatus; got != conversation.ActivityRunning {
		t.Fatalf("expected running, got %s", got)
	}
	ft.deliver(protocol.Utterance{Content: "opening...", Sender: protocol.SenderAgent})
	ft.deliver(protocol.Status{Value: protocol.StatusStopped})

	snap := c.Snapshot()
	if snap.AgentStatus != conversation.ActivityIdle {
		t.Errorf("expected idle, got %s", snap.AgentStatus)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].Content != "opening..." {
		t.Errorf("unexpected log %+v", snap.Messages)
	}
}

func TestStopAgent(t *testing.T) {
	c, ft := newTestController(session.Connected)
	ft.deliver(protocol.Status{Value: protocol.StatusProcessing})

	if err := c.StopAgent(context.Background()); err != nil {
		t.Fatalf("StopAgent failed: %v", err)
	}
	if got := c.Snapshot().AgentStatus; got != conversation.ActivityIdle {
		t.Errorf("expected idle, got %s", got)
	}
	if len(ft.published) != 1 || ft.published[0] != (protocol.StopAgent{}) {
		t.Errorf("unexpected published intents %v", ft.published)
	}
}

func TestStopAgentNotConnectedKeepsState(t *testing.T) {
	c, ft := newTestController(session.Connected)
	ft.deliver(protocol.Status{Value: protocol.StatusProcessing})
	ft.setState(session.Disconnected)

	if err := c.StopAgent(context.Background()); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := c.Snapshot().AgentStatus; got != conversation.ActivityRunning {
		t.Errorf("expected running, got %s", got)
	}
}

func TestClearHistory(t *testing.T) {
	c, ft := newTestController(session.Connected)
	ft.deliver(protocol.Utterance{Content: "hello", Sender: protocol.SenderAgent})
	ft.deliver(protocol.AgentError{Message: "boom"})

	if err := c.ClearHistory(context.Background()); err != nil {
		t.Fatalf("ClearHistory failed: %v", err)
	}
	snap := c.Snapshot()
	if len(snap.Messages) != 0 {
		t.Errorf("expected empty log, got %+v", snap.Messages)
	}
	if snap.AgentStatus != conversation.ActivityError {
		t.Errorf("clear should not reset activity, got %s", snap.AgentStatus)
	}
}

func TestWatchReceivesSnapshots(t *testing.T) {
	c, ft := newTestController(session.Connected)

	var mu sync.Mutex
	var seen []Snapshot
	cancel := c.Watch(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	ft.deliver(protocol.Status{Value: protocol.StatusProcessing})
	ft.setState(session.Disconnected)
	c.ConnectionChanged(session.Disconnected)
	cancel()
	ft.deliver(protocol.Status{Value: protocol.StatusStopped})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(seen))
	}
	if seen[0].AgentStatus != conversation.ActivityRunning || !seen[0].Connected {
		t.Errorf("unexpected first snapshot %+v", seen[0])
	}
	if seen[1].Connected || seen[1].ConnectionState != "disconnected" {
		t.Errorf("unexpected second snapshot %+v", seen[1])
	}
	if seen[1].Version <= seen[0].Version {
		t.Errorf("versions not increasing: %d then %d", seen[0].Version, seen[1].Version)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	c, ft := newTestController(session.Connected)
	c.Close()

	ft.deliver(protocol.Utterance{Content: "late"})
	if n := len(c.Snapshot().Messages); n != 0 {
		t.Errorf("expected no entries after Close, got %d", n)
	}
}
