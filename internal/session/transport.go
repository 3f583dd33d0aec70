package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/omnidesk/internal/protocol"
	"github.com/coder/websocket"
)

var (
	// ErrNotConnected is returned by Publish when there is no live connection.
	ErrNotConnected = errors.New("session not connected")
	// ErrDisconnected is wrapped in the ConnectError of a dial that finished
	// after Disconnect was called.
	ErrDisconnected = errors.New("session disconnected during connect")
)

// Observer receives every successfully decoded inbound message.
type Observer func(protocol.Inbound)

// Recorder receives transport measurements.
type Recorder interface {
	FrameDecoded(frameType string)
	FrameDropped(reason string)
	ReconnectScheduled(attempt int)
}

type nopRecorder struct{}

func (nopRecorder) FrameDecoded(string)    {}
func (nopRecorder) FrameDropped(string)    {}
func (nopRecorder) ReconnectScheduled(int) {}

// Options configures a Transport.
type Options struct {
	URL          string
	MaxAttempts  int
	Delay        time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       Dialer
	Logger       *slog.Logger
	Recorder     Recorder
	// OnStateChange is called after every state transition, outside the
	// transport's lock, with the new state.
	OnStateChange func(State)
}

type timer interface {
	Stop() bool
}

type observerEntry struct {
	id uint64
	fn Observer
}

// Transport maintains at most one live connection to the agent backend.
type Transport struct {
	url           string
	dialer        Dialer
	dialTimeout   time.Duration
	writeTimeout  time.Duration
	logger        *slog.Logger
	recorder      Recorder
	onStateChange func(State)

	// Test seams.
	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	mu          sync.Mutex
	state       State
	conn        Conn
	cancelRead  context.CancelFunc
	gen         uint64
	policy      ReconnectPolicy
	intentional bool
	// connectSeq is bumped by every Connect and Disconnect; a dial whose
	// sequence is stale when it completes must not install its connection.
	connectSeq uint64
	gaveUp     bool
	retry      timer
	retrySeq   uint64
	observers  []observerEntry
	nextID     uint64
	pending    []State
}

// New creates a disconnected transport.
func New(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Delay <= 0 {
		opts.Delay = 2 * time.Second
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Transport{
		url:           opts.URL,
		dialer:        opts.Dialer,
		dialTimeout:   opts.DialTimeout,
		writeTimeout:  opts.WriteTimeout,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		onStateChange: opts.OnStateChange,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		state:  Disconnected,
		policy: ReconnectPolicy{MaxAttempts: opts.MaxAttempts, Delay: opts.Delay},
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the transport can publish.
func (t *Transport) Connected() bool {
	return t.State() == Connected
}

// Policy returns a copy of the reconnect policy.
func (t *Transport) Policy() ReconnectPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// Exhausted reports whether the transport has given up reconnecting.
// It stays true until the next successful Connect.
func (t *Transport) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaveUp
}

// Connect opens the connection. It is a no-op while connected or connecting.
//
// A failed dial returns a *ConnectError and, unless Disconnect was called,
// schedules a retry according to the reconnect policy.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == Connected || t.state == Connecting {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.gaveUp = false
	t.connectSeq++
	seq := t.connectSeq
	t.stopRetryLocked()
	t.transitionLocked(Connecting)
	t.unlockAndNotify()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	conn, err := t.dialer.Dial(dialCtx, t.url)
	cancel()

	t.mu.Lock()
	if t.intentional || seq != t.connectSeq {
		t.mu.Unlock()
		if err == nil {
			if closeErr := conn.Close(websocket.StatusNormalClosure, "client disconnected"); closeErr != nil {
				t.logger.Debug("Failed to close late session connection", "error", closeErr)
			}
			err = ErrDisconnected
		}
		return &ConnectError{URL: t.url, Err: err}
	}
	if err != nil {
		t.transitionLocked(Disconnected)
		t.logger.Warn("Session connect failed", "url", t.url, "error", err)
		t.scheduleReconnectLocked()
		t.unlockAndNotify()
		return &ConnectError{URL: t.url, Err: err}
	}

	t.gen++
	readCtx, cancelRead := context.WithCancel(context.Background())
	t.conn = conn
	t.cancelRead = cancelRead
	t.policy.AttemptsMade = 0
	t.transitionLocked(Connected)
	go t.readLoop(readCtx, conn, t.gen)
	t.logger.Info("Session connected", "url", t.url)
	t.unlockAndNotify()
	return nil
}

// Disconnect closes the connection and cancels any pending reconnection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.intentional = true
	t.connectSeq++
	t.stopRetryLocked()
	conn, cancelRead := t.conn, t.cancelRead
	t.conn, t.cancelRead = nil, nil
	if conn == nil {
		t.transitionLocked(Disconnected)
		t.unlockAndNotify()
		return
	}
	t.transitionLocked(Closing)
	t.unlockAndNotify()

	if err := conn.Close(websocket.StatusNormalClosure, "client disconnected"); err != nil {
		t.logger.Debug("Session close handshake failed", "error", err)
	}
	cancelRead()

	t.mu.Lock()
	if t.state == Closing {
		t.transitionLocked(Disconnected)
	}
	t.logger.Info("Session disconnected", "url", t.url)
	t.unlockAndNotify()
}

// Publish encodes msg and writes it to the live connection.
func (t *Transport) Publish(ctx context.Context, msg protocol.Outbound) error {
	if msg == nil {
		return errors.New("publish: nil intent")
	}
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.FrameType(), err)
	}
	return nil
}

// Subscribe registers fn for every decoded inbound message. Observers are
// called in subscription order; a panicking observer is logged and skipped.
func (t *Transport) Subscribe(fn Observer) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.observers = append(t.observers, observerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, o := range t.observers {
				if o.id == id {
					t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (t *Transport) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleClose(gen, err)
			return
		}

		msg, err := protocol.Decode(data, t.now())
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			t.recorder.FrameDropped(reason)
			t.logger.Warn("Dropping inbound frame", "reason", reason, "error", err)
			continue
		}
		t.recorder.FrameDecoded(msg.Type())
		t.deliver(msg)
	}
}

func (t *Transport) deliver(msg protocol.Inbound) {
	t.mu.Lock()
	observers := make([]observerEntry, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		t.invoke(o, msg)
	}
}

func (t *Transport) invoke(o observerEntry, msg protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Session observer panicked", "observer", o.id, "type", msg.Type(), "panic", r)
		}
	}()
	o.fn(msg)
}

func (t *Transport) handleClose(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen || t.conn == nil {
		// Disconnect already tore this connection down.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.cancelRead()
	t.cancelRead = nil
	t.transitionLocked(Disconnected)

	if !t.intentional {
		t.logger.Warn("Session connection lost", "url", t.url, "close_status", int(websocket.CloseStatus(err)), "error", err)
		t.scheduleReconnectLocked()
	}
	t.unlockAndNotify()
}

func (t *Transport) scheduleReconnectLocked() {
	if t.policy.Exhausted() {
		t.gaveUp = true
		t.logger.Error("Session reconnect attempts exhausted", "url", t.url, "attempts", t.policy.AttemptsMade)
		return
	}
	t.policy.AttemptsMade++
	attempt := t.policy.AttemptsMade
	seq := t.retrySeq
	t.retry = t.afterFunc(t.policy.Delay, func() {
		t.retryConnect(seq, attempt)
	})
	t.recorder.ReconnectScheduled(attempt)
	t.logger.Info("Session reconnect scheduled", "attempt", attempt, "max_attempts", t.policy.MaxAttempts, "delay", t.policy.Delay)
}

func (t *Transport) retryConnect(seq uint64, attempt int) {
	t.mu.Lock()
	if t.intentional || seq != t.retrySeq {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	t.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		t.logger.Debug("Session reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (t *Transport) stopRetryLocked() {
	t.retrySeq++
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func (t *Transport) transitionLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.pending = append(t.pending, s)
}

// unlockAndNotify releases t.mu and reports queued transitions.
func (t *Transport) unlockAndNotify() {
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if t.onStateChange == nil {
		return
	}
	for _, s := range pending {
		t.onStateChange(s)
	}
}
