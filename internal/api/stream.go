package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/omnidesk/internal/console"
)

// StreamConfig tunes the server-sent event stream.
type StreamConfig struct {
	// ReplaySize is how many recent events are kept for Last-Event-ID replay.
	ReplaySize int
	// Keepalive is the interval between ping events.
	Keepalive time.Duration
	// RetryDelay is advertised to EventSource clients.
	RetryDelay time.Duration
	// ClientBuffer is the number of events a slow client may lag behind
	// before it is disconnected.
	ClientBuffer int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ReplaySize <= 0 {
		c.ReplaySize = 100
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 32
	}
	return c
}

type streamEvent struct {
	ID   int64
	Data []byte
}

// replayQueue keeps the most recent events for reconnecting clients.
type replayQueue struct {
	events  *list.List
	maxSize int
}

func (q *replayQueue) push(ev streamEvent) {
	q.events.PushBack(ev)
	for q.events.Len() > q.maxSize {
		q.events.Remove(q.events.Front())
	}
}

// after returns queued events with ID > afterID. complete is false when
// events after afterID have already been evicted.
func (q *replayQueue) after(afterID int64) (missed []streamEvent, complete bool) {
	front := q.events.Front()
	if front == nil {
		return nil, true
	}
	complete = front.Value.(streamEvent).ID <= afterID+1
	for e := front; e != nil; e = e.Next() {
		if ev := e.Value.(streamEvent); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed, complete
}

type streamConn struct {
	id     int64
	events chan streamEvent
	done   chan struct{}
	once   sync.Once
}

func (c *streamConn) close() {
	c.once.Do(func() { close(c.done) })
}

// StreamHub fans controller snapshots out to SSE clients.
type StreamHub struct {
	snapshot func() console.Snapshot
	cfg      StreamConfig
	logger   *slog.Logger

	mu      sync.Mutex
	eventID int64
	connID  int64
	replay  *replayQueue
	conns   map[int64]*streamConn
	closed  bool
}

// NewStreamHub creates a hub. snapshot supplies the state sent to new clients.
func NewStreamHub(snapshot func() console.Snapshot, cfg StreamConfig, logger *slog.Logger) *StreamHub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		snapshot: snapshot,
		cfg:      cfg,
		logger:   logger,
		replay:   &replayQueue{events: list.New(), maxSize: cfg.ReplaySize},
		conns:    make(map[int64]*streamConn),
	}
}

// Publish queues snap for replay and sends it to every client. It never
// blocks; clients that fall too far behind are disconnected and expected to
// reconnect with Last-Event-ID.
func (h *StreamHub) Publish(snap console.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("Failed to marshal snapshot", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.eventID++
	ev := streamEvent{ID: h.eventID, Data: data}
	h.replay.push(ev)

	for id, c := range h.conns {
		select {
		case c.events <- ev:
		default:
			h.logger.Warn("SSE client lagging, disconnecting", "conn_id", id)
			c.close()
			delete(h.conns, id)
		}
	}
}

// Clients returns the number of connected stream clients.
func (h *StreamHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every stream and rejects new ones.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.conns {
		c.close()
		delete(h.conns, id)
	}
}

// register adds a client and returns the events it must be sent first.
func (h *StreamHub) register(lastEventID int64) (*streamConn, []streamEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}

	h.connID++
	c := &streamConn{
		id:     h.connID,
		events: make(chan streamEvent, h.cfg.ClientBuffer),
		done:   make(chan struct{}),
	}
	h.conns[c.id] = c

	var initial []streamEvent
	// An ID from the future means the hub was restarted.
	if lastEventID > 0 && lastEventID <= h.eventID {
		missed, complete := h.replay.after(lastEventID)
		if complete {
			return c, missed, true
		}
		h.logger.Info("SSE replay window exceeded, sending full snapshot", "last_event_id", lastEventID)
	}

	// Fresh client, or one whose gap cannot be replayed: send the current
	// state under the latest event ID.
	data, err := json.Marshal(h.snapshot())
	if err == nil {
		initial = append(initial, streamEvent{ID: h.eventID, Data: data})
	}
	return c, initial, true
}

func (h *StreamHub) unregister(c *streamConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	c.close()
}

// HandleStream handles GET /api/session/events.
func (h *StreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, initial, ok := h.register(lastEventID)
	if !ok {
		Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer h.unregister(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		return
	}
	for _, ev := range initial {
		if err := writeSSEWithID(w, ev.ID, "snapshot", ev.Data); err != nil {
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE connection established", "conn_id", conn.id, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "conn_id", conn.id)
			return
		case <-conn.done:
			return
		case ev := <-conn.events:
			if err := writeSSEWithID(w, ev.ID, "snapshot", ev.Data); err != nil {
				h.logger.Warn("Failed to write SSE event", "conn_id", conn.id, "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEWithID(w io.Writer, id int64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
