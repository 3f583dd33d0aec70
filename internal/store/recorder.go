package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/omnidesk/internal/session"
)

const recordTimeout = 5 * time.Second

// ConnectionRecorder writes transport state changes to a Journal from a
// background goroutine so the transport's callbacks never wait on SQLite.
type ConnectionRecorder struct {
	journal Journal
	logger  *slog.Logger
	queue   chan ConnectionEvent
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewConnectionRecorder starts the writer goroutine.
func NewConnectionRecorder(j Journal, logger *slog.Logger, queueSize int) *ConnectionRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	r := &ConnectionRecorder{
		journal: j,
		logger:  logger,
		queue:   make(chan ConnectionEvent, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// ConnectionChanged queues a journal row. attempt is the reconnect attempt
// count at the time of the transition; detail is optional.
func (r *ConnectionRecorder) ConnectionChanged(s session.State, attempt int, detail string) {
	ev := ConnectionEvent{
		State:      s.String(),
		Attempt:    attempt,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("Connection journal queue full, dropping event", "state", ev.State)
	}
}

func (r *ConnectionRecorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.journal.RecordConnectionEvent(ctx, ev); err != nil {
			r.logger.Warn("Failed to record connection event", "state", ev.State, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and stops the writer.
func (r *ConnectionRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
