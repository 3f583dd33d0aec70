package console

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transcript directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ConversationLogEvent is one NDJSON line of the transcript.
type ConversationLogEvent struct {
	Timestamp  string `json:"ts"`
	SessionID  string `json:"session_id"`
	Direction  string `json:"direction"`
	EventType  string `json:"event_type"`
	Sender     string `json:"sender,omitempty"`
	Content    string `json:"content,omitempty"`
	ContentRaw string `json:"content_raw,omitempty"`
}

// ConversationLogger records conversation events for later audit.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger appends events to <dir>/<session-id>.ndjson from a
// single background goroutine. Log never blocks; events are dropped when the
// queue is full.
type fileConversationLogger struct {
	sessionID string
	file      *os.File
	w         *bufio.Writer
	queue     chan ConversationLogEvent
	done      chan struct{}
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewConversationLogger returns a no-op logger when cfg.Enabled is false.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	sessionID := uuid.NewString()
	path := filepath.Join(cfg.Dir, sessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	l := &fileConversationLogger{
		sessionID: sessionID,
		file:      f,
		w:         bufio.NewWriter(f),
		queue:     make(chan ConversationLogEvent, cfg.QueueSize),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go l.run()
	logger.Info("Conversation log enabled", "path", path)
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	event.SessionID = l.sessionID
	event.ContentRaw = event.Content
	event.Content = cleanForReadability(event.Content)
	if event.Content == event.ContentRaw {
		event.ContentRaw = ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event", "event_type", event.EventType)
	}
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.w)
	for event := range l.queue {
		if err := enc.Encode(event); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err)
			continue
		}
		if len(l.queue) == 0 {
			if err := l.w.Flush(); err != nil {
				l.logger.Warn("Failed to flush conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	err := l.w.Flush()
	if closeErr := l.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

var (
	imgPattern     = regexp.MustCompile(`(?i)<img[^>]*>`)
	dataURIPattern = regexp.MustCompile(`data:image/[a-zA-Z+.-]+;base64,[A-Za-z0-9+/=]+`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
)

// cleanForReadability drops inline screenshots and HTML markup from tool output.
func cleanForReadability(s string) string {
	if s == "" {
		return s
	}
	s = imgPattern.ReplaceAllString(s, " [image] ")
	s = dataURIPattern.ReplaceAllString(s, "[image]")
	s = tagPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
