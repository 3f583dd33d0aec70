// Package api provides HTTP handlers for the omnidesk operator console.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/ashureev/omnidesk/internal/catalog"
	"github.com/ashureev/omnidesk/internal/console"
	"github.com/ashureev/omnidesk/internal/settings"
	"github.com/ashureev/omnidesk/internal/store"
)

// maxRequestBodySize caps JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Session is the console controller as seen by the HTTP layer.
type Session interface {
	SendMessage(ctx context.Context, content string) error
	StopAgent(ctx context.Context) error
	ClearHistory(ctx context.Context) error
	Snapshot() console.Snapshot
	Watch(fn func(console.Snapshot)) (cancel func())
}

// SettingsService is the backend settings API.
type SettingsService interface {
	Get(ctx context.Context) (*settings.Settings, error)
	Update(ctx context.Context, u settings.Update) (*settings.Settings, error)
	AgentStatus(ctx context.Context) (*settings.AgentStatus, error)
}

// ConnectionLog lists journaled connection events.
type ConnectionLog interface {
	ListConnectionEvents(ctx context.Context, limit int) ([]store.ConnectionEvent, error)
}

// Options configures a Handler.
type Options struct {
	Session  Session
	Settings SettingsService
	Journal  ConnectionLog
	Catalog  *catalog.Catalog
	// SendRate is the sustained number of messages per second accepted by
	// POST /api/session/messages.
	SendRate float64
	Stream   StreamConfig
	Logger   *slog.Logger
}

// Handler serves the console API.
type Handler struct {
	session  Session
	settings SettingsService
	journal  ConnectionLog
	catalog  *catalog.Catalog
	limiter  *rate.Limiter
	hub      *StreamHub
	unwatch  func()
	logger   *slog.Logger
}

// NewHandler creates a handler and starts forwarding controller snapshots to
// the event stream.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	burst := int(math.Max(1, math.Ceil(opts.SendRate)))

	h := &Handler{
		session:  opts.Session,
		settings: opts.Settings,
		journal:  opts.Journal,
		catalog:  opts.Catalog,
		limiter:  rate.NewLimiter(rate.Limit(opts.SendRate), burst),
		hub:      NewStreamHub(opts.Session.Snapshot, opts.Stream, opts.Logger),
		logger:   opts.Logger,
	}
	h.unwatch = opts.Session.Watch(h.hub.Publish)
	return h
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.HandleSnapshot)
			r.Post("/messages", h.HandleSendMessage)
			r.Post("/stop", h.HandleStop)
			r.Post("/clear", h.HandleClear)
			r.Get("/events", h.hub.HandleStream)
			r.Get("/connections", h.HandleConnections)
		})
		r.Get("/settings", h.HandleGetSettings)
		r.Post("/settings", h.HandleUpdateSettings)
		r.Get("/models", h.HandleModels)
		r.Get("/display", h.HandleDisplay)
		r.Get("/agent/status", h.HandleAgentStatus)
	})
}

// Close stops forwarding snapshots and ends open event streams.
func (h *Handler) Close() {
	h.unwatch()
	h.hub.Close()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func requestTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 15*time.Second)
}
