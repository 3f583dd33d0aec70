package api

import (
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/ashureev/omnidesk/internal/console"
	"github.com/ashureev/omnidesk/internal/session"
)

// maxMessageLength matches the backend's limit on user_message content.
const maxMessageLength = 10000

type sendMessageRequest struct {
	Content string `json:"content"`
}

// HandleSnapshot handles GET /api/session.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.session.Snapshot())
}

// HandleSendMessage handles POST /api/session/messages.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		Error(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	var req sendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if utf8.RuneCountInString(req.Content) > maxMessageLength {
		Error(w, http.StatusBadRequest, "message exceeds "+strconv.Itoa(maxMessageLength)+" characters")
		return
	}

	ctx, cancel := requestTimeout(r)
	defer cancel()

	err := h.session.SendMessage(ctx, req.Content)
	switch {
	case err == nil:
		JSON(w, http.StatusAccepted, h.session.Snapshot())
	case errors.Is(err, console.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotConnected):
		Error(w, http.StatusServiceUnavailable, console.SendFailedNotice)
	default:
		h.logger.Warn("Send message failed", "error", err)
		Error(w, http.StatusBadGateway, console.SendFailedNotice)
	}
}

// HandleStop handles POST /api/session/stop.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestTimeout(r)
	defer cancel()
	h.intentResult(w, h.session.StopAgent(ctx))
}

// HandleClear handles POST /api/session/clear.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestTimeout(r)
	defer cancel()
	h.intentResult(w, h.session.ClearHistory(ctx))
}

func (h *Handler) intentResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		JSON(w, http.StatusAccepted, h.session.Snapshot())
	case errors.Is(err, session.ErrNotConnected):
		Error(w, http.StatusServiceUnavailable, "not connected to agent")
	default:
		h.logger.Warn("Intent failed", "error", err)
		Error(w, http.StatusBadGateway, "failed to reach agent")
	}
}

// HandleConnections handles GET /api/session/connections?limit=N.
func (h *Handler) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		Error(w, http.StatusNotFound, "connection journal disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.journal.ListConnectionEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list connection events", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list connection events")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}
