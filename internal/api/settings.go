package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/omnidesk/internal/settings"
)

// HandleGetSettings handles GET /api/settings.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestTimeout(r)
	defer cancel()

	s, err := h.settings.Get(ctx)
	if err != nil {
		h.backendError(w, "get settings", err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// HandleUpdateSettings handles POST /api/settings.
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := decodeBody(w, r, &u); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if u.Provider != nil && !h.catalog.HasProvider(*u.Provider) {
		Error(w, http.StatusBadRequest, "unknown provider: "+*u.Provider)
		return
	}

	ctx, cancel := requestTimeout(r)
	defer cancel()

	s, err := h.settings.Update(ctx, u)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidUpdate) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.backendError(w, "update settings", err)
		return
	}
	h.logger.Info("Settings updated", "model", s.Model, "provider", s.Provider)
	JSON(w, http.StatusOK, s)
}

// HandleModels handles GET /api/models.
func (h *Handler) HandleModels(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.catalog)
}

// HandleDisplay handles GET /api/display.
func (h *Handler) HandleDisplay(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestTimeout(r)
	defer cancel()

	s, err := h.settings.Get(ctx)
	if err != nil {
		h.backendError(w, "get settings", err)
		return
	}
	u, err := settings.DisplayURL(s.WindowsHostURL)
	if err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"url": u})
}

// HandleAgentStatus handles GET /api/agent/status.
func (h *Handler) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestTimeout(r)
	defer cancel()

	s, err := h.settings.AgentStatus(ctx)
	if err != nil {
		h.backendError(w, "get agent status", err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// backendError maps backend failures to 502, passing 4xx details through.
func (h *Handler) backendError(w http.ResponseWriter, op string, err error) {
	var apiErr *settings.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		Error(w, apiErr.Status, apiErr.Detail)
		return
	}
	h.logger.Warn("Agent API request failed", "op", op, "error", err)
	Error(w, http.StatusBadGateway, "agent backend unavailable")
}
