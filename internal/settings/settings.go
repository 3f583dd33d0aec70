// Package settings reads and updates the agent backend's runtime settings
// over its REST API.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/omnidesk/internal/catalog"
)

// Bounds accepted by the backend.
const (
	MinMaxTokens   = 256
	MaxMaxTokens   = 8192
	MinOnlyNImages = 0
	MaxOnlyNImages = 10
)

// ErrInvalidUpdate is wrapped by Validate failures.
var ErrInvalidUpdate = errors.New("invalid settings update")

// Settings mirrors the backend's settings document.
type Settings struct {
	Model               string  `json:"model"`
	Provider            string  `json:"provider"`
	APIKey              *string `json:"api_key"`
	MaxTokens           int     `json:"max_tokens"`
	OnlyNImages         int     `json:"only_n_images"`
	WindowsHostURL      string  `json:"windows_host_url"`
	OmniparserServerURL string  `json:"omniparser_server_url"`
}

// Update carries only the fields being changed.
type Update struct {
	Model               *string `json:"model,omitempty"`
	Provider            *string `json:"provider,omitempty"`
	APIKey              *string `json:"api_key,omitempty"`
	MaxTokens           *int    `json:"max_tokens,omitempty"`
	OnlyNImages         *int    `json:"only_n_images,omitempty"`
	WindowsHostURL      *string `json:"windows_host_url,omitempty"`
	OmniparserServerURL *string `json:"omniparser_server_url,omitempty"`
}

// Validate checks the numeric bounds.
func (u Update) Validate() error {
	if u.MaxTokens != nil && (*u.MaxTokens < MinMaxTokens || *u.MaxTokens > MaxMaxTokens) {
		return fmt.Errorf("%w: max_tokens must be between %d and %d", ErrInvalidUpdate, MinMaxTokens, MaxMaxTokens)
	}
	if u.OnlyNImages != nil && (*u.OnlyNImages < MinOnlyNImages || *u.OnlyNImages > MaxOnlyNImages) {
		return fmt.Errorf("%w: only_n_images must be between %d and %d", ErrInvalidUpdate, MinOnlyNImages, MaxOnlyNImages)
	}
	return nil
}

// AgentStatus is the backend's view of the agent run.
type AgentStatus struct {
	Status     string  `json:"status"`
	Model      string  `json:"model,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	TokenUsage int     `json:"token_usage"`
	Cost       float64 `json:"cost"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent api: status %d: %s", e.Status, e.Detail)
}

// Client talks to the backend's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewClient creates a client for baseURL (e.g. http://localhost:8888).
// A nil httpClient uses a client with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client, cat *catalog.Catalog, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cat == nil {
		cat = catalog.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		catalog: cat,
		logger:  logger,
	}
}

// Get returns the current settings.
func (c *Client) Get(ctx context.Context) (*Settings, error) {
	var s Settings
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Update applies u and returns the resulting settings. When the model changes
// and no provider is given, the provider is inferred from the model.
func (c *Client) Update(ctx context.Context, u Update) (*Settings, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.Model != nil && u.Provider == nil {
		if p, ok := c.catalog.ProviderFor(*u.Model); ok {
			u.Provider = &p
		} else {
			c.logger.Warn("No provider rule for model", "model", *u.Model)
		}
	}

	var s Settings
	if err := c.do(ctx, http.MethodPost, "/api/settings", u, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AgentStatus returns the backend's agent status.
func (c *Client) AgentStatus(ctx context.Context) (*AgentStatus, error) {
	var s AgentStatus
	if err := c.do(ctx, http.MethodGet, "/api/agent/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Detail: c.errorDetail(resp)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// errorDetail extracts FastAPI's {"detail": ...}, falling back to the status text.
func (c *Client) errorDetail(resp *http.Response) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.logger.Warn("failed to read error response body", "status", resp.StatusCode, "error", err)
		return http.StatusText(resp.StatusCode)
	}
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		return string(payload.Detail)
	}
	return http.StatusText(resp.StatusCode)
}

// DisplayURL returns the view-only noVNC page for the display host.
func DisplayURL(windowsHostURL string) (string, error) {
	host := strings.TrimSpace(windowsHostURL)
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
	host = strings.TrimRight(host, "/")
	if host == "" {
		return "", fmt.Errorf("windows host url is empty")
	}
	u := url.URL{
		Scheme:   "http",
		Host:     host,
		Path:     "/vnc.html",
		RawQuery: "view_only=1&autoconnect=1&resize=scale",
	}
	return u.String(), nil
}
