package settings

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/iotest"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newBackend(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", nil, nil, nil)
}

func TestGet(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/settings" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"model":"omniparser + gpt-4o","provider":"openai","api_key":null,"max_tokens":4096,"only_n_images":2,"windows_host_url":"localhost:8006","omniparser_server_url":"localhost:8000"}`))
	})

	s, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Model != "omniparser + gpt-4o" || s.MaxTokens != 4096 || s.APIKey != nil {
		t.Errorf("unexpected settings %+v", s)
	}
}

func TestUpdateInfersProvider(t *testing.T) {
	var got map[string]any
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Settings{Model: "x", Provider: "ollama"})
	})

	model := "omniparser + ollama/deepseek-r1:7b"
	if _, err := c.Update(context.Background(), Update{Model: &model}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got["provider"] != "ollama" {
		t.Errorf("expected inferred provider ollama, got %v", got["provider"])
	}
	if _, ok := got["max_tokens"]; ok {
		t.Error("unset fields should be omitted")
	}
}

func TestUpdateKeepsExplicitProvider(t *testing.T) {
	var got map[string]any
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(Settings{})
	})

	model, provider := "claude-3-5-sonnet-20241022", "openai"
	if _, err := c.Update(context.Background(), Update{Model: &model, Provider: &provider}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got["provider"] != "openai" {
		t.Errorf("explicit provider overwritten: %v", got["provider"])
	}
}

func TestUpdateValidation(t *testing.T) {
	c := newBackend(t, func(http.ResponseWriter, *http.Request) {
		t.Error("backend should not be called for invalid update")
	})

	tooMany := 8193
	if _, err := c.Update(context.Background(), Update{MaxTokens: &tooMany}); !errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("expected ErrInvalidUpdate, got %v", err)
	}
	images := 11
	if _, err := c.Update(context.Background(), Update{OnlyNImages: &images}); !errors.Is(err, ErrInvalidUpdate) {
		t.Errorf("expected ErrInvalidUpdate, got %v", err)
	}
}

func TestAPIError(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"Failed to update settings: boom"}`))
	})

	_, err := c.Get(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError || apiErr.Detail != "Failed to update settings: boom" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestAgentStatus(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"running","model":"omniparser + o1","token_usage":42,"cost":0.5}`))
	})

	s, err := c.AgentStatus(context.Background())
	if err != nil {
		t.Fatalf("AgentStatus failed: %v", err)
	}
	if s.Status != "running" || s.TokenUsage != 42 {
		t.Errorf("unexpected status %+v", s)
	}
}

func TestDisplayURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:8006", "http://localhost:8006/vnc.html?view_only=1&autoconnect=1&resize=scale"},
		{"http://10.0.0.5:8006/", "http://10.0.0.5:8006/vnc.html?view_only=1&autoconnect=1&resize=scale"},
	}
	for _, tt := range tests {
		got, err := DisplayURL(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("DisplayURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := DisplayURL("  "); err == nil {
		t.Error("expected error for empty host")
	}
}

func TestAPIErrorUnreadableBody(t *testing.T) {
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Body:       io.NopCloser(iotest.ErrReader(errors.New("connection reset"))),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})}
	c := NewClient("http://backend.test", httpClient, nil, nil)

	_, err := c.Get(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", apiErr.Status)
	}
	if apiErr.Detail != "Service Unavailable" {
		t.Errorf("expected status text detail, got %q", apiErr.Detail)
	}
}
