// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// StreamPath is appended to AGENT_WS_URL to form the session endpoint.
const StreamPath = "/ws/agent/stream"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	AgentWSURL           string
	AgentAPIURL          string
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	DialTimeout          time.Duration
	WSReadLimit          int64

	DBPath           string
	JournalRetention time.Duration

	GRPCHealthAddr string
	SendRateLimit  float64

	ConversationLog ConversationLogConfig
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		AgentWSURL:           strings.TrimRight(getEnv("AGENT_WS_URL", "ws://localhost:8888"), "/"),
		AgentAPIURL:          strings.TrimRight(getEnv("AGENT_API_URL", "http://localhost:8888"), "/"),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", 2*time.Second),
		DialTimeout:          getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
		WSReadLimit:          int64(getEnvInt("WS_READ_LIMIT", 16<<20)),

		DBPath:           getEnv("DB_PATH", "./data/omnidesk.db"),
		JournalRetention: getEnvDuration("JOURNAL_RETENTION", 72*time.Hour),

		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		SendRateLimit:  getEnvFloat("SEND_RATE_LIMIT", 5),

		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if err := validateURL("AGENT_WS_URL", c.AgentWSURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("AGENT_API_URL", c.AgentAPIURL, "http", "https"); err != nil {
		return err
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("DIAL_TIMEOUT must be > 0")
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be > 0")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JournalRetention <= 0 {
		return fmt.Errorf("JOURNAL_RETENTION must be > 0")
	}
	if c.SendRateLimit <= 0 {
		return fmt.Errorf("SEND_RATE_LIMIT must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// StreamURL returns the full websocket endpoint of the agent backend.
func (c *Config) StreamURL() string {
	return c.AgentWSURL + StreamPath
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("2s") or bare milliseconds ("2000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
