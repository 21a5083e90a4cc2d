package model

import (
	"strings"
	"time"

	errx "github.com/synochat-relay/server/internal/core/error"
)

// ================ Config ================
type ChatAPIConfig struct {
	Type         string  `envconfig:"CHAT_API_TYPE" default:"openai"`
	URL          string  `envconfig:"CHAT_API_URL"`
	APIKey       string  `envconfig:"CHAT_API_KEY"`
	Model        string  `envconfig:"CHAT_API_MODEL"`
	Temperature  float32 `envconfig:"CHAT_API_TEMPERATURE" default:"0.7"`
	MaxTokens    int     `envconfig:"CHAT_API_MAX_TOKENS" default:"4096"`
	SystemPrompt string  `envconfig:"CHAT_API_SYSTEM_PROMPT" default:"You are a helpful assistant that answers the user's questions."`
}

type SynologyConfig struct {
	IncomingWebhookURL   string `envconfig:"SYNOLOGY_INCOMING_WEBHOOK_URL"`
	OutgoingWebhookToken string `envconfig:"SYNOLOGY_OUTGOING_WEBHOOK_TOKEN"`
}

type ServerConfig struct {
	Host  string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port  int    `envconfig:"SERVER_PORT" default:"8008"`
	Debug bool   `envconfig:"SERVER_DEBUG" default:"false"`
}

type ConversationConfig struct {
	MaxHistory int    `envconfig:"CONVERSATION_MAX_HISTORY" default:"10"`
	Timeout    int    `envconfig:"CONVERSATION_TIMEOUT" default:"1800"`
	TypingText string `envconfig:"CONVERSATION_TYPING_TEXT" default:"..."`
}

type HTTPConfig struct {
	Timeout    int `envconfig:"HTTP_TIMEOUT" default:"30"`
	MaxRetries int `envconfig:"HTTP_MAX_RETRIES" default:"3"`
}

type RateLimitConfig struct {
	// PerMinute caps events per user per minute; 0 disables the limiter.
	PerMinute int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"0"`
}

// TimeoutDuration converts the configured seconds into a time.Duration.
func (c HTTPConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// TimeoutDuration converts the configured idle timeout into a time.Duration.
func (c ConversationConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Kind returns the normalised backend selector, defaulting to openai.
func (c ChatAPIConfig) Kind() string {
	k := strings.ToLower(strings.TrimSpace(c.Type))
	if k == "" {
		return "openai"
	}
	return k
}

// Validate reports the first missing or placeholder credential for the
// configured backend kind. Kinds without an entry only need a key.
func (c ChatAPIConfig) Validate() error {
	required := map[string]string{"CHAT_API_KEY": c.APIKey}
	switch c.Kind() {
	case "openai":
		required["CHAT_API_URL"] = c.URL
		required["CHAT_API_MODEL"] = c.Model
	case "dify":
		required["CHAT_API_URL"] = c.URL
	case "gemini":
		required["CHAT_API_MODEL"] = c.Model
	}

	var missing []string
	for _, key := range []string{"CHAT_API_URL", "CHAT_API_KEY", "CHAT_API_MODEL"} {
		v, ok := required[key]
		if !ok {
			continue
		}
		if isPlaceholder(v) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errx.Config("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks the conversation bounds are usable.
func (c ConversationConfig) Validate() error {
	if c.MaxHistory <= 0 {
		return errx.Config("CONVERSATION_MAX_HISTORY must be positive, got %d", c.MaxHistory)
	}
	if c.Timeout <= 0 {
		return errx.Config("CONVERSATION_TIMEOUT must be positive, got %d", c.Timeout)
	}
	return nil
}

// isPlaceholder matches empty values and the "your_..." samples shipped in .env.example.
func isPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.Contains(strings.ToLower(v), "your_")
}
