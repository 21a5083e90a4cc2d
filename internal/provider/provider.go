// Package provider defines the backend contract the relay talks to and the
// shipped implementations: a stateless chat-completions backend ("openai"),
// a stateful session backend ("dify") and a Gemini backend ("gemini").
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/eino/schema"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/transport"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const (
	// TestPrompt is the canned message used by every connectivity probe.
	TestPrompt = "Please reply 'API test successful' to confirm the connection is working."
	// TestSystemPrompt frames the probe for completion-style backends.
	TestSystemPrompt = "You are a test assistant, please reply briefly."
	// TestUserID identifies probe traffic on session-style backends.
	TestUserID = "test_user"
)

// Provider is a pluggable conversational backend.
type Provider interface {
	// Name identifies the backend kind in logs, metrics and probe results.
	Name() string

	// SendMessage returns the backend reply for message. Any failure
	// (network, status, parse) yields ok == false; the cause is only logged.
	SendMessage(ctx context.Context, userID, message string, history History) (reply string, ok bool)

	// TestConnection performs one live round-trip with a canned prompt.
	// It never touches per-user state.
	TestConnection(ctx context.Context) TestResult
}

// History is the conversation context handed to a provider. Stateless
// backends send all of it; session backends ignore it.
type History interface {
	Context(systemPrompt string) []*schema.Message
}

// SessionClearer is implemented by providers that keep a backend-side
// session per user.
type SessionClearer interface {
	// ClearSession forgets the user's backend session id and reports
	// whether one was held.
	ClearSession(userID string) bool
}

// Deps are the shared collaborators every constructor receives.
type Deps struct {
	Transport *transport.Client
	Metrics   *metrics.Metrics
}

// TestResult is the outcome of a connectivity probe, serialised as is by the
// diagnostic endpoint.
type TestResult struct {
	Success        bool               `json:"success"`
	Provider       string             `json:"provider"`
	Response       string             `json:"response,omitempty"`
	Latency        time.Duration      `json:"-"`
	ResponseTime   float64            `json:"response_time,omitempty"`
	Kind           errx.Kind          `json:"error_kind,omitempty"`
	Error          string             `json:"error,omitempty"`
	StatusCode     int                `json:"status_code,omitempty"`
	Details        any                `json:"details,omitempty"`
	Model          string             `json:"model,omitempty"`
	Usage          *schema.TokenUsage `json:"usage,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	MessageID      string             `json:"message_id,omitempty"`
}

// base carries what every shipped provider shares.
type base struct {
	name      string
	cfg       model.ChatAPIConfig
	transport *transport.Client
	metrics   *metrics.Metrics
}

func newBase(name string, cfg model.ChatAPIConfig, deps Deps) (base, error) {
	if deps.Transport == nil {
		return base{}, errx.Config("%s provider: transport is nil", name)
	}
	return base{name: name, cfg: cfg, transport: deps.Transport, metrics: deps.Metrics}, nil
}

func (b base) Name() string { return b.name }

// collapse turns an internal (reply, error) pair into the public
// (reply, ok) contract, logging and counting the failure category.
func (b base) collapse(userID string, start time.Time, reply string, err error) (string, bool) {
	took := time.Since(start)
	if err != nil {
		kind := errx.KindOf(err)
		b.metrics.ProviderCall(b.name, string(kind), took)
		logx.Error().
			Err(err).
			Str("provider", b.name).
			Str("user_id", userID).
			Str("kind", string(kind)).
			Dur("took", took).
			Msg("backend exchange failed")
		return "", false
	}
	b.metrics.ProviderCall(b.name, "ok", took)
	logx.Debug().Str("provider", b.name).Str("user_id", userID).Dur("took", took).Msg("backend reply received")
	return reply, true
}

// failedProbe converts a probe error into a TestResult.
func (b base) failedProbe(err error, latency time.Duration) TestResult {
	res := TestResult{
		Provider:     b.name,
		Latency:      latency,
		ResponseTime: latency.Seconds(),
		Kind:         errx.KindOf(err),
	}
	switch res.Kind {
	case errx.KindTimeout:
		res.Error = "Request timeout"
	case errx.KindConnection:
		res.Error = "Connection failed"
	case errx.KindHTTPStatus:
		res.StatusCode = errx.StatusOf(err)
		res.Error = err.Error()
	case errx.KindParse:
		res.Error = "Invalid response format"
		var pe *probeParseError
		if errors.As(err, &pe) {
			res.Details = pe.details
		}
	default:
		res.Error = err.Error()
	}
	logx.Error().Err(err).Str("provider", b.name).Str("kind", string(res.Kind)).Msg("connectivity probe failed")
	return res
}

// probeParseError keeps the decoded upstream body so the diagnostic
// endpoint can show what came back.
type probeParseError struct {
	details any
	err     error
}

func (e *probeParseError) Error() string { return e.err.Error() }
func (e *probeParseError) Unwrap() error { return e.err }

func parseFailure(body []byte, err error) error {
	var details any
	if json.Unmarshal(body, &details) != nil {
		details = string(body)
	}
	return errx.Parse(&probeParseError{details: details, err: err})
}

// checkStatus converts a non-2xx response into an http_status error.
func checkStatus(resp *transport.Response) error {
	if resp.OK() {
		return nil
	}
	return errx.HTTPStatus(resp.StatusCode, resp.BodyPreview())
}
