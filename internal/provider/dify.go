package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/transport"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const KindDify = "dify"

// Dify talks to a stateful chat-messages endpoint. The backend keeps the
// history; only the latest message and the session id travel.
type Dify struct {
	base
	endpoint string
	sessions *SessionCache
}

var (
	_ Provider       = (*Dify)(nil)
	_ SessionClearer = (*Dify)(nil)
)

type difyRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

type difyResponse struct {
	Answer         *string `json:"answer"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
}

// NewDify builds the chat-messages provider.
func NewDify(cfg model.ChatAPIConfig, deps Deps) (Provider, error) {
	b, err := newBase(KindDify, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Dify{
		base:     b,
		endpoint: ChatEndpoint(cfg.URL),
		sessions: NewSessionCache(),
	}, nil
}

// ChatEndpoint normalises a configured base URL into the chat-messages
// endpoint: a URL already ending in /chat-messages is used as is, one
// ending in /v1 gets /chat-messages, anything else gets /v1/chat-messages.
func ChatEndpoint(base string) string {
	u := strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasSuffix(u, "/chat-messages"):
		return u
	case strings.HasSuffix(u, "/v1"):
		return u + "/chat-messages"
	default:
		return u + "/v1/chat-messages"
	}
}

// SendMessage implements Provider.
func (p *Dify) SendMessage(ctx context.Context, userID, message string, history History) (string, bool) {
	start := time.Now()
	reply, err := p.Complete(ctx, userID, message, history)
	return p.collapse(userID, start, reply, err)
}

// Complete sends message within the user's backend session, starting one
// if none is held, and records the session id the backend returns.
func (p *Dify) Complete(ctx context.Context, userID, message string, _ History) (string, error) {
	req := difyRequest{
		Inputs:       map[string]any{},
		Query:        message,
		ResponseMode: "blocking",
		User:         userID,
	}
	if id, ok := p.sessions.Get(userID); ok {
		req.ConversationID = id
	}

	out, err := p.post(ctx, p.transport, req)
	if err != nil {
		return "", err
	}
	if out.ConversationID != "" && out.ConversationID != req.ConversationID {
		p.sessions.Set(userID, out.ConversationID)
		logx.Debug().Str("user_id", userID).Str("conversation_id", out.ConversationID).Msg("backend session recorded")
	}
	return *out.Answer, nil
}

// TestConnection sends the canned probe as the test user, outside any
// session, once.
func (p *Dify) TestConnection(ctx context.Context) TestResult {
	req := difyRequest{
		Inputs:       map[string]any{},
		Query:        TestPrompt,
		ResponseMode: "blocking",
		User:         TestUserID,
	}

	start := time.Now()
	out, err := p.post(ctx, p.transport.WithMaxRetries(0), req)
	if err != nil {
		return p.failedProbe(err, time.Since(start))
	}
	latency := time.Since(start)
	return TestResult{
		Success:        true,
		Provider:       p.name,
		Response:       *out.Answer,
		Latency:        latency,
		ResponseTime:   latency.Seconds(),
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
	}
}

// ClearSession implements SessionClearer.
func (p *Dify) ClearSession(userID string) bool {
	cleared := p.sessions.Clear(userID)
	if cleared {
		logx.Info().Str("user_id", userID).Msg("backend session cleared")
	}
	return cleared
}

// SessionID returns the backend conversation id held for userID.
func (p *Dify) SessionID(userID string) (string, bool) {
	return p.sessions.Get(userID)
}

func (p *Dify) post(ctx context.Context, c *transport.Client, req difyRequest) (*difyResponse, error) {
	resp, err := c.PostJSON(ctx, p.endpoint, transport.BearerHeader(p.cfg.APIKey), req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out difyResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, parseFailure(resp.Body, err)
	}
	if out.Answer == nil {
		return nil, parseFailure(resp.Body, errors.New("response has no answer"))
	}
	return &out, nil
}
