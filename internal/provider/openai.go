package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/provider/observers"
	"github.com/synochat-relay/server/internal/transport"
)

const KindOpenAI = "openai"

// OpenAI talks to a stateless chat-completions endpoint. The full
// conversation is resent on every call.
type OpenAI struct {
	base
}

var _ Provider = (*OpenAI)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *schema.TokenUsage `json:"usage"`

	raw []byte
}

// NewOpenAI builds the chat-completions provider.
func NewOpenAI(cfg model.ChatAPIConfig, deps Deps) (Provider, error) {
	b, err := newBase(KindOpenAI, cfg, deps)
	if err != nil {
		return nil, err
	}
	return &OpenAI{base: b}, nil
}

// SendMessage implements Provider.
func (p *OpenAI) SendMessage(ctx context.Context, userID, message string, history History) (string, bool) {
	start := time.Now()
	reply, err := p.Complete(ctx, userID, message, history)
	return p.collapse(userID, start, reply, err)
}

// Complete sends [system]+history and returns choices[0].message.content.
func (p *OpenAI) Complete(ctx context.Context, userID, message string, history History) (string, error) {
	req := chatRequest{
		Model:       p.cfg.Model,
		Messages:    toChatMessages(buildContext(p.cfg.SystemPrompt, message, history)),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}

	out, err := p.post(ctx, p.transport, req)
	if err != nil {
		return "", err
	}
	observers.RecordUsage(p.name, p.cfg.Model, out.Usage)
	return firstChoice(out)
}

// TestConnection sends the canned probe once, without retries.
func (p *OpenAI) TestConnection(ctx context.Context) TestResult {
	req := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: string(schema.System), Content: TestSystemPrompt},
			{Role: string(schema.User), Content: TestPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   50,
	}

	start := time.Now()
	out, err := p.post(ctx, p.transport.WithMaxRetries(0), req)
	if err == nil {
		var reply string
		if reply, err = firstChoice(out); err == nil {
			latency := time.Since(start)
			return TestResult{
				Success:      true,
				Provider:     p.name,
				Response:     reply,
				Latency:      latency,
				ResponseTime: latency.Seconds(),
				Model:        out.Model,
				Usage:        out.Usage,
			}
		}
	}
	return p.failedProbe(err, time.Since(start))
}

func (p *OpenAI) post(ctx context.Context, c *transport.Client, req chatRequest) (*chatResponse, error) {
	resp, err := c.PostJSON(ctx, p.cfg.URL, transport.BearerHeader(p.cfg.APIKey), req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out chatResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, parseFailure(resp.Body, err)
	}
	out.raw = resp.Body
	return &out, nil
}

func firstChoice(out *chatResponse) (string, error) {
	if len(out.Choices) == 0 || out.Choices[0].Message == nil || out.Choices[0].Message.Content == nil {
		return "", parseFailure(out.raw, errors.New("response has no choices[0].message.content"))
	}
	return *out.Choices[0].Message.Content, nil
}

// buildContext returns the message list for stateless backends. Without a
// history only the system prompt and the current message are sent.
func buildContext(systemPrompt, message string, history History) []*schema.Message {
	if history != nil {
		return history.Context(systemPrompt)
	}
	msgs := make([]*schema.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, schema.SystemMessage(systemPrompt))
	}
	return append(msgs, schema.UserMessage(message))
}

func toChatMessages(msgs []*schema.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
