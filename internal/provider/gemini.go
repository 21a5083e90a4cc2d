package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/provider/observers"
	"github.com/synochat-relay/server/internal/transport"
	logx "github.com/synochat-relay/server/pkg/logger"
)

const KindGemini = "gemini"

// Gemini is a stateless provider backed by the Gemini API through the eino
// chat model. Like OpenAI it resends the conversation on every call.
type Gemini struct {
	base
	chat einomodel.BaseChatModel
}

var _ Provider = (*Gemini)(nil)

// NewGemini builds the Gemini provider. CHAT_API_URL, when set, overrides
// the API base URL.
func NewGemini(cfg model.ChatAPIConfig, deps Deps) (Provider, error) {
	b, err := newBase(KindGemini, cfg, deps)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: deps.Transport.HTTPClient(),
	}
	if cfg.URL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.URL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens
	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Str("model", cfg.Model).Msg("Error creating Gemini chat model")
		return nil, fmt.Errorf("error creating Gemini chat model: %w", err)
	}

	return newGeminiWithModel(b, chat), nil
}

func newGeminiWithModel(b base, chat einomodel.BaseChatModel) *Gemini {
	return &Gemini{base: b, chat: chat}
}

// SendMessage implements Provider.
func (p *Gemini) SendMessage(ctx context.Context, userID, message string, history History) (string, bool) {
	start := time.Now()
	reply, err := p.Complete(ctx, userID, message, history)
	return p.collapse(userID, start, reply, err)
}

// Complete generates a reply for [system]+history, retrying transient API
// failures with the transport's backoff.
func (p *Gemini) Complete(ctx context.Context, userID, message string, history History) (string, error) {
	msgs := buildContext(p.cfg.SystemPrompt, message, history)
	out, err := p.generate(observers.Attach(ctx, p.name, p.cfg.Model, userID), p.transport, msgs)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// TestConnection sends the canned probe once.
func (p *Gemini) TestConnection(ctx context.Context) TestResult {
	msgs := []*schema.Message{
		schema.SystemMessage(TestSystemPrompt),
		schema.UserMessage(TestPrompt),
	}

	start := time.Now()
	out, err := p.generate(ctx, p.transport.WithMaxRetries(0), msgs)
	if err != nil {
		return p.failedProbe(err, time.Since(start))
	}
	latency := time.Since(start)
	res := TestResult{
		Success:      true,
		Provider:     p.name,
		Response:     out.Content,
		Latency:      latency,
		ResponseTime: latency.Seconds(),
		Model:        p.cfg.Model,
	}
	if out.ResponseMeta != nil {
		res.Usage = out.ResponseMeta.Usage
	}
	return res
}

func (p *Gemini) generate(ctx context.Context, c *transport.Client, msgs []*schema.Message) (*schema.Message, error) {
	var out *schema.Message
	err := c.Retry(ctx, func(ctx context.Context) error {
		msg, err := p.chat.Generate(ctx, msgs)
		if err != nil {
			return classifyGemini(err)
		}
		out = msg
		return nil
	}, isRetryableGemini)
	if err != nil {
		return nil, err
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return nil, errx.Parse(errors.New("gemini returned no text candidate"))
	}
	return out, nil
}

// classifyGemini maps SDK errors onto the errx taxonomy: API errors keep
// their HTTP code, everything else goes through the transport classifier.
func classifyGemini(err error) error {
	if code, msg, ok := geminiAPIError(err); ok {
		return errx.HTTPStatus(code, msg)
	}
	return transport.Classify(err)
}

func isRetryableGemini(err error) bool {
	switch errx.KindOf(err) {
	case errx.KindTimeout, errx.KindConnection:
		return true
	case errx.KindHTTPStatus:
		return transport.IsRetryableStatus(errx.StatusOf(err))
	default:
		return false
	}
}

func geminiAPIError(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, apiErrPtr.Message, true
	}
	return 0, "", false
}
