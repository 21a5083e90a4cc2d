// Package observers hooks eino callbacks around backend model calls and logs
// what went in, what came out and what it cost.
package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/synochat-relay/server/internal/model"
	logx "github.com/synochat-relay/server/pkg/logger"
)

// Attach returns ctx carrying the model observers for one call of
// modelName on behalf of userID.
func Attach(ctx context.Context, provider, modelName, userID string) context.Context {
	info := &einocb.RunInfo{
		Name:      modelName,
		Type:      provider,
		Component: components.ComponentOfChatModel,
	}
	return einocb.InitCallbacks(ctx, info, NewModelCallbacks(userID))
}

// NewModelCallbacks builds the chat model handler.
func NewModelCallbacks(userID string) einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler(userID)).
		Handler()
}

func newModelHandler(userID string) *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			ev := logx.Debug().Str("provider", info.Type).Str("model", info.Name).Str("user_id", userID)
			if input != nil {
				ev = ev.Int("messages", len(input.Messages)).Str("user", LastUserContent(input.Messages))
			}
			ev.Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *einomodel.CallbackOutput) context.Context {
			if output == nil || output.Message == nil {
				return ctx
			}
			logx.Debug().
				Str("provider", info.Type).
				Str("model", info.Name).
				Str("user_id", userID).
				Str("assistant", strings.TrimSpace(output.Message.Content)).
				Msg("model call end")
			if output.Message.ResponseMeta != nil {
				RecordUsage(info.Type, info.Name, output.Message.ResponseMeta.Usage)
			}
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("provider", info.Type).Str("model", info.Name).Str("user_id", userID).Msg("model call error")
			return ctx
		},
	}
}

// RecordUsage logs token usage and its estimated USD cost. Unknown models
// are logged at zero cost.
func RecordUsage(provider, modelName string, usage *schema.TokenUsage) {
	if usage == nil {
		return
	}
	in, out, total := model.ComputeCost(usage, model.ResolvePricing(modelName))
	logx.Info().
		Str("provider", provider).
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", in).
		Float64("output_cost_usd", out).
		Float64("total_cost_usd", total).
		Msg("token usage")
}

// LastUserContent returns the trimmed content of the newest user message.
func LastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
