// Package bot turns inbound chat events into backend exchanges and replies.
package bot

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/synochat-relay/server/internal/conversation"
	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	"github.com/synochat-relay/server/internal/provider"
	"github.com/synochat-relay/server/internal/ratelimit"
	logx "github.com/synochat-relay/server/pkg/logger"
)

// Outcome is the terminal state of one event.
type Outcome string

const (
	DroppedNoUser          Outcome = "dropped_no_user"
	DroppedUnauthenticated Outcome = "dropped_unauthenticated"
	DroppedEmpty           Outcome = "dropped_empty"
	DroppedRateLimited     Outcome = "dropped_rate_limited"
	Delivered              Outcome = "delivered"
	Undelivered            Outcome = "undelivered"
	SilentlyFailed         Outcome = "silently_failed"
)

// Kind returns the error kind behind a rejected event, or "" when the event
// was not rejected for its input.
func (o Outcome) Kind() errx.Kind {
	switch o {
	case DroppedUnauthenticated:
		return errx.KindAuth
	case DroppedEmpty:
		return errx.KindEmptyInput
	default:
		return ""
	}
}

// Notifier delivers text to a chat user.
type Notifier interface {
	Send(ctx context.Context, userID, text string) error
}

type Options struct {
	// Token is the shared secret every event must carry.
	Token string
	// TypingText is sent before the backend call; empty disables it.
	TypingText string
	// Limiter is optional.
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
}

// ChatManager runs the per-event pipeline. It is safe for concurrent use;
// events for different users proceed independently.
type ChatManager struct {
	provider provider.Provider
	store    *conversation.Store
	notifier Notifier

	token      []byte
	typingText string
	limiter    ratelimit.Limiter
	metrics    *metrics.Metrics
}

func NewChatManager(p provider.Provider, store *conversation.Store, notifier Notifier, opts Options) *ChatManager {
	return &ChatManager{
		provider:   p,
		store:      store,
		notifier:   notifier,
		token:      []byte(opts.Token),
		typingText: opts.TypingText,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
	}
}

// HandleEvent processes one webhook event and reports how it ended. It never
// fails: every error is logged and folded into the outcome.
func (m *ChatManager) HandleEvent(ctx context.Context, ev model.Event) Outcome {
	log := logx.With().Str("event_id", ulid.Make().String()).Str("user_id", ev.UserID()).Logger()
	outcome := m.handle(ctx, ev, &log)
	m.metrics.Event(string(outcome))
	entry := log.Info().Str("outcome", string(outcome))
	if kind := outcome.Kind(); kind != "" {
		entry = entry.Str("error_kind", string(kind))
	}
	entry.Msg("event handled")
	return outcome
}

func (m *ChatManager) handle(ctx context.Context, ev model.Event, log *zerolog.Logger) Outcome {
	userID := ev.UserID()
	if userID == "" {
		return DroppedNoUser
	}
	if !m.authenticated(ev.Token()) {
		log.Warn().Msg("webhook token mismatch")
		return DroppedUnauthenticated
	}
	text := strings.TrimSpace(ev.Text())
	if text == "" {
		return DroppedEmpty
	}
	if !m.allow(ctx, userID, log) {
		return DroppedRateLimited
	}

	m.store.SweepExpired()
	conv := m.store.GetOrCreate(userID)

	if m.typingText != "" {
		if err := m.notifier.Send(ctx, userID, m.typingText); err != nil {
			log.Debug().Err(err).Msg("typing placeholder not delivered")
		}
	}

	m.store.Append(conv, schema.User, text)

	reply, ok := m.provider.SendMessage(ctx, userID, text, conv)
	if !ok || reply == "" {
		return SilentlyFailed
	}
	m.store.Append(conv, schema.Assistant, reply)

	if err := m.notifier.Send(ctx, userID, reply); err != nil {
		log.Error().Err(err).Msg("reply not delivered")
		return Undelivered
	}
	return Delivered
}

func (m *ChatManager) authenticated(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), m.token) == 1
}

// allow consults the limiter. A limiter failure lets the event through.
func (m *ChatManager) allow(ctx context.Context, userID string, log *zerolog.Logger) bool {
	if m.limiter == nil {
		return true
	}
	ok, err := m.limiter.Allow(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing event")
		return true
	}
	if !ok {
		log.Warn().Msg("user rate limited")
	}
	return ok
}

// Reset forgets the user's conversation and, for session backends, the
// backend session id. It reports whether anything was cleared.
func (m *ChatManager) Reset(userID string) bool {
	cleared := m.store.Delete(userID)
	if sc, ok := m.provider.(provider.SessionClearer); ok {
		cleared = sc.ClearSession(userID) || cleared
	}
	logx.Info().Str("user_id", userID).Bool("cleared", cleared).Msg("user session reset")
	return cleared
}

// Authenticate reports whether token matches the shared webhook secret.
func (m *ChatManager) Authenticate(token string) bool {
	return m.authenticated(token)
}

// Provider returns the backend in use.
func (m *ChatManager) Provider() provider.Provider {
	return m.provider
}

// Conversations returns the number of live conversations.
func (m *ChatManager) Conversations() int {
	return m.store.Len()
}
