// Package notify posts messages back to chat users through the Synology
// Chat incoming webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/transport"
	logx "github.com/synochat-relay/server/pkg/logger"
)

// Synology delivers text to one chat user via the incoming webhook.
type Synology struct {
	webhookURL string
	transport  *transport.Client
}

type payload struct {
	Text    string `json:"text"`
	UserIDs []int  `json:"user_ids"`
}

func NewSynology(webhookURL string, c *transport.Client) *Synology {
	return &Synology{webhookURL: webhookURL, transport: c}
}

// Send posts text to userID. Only an HTTP 200 counts as delivered; the
// webhook answers other 2xx codes for requests it did not act on.
func (s *Synology) Send(ctx context.Context, userID, text string) error {
	id, err := strconv.Atoi(strings.TrimSpace(userID))
	if err != nil {
		return errx.Parse(fmt.Errorf("user_id %q is not numeric: %w", userID, err))
	}

	body, err := json.Marshal(payload{Text: text, UserIDs: []int{id}})
	if err != nil {
		return errx.Unexpected(fmt.Errorf("marshal payload: %w", err))
	}

	resp, err := s.transport.PostForm(ctx, s.webhookURL, nil, url.Values{"payload": {string(body)}})
	if err != nil {
		logx.Error().Err(err).Str("user_id", userID).Msg("Failed to send chat message")
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := errx.HTTPStatus(resp.StatusCode, resp.BodyPreview())
		logx.Error().Err(err).Str("user_id", userID).Msg("Chat webhook rejected message")
		return err
	}

	logx.Debug().Str("user_id", userID).Int("chars", len([]rune(text))).Msg("chat message delivered")
	return nil
}
