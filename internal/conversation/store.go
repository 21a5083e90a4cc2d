package conversation

import (
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/synochat-relay/server/internal/metrics"
	"github.com/synochat-relay/server/internal/model"
	logx "github.com/synochat-relay/server/pkg/logger"
)

// Store owns every live Conversation, keyed by user id.
//
// The store lock guards the key space and is held across Append, so a sweep
// never removes a conversation between an event fetching it and writing to
// it. Lock order is store, then conversation.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation

	maxHistory int
	timeout    time.Duration
	now        Clock
	metrics    *metrics.Metrics
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now for the store and the conversations it creates.
func WithClock(now Clock) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithMetrics records sweeps on m.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an empty store seeded with the configured limits.
func NewStore(cfg model.ConversationConfig, opts ...StoreOption) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		maxHistory:    cfg.MaxHistory,
		timeout:       cfg.TimeoutDuration(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the user's conversation, creating an empty one on first use.
func (s *Store) GetOrCreate(userID string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[userID]; ok {
		return c
	}
	c := New(userID, s.maxHistory, s.timeout, s.now)
	s.conversations[userID] = c
	s.metrics.Active(len(s.conversations))
	logx.Debug().Str("user_id", userID).Msg("conversation created")
	return c
}

// Get returns the user's conversation without creating one.
func (s *Store) Get(userID string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[userID]
	return c, ok
}

// Delete removes the user's conversation and reports whether one existed.
func (s *Store) Delete(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[userID]
	delete(s.conversations, userID)
	s.metrics.Active(len(s.conversations))
	return ok
}

// Append records a message on conv. A conv swept while its event was still
// running is put back, unless the user already has a newer conversation.
func (s *Store) Append(conv *Conversation, role schema.RoleType, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.UserID]; !ok {
		s.conversations[conv.UserID] = conv
		s.metrics.Active(len(s.conversations))
		logx.Debug().Str("user_id", conv.UserID).Msg("swept conversation reinstated")
	}
	conv.Append(role, content)
}

// SweepExpired removes every expired conversation and returns how many were dropped.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, c := range s.conversations {
		if c.IsExpired() {
			delete(s.conversations, userID)
			removed++
		}
	}
	if removed > 0 {
		logx.Debug().Int("removed", removed).Int("active", len(s.conversations)).Msg("expired conversations swept")
	}
	s.metrics.Swept(removed, len(s.conversations))
	return removed
}

// Len returns the number of stored conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}
