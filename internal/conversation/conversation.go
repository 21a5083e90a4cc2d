// Package conversation keeps a bounded, expiring message history per chat user.
package conversation

import (
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

// Clock returns the current time; tests replace it to control expiry.
type Clock func() time.Time

// Conversation is the rolling history of one user. It is safe for concurrent use.
type Conversation struct {
	UserID     string
	MaxHistory int
	Timeout    time.Duration

	mu           sync.Mutex
	messages     []*schema.Message
	lastActivity time.Time
	now          Clock
}

// New creates an empty conversation whose activity clock starts now.
func New(userID string, maxHistory int, timeout time.Duration, now Clock) *Conversation {
	if now == nil {
		now = time.Now
	}
	return &Conversation{
		UserID:       userID,
		MaxHistory:   maxHistory,
		Timeout:      timeout,
		messages:     make([]*schema.Message, 0, maxHistory),
		lastActivity: now(),
		now:          now,
	}
}

// Append pushes a message, evicting the oldest entries once MaxHistory is
// exceeded, and refreshes the activity timestamp.
func (c *Conversation) Append(role schema.RoleType, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, &schema.Message{Role: role, Content: content})
	if over := len(c.messages) - c.MaxHistory; c.MaxHistory > 0 && over > 0 {
		kept := make([]*schema.Message, c.MaxHistory, cap(c.messages))
		copy(kept, c.messages[over:])
		c.messages = kept
	}
	c.lastActivity = c.now()
}

// Messages returns a copy of the stored history, oldest first.
func (c *Conversation) Messages() []*schema.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMessages(nil, c.messages)
}

// Context returns the history prefixed with a system message when
// systemPrompt is non-empty.
func (c *Conversation) Context(systemPrompt string) []*schema.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*schema.Message, 0, len(c.messages)+1)
	if systemPrompt != "" {
		out = append(out, schema.SystemMessage(systemPrompt))
	}
	return copyMessages(out, c.messages)
}

// Len returns the number of stored messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Clear drops the history and counts as activity.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.messages[:0]
	c.lastActivity = c.now()
}

// LastActivity returns the time of the last append or clear.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsExpired reports whether more than Timeout has elapsed since the last
// activity. A conversation exactly at the boundary is still live.
func (c *Conversation) IsExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastActivity) > c.Timeout
}

func copyMessages(dst, src []*schema.Message) []*schema.Message {
	if dst == nil {
		dst = make([]*schema.Message, 0, len(src))
	}
	for _, m := range src {
		if m == nil {
			continue
		}
		cp := *m
		dst = append(dst, &cp)
	}
	return dst
}
