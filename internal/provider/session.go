package provider

import "sync"

// SessionCache maps a chat user to the backend conversation id of a
// session-style provider. It is safe for concurrent use.
type SessionCache struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewSessionCache() *SessionCache {
	return &SessionCache{ids: make(map[string]string)}
}

func (c *SessionCache) Get(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[userID]
	return id, ok
}

// Set records id for userID; an empty id is ignored.
func (c *SessionCache) Set(userID, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.ids[userID] = id
	c.mu.Unlock()
}

// Clear forgets userID and reports whether an id was held.
func (c *SessionCache) Clear(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[userID]
	delete(c.ids, userID)
	return ok
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
