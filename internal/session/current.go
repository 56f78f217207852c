package session

import "sync"

// Current is the live "current session id" cell. The sync loop reads it at
// every use instead of capturing a copy, so a disconnect-then-reconnect
// never lets an in-flight tick act on a stale session.
type Current struct {
	mu sync.RWMutex
	id string
}

// Set replaces the current session id.
func (c *Current) Set(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// Get returns the current session id, or empty when none is active.
func (c *Current) Get() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Clear drops the current session id if it still matches the given one.
// A tick observing an already-replaced session must not clear the new one.
func (c *Current) Clear(id string) {
	c.mu.Lock()
	if c.id == id {
		c.id = ""
	}
	c.mu.Unlock()
}
