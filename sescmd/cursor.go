package sescmd

import "sync"

// Backend identifies one backend connection attached to the list.
// The router supplies the implementation.
type Backend interface {
	ID() string
}

// Cursor is one backend's position in the list. The position is the id
// of the next command the backend has to execute; ids are strictly
// monotonic, so the position survives head eviction. The cursor lock
// is always taken after the list lock and before any command lock.
type Cursor struct {
	list    *List
	backend Backend

	mu            sync.Mutex
	next          uint64
	replaying     bool
	replyExpected bool
}

// Backend returns the backend this cursor belongs to.
func (c *Cursor) Backend() Backend { return c.backend }

// Replaying reports whether the backend is still catching up through
// the list. A replaying backend must not serve live queries.
func (c *Cursor) Replaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaying
}

// Pos returns the id of the next command the cursor will execute.
func (c *Cursor) Pos() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// UpToDate reports whether the backend has applied every journaled
// command and owes no reply. Only up-to-date backends are eligible for
// live dispatch.
func (c *Cursor) UpToDate() bool {
	tail := c.list.tailID()
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.replaying && !c.replyExpected && c.next > tail
}
