package sescmd

import "sync"

// Command is one journaled session command. Payload and opcode are
// immutable after append; the reply bookkeeping mutates under the
// command lock, which is always taken after the list lock.
type Command struct {
	id      uint64
	payload []byte
	opcode  byte

	mu        sync.Mutex
	nReplied  int
	replySent bool
	decided   bool
	canonical Reply
	lastReply Reply
	firstErr  *Reply
	done      chan Reply
}

func newCommand(id uint64, payload []byte) *Command {
	var opcode byte
	if len(payload) > 0 {
		opcode = payload[0]
	}
	return &Command{
		id:      id,
		payload: clone(payload),
		opcode:  opcode,
		done:    make(chan Reply, 1),
	}
}

// ID returns the command's monotonically increasing id.
func (c *Command) ID() uint64 { return c.id }

// Payload returns the raw packet payload (opcode byte included).
func (c *Command) Payload() []byte { return c.payload }

// Opcode returns the MySQL command byte.
func (c *Command) Opcode() byte { return c.opcode }

// Replied returns how many backends have replied so far.
func (c *Command) Replied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nReplied
}

// ReplySent reports whether the canonical reply has been chosen.
func (c *Command) ReplySent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replySent
}

// ReplyType returns the type of the canonical reply, or ReplyTypeOther
// if none has been chosen yet.
func (c *Command) ReplyType() ReplyType {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.decided {
		return ReplyTypeOther
	}
	return c.canonical.Type()
}

// Done yields the canonical reply once it has been decided. The
// channel is buffered; the reply stays readable after the fact.
func (c *Command) Done() <-chan Reply { return c.done }

// retiredLocked reports whether the command needs no further replies.
// Caller holds c.mu. required is 1 or the current cursor count,
// depending on the list's must_reply semantics.
func (c *Command) retiredLocked(required int) bool {
	return c.replySent && c.nReplied >= required
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
