package sescmd

import (
	"sync"
	"sync/atomic"
)

// List is the session command journal. Structural mutation (append,
// eviction, the cursor set) happens under the list lock; reply
// bookkeeping happens under the per-command lock once the command
// reference is held. Lock order is list, then cursor, then command,
// never upward.
type List struct {
	sem    Semantics
	props  Properties
	logger Logger

	nextID   atomic.Uint64
	poisoned atomic.Bool

	mu      sync.RWMutex
	cmds    []*Command // cmds[0] is the head; ids are contiguous
	cursors map[string]*Cursor
}

// New creates an empty list. A nil logger falls back to the standard
// logger.
func New(sem Semantics, props Properties, logger Logger) *List {
	if logger == nil {
		logger = stdLogger{}
	}
	return &List{
		sem:     sem,
		props:   props,
		logger:  logger,
		cursors: make(map[string]*Cursor),
	}
}

// Semantics returns the list's reply reconciliation configuration.
func (l *List) Semantics() Semantics { return l.sem }

// Len returns the number of retained commands.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cmds)
}

// Cursors returns the number of attached backends.
func (l *List) Cursors() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cursors)
}

// Poisoned reports whether a divergent backend error has poisoned the
// session under the abort policy.
func (l *List) Poisoned() bool { return l.poisoned.Load() }

// Append journals a command at the tail and returns it. Ids are
// assigned with an atomic fetch-add, so they never regress. When the
// list is bounded and full, the overflow policy either drops the head
// command (only if it is retired and unreferenced) or rejects the
// append.
func (l *List) Append(payload []byte) (*Command, error) {
	if l.poisoned.Load() {
		return nil, ErrPoisoned
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.props.MaxLen > 0 && len(l.cmds) >= l.props.MaxLen {
		if l.props.OnMaxLen == RejectNew || !l.evictHeadLocked() {
			return nil, ErrCapacityExceeded
		}
	}

	cmd := newCommand(l.nextID.Add(1), payload)
	l.cmds = append(l.cmds, cmd)
	return cmd, nil
}

// Attach adds a backend to the list and returns its cursor, positioned
// at the head. Attaching an already attached backend returns the
// existing cursor. The backend must replay every retained command, in
// order, before it is eligible for live dispatch.
func (l *List) Attach(b Backend) *Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.cursors[b.ID()]; ok {
		return cur
	}

	cur := &Cursor{list: l, backend: b}
	if len(l.cmds) > 0 {
		cur.next = l.cmds[0].id
		cur.replaying = true
	} else {
		cur.next = l.nextID.Load() + 1
	}
	l.cursors[b.ID()] = cur
	return cur
}

// Detach removes a backend's cursor. Commands whose reply requirement
// is now satisfied by the remaining cursors are finalized.
func (l *List) Detach(b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cursors[b.ID()]; !ok {
		return
	}
	delete(l.cursors, b.ID())
	l.recheckLocked()
}

// Next claims the cursor's current command for execution. It returns
// false when the cursor is at the end of the list (the backend is up
// to date), is detached, or already owes a reply for a claimed
// command.
func (l *List) Next(cur *Cursor) (*Command, bool) {
	l.mu.RLock()
	attached := l.cursors[cur.backend.ID()] == cur
	cmd := l.commandAtLocked(cur.next)
	l.mu.RUnlock()

	if !attached {
		return nil, false
	}

	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cmd == nil {
		cur.replaying = false
		return nil, false
	}
	if cur.replyExpected {
		return nil, false
	}
	cur.replyExpected = true
	return cmd, true
}

// Advance records a backend's reply to the cursor's current command
// and moves the cursor forward. The reply is counted; if it completes
// the list's reply requirement it becomes (or selects) the canonical
// reply delivered on the command's Done channel. A divergent error
// after the canonical reply was sent either poisons the session
// (abort) or is logged and dropped.
func (l *List) Advance(cur *Cursor, reply Reply) error {
	l.mu.RLock()
	attached := l.cursors[cur.backend.ID()] == cur
	cmd := l.commandAtLocked(cur.next)
	required := l.requiredLocked()
	tail := l.tailIDLocked()
	l.mu.RUnlock()

	if !attached {
		return ErrDetached
	}
	if cmd == nil {
		return ErrNoCommand
	}

	cur.mu.Lock()
	cur.next = cmd.id + 1
	cur.replyExpected = false
	if cur.next > tail {
		cur.replaying = false
	}
	cur.mu.Unlock()

	poisoned := false
	cmd.mu.Lock()
	cmd.nReplied++
	cmd.lastReply = reply
	if reply.Type() == ReplyTypeErr && cmd.firstErr == nil {
		r := reply
		cmd.firstErr = &r
	}

	if !cmd.decided {
		switch {
		case l.sem.ReplyOn == ReplyFirst:
			l.decideLocked(cmd, reply)
		case cmd.nReplied >= required:
			l.decideLocked(cmd, reply)
		}
	} else if reply.Type() == ReplyTypeErr && cmd.canonical.Type() != ReplyTypeErr {
		if l.sem.OnError == ErrAbort {
			poisoned = true
		} else {
			l.logger.Printf("[SesCmd] Dropping divergent error from %s for command %d",
				cur.backend.ID(), cmd.id)
		}
	}
	cmd.mu.Unlock()

	if poisoned {
		l.poisoned.Store(true)
		l.logger.Printf("[SesCmd] Session poisoned: %s disagrees on command %d",
			cur.backend.ID(), cmd.id)
		return ErrPoisoned
	}
	return nil
}

// CanonicalReply returns the reply chosen for the client, if decided.
func (l *List) CanonicalReply(cmd *Command) (Reply, bool) {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.canonical, cmd.decided
}

// decideLocked finalizes the canonical reply. Caller holds cmd.mu.
// completing is the reply that triggered the decision.
func (l *List) decideLocked(cmd *Command, completing Reply) {
	canonical := completing
	switch l.sem.ReplyOn {
	case ReplyLast:
		if cmd.nReplied > 0 {
			canonical = cmd.lastReply
		}
	case ReplyAllOk:
		if cmd.firstErr != nil {
			canonical = *cmd.firstErr
		}
	}
	cmd.decided = true
	cmd.replySent = true
	cmd.canonical = canonical
	cmd.done <- canonical
}

// recheckLocked finalizes commands whose reply requirement became
// satisfiable after a detach. When the last cursor is gone, pending
// commands can never be answered; they are failed with a synthesized
// error so no waiter hangs. Caller holds l.mu.
func (l *List) recheckLocked() {
	required := l.requiredLocked()
	orphaned := len(l.cursors) == 0

	for _, cmd := range l.cmds {
		cmd.mu.Lock()
		switch {
		case cmd.decided:
		case orphaned:
			l.decideLocked(cmd, lostBackendReply())
		case cmd.nReplied > 0 && cmd.nReplied >= required:
			l.decideLocked(cmd, cmd.lastReply)
		}
		cmd.mu.Unlock()
	}
}

// lostBackendReply synthesizes the error relayed when every backend
// disappeared before a command could be answered.
func lostBackendReply() Reply {
	var errno uint16 = 2013
	msg := "Lost connection to backend during query"
	payload := make([]byte, 0, 9+len(msg))
	payload = append(payload, 0xff)
	payload = append(payload, byte(errno), byte(errno>>8))
	payload = append(payload, '#')
	payload = append(payload, []byte("HY000")...)
	payload = append(payload, []byte(msg)...)

	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, byte(len(payload)), byte(len(payload)>>8), byte(len(payload)>>16), 1)
	frame = append(frame, payload...)
	return Reply{Raw: frame, Payload: payload}
}

// evictHeadLocked drops the head command if it is retired and no
// cursor still references it. Caller holds l.mu.
func (l *List) evictHeadLocked() bool {
	if len(l.cmds) == 0 {
		return false
	}
	head := l.cmds[0]

	for _, cur := range l.cursors {
		cur.mu.Lock()
		refs := cur.next <= head.id
		cur.mu.Unlock()
		if refs {
			return false
		}
	}

	head.mu.Lock()
	retired := head.retiredLocked(l.requiredLocked())
	head.mu.Unlock()
	if !retired {
		return false
	}

	l.cmds = l.cmds[1:]
	return true
}

// commandAtLocked returns the retained command with the given id.
// Caller holds l.mu (read or write).
func (l *List) commandAtLocked(id uint64) *Command {
	if len(l.cmds) == 0 {
		return nil
	}
	head := l.cmds[0].id
	if id < head || id > l.cmds[len(l.cmds)-1].id {
		return nil
	}
	return l.cmds[id-head]
}

// requiredLocked returns how many replies retire a command under the
// current cursor set. Caller holds l.mu.
func (l *List) requiredLocked() int {
	if l.sem.MustReply == ReplyOne {
		return 1
	}
	return len(l.cursors)
}

func (l *List) tailIDLocked() uint64 {
	if len(l.cmds) == 0 {
		return l.nextID.Load()
	}
	return l.cmds[len(l.cmds)-1].id
}

func (l *List) tailID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailIDLocked()
}
