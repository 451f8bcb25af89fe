package sescmd

import (
	"sync"
	"testing"
	"time"
)

type fakeBackend string

func (f fakeBackend) ID() string { return string(f) }

type silentLogger struct{}

func (silentLogger) Printf(string, ...any) {}

func okReply() Reply {
	payload := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	frame := append([]byte{byte(len(payload)), 0, 0, 1}, payload...)
	return Reply{Raw: frame, Payload: payload}
}

func errReply() Reply {
	payload := append([]byte{0xff, 0x51, 0x04, '#'}, []byte("HY000error")...)
	frame := append([]byte{byte(len(payload)), 0, 0, 1}, payload...)
	return Reply{Raw: frame, Payload: payload}
}

func newList(sem Semantics, props Properties) *List {
	return New(sem, props, silentLogger{})
}

func waitDone(t *testing.T, cmd *Command) Reply {
	t.Helper()
	select {
	case reply := <-cmd.Done():
		return reply
	case <-time.After(time.Second):
		t.Fatalf("Command %d never decided", cmd.ID())
		return Reply{}
	}
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l := newList(Semantics{}, Properties{})

	var last uint64
	for i := 0; i < 10; i++ {
		cmd, err := l.Append([]byte{0x03, 'S', 'E', 'T'})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if cmd.ID() <= last {
			t.Fatalf("ID %d does not increase past %d", cmd.ID(), last)
		}
		last = cmd.ID()
	}
	if l.Len() != 10 {
		t.Errorf("Expected 10 retained commands, got %d", l.Len())
	}
}

func TestAttachIdempotent(t *testing.T) {
	l := newList(Semantics{}, Properties{})

	c1 := l.Attach(fakeBackend("b1"))
	c2 := l.Attach(fakeBackend("b1"))
	if c1 != c2 {
		t.Error("Expected the same cursor for a repeated attach")
	}
	if l.Cursors() != 1 {
		t.Errorf("Expected 1 cursor, got %d", l.Cursors())
	}
}

func TestAttachToEmptyListIsLive(t *testing.T) {
	l := newList(Semantics{}, Properties{})

	cur := l.Attach(fakeBackend("b1"))
	if cur.Replaying() {
		t.Error("Cursor on an empty list must not be replaying")
	}
	if _, ok := l.Next(cur); ok {
		t.Error("Expected no command on an empty list")
	}
	if !cur.UpToDate() {
		t.Error("Cursor on an empty list must be up to date")
	}
}

// A backend attached after commands were journaled replays them in
// order before it becomes live, and does not replay anything that was
// never journaled.
func TestReplayOnLateAttach(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyOne}, Properties{})

	b1 := l.Attach(fakeBackend("b1"))
	b2 := l.Attach(fakeBackend("b2"))

	setCmd, err := l.Append([]byte("\x03SET autocommit=0"))
	if err != nil {
		t.Fatal(err)
	}
	for _, cur := range []*Cursor{b1, b2} {
		cmd, ok := l.Next(cur)
		if !ok || cmd != setCmd {
			t.Fatal("Expected the journaled command")
		}
		if err := l.Advance(cur, okReply()); err != nil {
			t.Fatal(err)
		}
	}
	waitDone(t, setCmd)

	// The SELECT is routed to a single backend, never journaled

	b3 := l.Attach(fakeBackend("b3"))
	if !b3.Replaying() {
		t.Fatal("Late cursor must start replaying")
	}
	if b3.UpToDate() {
		t.Fatal("Replaying cursor must not be eligible for live dispatch")
	}

	cmd, ok := l.Next(b3)
	if !ok {
		t.Fatal("Expected the journaled command for replay")
	}
	if cmd.ID() != setCmd.ID() {
		t.Errorf("Expected replay of command %d, got %d", setCmd.ID(), cmd.ID())
	}
	if err := l.Advance(b3, okReply()); err != nil {
		t.Fatal(err)
	}

	if b3.Replaying() {
		t.Error("Cursor must be live after replaying to the end")
	}
	if _, ok := l.Next(b3); ok {
		t.Error("Nothing further to replay")
	}
	if setCmd.Replied() != 3 {
		t.Errorf("Expected 3 replies counted, got %d", setCmd.Replied())
	}
}

// reply_on=first, must_reply=all: the first reply is forwarded
// immediately; the command retires only when everyone replied.
func TestReplyFirstMustAll(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyAll}, Properties{})

	b1 := l.Attach(fakeBackend("b1"))
	b2 := l.Attach(fakeBackend("b2"))

	cmd, _ := l.Append([]byte("\x03SET autocommit=0"))

	l.Next(b1)
	if err := l.Advance(b1, okReply()); err != nil {
		t.Fatal(err)
	}
	reply := waitDone(t, cmd)
	if reply.Type() != ReplyTypeOK {
		t.Errorf("Expected canonical OK, got %v", reply.Type())
	}
	if !cmd.ReplySent() {
		t.Error("Canonical reply must be marked sent after the first reply")
	}
	if canonical, decided := l.CanonicalReply(cmd); !decided || canonical.Type() != ReplyTypeOK {
		t.Error("CanonicalReply must return the decided OK")
	}
	if cmd.Replied() != 1 {
		t.Errorf("Expected 1 reply counted, got %d", cmd.Replied())
	}

	// The second reply is counted, not forwarded
	l.Next(b2)
	if err := l.Advance(b2, okReply()); err != nil {
		t.Fatal(err)
	}
	if cmd.Replied() != 2 {
		t.Errorf("Expected 2 replies counted, got %d", cmd.Replied())
	}
	select {
	case <-cmd.Done():
		t.Error("Second reply must not be forwarded")
	default:
	}
}

// reply_on=last, must_reply=all: the reply forwarded is the last one.
func TestReplyLastMustAll(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyLast, MustReply: ReplyAll}, Properties{})

	b1 := l.Attach(fakeBackend("b1"))
	b2 := l.Attach(fakeBackend("b2"))

	cmd, _ := l.Append([]byte("\x03SET autocommit=0"))

	l.Next(b1)
	l.Advance(b1, errReply())
	select {
	case <-cmd.Done():
		t.Fatal("Decision must wait for every reply")
	default:
	}

	l.Next(b2)
	l.Advance(b2, okReply())
	reply := waitDone(t, cmd)
	if reply.Type() != ReplyTypeOK {
		t.Errorf("Expected the last reply (OK), got %v", reply.Type())
	}
}

// reply_on=all_ok: OK only if everyone said OK, else the first error.
func TestReplyAllOk(t *testing.T) {
	t.Run("AllOK", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyAllOk, MustReply: ReplyAll}, Properties{})
		b1 := l.Attach(fakeBackend("b1"))
		b2 := l.Attach(fakeBackend("b2"))
		cmd, _ := l.Append([]byte("\x03SET a=1"))

		l.Next(b1)
		l.Advance(b1, okReply())
		l.Next(b2)
		l.Advance(b2, okReply())

		if reply := waitDone(t, cmd); reply.Type() != ReplyTypeOK {
			t.Errorf("Expected OK, got %v", reply.Type())
		}
	})

	t.Run("OneError", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyAllOk, MustReply: ReplyAll}, Properties{})
		b1 := l.Attach(fakeBackend("b1"))
		b2 := l.Attach(fakeBackend("b2"))
		cmd, _ := l.Append([]byte("\x03SET a=1"))

		l.Next(b1)
		l.Advance(b1, errReply())
		l.Next(b2)
		l.Advance(b2, okReply())

		if reply := waitDone(t, cmd); reply.Type() != ReplyTypeErr {
			t.Errorf("Expected the error to win, got %v", reply.Type())
		}
	})
}

// A divergent error after an OK was forwarded poisons the session
// under the abort policy; the drop policy discards it.
func TestDivergentError(t *testing.T) {
	t.Run("Abort", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyAll, OnError: ErrAbort}, Properties{})
		b1 := l.Attach(fakeBackend("b1"))
		b2 := l.Attach(fakeBackend("b2"))
		cmd, _ := l.Append([]byte("\x03SET a=1"))

		l.Next(b1)
		l.Advance(b1, okReply())
		if reply := waitDone(t, cmd); reply.Type() != ReplyTypeOK {
			t.Fatalf("Expected canonical OK, got %v", reply.Type())
		}

		l.Next(b2)
		if err := l.Advance(b2, errReply()); err != ErrPoisoned {
			t.Fatalf("Expected ErrPoisoned, got %v", err)
		}
		if !l.Poisoned() {
			t.Error("List must be poisoned")
		}
		if _, err := l.Append([]byte("\x03SET b=2")); err != ErrPoisoned {
			t.Errorf("Append on a poisoned list must fail, got %v", err)
		}
	})

	t.Run("Drop", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyAll, OnError: ErrDrop}, Properties{})
		b1 := l.Attach(fakeBackend("b1"))
		b2 := l.Attach(fakeBackend("b2"))
		cmd, _ := l.Append([]byte("\x03SET a=1"))

		l.Next(b1)
		l.Advance(b1, okReply())
		waitDone(t, cmd)

		l.Next(b2)
		if err := l.Advance(b2, errReply()); err != nil {
			t.Fatalf("Expected divergent error to be dropped, got %v", err)
		}
		if l.Poisoned() {
			t.Error("Drop policy must not poison the list")
		}
	})
}

func TestMaxLenPolicies(t *testing.T) {
	t.Run("RejectNew", func(t *testing.T) {
		l := newList(Semantics{}, Properties{MaxLen: 1, OnMaxLen: RejectNew})
		if _, err := l.Append([]byte("\x03SET a=1")); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Append([]byte("\x03SET b=2")); err != ErrCapacityExceeded {
			t.Errorf("Expected ErrCapacityExceeded, got %v", err)
		}
	})

	t.Run("DropFirstEvictsRetired", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyOne}, Properties{MaxLen: 1, OnMaxLen: DropFirst})
		cur := l.Attach(fakeBackend("b1"))

		first, err := l.Append([]byte("\x03SET a=1"))
		if err != nil {
			t.Fatal(err)
		}
		l.Next(cur)
		l.Advance(cur, okReply())
		waitDone(t, first)

		// The retired head can be dropped for the newcomer
		if _, err := l.Append([]byte("\x03SET b=2")); err != nil {
			t.Fatalf("Expected DropFirst to make room, got %v", err)
		}
		if l.Len() != 1 {
			t.Errorf("Expected 1 retained command, got %d", l.Len())
		}
	})

	t.Run("DropFirstKeepsReferenced", func(t *testing.T) {
		l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyOne}, Properties{MaxLen: 1, OnMaxLen: DropFirst})
		l.Attach(fakeBackend("b1"))

		// The cursor still references the unreplied head
		if _, err := l.Append([]byte("\x03SET a=1")); err != nil {
			t.Fatal(err)
		}
		if _, err := l.Append([]byte("\x03SET b=2")); err != ErrCapacityExceeded {
			t.Errorf("Expected referenced head to block eviction, got %v", err)
		}
	})
}

// When the last backend disappears, pending commands fail with a
// synthesized error instead of hanging their waiter.
func TestDetachOrphansPendingCommand(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyLast, MustReply: ReplyAll}, Properties{})
	b1 := l.Attach(fakeBackend("b1"))

	cmd, _ := l.Append([]byte("\x03SET a=1"))
	l.Detach(b1.Backend())

	reply := waitDone(t, cmd)
	if reply.Type() != ReplyTypeErr {
		t.Errorf("Expected synthesized error, got %v", reply.Type())
	}
	if l.Cursors() != 0 {
		t.Errorf("Expected 0 cursors, got %d", l.Cursors())
	}
}

// A detach can complete a must_reply=all decision that was waiting on
// the detached backend.
func TestDetachCompletesDecision(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyLast, MustReply: ReplyAll}, Properties{})
	b1 := l.Attach(fakeBackend("b1"))
	b2 := l.Attach(fakeBackend("b2"))

	cmd, _ := l.Append([]byte("\x03SET a=1"))
	l.Next(b1)
	l.Advance(b1, okReply())

	select {
	case <-cmd.Done():
		t.Fatal("Decision must wait for b2")
	default:
	}

	l.Detach(b2.Backend())
	if reply := waitDone(t, cmd); reply.Type() != ReplyTypeOK {
		t.Errorf("Expected b1's OK after b2 detached, got %v", reply.Type())
	}
}

func TestNextDoesNotDoubleClaim(t *testing.T) {
	l := newList(Semantics{}, Properties{})
	cur := l.Attach(fakeBackend("b1"))
	l.Append([]byte("\x03SET a=1"))

	if _, ok := l.Next(cur); !ok {
		t.Fatal("Expected a claim")
	}
	if _, ok := l.Next(cur); ok {
		t.Error("A claimed command must not be claimed again before Advance")
	}
}

// Every backend observes commands in append order, regardless of
// scheduling.
func TestOrderingAcrossBackends(t *testing.T) {
	l := newList(Semantics{ReplyOn: ReplyFirst, MustReply: ReplyOne}, Properties{})

	const backends = 4
	const commands = 50

	cursors := make([]*Cursor, backends)
	for i := 0; i < backends; i++ {
		cursors[i] = l.Attach(fakeBackend(string(rune('a' + i))))
	}

	var wg sync.WaitGroup
	observed := make([][]uint64, backends)
	for i := 0; i < backends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cur := cursors[i]
			for len(observed[i]) < commands {
				cmd, ok := l.Next(cur)
				if !ok {
					continue
				}
				observed[i] = append(observed[i], cmd.ID())
				if err := l.Advance(cur, okReply()); err != nil {
					t.Errorf("Advance failed: %v", err)
					return
				}
			}
		}(i)
	}

	var ids []uint64
	for i := 0; i < commands; i++ {
		cmd, err := l.Append([]byte("\x03SET x=1"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, cmd.ID())
	}
	wg.Wait()

	for i := 0; i < backends; i++ {
		if len(observed[i]) != commands {
			t.Fatalf("Backend %d observed %d commands", i, len(observed[i]))
		}
		for j, id := range observed[i] {
			if id != ids[j] {
				t.Fatalf("Backend %d observed %d at position %d, want %d", i, id, j, ids[j])
			}
		}
	}
}
