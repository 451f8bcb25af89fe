package router

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/tqdev/sqlgate/backend"
	"github.com/tqdev/sqlgate/metrics"
	"github.com/tqdev/sqlgate/mysql"
	"github.com/tqdev/sqlgate/sescmd"
)

// Session is the routing session for one client connection. Each
// attached backend runs its own goroutine that pulls commands through
// its cursor, so every backend applies the journal in id order.
type Session struct {
	router *Router
	creds  mysql.Credentials
	list   *sescmd.List

	mu   sync.Mutex
	bks  []*sessionBackend
	next int // round robin for live queries
}

type sessionBackend struct {
	sess   *Session
	conn   *backend.Conn
	cursor *sescmd.Cursor

	// mu serializes wire exchanges so a live query can never
	// interleave with a session command on the same connection.
	mu      sync.Mutex
	kick    chan struct{}
	quit    chan struct{}
	dropped atomic.Bool
}

// ID identifies the backend's cursor in the command list.
func (sb *sessionBackend) ID() string {
	return sb.conn.Name() + "@" + sb.conn.Addr()
}

// Attach dials a backend, attaches its cursor at the head of the
// journal and starts the goroutine that replays it to the end before
// the backend joins the live pool.
func (s *Session) Attach(name, addr string) error {
	conn, err := backend.Dial(name, addr, s.creds)
	if err != nil {
		return err
	}

	sb := &sessionBackend{
		sess: s,
		conn: conn,
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	sb.cursor = s.list.Attach(sb)

	s.mu.Lock()
	s.bks = append(s.bks, sb)
	s.mu.Unlock()

	go sb.runCommands()
	return nil
}

// Backends returns the number of attached backends.
func (s *Session) Backends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bks)
}

// Dispatch wakes every backend goroutine so each drives its cursor
// over the newly appended command. The canonical reply surfaces on the
// command's Done channel.
func (s *Session) Dispatch(cmd *sescmd.Command) error {
	s.mu.Lock()
	bks := append([]*sessionBackend(nil), s.bks...)
	s.mu.Unlock()

	if len(bks) == 0 {
		return mysql.ErrNoBackend
	}
	for _, sb := range bks {
		sb.poke()
	}
	return nil
}

// Query routes one packet to a single up-to-date backend and returns
// the raw response. Backends still replaying or owing a reply are
// skipped so no query can overtake a session command.
func (s *Session) Query(payload []byte) ([]byte, string, error) {
	s.mu.Lock()
	bks := append([]*sessionBackend(nil), s.bks...)
	start := s.next
	s.next++
	s.mu.Unlock()

	for i := 0; i < len(bks); i++ {
		sb := bks[(start+i)%len(bks)]

		sb.mu.Lock()
		if !sb.cursor.UpToDate() {
			sb.mu.Unlock()
			continue
		}
		err := sb.conn.Send(payload)
		var raw []byte
		if err == nil {
			raw, err = sb.conn.ReadResponse()
		}
		sb.mu.Unlock()

		if err != nil {
			log.Printf("[Router] Backend %s failed: %v", sb.ID(), err)
			s.fail(sb)
			continue
		}
		return raw, sb.conn.Name(), nil
	}
	return nil, "", mysql.ErrNoBackend
}

// Quit forwards COM_QUIT to every backend, best effort. The caller
// closes the session afterwards.
func (s *Session) Quit(payload []byte) {
	s.mu.Lock()
	bks := append([]*sessionBackend(nil), s.bks...)
	s.mu.Unlock()

	for _, sb := range bks {
		sb.mu.Lock()
		sb.conn.Send(payload)
		sb.mu.Unlock()
	}
}

// Close detaches every cursor and closes the backend connections.
// Pending backend replies are consumed by the list and discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	bks := append([]*sessionBackend(nil), s.bks...)
	s.mu.Unlock()

	for _, sb := range bks {
		s.drop(sb)
	}
	return nil
}

// drop removes a backend from the session, detaches its cursor and
// closes its connection. Safe to call more than once per backend.
func (s *Session) drop(sb *sessionBackend) {
	if !sb.dropped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	for i, other := range s.bks {
		if other == sb {
			s.bks = append(s.bks[:i], s.bks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.list.Detach(sb)
	close(sb.quit)
	sb.conn.Close()
}

// fail drops a backend that errored mid-session and flags it for the
// pool's health checks.
func (s *Session) fail(sb *sessionBackend) {
	s.router.pool.MarkUnhealthy(sb.conn.Addr())
	s.drop(sb)
}

func (sb *sessionBackend) poke() {
	select {
	case sb.kick <- struct{}{}:
	default:
	}
}

// runCommands drives the backend's cursor: replay everything retained
// in the journal, then sleep until a new command is appended. Replies
// feed the list's reconciliation; during replay the list suppresses
// forwarding by itself, because replayed commands already carry a
// canonical reply.
func (sb *sessionBackend) runCommands() {
	for {
		cmd, ok := sb.sess.list.Next(sb.cursor)
		if !ok {
			select {
			case <-sb.kick:
				continue
			case <-sb.quit:
				return
			}
		}

		replaying := sb.cursor.Replaying()

		sb.mu.Lock()
		err := sb.conn.Send(cmd.Payload())
		var reply sescmd.Reply
		if err == nil {
			reply, err = sb.conn.ReadCommandReply(cmd.Opcode())
		}
		sb.mu.Unlock()

		if err != nil {
			log.Printf("[Router] Backend %s failed on command %d: %v", sb.ID(), cmd.ID(), err)
			sb.sess.fail(sb)
			return
		}

		if replaying {
			metrics.Replays.WithLabelValues(sb.conn.Name()).Inc()
		}

		switch sb.sess.list.Advance(sb.cursor, reply) {
		case sescmd.ErrPoisoned, sescmd.ErrDetached:
			return
		}
	}
}
