package mysql

import (
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tqdev/sqlgate/metrics"
	"github.com/tqdev/sqlgate/parser"
	"github.com/tqdev/sqlgate/sescmd"
)

// ConnState tracks a client connection through its lifecycle.
type ConnState uint8

const (
	StateAllocated ConnState = iota
	StateHandshakeSent
	StateAuthReceived
	StateAuthFailed
	StateIdle
	StateRouting
	StateWaitingResult
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateAuthReceived:
		return "auth_received"
	case StateAuthFailed:
		return "auth_failed"
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateWaitingResult:
		return "waiting_result"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one client connection. Only the connection's own goroutine
// mutates it; the write queue additionally has its own lock, taken in
// writeRaw.
type Conn struct {
	conn   net.Conn
	srv    *Server
	connID uint32

	state      ConnState
	capability uint32
	status     uint16
	sequence   byte
	scramble   []byte
	user       string
	schema     string
	stage1     []byte

	scl     *sescmd.List
	session Session

	// Write queue; the lock is held across both the queue check and
	// the write attempt so frames never interleave.
	writeMu sync.Mutex
	writeQ  [][]byte

	lastQueryBackend  string
	lastQueryCacheHit bool
}

// handshake sends the server greeting, reads the auth response and
// verifies it against the user catalog. On success the routing session
// is allocated; on failure the client gets error 1045 and the
// connection dies.
func (c *Conn) handshake() error {
	scramble, err := GenerateScramble()
	if err != nil {
		return err
	}
	c.scramble = scramble

	greeting := WriteHandshakePacket(c.connID, scramble, c.status)
	greeting[3] = 0
	if err := c.writeRaw(greeting); err != nil {
		return err
	}
	c.state = StateHandshakeSent

	payload, seq, err := ReadPacket(c.conn)
	if err != nil {
		return err
	}
	c.sequence = seq

	resp, err := ParseHandshakeResponse(payload)
	if err != nil {
		log.Printf("[MySQL] Malformed auth packet (conn %d)", c.connID)
		return err
	}
	c.capability = resp.Capability
	c.user = resp.User
	c.schema = resp.Schema

	stored, found := c.srv.users.PasswordSHA1(resp.User)
	if !found {
		return c.authFailed()
	}
	stage1, ok := VerifyNativePassword(c.scramble, resp.Token, stored)
	if !ok {
		return c.authFailed()
	}
	c.state = StateAuthReceived
	c.stage1 = stage1

	if err := c.writePacket(WriteOKPacket(0, 0, c.status, c.capability)); err != nil {
		return err
	}
	c.state = StateIdle

	c.scl = sescmd.New(c.srv.opts.Semantics, c.srv.opts.Properties, nil)
	session, err := c.srv.router.NewSession(Credentials{
		User:   c.user,
		Stage1: c.stage1,
		Schema: c.schema,
	}, c.scl)
	if err != nil {
		log.Printf("[MySQL] No routing session for conn %d: %v", c.connID, err)
	} else {
		c.session = session
	}
	return nil
}

func (c *Conn) authFailed() error {
	c.state = StateAuthFailed
	metrics.AuthFailures.Inc()
	log.Printf("[MySQL] Access denied for user '%s' (conn %d)", c.user, c.connID)
	c.writePacket(WriteErrorPacket(1045, "28000", "Access denied!", c.capability))
	return ErrAccessDenied
}

// run is the command phase loop. One client command is handled to
// completion before the next one is read, which keeps replies in the
// order the commands were sent.
func (c *Conn) run() {
	for {
		if c.scl != nil && c.scl.Poisoned() {
			log.Printf("[MySQL] Closing poisoned session (conn %d)", c.connID)
			return
		}

		payload, seq, err := ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[MySQL] Read error (conn %d): %v", c.connID, err)
			}
			return
		}
		c.sequence = seq

		if len(payload) == 0 {
			log.Printf("[MySQL] Empty command packet (conn %d)", c.connID)
			return
		}

		if err := c.dispatch(payload); err != nil {
			if err == io.EOF || !c.writableError(err) {
				return
			}
		}
	}
}

// writableError reports whether the dispatch error was already
// answered with an ERR packet (connection survives) or must tear the
// connection down.
func (c *Conn) writableError(err error) bool {
	return errors.Is(err, errAnswered)
}

// errAnswered marks dispatch failures that were reported to the client
// with an ERR packet.
var errAnswered = errors.New("answered with error packet")

func (c *Conn) dispatch(payload []byte) error {
	opcode := payload[0]

	switch {
	case opcode == COM_QUIT:
		// COM_QUIT propagates to the backends, then the socket
		// closes. No reply is sent.
		if c.session != nil {
			c.session.Quit(payload)
		}
		c.state = StateDisconnected
		return io.EOF

	case c.isSessionCommand(payload):
		return c.handleSessionCommand(payload)

	case opcode == COM_QUERY:
		return c.handleQuery(payload)

	case opcode == COM_PING:
		return c.writePacket(WriteOKPacket(0, 0, c.status, c.capability))

	default:
		_, err := c.route(payload)
		return err
	}
}

// isSessionCommand classifies a command packet. A fixed set of opcodes
// always modifies session state; COM_QUERY is asked of the injected
// classifier, defaulting to no.
func (c *Conn) isSessionCommand(payload []byte) bool {
	switch payload[0] {
	case COM_INIT_DB, COM_CHANGE_USER, COM_SET_OPTION, COM_STMT_PREPARE:
		return true
	case COM_QUERY:
		return c.srv.opts.Classifier != nil && c.srv.opts.Classifier(payload[1:])
	}
	return false
}

func (c *Conn) handleSessionCommand(payload []byte) error {
	if c.session == nil || c.session.Backends() == 0 {
		return c.backendLost()
	}
	if payload[0] == COM_INIT_DB {
		c.schema = string(payload[1:])
	}

	cmd, err := c.scl.Append(payload)
	if err != nil {
		if err == sescmd.ErrPoisoned {
			return err
		}
		c.writePacket(WriteErrorPacket(1105, "HY000", err.Error(), c.capability))
		return errAnswered
	}
	metrics.SessionCommands.Inc()

	c.state = StateRouting
	if err := c.session.Dispatch(cmd); err != nil {
		return c.backendLost()
	}

	// The canonical reply is chosen by the list once enough backends
	// answered; replies beyond that are counted, not forwarded.
	c.state = StateWaitingResult
	reply := <-cmd.Done()

	if err := c.writeRaw(reply.Raw); err != nil {
		return err
	}
	c.state = StateIdle
	return nil
}

func (c *Conn) handleQuery(payload []byte) error {
	start := time.Now()
	query := string(payload[1:])
	parsed := parser.Parse(query)

	file := parsed.File
	if file == "" {
		file = "unknown"
	}
	line := "0"
	if parsed.Line > 0 {
		line = strconv.Itoa(parsed.Line)
	}
	queryType := parsed.TypeLabel()

	if strings.EqualFold(strings.TrimSpace(parsed.Query), "SHOW SQLGATE STATUS") {
		return c.handleShowStatus()
	}

	// Check cache for hinted queries
	if c.srv.opts.Cache != nil && parsed.IsCacheable() {
		if cached, ok := c.srv.opts.Cache.Get(parsed.Query); ok {
			metrics.CacheHits.WithLabelValues(file, line).Inc()
			metrics.QueryTotal.WithLabelValues(file, line, queryType, "true").Inc()
			metrics.QueryLatency.WithLabelValues(file, line, queryType).Observe(time.Since(start).Seconds())
			c.lastQueryBackend = "cache"
			c.lastQueryCacheHit = true
			return c.writeRaw(cached)
		}
		metrics.CacheMisses.WithLabelValues(file, line).Inc()
	}

	raw, err := c.route(payload)
	if err != nil {
		return err
	}

	metrics.QueryTotal.WithLabelValues(file, line, queryType, "false").Inc()
	metrics.QueryLatency.WithLabelValues(file, line, queryType).Observe(time.Since(start).Seconds())
	c.lastQueryCacheHit = false

	if c.srv.opts.Cache != nil && parsed.IsCacheable() {
		c.srv.opts.Cache.Set(parsed.Query, raw, time.Duration(parsed.TTL)*time.Second)
	}
	return nil
}

// route forwards one packet to a single backend and relays the raw
// response to the client.
func (c *Conn) route(payload []byte) ([]byte, error) {
	if c.session == nil {
		return nil, c.backendLost()
	}

	// Query blocks through the backend round trip, so the connection
	// spends the call in the waiting-result state.
	c.state = StateWaitingResult
	raw, backend, err := c.session.Query(payload)
	if err != nil {
		c.state = StateIdle
		return nil, c.backendLost()
	}
	metrics.BackendQueries.WithLabelValues(backend).Inc()
	c.lastQueryBackend = backend

	if err := c.writeRaw(raw); err != nil {
		return nil, err
	}
	c.state = StateIdle
	return raw, nil
}

// backendLost answers error 2003 and leaves the connection idle, so
// the client can retry once the router has backends again.
func (c *Conn) backendLost() error {
	c.state = StateIdle
	c.writePacket(WriteErrorPacket(2003, "HY000", "Connection to backend lost", c.capability))
	return errAnswered
}

// writePacket stamps the next sequence number on a built packet frame
// and writes it.
func (c *Conn) writePacket(frame []byte) error {
	c.sequence++
	frame[3] = c.sequence
	return c.writeRaw(frame)
}

// writeRaw appends data to the write queue and drains it. The lock is
// held across the queue check and the write so concurrent writers
// cannot interleave frames.
func (c *Conn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.writeQ = append(c.writeQ, data)
	for len(c.writeQ) > 0 {
		buf := c.writeQ[0]
		n, err := c.conn.Write(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// Would block; keep the balance queued for the
				// next write.
				c.writeQ[0] = buf[n:]
				return nil
			}
			return err
		}
		c.writeQ = c.writeQ[1:]
	}
	return nil
}

func (c *Conn) close() {
	if c.state != StateDisconnected {
		c.state = StateDisconnected
	}
	if c.session != nil {
		c.session.Close()
	}
	c.conn.Close()
	metrics.ConnectionsActive.Dec()
}
