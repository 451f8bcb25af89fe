// Package backend speaks the client side of the MySQL protocol toward
// a backend server. Authentication replays the stage1 hash captured
// from the client; the cleartext password is never known.
package backend

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tqdev/sqlgate/mysql"
	"github.com/tqdev/sqlgate/sescmd"
)

// ErrAuthSwitch is returned when a backend asks for an auth method the
// gateway cannot replay with a stage1 hash.
var ErrAuthSwitch = errors.New("backend requested an unsupported auth method")

// Conn is one authenticated backend connection. Callers serialize
// request/response exchanges; the connection itself holds no lock.
type Conn struct {
	name string
	addr string
	conn net.Conn
}

// DialTimeout bounds the TCP connect; the protocol exchange itself is
// not bounded, matching the gateway's no-timeout core.
const DialTimeout = 5 * time.Second

// Dial connects to a backend and authenticates with the session's
// credentials.
func Dial(name, addr string, creds mysql.Credentials) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, err
	}

	b := &Conn{name: name, addr: addr, conn: nc}
	if err := b.authenticate(creds); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Conn) authenticate(creds mysql.Credentials) error {
	payload, _, err := mysql.ReadPacket(b.conn)
	if err != nil {
		return err
	}
	hs, err := mysql.ParseHandshake(payload)
	if err != nil {
		return err
	}

	resp := mysql.WriteHandshakeResponse(hs.Scramble, creds.Stage1, creds.User, creds.Schema)
	if _, err := mysql.WritePacket(b.conn, 1, resp); err != nil {
		return err
	}

	reply, _, err := mysql.ReadPacket(b.conn)
	if err != nil {
		return err
	}
	switch {
	case len(reply) == 0:
		return mysql.ErrMalformedPacket
	case reply[0] == mysql.OK_HEADER:
		return nil
	case reply[0] == mysql.ERR_HEADER:
		p, err := mysql.ParseErrorPacket(reply)
		if err != nil {
			return err
		}
		return fmt.Errorf("backend %s: %w", b.name, p)
	default:
		// Auth switch or unknown continuation
		return ErrAuthSwitch
	}
}

// Name returns the backend's pool name (primary, replica1, ...).
func (b *Conn) Name() string { return b.name }

// Addr returns the backend's address.
func (b *Conn) Addr() string { return b.addr }

// Close closes the connection.
func (b *Conn) Close() error { return b.conn.Close() }

// Send writes one command packet with sequence 0, resetting the
// request/response cycle.
func (b *Conn) Send(payload []byte) error {
	_, err := mysql.WritePacket(b.conn, 0, payload)
	return err
}

// ReadResponse reads a complete command response: a single OK, error
// or EOF packet, or a full result set (column count, column
// definitions, EOF, rows, EOF). Frames are returned verbatim so they
// can be relayed to the client byte for byte.
func (b *Conn) ReadResponse() ([]byte, error) {
	var buf []byte

	// Read first packet
	frame, err := mysql.ReadFrame(b.conn)
	if err != nil {
		return nil, err
	}
	buf = append(buf, frame...)

	// OK, error or EOF packet is a complete response on its own
	if len(frame) > 4 {
		switch frame[4] {
		case mysql.OK_HEADER, mysql.ERR_HEADER, mysql.EOF_HEADER:
			return buf, nil
		}
	}

	// It's a result set - read column count
	columnCount, _, n := mysql.ReadLengthEncodedInt(frame[4:])
	if n == 0 || columnCount == 0 {
		return buf, nil
	}

	// Read column definitions
	for i := uint64(0); i < columnCount; i++ {
		frame, err := mysql.ReadFrame(b.conn)
		if err != nil {
			return nil, err
		}
		buf = append(buf, frame...)
	}

	// Read EOF after columns
	frame, err = mysql.ReadFrame(b.conn)
	if err != nil {
		return nil, err
	}
	buf = append(buf, frame...)

	// Read rows until EOF or error
	for {
		frame, err := mysql.ReadFrame(b.conn)
		if err != nil {
			return nil, err
		}
		buf = append(buf, frame...)

		if len(frame) > 4 && (frame[4] == mysql.EOF_HEADER || frame[4] == mysql.ERR_HEADER) {
			break
		}
	}

	return buf, nil
}

// ReadCommandReply reads the response to a session command and wraps
// it for the command list. COM_STMT_PREPARE has its own multi-packet
// success shape; everything else is a normal response.
func (b *Conn) ReadCommandReply(opcode byte) (sescmd.Reply, error) {
	var raw []byte
	var err error
	if opcode == mysql.COM_STMT_PREPARE {
		raw, err = b.readPrepareResponse()
	} else {
		raw, err = b.ReadResponse()
	}
	if err != nil {
		return sescmd.Reply{}, err
	}
	if len(raw) < 5 {
		return sescmd.Reply{}, mysql.ErrMalformedPacket
	}

	firstLen := int(mysql.Uint24(raw[0:3]))
	if 4+firstLen > len(raw) {
		return sescmd.Reply{}, mysql.ErrMalformedPacket
	}
	return sescmd.Reply{Raw: raw, Payload: raw[4 : 4+firstLen]}, nil
}

// readPrepareResponse reads a COM_STMT_PREPARE response: the OK
// header packet followed by parameter and column definitions, each
// group terminated by EOF when non-empty.
func (b *Conn) readPrepareResponse() ([]byte, error) {
	var buf []byte

	frame, err := mysql.ReadFrame(b.conn)
	if err != nil {
		return nil, err
	}
	buf = append(buf, frame...)

	// Error or malformed packet
	if len(frame) < 13 || frame[4] != mysql.OK_HEADER {
		return buf, nil
	}

	// status 1, statement id 4, then the column and parameter counts
	numColumns := int(frame[9]) | int(frame[10])<<8
	numParams := int(frame[11]) | int(frame[12])<<8

	groups := 0
	if numParams > 0 {
		groups += numParams + 1 // definitions plus EOF
	}
	if numColumns > 0 {
		groups += numColumns + 1
	}
	for i := 0; i < groups; i++ {
		frame, err := mysql.ReadFrame(b.conn)
		if err != nil {
			return nil, err
		}
		buf = append(buf, frame...)
	}

	return buf, nil
}
