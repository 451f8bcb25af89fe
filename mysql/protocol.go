package mysql

import (
	"encoding/binary"
	"fmt"
)

// MySQL protocol constants
const (
	OK_HEADER  = 0x00
	ERR_HEADER = 0xff
	EOF_HEADER = 0xfe

	// Commands
	COM_QUIT         = 0x01
	COM_INIT_DB      = 0x02
	COM_QUERY        = 0x03
	COM_FIELD_LIST   = 0x04
	COM_PING         = 0x0e
	COM_CHANGE_USER  = 0x11
	COM_STMT_PREPARE = 0x16
	COM_STMT_EXECUTE = 0x17
	COM_SET_OPTION   = 0x1b

	// Server capabilities
	CLIENT_LONG_PASSWORD                  = 0x00000001
	CLIENT_FOUND_ROWS                     = 0x00000002
	CLIENT_LONG_FLAG                      = 0x00000004
	CLIENT_CONNECT_WITH_DB                = 0x00000008
	CLIENT_NO_SCHEMA                      = 0x00000010
	CLIENT_COMPRESS                       = 0x00000020
	CLIENT_ODBC                           = 0x00000040
	CLIENT_LOCAL_FILES                    = 0x00000080
	CLIENT_IGNORE_SPACE                   = 0x00000100
	CLIENT_PROTOCOL_41                    = 0x00000200
	CLIENT_INTERACTIVE                    = 0x00000400
	CLIENT_SSL                            = 0x00000800
	CLIENT_IGNORE_SIGPIPE                 = 0x00001000
	CLIENT_TRANSACTIONS                   = 0x00002000
	CLIENT_RESERVED                       = 0x00004000
	CLIENT_SECURE_CONNECTION              = 0x00008000
	CLIENT_MULTI_STATEMENTS               = 0x00010000
	CLIENT_MULTI_RESULTS                  = 0x00020000
	CLIENT_PS_MULTI_RESULTS               = 0x00040000
	CLIENT_PLUGIN_AUTH                    = 0x00080000
	CLIENT_CONNECT_ATTRS                  = 0x00100000
	CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA = 0x00200000
	CLIENT_DEPRECATE_EOF                  = 0x01000000

	// Capabilities advertised in the handshake: 4.1 protocol with
	// secure (scramble based) connections, no SSL, no compression.
	DEFAULT_CAPABILITY = CLIENT_LONG_PASSWORD | CLIENT_LONG_FLAG |
		CLIENT_CONNECT_WITH_DB | CLIENT_PROTOCOL_41 |
		CLIENT_TRANSACTIONS | CLIENT_SECURE_CONNECTION |
		CLIENT_MULTI_STATEMENTS | CLIENT_MULTI_RESULTS |
		CLIENT_PS_MULTI_RESULTS | CLIENT_PLUGIN_AUTH

	// Server status flags
	SERVER_STATUS_IN_TRANS             = 0x0001
	SERVER_STATUS_AUTOCOMMIT           = 0x0002
	SERVER_MORE_RESULTS_EXISTS         = 0x0008
	SERVER_STATUS_NO_GOOD_INDEX_USED   = 0x0010
	SERVER_STATUS_NO_INDEX_USED        = 0x0020
	SERVER_STATUS_CURSOR_EXISTS        = 0x0040
	SERVER_STATUS_LAST_ROW_SENT        = 0x0080
	SERVER_STATUS_DB_DROPPED           = 0x0100
	SERVER_STATUS_NO_BACKSLASH_ESCAPES = 0x0200
	SERVER_STATUS_METADATA_CHANGED     = 0x0400
)

// AuthPluginName is the only auth method the gateway speaks.
const AuthPluginName = "mysql_native_password"

var ServerVersion = []byte("5.7.0-sqlgate")

// WriteOKPacket creates an OK packet with a zeroed header; the caller
// fills in the sequence number before sending.
func WriteOKPacket(affectedRows, insertId uint64, status uint16, capability uint32) []byte {
	data := make([]byte, 4, 32)
	data = append(data, OK_HEADER)
	data = append(data, PutLengthEncodedInt(affectedRows)...)
	data = append(data, PutLengthEncodedInt(insertId)...)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, byte(status), byte(status>>8))
		data = append(data, 0, 0) // warnings
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteErrorPacket creates an error packet
func WriteErrorPacket(errno uint16, sqlState, message string, capability uint32) []byte {
	data := make([]byte, 4, 16+len(message))
	data = append(data, ERR_HEADER)
	data = append(data, byte(errno), byte(errno>>8))

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, '#')
		data = append(data, []byte(sqlState)...)
	}

	data = append(data, []byte(message)...)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// WriteEOFPacket creates an EOF packet
func WriteEOFPacket(status uint16, capability uint32) []byte {
	data := make([]byte, 4, 9)
	data = append(data, EOF_HEADER)

	if capability&CLIENT_PROTOCOL_41 > 0 {
		data = append(data, 0, 0) // warnings
		data = append(data, byte(status), byte(status>>8))
	}

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// OKPacket is the decoded form of an OK payload.
type OKPacket struct {
	AffectedRows uint64
	InsertId     uint64
	Status       uint16
	Warnings     uint16
}

// ParseOKPacket decodes an OK payload (header byte included).
func ParseOKPacket(payload []byte) (*OKPacket, error) {
	if len(payload) < 3 || payload[0] != OK_HEADER {
		return nil, ErrMalformedPacket
	}
	pos := 1
	affected, _, n := ReadLengthEncodedInt(payload[pos:])
	if n == 0 {
		return nil, ErrMalformedPacket
	}
	pos += n
	insertId, _, n := ReadLengthEncodedInt(payload[pos:])
	if n == 0 {
		return nil, ErrMalformedPacket
	}
	pos += n
	if len(payload) < pos+4 {
		return nil, ErrMalformedPacket
	}
	return &OKPacket{
		AffectedRows: affected,
		InsertId:     insertId,
		Status:       binary.LittleEndian.Uint16(payload[pos : pos+2]),
		Warnings:     binary.LittleEndian.Uint16(payload[pos+2 : pos+4]),
	}, nil
}

// ErrPacket is the decoded form of an error payload.
type ErrPacket struct {
	Errno    uint16
	SQLState string
	Message  string
}

func (e *ErrPacket) Error() string {
	return fmt.Sprintf("ERROR %d (%s): %s", e.Errno, e.SQLState, e.Message)
}

// ParseErrorPacket decodes an error payload (header byte included).
func ParseErrorPacket(payload []byte) (*ErrPacket, error) {
	if len(payload) < 3 || payload[0] != ERR_HEADER {
		return nil, ErrMalformedPacket
	}
	p := &ErrPacket{Errno: binary.LittleEndian.Uint16(payload[1:3])}
	pos := 3
	if pos < len(payload) && payload[pos] == '#' {
		if len(payload) < pos+6 {
			return nil, ErrMalformedPacket
		}
		p.SQLState = string(payload[pos+1 : pos+6])
		pos += 6
	}
	p.Message = string(payload[pos:])
	return p, nil
}

// EOFPacket is the decoded form of an EOF payload.
type EOFPacket struct {
	Warnings uint16
	Status   uint16
}

// ParseEOFPacket decodes an EOF payload (header byte included).
func ParseEOFPacket(payload []byte) (*EOFPacket, error) {
	if len(payload) < 5 || payload[0] != EOF_HEADER {
		return nil, ErrMalformedPacket
	}
	return &EOFPacket{
		Warnings: binary.LittleEndian.Uint16(payload[1:3]),
		Status:   binary.LittleEndian.Uint16(payload[3:5]),
	}, nil
}
