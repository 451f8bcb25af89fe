package mysql

import (
	"bytes"
	"encoding/binary"
)

// WriteHandshakePacket builds the initial handshake (protocol version
// 10, 4.1+ layout) with a zeroed header; the caller sets the sequence
// number. The scramble is split 8 + 12 with the auth plugin name
// trailing, exactly as real servers lay it out.
func WriteHandshakePacket(connID uint32, scramble []byte, status uint16) []byte {
	data := make([]byte, 4, 128)

	// Protocol version
	data = append(data, 10)

	// Server version
	data = append(data, ServerVersion...)
	data = append(data, 0)

	// Connection ID
	data = append(data, byte(connID), byte(connID>>8), byte(connID>>16), byte(connID>>24))

	// Auth plugin data part 1 (8 bytes)
	data = append(data, scramble[0:8]...)

	// Filler
	data = append(data, 0)

	// Capability flags lower 2 bytes
	capLower := uint16(DEFAULT_CAPABILITY & 0xFFFF)
	data = append(data, byte(capLower), byte(capLower>>8))

	// Character set (latin1_swedish_ci)
	data = append(data, 8)

	// Status flags
	data = append(data, byte(status), byte(status>>8))

	// Capability flags upper 2 bytes
	capUpper := uint16((DEFAULT_CAPABILITY >> 16) & 0xFFFF)
	data = append(data, byte(capUpper), byte(capUpper>>8))

	// Auth plugin data length
	data = append(data, 21)

	// Reserved (10 bytes)
	data = append(data, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	// Auth plugin data part 2 (12 bytes + null terminator)
	data = append(data, scramble[8:20]...)
	data = append(data, 0)

	// Auth plugin name
	data = append(data, []byte(AuthPluginName)...)
	data = append(data, 0)

	binary.LittleEndian.PutUint32(data[0:4], uint32(len(data)-4))
	return data
}

// Handshake is the decoded form of a server handshake payload, as seen
// from the client side when the gateway dials a backend.
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnID          uint32
	Scramble        []byte
	Capability      uint32
	Status          uint16
	AuthPlugin      string
}

// ParseHandshake decodes a server handshake payload.
func ParseHandshake(payload []byte) (*Handshake, error) {
	if len(payload) < 1 || payload[0] != 10 {
		return nil, ErrMalformedPacket
	}
	h := &Handshake{ProtocolVersion: payload[0]}
	pos := 1

	end := bytes.IndexByte(payload[pos:], 0)
	if end < 0 {
		return nil, ErrMalformedPacket
	}
	h.ServerVersion = string(payload[pos : pos+end])
	pos += end + 1

	// conn id 4, scramble part 1 8, filler 1, cap low 2, charset 1,
	// status 2, cap high 2, scramble len 1, reserved 10
	if len(payload) < pos+31 {
		return nil, ErrMalformedPacket
	}
	h.ConnID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4
	h.Scramble = append(h.Scramble, payload[pos:pos+8]...)
	pos += 8 + 1
	h.Capability = uint32(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	pos += 2 + 1
	h.Status = binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	h.Capability |= uint32(binary.LittleEndian.Uint16(payload[pos:pos+2])) << 16
	pos += 2 + 1 + 10

	// Scramble part 2 (12 bytes + terminator)
	if h.Capability&CLIENT_SECURE_CONNECTION > 0 {
		if len(payload) < pos+13 {
			return nil, ErrMalformedPacket
		}
		h.Scramble = append(h.Scramble, payload[pos:pos+12]...)
		pos += 13
	}

	if h.Capability&CLIENT_PLUGIN_AUTH > 0 && pos < len(payload) {
		if end := bytes.IndexByte(payload[pos:], 0); end >= 0 {
			h.AuthPlugin = string(payload[pos : pos+end])
		} else {
			h.AuthPlugin = string(payload[pos:])
		}
	}

	return h, nil
}

// HandshakeResponse is the decoded form of the client auth packet.
type HandshakeResponse struct {
	Capability uint32
	MaxPacket  uint32
	Charset    byte
	User       string
	Token      []byte
	Schema     string
}

// ParseHandshakeResponse decodes a 4.1 client auth payload: a fixed
// 32-byte header, a NUL-terminated username, a 1-byte token length,
// the token, and an optional NUL-terminated schema. Every length is
// bounds-checked; malformed packets are rejected.
func ParseHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	if len(payload) < 32 {
		return nil, ErrMalformedPacket
	}
	r := &HandshakeResponse{
		Capability: binary.LittleEndian.Uint32(payload[0:4]),
		MaxPacket:  binary.LittleEndian.Uint32(payload[4:8]),
		Charset:    payload[8],
	}
	pos := 32 // 4 + 4 + 1 + 23 reserved

	end := bytes.IndexByte(payload[pos:], 0)
	if end < 0 {
		return nil, ErrMalformedPacket
	}
	r.User = string(payload[pos : pos+end])
	pos += end + 1

	if pos >= len(payload) {
		return nil, ErrMalformedPacket
	}
	tokenLen := int(payload[pos])
	pos++
	if pos+tokenLen > len(payload) {
		return nil, ErrMalformedPacket
	}
	r.Token = payload[pos : pos+tokenLen]
	pos += tokenLen

	if r.Capability&CLIENT_CONNECT_WITH_DB > 0 && pos < len(payload) {
		if end := bytes.IndexByte(payload[pos:], 0); end >= 0 {
			r.Schema = string(payload[pos : pos+end])
		} else {
			r.Schema = string(payload[pos:])
		}
	}

	return r, nil
}

// WriteHandshakeResponse builds the auth packet the gateway sends when
// it dials a backend, answering the backend's scramble with a token
// derived from the retained stage1 hash.
func WriteHandshakeResponse(scramble, stage1 []byte, user, schema string) []byte {
	capability := uint32(CLIENT_LONG_PASSWORD | CLIENT_LONG_FLAG |
		CLIENT_PROTOCOL_41 | CLIENT_TRANSACTIONS | CLIENT_SECURE_CONNECTION)
	if schema != "" {
		capability |= CLIENT_CONNECT_WITH_DB
	}

	token := NativePasswordToken(scramble, stage1)

	payload := make([]byte, 32, 64+len(user)+len(schema))
	binary.LittleEndian.PutUint32(payload[0:4], capability)
	binary.LittleEndian.PutUint32(payload[4:8], 1<<24-1)
	payload[8] = 8 // charset

	payload = append(payload, []byte(user)...)
	payload = append(payload, 0)
	payload = append(payload, byte(len(token)))
	payload = append(payload, token...)
	if schema != "" {
		payload = append(payload, []byte(schema)...)
		payload = append(payload, 0)
	}
	return payload
}
