package mysql

import (
	"encoding/binary"
	"strconv"
)

// buildResultSet assembles a complete text-protocol result set from
// column names and string rows, stamping sequence numbers as it goes.
func (c *Conn) buildResultSet(columns []string, rows [][]string) []byte {
	var result []byte

	// Column count packet
	c.sequence++
	packet := make([]byte, 4)
	packet = append(packet, PutLengthEncodedInt(uint64(len(columns)))...)
	binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
	packet[3] = c.sequence
	result = append(result, packet...)

	// Column definition packets
	for _, col := range columns {
		c.sequence++
		packet = make([]byte, 4)
		packet = append(packet, PutLengthEncodedString([]byte("def"))...) // catalog
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // schema
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // table
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // org_table
		packet = append(packet, PutLengthEncodedString([]byte(col))...)   // name
		packet = append(packet, PutLengthEncodedString([]byte(""))...)    // org_name
		packet = append(packet, 0x0c)                                     // length of fixed fields
		packet = append(packet, 0x21, 0x00)                               // character set
		packet = append(packet, 0x00, 0x01, 0x00, 0x00)                   // column length
		packet = append(packet, 0xfd)                                     // type: VAR_STRING
		packet = append(packet, 0x00, 0x00)                               // flags
		packet = append(packet, 0x00)                                     // decimals
		packet = append(packet, 0x00, 0x00)                               // filler
		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF after columns
	c.sequence++
	eofPacket := WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	// Row packets
	for _, row := range rows {
		c.sequence++
		packet = make([]byte, 4)
		for _, val := range row {
			packet = append(packet, PutLengthEncodedString([]byte(val))...)
		}
		binary.LittleEndian.PutUint32(packet[0:4], uint32(len(packet)-4))
		packet[3] = c.sequence
		result = append(result, packet...)
	}

	// EOF after rows
	c.sequence++
	eofPacket = WriteEOFPacket(c.status, c.capability)
	eofPacket[3] = c.sequence
	result = append(result, eofPacket...)

	return result
}

// handleShowStatus answers the gateway's own SHOW SQLGATE STATUS with
// connection-local bookkeeping.
func (c *Conn) handleShowStatus() error {
	backend := c.lastQueryBackend
	if backend == "" {
		backend = "none"
	}
	cacheHit := "0"
	if c.lastQueryCacheHit {
		cacheHit = "1"
	}
	backends := 0
	if c.session != nil {
		backends = c.session.Backends()
	}
	journaled := 0
	if c.scl != nil {
		journaled = c.scl.Len()
	}

	rows := [][]string{
		{"Backend", backend},
		{"Cache_hit", cacheHit},
		{"Backends_attached", strconv.Itoa(backends)},
		{"Session_commands", strconv.Itoa(journaled)},
	}
	return c.writeRaw(c.buildResultSet([]string{"Variable_name", "Value"}, rows))
}
