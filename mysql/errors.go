package mysql

import "errors"

var (
	// ErrMalformedPacket is returned when a packet cannot be decoded.
	// The connection is closed without a reply.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrAccessDenied is returned when credential verification fails
	// or the user is not in the catalog.
	ErrAccessDenied = errors.New("access denied")

	// ErrNoBackend is returned by a routing session when no backend
	// can serve a query. The client gets error 2003 and stays
	// connected.
	ErrNoBackend = errors.New("no backend available")
)
