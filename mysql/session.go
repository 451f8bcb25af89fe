package mysql

import "github.com/tqdev/sqlgate/sescmd"

// Credentials is what a routing session needs to authenticate against
// backends on the client's behalf. Stage1 is the SHA1(password)
// recovered during client auth; the cleartext password never exists in
// the gateway.
type Credentials struct {
	User   string
	Stage1 []byte
	Schema string
}

// Session is the routing session allocated for one authenticated
// client connection. The router owns backend selection; the protocol
// handler owns classification.
type Session interface {
	// Query routes one packet to a single backend and returns the
	// backend's complete raw response frames plus the backend name.
	Query(payload []byte) ([]byte, string, error)

	// Dispatch hands a journaled session command to every attached
	// backend. The canonical reply arrives on the command's Done
	// channel once the list semantics are satisfied.
	Dispatch(cmd *sescmd.Command) error

	// Quit forwards COM_QUIT to every backend, best effort.
	Quit(payload []byte)

	// Backends returns the number of attached backends.
	Backends() int

	// Close detaches every cursor and closes the backend connections.
	Close() error
}

// Router allocates routing sessions. The router calls back into the
// list via Attach whenever it establishes a new backend connection.
type Router interface {
	NewSession(creds Credentials, list *sescmd.List) (Session, error)
}

// Classifier decides whether a COM_QUERY text is session-modifying and
// must be journaled and fanned out. When nil, the safe default is to
// treat queries as not session-modifying.
type Classifier func(query []byte) bool
