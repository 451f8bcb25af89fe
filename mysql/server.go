package mysql

import (
	"log"
	"net"
	"os"
	"sync/atomic"

	"github.com/tqdev/sqlgate/cache"
	"github.com/tqdev/sqlgate/metrics"
	"github.com/tqdev/sqlgate/sescmd"
	"github.com/tqdev/sqlgate/users"
)

// DefaultListen is used when no bind address is configured.
const DefaultListen = "127.0.0.1:4406"

// Options tunes a Server beyond its required collaborators.
type Options struct {
	// Classifier decides whether COM_QUERY text is session-modifying.
	Classifier Classifier
	// Cache serves hinted query results without routing. Optional.
	Cache *cache.Cache
	// Semantics and Properties configure each session's command list.
	Semantics  sescmd.Semantics
	Properties sescmd.Properties
	// SendBuf tunes SO_SNDBUF on accepted sockets. 0 leaves the
	// kernel default.
	SendBuf int
}

// Server accepts MySQL client connections, authenticates them against
// the user catalog and hands their statements to the router.
type Server struct {
	listen string
	router Router
	users  users.Repository
	opts   Options
	connID atomic.Uint32
}

// NewServer creates a server. An empty listen address binds the
// default 127.0.0.1:4406.
func NewServer(listen string, router Router, repo users.Repository, opts Options) *Server {
	if listen == "" {
		listen = DefaultListen
	}
	return &Server{
		listen: listen,
		router: router,
		users:  repo,
		opts:   opts,
	}
}

// Start begins accepting connections. Like the rest of the gateway it
// returns immediately; the accept loop runs on its own goroutine.
func (s *Server) Start() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return nil, err
	}
	log.Printf("[MySQL] Listening on %s", listener.Addr())

	go func() {
		for {
			client, err := listener.Accept()
			if err != nil {
				log.Printf("[MySQL] Accept error: %v", err)
				return
			}
			go s.handleConnection(client)
		}
	}()

	return listener, nil
}

func (s *Server) handleConnection(client net.Conn) {
	if tc, ok := client.(*net.TCPConn); ok && s.opts.SendBuf > 0 {
		tc.SetWriteBuffer(s.opts.SendBuf)
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	c := &Conn{
		conn:   client,
		srv:    s,
		connID: s.nextConnID(),
		state:  StateAllocated,
		status: SERVER_STATUS_AUTOCOMMIT,
	}
	defer c.close()

	if err := c.handshake(); err != nil {
		if err != ErrAccessDenied {
			log.Printf("[MySQL] Handshake error (conn %d): %v", c.connID, err)
		}
		return
	}

	c.run()
}

// nextConnID derives a connection id that is unique within the
// process, folding in the pid the way the upstream gateway derived its
// thread ids.
func (s *Server) nextConnID() uint32 {
	return uint32(os.Getpid()) ^ s.connID.Add(1)
}
