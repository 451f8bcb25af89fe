// Package router implements the default routing sessions: every
// client session fans out to all healthy backends in the pool, keeps
// them synchronized through the session command list, and round-robins
// ordinary queries across the backends that are up to date.
package router

import (
	"log"

	"github.com/tqdev/sqlgate/mysql"
	"github.com/tqdev/sqlgate/replica"
	"github.com/tqdev/sqlgate/sescmd"
)

// Router allocates a Session per authenticated client connection.
type Router struct {
	pool *replica.Pool
}

// New creates a router over a backend pool.
func New(pool *replica.Pool) *Router {
	return &Router{pool: pool}
}

// NewSession dials every healthy backend with the client's replayed
// credentials and attaches a cursor for each. Backends that cannot be
// reached are marked unhealthy and skipped; at least one must attach.
func (r *Router) NewSession(creds mysql.Credentials, list *sescmd.List) (mysql.Session, error) {
	s := &Session{router: r, creds: creds, list: list}

	for _, be := range r.pool.Backends() {
		if err := s.Attach(be.Name, be.Addr); err != nil {
			log.Printf("[Router] Backend %s (%s) unavailable: %v", be.Name, be.Addr, err)
			r.pool.MarkUnhealthy(be.Addr)
		}
	}

	if s.Backends() == 0 {
		return nil, mysql.ErrNoBackend
	}
	return s, nil
}
