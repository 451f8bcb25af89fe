// Package users holds the user catalog the gateway authenticates
// against. The catalog stores hex-encoded SHA1(SHA1(password)) digests
// per username, the same format as the mysql.user Password column
// without the leading '*'.
package users

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// Repository looks up the stored SHA1(SHA1(password)) digest for a
// username. The boolean is false when the user is unknown. An empty
// digest marks a passwordless account.
type Repository interface {
	PasswordSHA1(user string) ([]byte, bool)
}

// Static is an in-memory Repository, reloadable as a whole. The
// catalog is read-only during a connection's lifetime; a reload swaps
// the map under the lock without disturbing established sessions.
type Static struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewStatic builds a repository from username to hex digest. A digest
// must be empty (passwordless) or 40 hex characters.
func NewStatic(entries map[string]string) (*Static, error) {
	s := &Static{}
	if err := s.Reload(entries); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the whole catalog.
func (s *Static) Reload(entries map[string]string) error {
	users := make(map[string][]byte, len(entries))
	for name, digest := range entries {
		if digest == "" {
			users[name] = nil
			continue
		}
		if len(digest) != 40 {
			return fmt.Errorf("user %s: digest must be 40 hex characters, got %d", name, len(digest))
		}
		raw, err := hex.DecodeString(digest)
		if err != nil {
			return fmt.Errorf("user %s: %v", name, err)
		}
		users[name] = raw
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// PasswordSHA1 returns the stored digest for a user.
func (s *Static) PasswordSHA1(user string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	digest, ok := s.users[user]
	return digest, ok
}

// Len returns the number of users in the catalog.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
