// Package authdemo provides a minimal in-memory, bcrypt-backed
// auth.Callback implementation, suitable for examples and tests -- not
// for production credential storage.
package authdemo

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/go-smtpcore/smtpcore/internal/auth"
)

// Backend holds a fixed set of username -> bcrypt hash pairs.
type Backend struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{users: map[string][]byte{}}
}

// SetPassword hashes password and stores it for user, replacing any
// previous credential.
func (b *Backend) SetPassword(user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[user] = hash
	return nil
}

// Exists reports whether user has a stored credential.
func (b *Backend) Exists(user string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.users[user]
	return ok
}

// Callback returns the auth.Callback to plug into an Authenticator.
// XOAUTH2 requests (which carry an access token, not a password) are
// always rejected -- this backend only demonstrates PLAIN/LOGIN.
func (b *Backend) Callback() auth.Callback {
	return func(req auth.Request) (*auth.Result, bool, error) {
		if req.Method == auth.XOAuth2 {
			return nil, false, nil
		}

		b.mu.RLock()
		hash, ok := b.users[req.Username]
		b.mu.RUnlock()
		if !ok {
			return nil, false, nil
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)); err != nil {
			return nil, false, nil
		}

		return &auth.Result{User: req.Username}, true, nil
	}
}
