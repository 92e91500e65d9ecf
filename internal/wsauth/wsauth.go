// Package wsauth is a reference token store for the handshake auth
// modes wsclient/wsserver attach over the wire (query parameter or
// subprotocol). It never touches the wire itself. Neither wsserver nor
// wshttp calls it; the host does (cmd/wskitdemo's HTTP handler calls
// Verify with the token it reads from the request), and wsclient's
// Token func supplies whatever a caller's TokenStore hands back.
//
// Tokens are hashed at rest with bcrypt, never stored or logged in the
// clear. This is deliberately the simplest adapter that could work: an
// in-memory map guarded by a mutex, mirroring the in-memory session
// managers the rest of the ecosystem reaches for before a database is
// warranted.
package wsauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned by Verify when no stored hash matches
// token, or the matching entry has expired.
var ErrInvalidToken = errors.New("wsauth: invalid or expired token")

// Identity is what a successful Verify resolves a token to.
type Identity struct {
	ClientID string
	Scopes   []string
}

type entry struct {
	hash     []byte
	identity Identity
	expires  time.Time // zero means no expiry
}

// Store is an in-memory bcrypt-hashed token store. Safe for concurrent
// use. Tokens are opaque random strings minted by Issue; the store
// never accepts a caller-chosen token, so a caller cannot downgrade an
// existing identity's hash strength.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry // keyed by token prefix, see Issue
	cost    int
}

// NewStore constructs an empty Store. cost is the bcrypt work factor;
// 0 selects bcrypt.DefaultCost.
func NewStore(cost int) *Store {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Store{entries: make(map[string]entry), cost: cost}
}

// tokenPrefixLen is how many bytes of the random token are kept in the
// clear as a lookup key. bcrypt has no notion of indexed lookup, so
// the store needs some portion of the token to find a candidate entry
// before hashing the rest against it; the prefix alone is far too
// short to brute-force a session.
const tokenPrefixLen = 8

// Issue mints a new opaque token bound to identity, hashes it, and
// returns the token to hand to the client. ttl of zero means the
// token never expires.
func (s *Store) Issue(identity Identity, ttl time.Duration) (string, error) {
	secret, err := randomHex(24)
	if err != nil {
		return "", err
	}
	prefix := secret[:tokenPrefixLen*2]
	token := prefix + secret[tokenPrefixLen*2:]

	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return "", err
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[prefix] = entry{hash: hash, identity: identity, expires: expires}
	s.mu.Unlock()

	return token, nil
}

// Verify checks token against the store, returning the bound Identity
// on success. Expired entries are evicted on the Verify that discovers
// them.
func (s *Store) Verify(ctx context.Context, token string) (Identity, error) {
	if len(token) < tokenPrefixLen*2 {
		return Identity{}, ErrInvalidToken
	}
	prefix := token[:tokenPrefixLen*2]

	s.mu.Lock()
	e, ok := s.entries[prefix]
	s.mu.Unlock()
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	if !e.expires.IsZero() && time.Now().After(e.expires) {
		s.mu.Lock()
		delete(s.entries, prefix)
		s.mu.Unlock()
		return Identity{}, ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(token)); err != nil {
		return Identity{}, ErrInvalidToken
	}
	return e.identity, nil
}

// Revoke removes token's entry, if any. Revoking an unknown or already
// revoked token is a no-op.
func (s *Store) Revoke(token string) {
	if len(token) < tokenPrefixLen*2 {
		return
	}
	prefix := token[:tokenPrefixLen*2]
	s.mu.Lock()
	delete(s.entries, prefix)
	s.mu.Unlock()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
