package turn

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gortc/natcore/stun"
)

// Credentials holds the long-term credential triple a TURN allocation
// authenticates with, adapted from internal/auth.StaticCredential for
// the client side (the realm/nonce are learned from the server's 401,
// not configured up front).
type Credentials struct {
	Username string
	Password string
	Realm    string
	Nonce    string
}

// Key derives the long-term credential key md5(username:realm:password)
// per RFC 5389 Section 15.4.
func (c Credentials) Key() []byte {
	return stun.LongTermKey(c.Username, c.Realm, c.Password)
}

// ErrStaleNonce names the 438 Stale Nonce condition. NonceCache handles
// a stale nonce through Rotate, and no function in this package returns
// this error.
var ErrStaleNonce = errors.New("turn: stale nonce")

// nonceEntry is one FiveTuple's cached realm/nonce pair, adapted from
// internal/auth.NonceAuth but keyed per outbound allocation rather
// than per inbound 5-tuple, since a client has at most a handful of
// candidate servers rather than many peers.
type nonceEntry struct {
	tuple      FiveTuple
	realm      string
	nonce      string
	validUntil time.Time
}

func (n nonceEntry) valid(at time.Time) bool {
	return n.validUntil.IsZero() || n.validUntil.After(at)
}

// NonceCache remembers the realm/nonce a server most recently handed
// out per candidate, and rotates the nonce on a stale-nonce response.
type NonceCache struct {
	duration time.Duration

	mu      sync.Mutex
	entries []nonceEntry
}

// NewNonceCache returns a cache that stamps each entry with an expiry
// time of duration after it was written (zero leaves it unstamped).
// Get does not consult that stamp: an entry is returned until Observe
// or Rotate replaces it.
func NewNonceCache(duration time.Duration) *NonceCache {
	return &NonceCache{duration: duration}
}

func newNonceValue() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Observe records the realm/nonce a server just supplied for tuple,
// replacing any previous entry.
func (c *NonceCache) Observe(tuple FiveTuple, realm, nonce string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].tuple.Equal(tuple) {
			c.entries[i].realm = realm
			c.entries[i].nonce = nonce
			if c.duration > 0 {
				c.entries[i].validUntil = at.Add(c.duration)
			}
			return
		}
	}
	e := nonceEntry{tuple: tuple, realm: realm, nonce: nonce}
	if c.duration > 0 {
		e.validUntil = at.Add(c.duration)
	}
	c.entries = append(c.entries, e)
}

// Get returns the cached realm/nonce for tuple, if any.
func (c *NonceCache) Get(tuple FiveTuple) (realm, nonce string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].tuple.Equal(tuple) {
			return c.entries[i].realm, c.entries[i].nonce, true
		}
	}
	return "", "", false
}

// Rotate replaces tuple's cached nonce (following a 438 Stale Nonce)
// with the server-supplied value and returns it, or mints a fresh
// random one if the server gave no replacement.
func (c *NonceCache) Rotate(tuple FiveTuple, serverNonce string, at time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := serverNonce
	if value == "" {
		value = newNonceValue()
	}
	for i := range c.entries {
		if c.entries[i].tuple.Equal(tuple) {
			c.entries[i].nonce = value
			if c.duration > 0 {
				c.entries[i].validUntil = at.Add(c.duration)
			}
			return value
		}
	}
	e := nonceEntry{tuple: tuple, nonce: value}
	if c.duration > 0 {
		e.validUntil = at.Add(c.duration)
	}
	c.entries = append(c.entries, e)
	return value
}

func authAttributes(m *stun.Message, creds Credentials) error {
	if err := m.Add(stun.AttrUsername, stun.Username(creds.Username)); err != nil {
		return err
	}
	if err := m.Add(stun.AttrRealm, stun.Realm(creds.Realm)); err != nil {
		return err
	}
	if err := m.Add(stun.AttrNonce, stun.Nonce(creds.Nonce)); err != nil {
		return err
	}
	return nil
}
