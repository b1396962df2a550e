package trace

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"
)

// PublicKey is an append-only signer identity. Revocation is a timestamp,
// never a delete.
type PublicKey struct {
	KeyID     string
	Algorithm string // always "Ed25519"
	Bytes     ed25519.PublicKey
	CreatedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Active reports whether the key may be used to verify a signature at t.
func (k PublicKey) Active(t time.Time) bool {
	if k.RevokedAt != nil && !t.Before(*k.RevokedAt) {
		return false
	}
	if k.ExpiresAt != nil && t.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// KeyCache is a shared-read, copy-on-write cache of signer public keys,
// keyed by signature_key_id, consulted on every ingested trace.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[string]PublicKey
}

func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string]PublicKey)}
}

// Put registers or replaces a key (append-only in storage; the cache simply
// mirrors the current view).
func (c *KeyCache) Put(k PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]PublicKey, len(c.keys)+1)
	for id, v := range c.keys {
		next[id] = v
	}
	next[k.KeyID] = k
	c.keys = next
}

// Get returns the key for keyID, if known to the cache.
func (c *KeyCache) Get(keyID string) (PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[keyID]
	return k, ok
}

// Reload replaces the whole cache, used to refresh from storage periodically
// or when a reverification worker discovers new keys.
func (c *KeyCache) Reload(keys []PublicKey) {
	next := make(map[string]PublicKey, len(keys))
	for _, k := range keys {
		next[k.KeyID] = k
	}
	c.mu.Lock()
	c.keys = next
	c.mu.Unlock()
}

// ErrKeyUnknown indicates signature_key_id has no registered key yet.
var ErrKeyUnknown = fmt.Errorf("trace: signature key unknown")
