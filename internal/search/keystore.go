package search

import (
	"crypto/rand"
	"sync"
	"time"
)

type keyEntry struct {
	key     [16]byte
	expires time.Time
}

// KeyStore tracks the ephemeral AES-128 keys generated for our own
// outbound active searches. An incoming SUDP datagram carries no token of
// its own, so a reply is matched by trial decryption against every
// still-valid key rather than by direct lookup.
type KeyStore struct {
	mut  sync.Mutex
	keys map[string]keyEntry
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]keyEntry)}
}

// NewKey generates a fresh random AES-128 key for token, valid for
// KeyValidity, for embedding in the outbound SCH/$Search's KY field.
func (ks *KeyStore) NewKey(token string) ([16]byte, error) {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	ks.mut.Lock()
	ks.keys[token] = keyEntry{key: key, expires: time.Now().Add(KeyValidity)}
	ks.mut.Unlock()
	return key, nil
}

// Candidates returns every key still within its validity window, pruning
// expired ones first.
func (ks *KeyStore) Candidates(now time.Time) [][16]byte {
	ks.mut.Lock()
	defer ks.mut.Unlock()

	out := make([][16]byte, 0, len(ks.keys))
	for tok, e := range ks.keys {
		if now.After(e.expires) {
			delete(ks.keys, tok)
			continue
		}
		out = append(out, e.key)
	}
	return out
}
