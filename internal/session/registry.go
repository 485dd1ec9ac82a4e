// Package session holds the symmetric key established for each live
// connection.
package session

import (
	"errors"

	"github.com/Tyrowin/cipherroom/internal/shardmap"
)

// ErrKeyNotEstablished is returned when a connection has no session key.
var ErrKeyNotEstablished = errors.New("session key not established")

// Registry maps connection ids to session keys. Keys are copied on the way
// in and on the way out; the stored copy is zeroed when it is replaced or
// revoked.
type Registry struct {
	keys *shardmap.Map[[]byte]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: shardmap.New[[]byte](shardmap.DefaultShards)}
}

// Set stores key for connID, replacing any previous key.
func (r *Registry) Set(connID string, key []byte) {
	prev, ok := r.keys.Store(connID, append([]byte(nil), key...))
	if ok {
		zero(prev)
	}
}

// Get returns a private copy of the key for connID.
func (r *Registry) Get(connID string) ([]byte, error) {
	var out []byte
	r.keys.View(connID, func(key []byte, ok bool) {
		if ok {
			out = append([]byte(nil), key...)
		}
	})
	if out == nil {
		return nil, ErrKeyNotEstablished
	}
	return out, nil
}

// Has reports whether connID has an established key.
func (r *Registry) Has(connID string) bool {
	_, ok := r.keys.Load(connID)
	return ok
}

// Revoke removes and zeroes the key for connID. It reports whether a key
// was present.
func (r *Registry) Revoke(connID string) bool {
	key, ok := r.keys.LoadAndDelete(connID)
	if ok {
		zero(key)
	}
	return ok
}

// Len returns the number of established keys.
func (r *Registry) Len() int {
	return r.keys.Len()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
