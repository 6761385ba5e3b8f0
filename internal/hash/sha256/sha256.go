// Package sha256 derives cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. A namespace, when set, is mixed into
// every digest so a change in the cached value format starts a fresh key
// space instead of decoding stale entries.
type Hasher struct {
	namespace string
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithNamespace prefixes every input with ns.
func WithNamespace(ns string) Option {
	return func(h *Hasher) {
		h.namespace = ns
	}
}

// New returns a SHA-256 hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	d := sha256.New()
	if h.namespace != "" {
		d.Write([]byte(h.namespace))
		d.Write([]byte{0})
	}
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil)), nil
}
