// Package threadreg implements the named-thread registry (C5): a symbolic
// name -> (thread id, key pair) directory, with keys generated at
// registration time from a clock/RNG source rather than derived from the
// name, grounded on original_source's Named_threads_t (there keyed by two
// samples of the kernel clock; here a cryptographic RNG is used instead,
// per spec.md's Design Notes, while preserving "stable across lookups").
package threadreg

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/wrm-go/alpha/internal/abi"
)

// MaxNameLen mirrors abi.MaxNameLen: names travel packed into message
// registers the same way device and region names do.
const MaxNameLen = abi.MaxNameLen

// Record is one named-thread entry.
type Record struct {
	Name     string
	ThreadID abi.ThreadID
	Key0     uint64
	Key1     uint64
}

// KeySource produces the key pair assigned to a newly registered thread.
// Tests supply a deterministic source; production uses CryptoKeySource.
type KeySource interface {
	NextKeyPair() (key0, key1 uint64)
}

// CryptoKeySource draws keys from crypto/rand.
type CryptoKeySource struct{}

// NextKeyPair implements KeySource using a cryptographically secure RNG.
func (CryptoKeySource) NextKeyPair() (uint64, uint64) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read failing indicates a broken system entropy
		// source; there is no safe fallback for an authentication key.
		panic("threadreg: crypto/rand unavailable: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16])
}

// Registry holds every named thread.
type Registry struct {
	byName map[string]Record
	keys   KeySource
}

// New returns an empty registry drawing keys from src.
func New(src KeySource) *Registry {
	return &Registry{byName: make(map[string]Record), keys: src}
}

// Register records name -> id, generating a fresh key pair. It fails with
// ErrNameTooLong if name cannot be packed into the message-register name
// encoding, or ErrAlreadyExists if the name is already registered. Once
// recorded, a record is immutable: Register never overwrites keys.
func (r *Registry) Register(name string, id abi.ThreadID) (key0, key1 uint64, err error) {
	if len(name)+1 > MaxNameLen {
		return 0, 0, ErrNameTooLong
	}
	if _, exists := r.byName[name]; exists {
		return 0, 0, ErrAlreadyExists
	}
	key0, key1 = r.keys.NextKeyPair()
	r.byName[name] = Record{Name: name, ThreadID: id, Key0: key0, Key1: key1}
	return key0, key1, nil
}

// Lookup returns the record registered under name, if any.
func (r *Registry) Lookup(name string) (Record, bool) {
	rec, ok := r.byName[name]
	return rec, ok
}

type threadregErr string

func (e threadregErr) Error() string { return string(e) }

const (
	// ErrNameTooLong is returned by Register when name does not fit the
	// message-register name encoding.
	ErrNameTooLong threadregErr = "threadreg: name too long"
	// ErrAlreadyExists is returned by Register when name is already taken.
	ErrAlreadyExists threadregErr = "threadreg: name already exists"
)
