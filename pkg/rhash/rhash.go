// Package rhash exposes the internal state of a running sha256 so that hashing a large
// transferable can continue after a restart without re-reading the bytes already hashed.
package rhash

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

// StateSize is the width of every snapshot, regardless of how much data was hashed.
const StateSize = 108

var ErrInvalidState = errors.New("invalid hash state")

var emptyState []byte

func init() {
	var err error
	if emptyState, err = Snapshot(sha256.New()); err != nil {
		panic(err)
	}
}

// New returns a fresh hasher.
func New() hash.Hash {
	return sha256.New()
}

// EmptyState is the snapshot of a hasher that has not seen any input. It is what gets
// persisted when a transferable is first created.
func EmptyState() []byte {
	return append([]byte(nil), emptyState...)
}

// Snapshot serializes the running state of h.
func Snapshot(h hash.Hash) ([]byte, error) {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot be serialized", ErrInvalidState, h)
	}

	state, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}

	if len(state) != StateSize {
		return nil, fmt.Errorf("%w: snapshot is %d bytes, expected %d", ErrInvalidState, len(state), StateSize)
	}

	return state, nil
}

// Restore rebuilds a hasher from a snapshot taken with Snapshot.
func Restore(state []byte) (hash.Hash, error) {
	if len(state) != StateSize {
		return nil, fmt.Errorf("%w: state is %d bytes, expected %d", ErrInvalidState, len(state), StateSize)
	}

	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, err)
	}

	return h, nil
}

// Update restores state, feeds it data and returns the new snapshot along with the
// hasher so callers can take the digest when data is the last chunk.
func Update(state, data []byte) ([]byte, hash.Hash, error) {
	h, err := Restore(state)
	if err != nil {
		return nil, nil, err
	}

	_, _ = h.Write(data)

	next, err := Snapshot(h)
	if err != nil {
		return nil, nil, err
	}

	return next, h, nil
}

// Digest is the hex encoded sum of h. It does not change the state of h.
func Digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
