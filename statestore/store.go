// Package statestore provides the shared key-value substrate used to
// coordinate listener state across worker processes. The authoritative
// implementation is backed by a NATS JetStream KV bucket; an in-memory
// implementation backs tests and the local-only degraded mode.
package statestore

import (
	"context"

	"github.com/c360/streamexporter/errors"
)

// Store is the minimal flag-oriented contract the coordinator needs.
// Create has set-if-not-exists semantics and is the atomic primitive the
// auto-start election is built on.
type Store interface {
	// Get returns the value for key, or errors.ErrKeyNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or overwrites key (last writer wins)
	Put(ctx context.Context, key string, value []byte) error

	// Create sets key only if it does not exist, otherwise errors.ErrKeyExists
	Create(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
}

// GetString is a convenience wrapper returning "" for an absent key
func GetString(ctx context.Context, s Store, key string) (string, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(value), nil
}

// FlagSet reports whether key holds the literal flag value "1"
func FlagSet(ctx context.Context, s Store, key string) (bool, error) {
	value, err := GetString(ctx, s, key)
	if err != nil {
		return false, err
	}
	return value == "1", nil
}
