// Package blob stores received payload bodies by content hash.
package blob

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"
)

// ID is the hex sha256 of a stored body.
type ID string

// Store is the minimal interface the dev receiver needs.
type Store interface {
	Put(ctx context.Context, r io.Reader) (ID, int64, error)
	Get(ctx context.Context, id ID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
}

// Hasher returns the hash that derives IDs.
func Hasher() hash.Hash {
	return sha256.New()
}
