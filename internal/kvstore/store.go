package kvstore

import (
	"context"
	"errors"
)

// ErrDuplicateKey reports that an Insert lost a race to another writer
// creating the same key.
var ErrDuplicateKey = errors.New("kvstore: duplicate key")

// Store is the uniform key/value contract implemented by both storage
// drivers. Values are serialized JSON text; Set is an upsert.
type Store interface {
	// Get returns the stored row, or nil when the key is absent.
	Get(ctx context.Context, key string) (*Row, error)
	// Set writes the value for the key, inserting or replacing as needed.
	Set(ctx context.Context, key string, value string) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns every row whose key starts with the prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]Row, error)
	// Update runs fn inside a storage transaction. Returning an error from
	// fn rolls the transaction back.
	Update(ctx context.Context, fn func(Tx) error) error
}

// Tx exposes the per-transaction operations available inside Update.
type Tx interface {
	// GetForUpdate reads the row under the driver's row lock, or nil when
	// the key is absent. Concurrent transactions touching the same key
	// serialize on this call.
	GetForUpdate(key string) (*Row, error)
	// Set upserts the value for the key within the transaction.
	Set(key string, value string) error
	// Insert creates the key and fails with ErrDuplicateKey if it already
	// exists.
	Insert(key string, value string) error
	// Delete removes the key within the transaction.
	Delete(key string) error
}
