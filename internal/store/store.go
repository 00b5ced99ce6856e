// Package store defines the freshness store: key-value persistence of JSON
// documents with whole-record overwrite, single-field partial update, atomic
// numeric increment, and an append-only event log per collection.
//
// Implementations are provided for Postgres, Redis, and in-memory use. The
// rest of the codebase depends only on the Store interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when no record exists for the requested key.
var ErrNotFound = errors.New("store: record not found")

// Store is the persistence contract shared by the cache manager, the quota
// tracker, and the usage log.
type Store interface {
	// Get retrieves the raw document stored under (collection, key).
	// Returns ErrNotFound if no record exists.
	Get(ctx context.Context, collection, key string) (json.RawMessage, error)

	// Set overwrites the whole record under (collection, key), creating it
	// if absent.
	Set(ctx context.Context, collection, key string, doc any) error

	// UpdateField sets a single top-level field of an existing record.
	// Returns ErrNotFound if the record does not exist.
	UpdateField(ctx context.Context, collection, key, field string, value any) error

	// Increment atomically adds delta to a numeric top-level field of an
	// existing record and returns the new value. A missing field counts as 0.
	// Returns ErrNotFound if the record does not exist.
	Increment(ctx context.Context, collection, key, field string, delta int64) (int64, error)

	// Delete removes the record under (collection, key). Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, collection, key string) error

	// Append adds one immutable document to the collection's event log.
	Append(ctx context.Context, collection string, doc any) error

	// List returns every document appended to the collection's event log,
	// oldest first.
	List(ctx context.Context, collection string) ([]json.RawMessage, error)
}
