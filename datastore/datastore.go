// Package datastore is a small document store: JSON documents addressed
// by hierarchical keys, with ancestor queries, create-if-absent writes
// and multi-document transactions. The production implementation sits on
// PostgreSQL; an in-memory implementation backs tests and local runs.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNoSuchEntity is returned by Get when no document exists at the key.
	ErrNoSuchEntity = errors.New("no such entity")

	// ErrAlreadyExists is returned by Create when a document already
	// exists at the key. Callers use this as the dedup signal.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Record is one raw query result; callers unmarshal Data themselves.
type Record struct {
	Key  *Key
	Data json.RawMessage
}

// Decode unmarshals the record's document into dest.
func (r Record) Decode(dest any) error {
	return json.Unmarshal(r.Data, dest)
}

// Tx is the operation set available both directly on a Store and inside
// a transaction. Every method is a single consistent read or write.
type Tx interface {
	// Get loads the document at key into dest (a JSON-unmarshalable
	// pointer). Returns ErrNoSuchEntity when absent.
	Get(ctx context.Context, key *Key, dest any) error

	// Put writes the document at key, creating or fully replacing it.
	Put(ctx context.Context, key *Key, doc any) error

	// Create writes the document only if the key is vacant and returns
	// ErrAlreadyExists otherwise.
	Create(ctx context.Context, key *Key, doc any) error

	// Delete removes the document at key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key *Key) error

	// DeleteMulti removes every given key.
	DeleteMulti(ctx context.Context, keys []*Key) error

	// Query returns all documents of kind under ancestor (every document
	// of kind when ancestor is nil), ordered by key path.
	Query(ctx context.Context, kind string, ancestor *Key) ([]Record, error)
}

// Store is the full document store handle, threaded explicitly through
// constructors; there is no package-level client.
type Store interface {
	Tx

	// RunInTransaction executes fn atomically. The transaction commits
	// when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
