// Package storage persists platform records in an ordered key-value store.
//
// Two backends implement KV: an in-memory map for tests and single-process
// setups, and BadgerDB for durable deployments. Store layers typed,
// JSON-encoded records on top of either backend.
package storage

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Txn.Get when a key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrStopScan can be returned from a Scan callback to stop iteration early
// without failing the transaction.
var ErrStopScan = errors.New("stop scan")

// Txn is a read or read-write transaction.
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Scan calls fn for every key with the given prefix in ascending key order.
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// KV is a transactional key-value store. Update transactions are atomic:
// when fn returns an error none of its writes are visible.
type KV interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}
