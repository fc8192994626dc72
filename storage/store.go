// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage is the persistence façade. The backend itself is
// swappable; this package only fixes the
// contract the engine packages save/load state through, generic over
// the bucket's payload type via Result[T] so that no domain package
// needs to be imported here and storage never needs to import them
// back.
package storage

import "github.com/luxfi/cellcredit/cellerr"

// Entry is one bucket/key/blob record as read back from a KVStore.
type Entry struct {
	Key   string
	Value []byte
}

// KVStore is the façade every engine's persistence adapter implements.
// A "bucket" is a logical namespace (e.g. "ledger.members", "commitment",
// "governance.proposal"); keys are opaque strings scoped within it.
type KVStore interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	Has(bucket, key string) (bool, error)
	Delete(bucket, key string) error
	// List returns every entry currently in bucket, in undefined order.
	List(bucket string) ([]Entry, error)
	Close() error
}

// EventStore is the append-only log side of the façade, kept separate
// from KVStore because events are write-once and read back by a
// position cursor rather than by key. AppendEvent takes the event's own
// id so an adapter can dedup a replayed append; re-appending a known id
// must be a no-op, not an error.
type EventStore interface {
	AppendEvent(cellID, eventID string, payload []byte) error
	// EventsSince returns the payload of the single event at 0-based
	// append position cursor, along with the cursor to resume from next
	// (cursor+1); when no event is at that position it returns nil bytes
	// and cursor unchanged.
	EventsSince(cellID string, cursor int64) ([]byte, int64, error)
}

// Store is a persistence adapter that satisfies both halves of the
// façade; memstore.Store and dbstore.Store both implement it, letting a
// cell be constructed against either with a single argument.
type Store interface {
	KVStore
	EventStore
}

// Load fetches and unmarshals a single bucket/key entry, reporting a
// cellerr.CodeNotFound error on a missing key so callers don't need to special
// case Has/Get pairs.
func Load[T any](store KVStore, bucket, key string, unmarshal func([]byte) (T, error)) Result[T] {
	raw, err := store.Get(bucket, key)
	if err != nil {
		return Err[T](err)
	}
	if raw == nil {
		return Err[T](cellerr.Newf(cellerr.CodeNotFound, "%s/%s not found", bucket, key))
	}
	value, err := unmarshal(raw)
	if err != nil {
		return Err[T](cellerr.Wrap(cellerr.CodeInternal, "unmarshal failed", err))
	}
	return Ok(value)
}

// Save marshals and persists a single bucket/key entry.
func Save[T any](store KVStore, bucket, key string, value T, marshal func(T) ([]byte, error)) error {
	raw, err := marshal(value)
	if err != nil {
		return cellerr.Wrap(cellerr.CodeInternal, "marshal failed", err)
	}
	return store.Put(bucket, key, raw)
}
