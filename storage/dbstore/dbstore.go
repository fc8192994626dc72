// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dbstore is the production storage.KVStore/EventStore
// adapter, backed by github.com/luxfi/database's key/value Database
// interface.
package dbstore

import (
	"fmt"
	"strconv"

	"github.com/luxfi/cellcredit/storage"
	"github.com/luxfi/database"
)

// Store adapts a database.Database into storage.KVStore/EventStore by
// prefixing every key with its bucket name.
type Store struct {
	db database.Database
}

var (
	_ storage.KVStore    = (*Store)(nil)
	_ storage.EventStore = (*Store)(nil)
)

// New wraps an already-open database.Database handle. Closing the Store
// closes the underlying handle.
func New(db database.Database) *Store {
	return &Store{db: db}
}

func namespacedKey(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Put(namespacedKey(bucket, key), value)
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	ok, err := s.db.Has(namespacedKey(bucket, key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.db.Get(namespacedKey(bucket, key))
}

func (s *Store) Has(bucket, key string) (bool, error) {
	return s.db.Has(namespacedKey(bucket, key))
}

func (s *Store) Delete(bucket, key string) error {
	return s.db.Delete(namespacedKey(bucket, key))
}

func (s *Store) List(bucket string) ([]storage.Entry, error) {
	prefix := []byte(bucket + "/")
	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()

	var entries []storage.Entry
	for iter.Next() {
		key := string(iter.Key())[len(prefix):]
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		entries = append(entries, storage.Entry{Key: key, Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func eventKey(cellID string, seq int64) string {
	return fmt.Sprintf("events.%s/%020d", cellID, seq)
}

func (s *Store) AppendEvent(cellID, eventID string, payload []byte) error {
	seenKey := namespacedKey("events.seen", cellID+"/"+eventID)
	seen, err := s.db.Has(seenKey)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	cursorBucket := "events.cursor"
	cursor, err := s.readCursor(cursorBucket, cellID)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(eventKey(cellID, cursor)), payload); err != nil {
		return err
	}
	if err := s.db.Put(seenKey, []byte{1}); err != nil {
		return err
	}
	return s.writeCursor(cursorBucket, cellID, cursor+1)
}

func (s *Store) EventsSince(cellID string, cursor int64) ([]byte, int64, error) {
	cursorBucket := "events.cursor"
	next, err := s.readCursor(cursorBucket, cellID)
	if err != nil {
		return nil, cursor, err
	}
	if cursor < 0 || cursor >= next {
		return nil, cursor, nil
	}
	payload, err := s.db.Get([]byte(eventKey(cellID, cursor)))
	if err != nil {
		return nil, cursor, err
	}
	return payload, cursor + 1, nil
}

func (s *Store) readCursor(bucket, cellID string) (int64, error) {
	ok, err := s.db.Has(namespacedKey(bucket, cellID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	raw, err := s.db.Get(namespacedKey(bucket, cellID))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

func (s *Store) writeCursor(bucket, cellID string, value int64) error {
	return s.db.Put(namespacedKey(bucket, cellID), []byte(strconv.FormatInt(value, 10)))
}
