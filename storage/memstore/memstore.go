// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package memstore is the in-memory storage.KVStore/EventStore adapter.
// cell.New wires it as the default storage.Store when a caller does not
// supply a production adapter such as storage/dbstore, and it is the
// adapter tests construct directly.
package memstore

import (
	"sort"
	"sync"

	"github.com/luxfi/cellcredit/storage"
)

// Store is a process-local, mutex-guarded implementation of
// storage.KVStore and storage.EventStore. Nothing is persisted across
// process restarts.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	events  map[string][][]byte
	seenIDs map[string]map[string]bool
}

var (
	_ storage.KVStore    = (*Store)(nil)
	_ storage.EventStore = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		buckets: make(map[string]map[string][]byte),
		events:  make(map[string][][]byte),
		seenIDs: make(map[string]map[string]bool),
	}
}

func (s *Store) Put(bucket, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b[key] = cp
	return nil
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, nil
	}
	v, ok := b[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Has(bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return false, nil
	}
	_, ok = b[key]
	return ok, nil
}

func (s *Store) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (s *Store) List(bucket string) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.buckets[bucket]
	entries := make([]storage.Entry, 0, len(b))
	for k, v := range b {
		cp := make([]byte, len(v))
		copy(cp, v)
		entries = append(entries, storage.Entry{Key: k, Value: cp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) AppendEvent(cellID, eventID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.seenIDs[cellID]
	if !ok {
		seen = make(map[string]bool)
		s.seenIDs[cellID] = seen
	}
	if seen[eventID] {
		return nil
	}
	seen[eventID] = true
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.events[cellID] = append(s.events[cellID], cp)
	return nil
}

// EventsSince returns the single next event's bytes after cursor and
// the cursor to resume from; callers loop until no bytes return.
// Concatenating arbitrary payloads into one slice would lose their
// boundaries, so the cursor walks them one at a time.
func (s *Store) EventsSince(cellID string, cursor int64) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[cellID]
	if cursor < 0 || cursor >= int64(len(log)) {
		return nil, cursor, nil
	}
	payload := log[cursor]
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, cursor + 1, nil
}
