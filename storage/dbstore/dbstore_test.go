// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dbstore

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	db := memdb.New()
	defer db.Close()
	s := New(db)

	require.NoError(t, s.Put("members", "alice", []byte("payload")))
	ok, err := s.Has("members", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	v, err := s.Get("members", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), v)

	require.NoError(t, s.Delete("members", "alice"))
	ok, err = s.Has("members", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListReturnsEveryEntryInBucket(t *testing.T) {
	db := memdb.New()
	defer db.Close()
	s := New(db)

	require.NoError(t, s.Put("members", "alice", []byte("a")))
	require.NoError(t, s.Put("members", "bob", []byte("b")))
	require.NoError(t, s.Put("other", "carol", []byte("c")))

	entries, err := s.List("members")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestAppendEventDedupsByID(t *testing.T) {
	db := memdb.New()
	defer db.Close()
	s := New(db)

	require.NoError(t, s.AppendEvent("cell-1", "evt-1", []byte("payload")))
	require.NoError(t, s.AppendEvent("cell-1", "evt-1", []byte("payload"))) // replay

	payload, cursor, err := s.EventsSince("cell-1", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), payload)
	require.Equal(t, int64(1), cursor)

	_, cursor, err = s.EventsSince("cell-1", cursor)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor) // no second event appended
}
