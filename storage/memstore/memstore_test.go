// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	s := New()
	require.NoError(t, s.Put("members", "alice", []byte("payload")))

	v, err := s.Get("members", "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), v)

	ok, err := s.Has("members", "alice")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAppendEventDedupsByID(t *testing.T) {
	s := New()
	require.NoError(t, s.AppendEvent("cell-1", "evt-1", []byte("payload")))
	require.NoError(t, s.AppendEvent("cell-1", "evt-1", []byte("payload"))) // replay

	payload, cursor, err := s.EventsSince("cell-1", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), payload)
	require.Equal(t, int64(1), cursor)

	_, cursor, err = s.EventsSince("cell-1", cursor)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)
}
