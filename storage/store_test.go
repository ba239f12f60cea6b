// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acp-project/go-acp/errs"
)

type snapshot struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	want := snapshot{Name: "alice", Count: 3}
	require.NoError(t, store.WriteJSON("wallets/alice.json", &want))
	require.True(t, store.Exists("wallets/alice.json"))

	var got snapshot
	require.NoError(t, store.ReadJSON("wallets/alice.json", &got))
	require.Equal(t, want, got)
}

func TestStoreReadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var got snapshot
	err = store.ReadJSON("nope.json", &got)
	require.True(t, os.IsNotExist(err))
	require.False(t, store.Exists("nope.json"))
}

func TestStoreCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0600))

	var got snapshot
	err = store.ReadJSON("bad.json", &got)
	require.True(t, errs.HasCode(err, errs.PersistenceError))
}

func TestStoreList(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	names, err := store.List("tasks")
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, store.WriteJSON("tasks/a.json", &snapshot{}))
	require.NoError(t, store.WriteJSON("tasks/b.json", &snapshot{}))
	require.NoError(t, store.WriteJSON("tasks/sub/c.json", &snapshot{}))

	names, err = store.List("tasks")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.json", "b.json"}, names)
}

func TestStoreOverwriteKeepsLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.WriteJSON("s.json", &snapshot{Count: 1}))
	require.NoError(t, store.WriteJSON("s.json", &snapshot{Count: 2}))

	var got snapshot
	require.NoError(t, store.ReadJSON("s.json", &got))
	require.Equal(t, 2, got.Count)
}

func TestOfflineQueue(t *testing.T) {
	q, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	defer q.Close()

	now := time.Now()
	require.NoError(t, q.Enqueue("m1", "bob", []byte("one"), now.Add(-time.Minute)))
	require.NoError(t, q.Enqueue("m2", "bob", []byte("two"), now.Add(time.Hour)))
	require.NoError(t, q.Enqueue("m3", "carol", []byte("three"), now.Add(-time.Minute)))
	// Duplicate IDs are ignored, not duplicated.
	require.NoError(t, q.Enqueue("m1", "bob", []byte("one again"), now))

	n, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	due, err := q.Due(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, m := range due {
		require.NotEqual(t, "m2", m.MsgID)
	}

	forBob, err := q.ForRecipient("bob")
	require.NoError(t, err)
	require.Len(t, forBob, 2)

	require.NoError(t, q.MarkDelivered("m1"))
	n, err = q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestOfflineQueueReschedule(t *testing.T) {
	q, err := OpenOfflineQueue(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	defer q.Close()

	now := time.Now()
	require.NoError(t, q.Enqueue("m1", "bob", []byte("x"), now.Add(-time.Minute)))

	// Two reschedules are allowed under maxAttempts 3, the third fails the
	// message out of the queue.
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Reschedule("m1", now.Add(-time.Second), 3))
		due, err := q.Due(now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, i+1, due[0].Attempts)
	}
	require.NoError(t, q.Reschedule("m1", now.Add(-time.Second), 3))
	due, err := q.Due(now, 10)
	require.NoError(t, err)
	require.Empty(t, due)

	n, err := q.PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)
}
