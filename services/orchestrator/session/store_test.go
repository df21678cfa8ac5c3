// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubIndex struct{ name string }

func (s stubIndex) Search(context.Context, string, int) ([]datatypes.ContextItem, error) {
	return []datatypes.ContextItem{{Text: s.name}}, nil
}

type evictLog struct {
	mu     sync.Mutex
	events map[int64]string
}

func (e *evictLog) record(id int64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[id] = reason
}

func newTestStore(t *testing.T, max int, ttl time.Duration) (*Store, *fakeClock, *evictLog) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	evicted := &evictLog{events: make(map[int64]string)}
	store, err := NewStore(Options{
		Dir:         t.TempDir(),
		MaxSessions: max,
		TTL:         ttl,
		OnEvict:     evicted.record,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	return store, clock, evicted
}

func TestNewStore_RequiresDir(t *testing.T) {
	_, err := NewStore(Options{})
	assert.Error(t, err)
}

func TestGetOrCreate_PersistsNewSession(t *testing.T) {
	store, _, _ := newTestStore(t, 4, 0)

	sess := store.GetOrCreate(1001)
	assert.Equal(t, int64(1001), sess.ID)
	assert.Empty(t, sess.SummaryAll)

	data, err := os.ReadFile(filepath.Join(sess.Dir, MetaFileName))
	require.NoError(t, err)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Contains(t, meta, "summary_all")
	assert.Contains(t, meta, "recent5")
	assert.Contains(t, meta, "updated_at")
}

func TestCapacityEviction_RemovesLeastRecentlyUsed(t *testing.T) {
	store, _, evicted := newTestStore(t, 3, 0)

	for _, id := range []int64{1, 2, 3} {
		store.GetOrCreate(id)
	}
	store.GetOrCreate(1)
	store.GetOrCreate(4)
	store.GetOrCreate(5)

	assert.Equal(t, 3, store.Len())
	assert.Equal(t, []int64{1, 4, 5}, store.IDs())
	assert.Equal(t, map[int64]string{2: EvictCapacity, 3: EvictCapacity}, evicted.events)

	_, err := os.Stat(store.Dir(2))
	assert.True(t, os.IsNotExist(err), "evicted session dir is deleted")
	_, err = os.Stat(store.Dir(1))
	assert.NoError(t, err)
}

func TestUpdate_SweepsExpiredSessions(t *testing.T) {
	store, clock, evicted := newTestStore(t, 10, 72*time.Hour)

	store.Update(1, "old", "old", nil)
	clock.Advance(73 * time.Hour)
	sess := store.Update(2, "all", "recent", nil)

	assert.Equal(t, []int64{2}, store.IDs())
	assert.Equal(t, EvictTTL, evicted.events[1])
	assert.Equal(t, "all", sess.SummaryAll)
	_, err := os.Stat(store.Dir(1))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepExpired_DisabledTTL(t *testing.T) {
	store, clock, _ := newTestStore(t, 10, 0)

	store.Update(1, "a", "b", nil)
	clock.Advance(1000 * time.Hour)
	assert.Zero(t, store.SweepExpired())
	assert.Equal(t, 1, store.Len())
}

func TestSweepExpired_Periodic(t *testing.T) {
	store, clock, _ := newTestStore(t, 10, time.Hour)

	store.GetOrCreate(1)
	store.GetOrCreate(2)
	clock.Advance(30 * time.Minute)
	store.Update(2, "fresh", "", nil)
	clock.Advance(45 * time.Minute)

	assert.Equal(t, 1, store.SweepExpired())
	_, ok := store.Peek(1)
	assert.False(t, ok)
	_, ok = store.Peek(2)
	assert.True(t, ok)
}

func TestUpdate_KeepsIndexWhenNil(t *testing.T) {
	store, _, _ := newTestStore(t, 4, 0)

	store.Update(7, "a", "b", stubIndex{name: "v1"})
	sess := store.Update(7, "c", "d", nil)

	require.NotNil(t, sess.Index)
	assert.Equal(t, stubIndex{name: "v1"}, sess.Index)
	assert.Equal(t, "c", sess.SummaryAll)
	assert.Equal(t, "d", sess.SummaryRecent)
}

func TestGetOrCreate_RestoresFromDisk(t *testing.T) {
	dir := t.TempDir()
	var opened string
	opts := Options{
		Dir:         dir,
		MaxSessions: 1,
		OpenIndex: func(indexDir string) (Index, error) {
			opened = indexDir
			return stubIndex{name: "restored"}, nil
		},
	}
	store, err := NewStore(opts)
	require.NoError(t, err)
	store.Update(42, "전체 요약", "최근 요약", nil)

	fresh, err := NewStore(opts)
	require.NoError(t, err)
	sess := fresh.GetOrCreate(42)

	assert.Equal(t, "전체 요약", sess.SummaryAll)
	assert.Equal(t, "최근 요약", sess.SummaryRecent)
	assert.Equal(t, filepath.Join(dir, "42", IndexDirName), opened)
	assert.Equal(t, stubIndex{name: "restored"}, sess.Index)
}

func TestInit_ResetsSession(t *testing.T) {
	store, _, _ := newTestStore(t, 4, 0)

	first := store.Update(9, "a", "b", stubIndex{name: "x"})
	require.NoError(t, os.MkdirAll(first.IndexDir(), 0755))

	sess := store.Init(9)
	assert.Empty(t, sess.SummaryAll)
	assert.Nil(t, sess.Index)
	_, err := os.Stat(sess.IndexDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(sess.Dir, MetaFileName))
	assert.NoError(t, err)
}

func TestPersistFailure_KeepsSessionInMemory(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(Options{Dir: root, MaxSessions: 4})
	require.NoError(t, err)

	// A regular file where the session dir should be makes persistence fail.
	blocker := filepath.Join(root, "5")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	sess := store.Update(5, "summary", "recent", nil)
	assert.Equal(t, "summary", sess.SummaryAll)

	got, ok := store.Peek(5)
	require.True(t, ok)
	assert.Equal(t, "summary", got.SummaryAll)
}

func TestLock_SerializesSameSession(t *testing.T) {
	store, _, _ := newTestStore(t, 4, 0)

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.Lock(1)
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Empty(t, store.keyed.locks)
}
