// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session keeps per-session conversational state (rolling
// summaries and a private retrieval index) in a bounded LRU cache backed by
// a per-session directory on disk.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

const (
	// MetaFileName is the per-session metadata file.
	MetaFileName = "session_meta.json"
	// IndexDirName is the per-session index directory.
	IndexDirName = "index"
)

// Eviction reasons reported to Options.OnEvict.
const (
	EvictCapacity = "capacity"
	EvictTTL      = "ttl"
)

// =============================================================================
// Types
// =============================================================================

// Index is a session's private retrieval index over its own turns.
type Index interface {
	Search(ctx context.Context, query string, topK int) ([]datatypes.ContextItem, error)
}

// IndexOpener reopens a persisted session index from dir. It returns
// (nil, nil) when dir holds no index.
type IndexOpener func(dir string) (Index, error)

// Session is a snapshot of one session's state. Mutating a snapshot does
// not change the store; use Store.Update.
type Session struct {
	ID            int64
	SummaryAll    string
	SummaryRecent string
	Index         Index
	UpdatedAt     time.Time
	Dir           string
}

// IndexDir is where the session's private index is persisted.
func (s Session) IndexDir() string {
	return filepath.Join(s.Dir, IndexDirName)
}

type sessionMeta struct {
	SummaryAll    string `json:"summary_all"`
	SummaryRecent string `json:"recent5"`
	UpdatedAt     string `json:"updated_at"`
}

// Options configures a Store.
//
// # Fields
//
//   - Dir: Root directory; session N lives in Dir/N.
//   - MaxSessions: LRU capacity. Values < 1 become 1.
//   - TTL: Idle age after which a session expires. Zero disables expiry.
//   - OpenIndex: Optional opener used when a session is rebuilt from disk.
//   - OnEvict: Optional hook called after a session is evicted.
//   - Logger: Optional logger. Defaults to slog.Default().
//   - Now: Optional clock, for tests.
type Options struct {
	Dir         string
	MaxSessions int
	TTL         time.Duration
	OpenIndex   IndexOpener
	OnEvict     func(id int64, reason string)
	Logger      *slog.Logger
	Now         func() time.Time
}

// =============================================================================
// Store
// =============================================================================

// Store is the bounded session cache.
//
// # Description
//
// Entries are kept in recency order by golang-lru. Adding an entry past
// capacity evicts the least recently used one. Update sweeps entries whose
// UpdatedAt is older than the TTL. Every eviction deletes the session's
// directory. Persistence errors are logged and never drop the in-memory
// entry.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Store-level operations are
// serialized by an internal mutex. Lock provides optional per-session
// mutual exclusion for callers that read then update one session.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	cache  *lru.Cache[int64, *Session]
	reason string

	keyed keyedMutex
}

// NewStore creates the store and its root directory.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("session dir is required")
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	s := &Store{
		opts:   opts,
		logger: logger.With("component", "session_store"),
		reason: EvictCapacity,
		keyed:  keyedMutex{locks: make(map[int64]*keyedEntry)},
	}
	cache, err := lru.NewWithEvict[int64, *Session](opts.MaxSessions, s.onEvicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// onEvicted runs for capacity evictions and explicit removals. s.mu is
// held by the caller that triggered it.
func (s *Store) onEvicted(id int64, sess *Session) {
	if err := os.RemoveAll(sess.Dir); err != nil {
		s.logger.Warn("failed to delete evicted session dir",
			"session_id", id, "dir", sess.Dir, "error", err)
	}
	s.logger.Info("session evicted", "session_id", id, "reason", s.reason)
	if s.opts.OnEvict != nil {
		s.opts.OnEvict(id, s.reason)
	}
}

// GetOrCreate returns the session, creating it when needed.
//
// # Description
//
// A cached session is returned and becomes most recently used. Otherwise,
// if the session directory exists, the session is rebuilt from its
// metadata file and persisted index. Otherwise an empty session is
// created and its metadata written. New entries are inserted as most
// recently used, which may evict the least recently used entry.
//
// # Inputs
//
//   - id: Session id.
//
// # Outputs
//
//   - Session: Snapshot of the entry.
func (s *Store) GetOrCreate(id int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrCreateLocked(id)
}

func (s *Store) getOrCreateLocked(id int64) *Session {
	if sess, ok := s.cache.Get(id); ok {
		return sess
	}

	sess := &Session{ID: id, Dir: s.sessionDir(id), UpdatedAt: s.opts.Now()}
	if info, err := os.Stat(sess.Dir); err == nil && info.IsDir() {
		s.restore(sess)
	} else if err := s.persist(sess); err != nil {
		s.logger.Warn("failed to persist new session", "session_id", id, "error", err)
	}
	s.add(sess)
	return sess
}

// Init creates or resets a session: empty summaries, no index, fresh
// metadata on disk. The entry becomes most recently used.
func (s *Store) Init(id int64) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{ID: id, Dir: s.sessionDir(id), UpdatedAt: s.opts.Now()}
	if err := os.RemoveAll(sess.IndexDir()); err != nil {
		s.logger.Warn("failed to clear session index", "session_id", id, "error", err)
	}
	if err := s.persist(sess); err != nil {
		s.logger.Warn("failed to persist session init", "session_id", id, "error", err)
	}
	s.add(sess)
	return *sess
}

// Update replaces the session's summaries and, when index is non-nil, its
// index. It persists the metadata, refreshes recency and then sweeps
// expired sessions.
func (s *Store) Update(id int64, summaryAll, summaryRecent string, index Index) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getOrCreateLocked(id)
	next := *current
	next.SummaryAll = summaryAll
	next.SummaryRecent = summaryRecent
	if index != nil {
		next.Index = index
	}
	next.UpdatedAt = s.opts.Now()
	if err := s.persist(&next); err != nil {
		s.logger.Warn("failed to persist session update", "session_id", id, "error", err)
	}
	s.add(&next)
	s.sweepLocked()
	return next
}

// SweepExpired evicts every session idle longer than the TTL and returns
// how many were removed. It is a no-op when the TTL is disabled.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Store) sweepLocked() int {
	if s.opts.TTL <= 0 {
		return 0
	}
	now := s.opts.Now()
	var expired []int64
	for _, id := range s.cache.Keys() {
		sess, ok := s.cache.Peek(id)
		if ok && now.Sub(sess.UpdatedAt) > s.opts.TTL {
			expired = append(expired, id)
		}
	}

	s.reason = EvictTTL
	defer func() { s.reason = EvictCapacity }()
	for _, id := range expired {
		s.cache.Remove(id)
	}
	return len(expired)
}

// Peek returns the session without touching recency.
func (s *Store) Peek(id int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache.Peek(id)
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// IDs returns the cached session ids, least recently used first.
func (s *Store) IDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Keys()
}

// Len returns the number of cached sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Dir returns the directory for session id.
func (s *Store) Dir(id int64) string {
	return s.sessionDir(id)
}

// Lock acquires the per-session lock for id and returns its release.
func (s *Store) Lock(id int64) func() {
	return s.keyed.lock(id)
}

func (s *Store) add(sess *Session) {
	s.reason = EvictCapacity
	s.cache.Add(sess.ID, sess)
}

func (s *Store) sessionDir(id int64) string {
	return filepath.Join(s.opts.Dir, strconv.FormatInt(id, 10))
}

// =============================================================================
// Persistence
// =============================================================================

func (s *Store) persist(sess *Session) error {
	if err := os.MkdirAll(sess.Dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(sessionMeta{
		SummaryAll:    sess.SummaryAll,
		SummaryRecent: sess.SummaryRecent,
		UpdatedAt:     sess.UpdatedAt.Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}

	path := filepath.Join(sess.Dir, MetaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session meta: %w", err)
	}
	return nil
}

// restore fills sess from its directory. Missing or unreadable parts are
// logged and left at their zero values.
func (s *Store) restore(sess *Session) {
	data, err := os.ReadFile(filepath.Join(sess.Dir, MetaFileName))
	switch {
	case err == nil:
		var meta sessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("corrupt session meta", "session_id", sess.ID, "error", err)
			break
		}
		sess.SummaryAll = meta.SummaryAll
		sess.SummaryRecent = meta.SummaryRecent
		if ts, err := time.Parse(time.RFC3339Nano, meta.UpdatedAt); err == nil {
			sess.UpdatedAt = ts
		}
	case !errors.Is(err, os.ErrNotExist):
		s.logger.Warn("failed to read session meta", "session_id", sess.ID, "error", err)
	}

	if s.opts.OpenIndex == nil {
		return
	}
	idx, err := s.opts.OpenIndex(sess.IndexDir())
	if err != nil {
		s.logger.Warn("failed to reopen session index", "session_id", sess.ID, "error", err)
		return
	}
	sess.Index = idx
}

// =============================================================================
// Per-session locking
// =============================================================================

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
