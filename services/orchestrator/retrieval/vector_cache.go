// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// VectorCache is a persistent text -> vector store consulted by the
// Embedder after its in-memory LRU.
type VectorCache interface {
	Get(model, text string) ([]float32, bool)
	Put(model, text string, vec []float32) error
	Close() error
}

// =============================================================================
// Badger-backed cache
// =============================================================================

// BadgerCacheConfig configures a BadgerVectorCache.
//
// # Fields
//
//   - Path: Database directory. Ignored when InMemory is set.
//   - InMemory: Keep everything in memory, for tests.
//   - Logger: Receives badger's internal logs. Nil silences them.
type BadgerCacheConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerVectorCache stores embeddings in BadgerDB so that restarts and
// re-ingestion do not pay for vectors computed before.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerVectorCache struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerVectorCache opens or creates the cache database.
func OpenBadgerVectorCache(cfg BadgerCacheConfig) (*BadgerVectorCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("embedding cache path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create embedding cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return &BadgerVectorCache{db: db}, nil
}

// Get returns the cached vector of text under model.
func (c *BadgerVectorCache) Get(model, text string) ([]float32, bool) {
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(model, text))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := decodeVector(val)
			vec = v
			return err
		})
	})
	if err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores vec for text under model.
func (c *BadgerVectorCache) Put(model, text string, vec []float32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(vectorKey(model, text), encodeVector(vec))
	})
}

// Close flushes and closes the database.
func (c *BadgerVectorCache) Close() error {
	return c.db.Close()
}

// vectorKey namespaces by model so a model switch never serves stale
// vectors.
func vectorKey(model, text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return []byte("emb:" + model + ":" + hex.EncodeToString(sum[:]))
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}

var _ VectorCache = (*BadgerVectorCache)(nil)
