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
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	chromem "github.com/philippgille/chromem-go"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// ErrNoIndex is returned by OpenIndex when the directory holds no index
// with the requested collection.
var ErrNoIndex = errors.New("no index found")

// Document is one unit added to an Index.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Index is a chromem-go collection, either persisted under a directory or
// held in memory.
//
// # Thread Safety
//
// Safe for concurrent use; chromem-go synchronizes collection access.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
	dir string
}

// OpenIndex opens an existing persisted index. It returns ErrNoIndex when
// dir does not exist or does not contain the collection.
func OpenIndex(dir, collection string, embed chromem.EmbeddingFunc) (*Index, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, dir)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db %s: %w", dir, err)
	}
	col := db.GetCollection(collection, embed)
	if col == nil {
		return nil, fmt.Errorf("%w: collection %q in %s", ErrNoIndex, collection, dir)
	}
	return &Index{db: db, col: col, dir: dir}, nil
}

// CreateIndex opens or creates a persisted index under dir. With reset
// set, any existing collection of that name is dropped first.
func CreateIndex(dir, collection string, embed chromem.EmbeddingFunc, reset bool) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db %s: %w", dir, err)
	}
	if reset {
		if err := db.DeleteCollection(collection); err != nil {
			return nil, fmt.Errorf("reset collection %q: %w", collection, err)
		}
	}
	col, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", collection, err)
	}
	return &Index{db: db, col: col, dir: dir}, nil
}

// NewMemoryIndex creates an index that is never written to disk.
func NewMemoryIndex(collection string, embed chromem.EmbeddingFunc) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection %q: %w", collection, err)
	}
	return &Index{db: db, col: col}, nil
}

// Dir is the persistence directory, empty for in-memory indexes.
func (i *Index) Dir() string {
	return i.dir
}

// Count returns the number of stored documents.
func (i *Index) Count() int {
	return i.col.Count()
}

// Add embeds and stores docs.
func (i *Index) Add(ctx context.Context, docs []Document, concurrency int) error {
	if len(docs) == 0 {
		return nil
	}
	if concurrency < 1 {
		concurrency = runtime.NumCPU()
	}
	cdocs := make([]chromem.Document, len(docs))
	for j, d := range docs {
		cdocs[j] = chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata}
	}
	if err := i.col.AddDocuments(ctx, cdocs, concurrency); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Search returns up to topK documents most similar to query, best first.
func (i *Index) Search(ctx context.Context, query string, topK int) ([]datatypes.ContextItem, error) {
	n := topK
	if count := i.col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return []datatypes.ContextItem{}, nil
	}
	results, err := i.col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	items := make([]datatypes.ContextItem, 0, len(results))
	for _, r := range results {
		items = append(items, datatypes.ContextItem{
			Text:     r.Content,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}
	return items, nil
}
