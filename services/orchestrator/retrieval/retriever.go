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
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// Searcher is anything that returns scored passages for a query.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]datatypes.ContextItem, error)
}

// RetrieverConfig controls post-processing of raw search results.
//
// # Fields
//
//   - Cutoff: Drop items scoring below this value. Nil disables it.
//   - LongContextReorder: Place the best items at both ends of the list.
type RetrieverConfig struct {
	Cutoff             *float64
	LongContextReorder bool
}

// Retriever runs a search and post-processes the results.
type Retriever struct {
	searcher Searcher
	config   RetrieverConfig
}

// NewRetriever wraps searcher.
func NewRetriever(searcher Searcher, config RetrieverConfig) *Retriever {
	return &Retriever{searcher: searcher, config: config}
}

// Retrieve returns up to topK items for query: search, then the similarity
// cutoff, then the optional long-context reorder.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]datatypes.ContextItem, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}
	if topK < 1 {
		topK = 1
	}
	items, err := r.searcher.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if r.config.Cutoff != nil {
		items = ApplyCutoff(items, *r.config.Cutoff)
	}
	if r.config.LongContextReorder {
		items = ReorderLongContext(items)
	}
	return items, nil
}

// ApplyCutoff keeps the items whose score is at least cutoff.
func ApplyCutoff(items []datatypes.ContextItem, cutoff float64) []datatypes.ContextItem {
	out := make([]datatypes.ContextItem, 0, len(items))
	for _, it := range items {
		if it.Score >= cutoff {
			out = append(out, it)
		}
	}
	return out
}

// ReorderLongContext arranges items so the highest scores sit at the start
// and end of the list and the lowest in the middle. Models attend least to
// the middle of a long context.
func ReorderLongContext(items []datatypes.ContextItem) []datatypes.ContextItem {
	if len(items) < 3 {
		return items
	}
	asc := make([]datatypes.ContextItem, len(items))
	copy(asc, items)
	sort.SliceStable(asc, func(a, b int) bool { return asc[a].Score < asc[b].Score })

	out := make([]datatypes.ContextItem, 0, len(asc))
	for i, it := range asc {
		if i%2 == 0 {
			out = append([]datatypes.ContextItem{it}, out...)
		} else {
			out = append(out, it)
		}
	}
	return out
}
