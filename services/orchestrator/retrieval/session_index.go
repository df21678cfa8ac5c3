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
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/session"
)

// SessionCollection is the collection name of every per-session index.
const SessionCollection = "session_turns"

// TurnDocuments renders turns as "Q: ...\nA: ..." documents carrying the
// turn id and creation time.
func TurnDocuments(turns []datatypes.Turn) []Document {
	docs := make([]Document, 0, len(turns))
	for i, t := range turns {
		if strings.TrimSpace(t.UserQuery) == "" && strings.TrimSpace(t.RAGAnswer) == "" {
			continue
		}
		id := strconv.FormatInt(t.ID, 10)
		if t.ID == 0 {
			id = "turn-" + strconv.Itoa(i)
		}
		docs = append(docs, Document{
			ID:      id,
			Content: fmt.Sprintf("Q: %s\nA: %s", t.UserQuery, t.RAGAnswer),
			Metadata: map[string]string{
				"turn_id":    strconv.FormatInt(t.ID, 10),
				"created_at": t.CreatedAt,
			},
		})
	}
	return docs
}

// BuildSessionIndex replaces the index in dir with one built from turns.
// It returns a nil index and no error when there is nothing to index.
func BuildSessionIndex(ctx context.Context, dir string, turns []datatypes.Turn, embed chromem.EmbeddingFunc, concurrency int) (*Index, error) {
	docs := TurnDocuments(turns)
	if len(docs) == 0 {
		return nil, nil
	}
	idx, err := CreateIndex(dir, SessionCollection, embed, true)
	if err != nil {
		return nil, err
	}
	if err := idx.Add(ctx, docs, concurrency); err != nil {
		return nil, err
	}
	return idx, nil
}

// SessionOpener returns a session.IndexOpener over persisted session
// indexes. A directory without an index yields a nil index and no error.
func SessionOpener(embed chromem.EmbeddingFunc) session.IndexOpener {
	return func(dir string) (session.Index, error) {
		idx, err := OpenIndex(dir, SessionCollection, embed)
		if errors.Is(err, ErrNoIndex) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
}

// SessionSnippets converts session search hits into repair snippets. The
// turn id is read from metadata and is zero when absent.
func SessionSnippets(items []datatypes.ContextItem) []datatypes.SessionSnippet {
	out := make([]datatypes.SessionSnippet, 0, len(items))
	for _, it := range items {
		id, _ := strconv.ParseInt(it.Metadata["turn_id"], 10, 64)
		out = append(out, datatypes.SessionSnippet{TurnID: id, Text: it.Text})
	}
	return out
}

// SessionIndexBuilder adapts BuildSessionIndex to the session package's
// Index type. An empty turn list yields a nil index.
func SessionIndexBuilder(embed chromem.EmbeddingFunc, concurrency int) func(ctx context.Context, dir string, turns []datatypes.Turn) (session.Index, error) {
	return func(ctx context.Context, dir string, turns []datatypes.Turn) (session.Index, error) {
		idx, err := BuildSessionIndex(ctx, dir, turns, embed, concurrency)
		if err != nil || idx == nil {
			return nil, err
		}
		return idx, nil
	}
}
