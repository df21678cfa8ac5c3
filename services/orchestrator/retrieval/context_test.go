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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

func item(text string, score float64, file string) datatypes.ContextItem {
	md := map[string]string{}
	if file != "" {
		md["file"] = file
	}
	return datatypes.ContextItem{Text: text, Score: score, Metadata: md}
}

func TestBuildContext(t *testing.T) {
	t.Run("stops at first item over budget", func(t *testing.T) {
		items := []datatypes.ContextItem{
			item("aaaa", 0.9, "a.md"),
			item("bbbbbbb", 0.8, ""),
			item("cc", 0.7, "c.md"),
		}
		got := BuildContext(items, 5, 9)

		assert.Equal(t, "[1] 파일:a.md\naaaa\n\n---\n\n[2] 파일:\nbbbbb", got.Block)
		assert.Equal(t, []string{"a.md"}, got.Files)
		require.Len(t, got.Items, 2)
		assert.Equal(t, "bbbbbbb", got.Items[1].Text, "included items keep their full text")
	})

	t.Run("first item over budget yields empty context", func(t *testing.T) {
		got := BuildContext([]datatypes.ContextItem{item("abcdef", 1, "x")}, 10, 3)
		assert.Empty(t, got.Block)
		assert.Empty(t, got.Files)
		assert.Empty(t, got.Items)
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		got := BuildContext([]datatypes.ContextItem{item("한국어문장", 1, "k.md")}, 3, 3)
		assert.Equal(t, "[1] 파일:k.md\n한국어", got.Block)
	})

	t.Run("file id falls back to path", func(t *testing.T) {
		it := datatypes.ContextItem{Text: "t", Metadata: map[string]string{"path": "/d/p.txt"}}
		got := BuildContext([]datatypes.ContextItem{it}, 10, 10)
		assert.Equal(t, []string{"/d/p.txt"}, got.Files)
	})
}

func TestApplyCutoff(t *testing.T) {
	items := []datatypes.ContextItem{item("a", 0.9, ""), item("b", 0.5, ""), item("c", 0.2, "")}
	got := ApplyCutoff(items, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "b", got[1].Text)
}

func TestReorderLongContext(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   []float64
	}{
		{"five items", []float64{0.9, 0.8, 0.7, 0.6, 0.5}, []float64{0.9, 0.7, 0.5, 0.6, 0.8}},
		{"four items", []float64{0.9, 0.8, 0.7, 0.6}, []float64{0.8, 0.6, 0.7, 0.9}},
		{"two items unchanged", []float64{0.2, 0.9}, []float64{0.2, 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]datatypes.ContextItem, len(tt.scores))
			for i, s := range tt.scores {
				items[i] = item("", s, "")
			}
			got := ReorderLongContext(items)
			scores := make([]float64, len(got))
			for i, it := range got {
				scores[i] = it.Score
			}
			assert.Equal(t, tt.want, scores)
		})
	}
}

type fakeSearcher struct {
	items []datatypes.ContextItem
	err   error
	topK  int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, topK int) ([]datatypes.ContextItem, error) {
	f.topK = topK
	return f.items, f.err
}

func TestRetriever(t *testing.T) {
	cutoff := 0.5
	s := &fakeSearcher{items: []datatypes.ContextItem{
		item("a", 0.9, ""), item("b", 0.8, ""), item("c", 0.1, ""), item("d", 0.6, ""),
	}}
	r := NewRetriever(s, RetrieverConfig{Cutoff: &cutoff, LongContextReorder: true})

	got, err := r.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s.topK, "topK below one is raised to one")

	texts := make([]string, len(got))
	for i, it := range got {
		texts[i] = it.Text
	}
	assert.Equal(t, []string{"a", "d", "b"}, texts)

	_, err = r.Retrieve(context.Background(), "  ", 3)
	assert.Error(t, err)

	s.err = errors.New("boom")
	_, err = r.Retrieve(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "boom")
}
