// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/session"
)

type fakeSummarizer struct {
	mu    sync.Mutex
	calls [][]datatypes.Turn
}

func (f *fakeSummarizer) Summarize(_ context.Context, turns []datatypes.Turn) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, turns)
	if len(turns) == 0 {
		return "", ""
	}
	return "all:" + turns[0].UserQuery, "recent:" + turns[len(turns)-1].UserQuery
}

type stubIndex struct{ turns int }

func (s stubIndex) Search(context.Context, string, int) ([]datatypes.ContextItem, error) {
	return nil, nil
}

type fakeIndexBuilder struct {
	err  error
	dirs []string
}

func (f *fakeIndexBuilder) build(_ context.Context, dir string, turns []datatypes.Turn) (session.Index, error) {
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return nil, f.err
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return stubIndex{turns: len(turns)}, nil
}

func newSessionFixture(t *testing.T) (*session.Store, *fakeSummarizer, *fakeIndexBuilder, *gin.Engine) {
	t.Helper()
	store, err := session.NewStore(session.Options{Dir: t.TempDir(), MaxSessions: 10})
	require.NoError(t, err)
	sum := &fakeSummarizer{}
	builder := &fakeIndexBuilder{}
	h := NewSessionHandler(store, sum, builder.build, nil)

	r := gin.New()
	r.POST("/session/init", h.HandleInit)
	r.POST("/session/switch", h.HandleSwitch)
	return store, sum, builder, r
}

func decodeSession(t *testing.T, body []byte) datatypes.SessionResponse {
	t.Helper()
	var resp datatypes.SessionResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestSessionSwitch_BuildsSummariesAndIndex(t *testing.T) {
	store, sum, builder, r := newSessionFixture(t)

	w := postJSON(r, "/session/switch", `{"session_id":42,"messages":[
		{"id":1,"user_query":"제동 거리","rag_answer":"200m","created_at":"2025-01-01"},
		{"id":2,"user_query":"출입문","rag_answer":"닫힘","created_at":"2025-01-02"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeSession(t, w.Body.Bytes())
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.SessionID)
	assert.Equal(t, int64(42), *resp.SessionID)

	require.Len(t, sum.calls, 1)
	assert.Len(t, sum.calls[0], 2)
	require.Len(t, builder.dirs, 1)
	assert.Equal(t, filepath.Join(store.Dir(42), session.IndexDirName), builder.dirs[0])

	sess, ok := store.Peek(42)
	require.True(t, ok)
	assert.Equal(t, "all:제동 거리", sess.SummaryAll)
	assert.Equal(t, "recent:출입문", sess.SummaryRecent)
	assert.Equal(t, stubIndex{turns: 2}, sess.Index)
}

func TestSessionSwitch_EmptyMessagesKeepsIndex(t *testing.T) {
	store, _, _, r := newSessionFixture(t)
	store.Update(7, "old all", "old recent", stubIndex{turns: 9})

	w := postJSON(r, "/session/switch", `{"session_id":7,"messages":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	sess, ok := store.Peek(7)
	require.True(t, ok)
	assert.Empty(t, sess.SummaryAll)
	assert.Empty(t, sess.SummaryRecent)
	assert.Equal(t, stubIndex{turns: 9}, sess.Index)
}

func TestSessionSwitch_NewSessionResetsFirst(t *testing.T) {
	store, _, _, r := newSessionFixture(t)
	store.Update(7, "old all", "old recent", stubIndex{turns: 9})

	w := postJSON(r, "/session/switch", `{"session_id":7,"new_session":true,"messages":[]}`)
	require.Equal(t, http.StatusOK, w.Code)

	sess, ok := store.Peek(7)
	require.True(t, ok)
	assert.Nil(t, sess.Index)
}

func TestSessionSwitch_IndexFailureKeepsSummaries(t *testing.T) {
	store, _, builder, r := newSessionFixture(t)
	store.Update(3, "old all", "old recent", stubIndex{turns: 4})
	builder.err = errors.New("embed endpoint down")

	w := postJSON(r, "/session/switch", `{"session_id":3,"messages":[{"id":1,"user_query":"q","rag_answer":"a"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", decodeSession(t, w.Body.Bytes()).Status)

	sess, ok := store.Peek(3)
	require.True(t, ok)
	assert.Equal(t, "all:q", sess.SummaryAll)
	assert.Equal(t, "recent:q", sess.SummaryRecent)
	assert.Equal(t, stubIndex{turns: 4}, sess.Index, "previous index survives a failed build")
}

func TestSessionInit(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantReset bool
	}{
		{"new_session defaults to true", `{"session_id":5}`, true},
		{"explicit true resets", `{"session_id":5,"new_session":true}`, true},
		{"explicit false keeps state", `{"session_id":5,"new_session":false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _, _, r := newSessionFixture(t)
			store.Update(5, "summary", "recent", stubIndex{turns: 1})

			w := postJSON(r, "/session/init", tt.body)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, int64(5), *decodeSession(t, w.Body.Bytes()).SessionID)

			sess, ok := store.Peek(5)
			require.True(t, ok)
			if tt.wantReset {
				assert.Empty(t, sess.SummaryAll)
				assert.Nil(t, sess.Index)
			} else {
				assert.Equal(t, "summary", sess.SummaryAll)
				assert.NotNil(t, sess.Index)
			}
		})
	}
}

func TestSessionHandlers_RejectMissingID(t *testing.T) {
	_, _, _, r := newSessionFixture(t)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/session/init", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, postJSON(r, "/session/switch", `{"messages":[]}`).Code)
}
