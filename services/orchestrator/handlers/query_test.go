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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/services"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/streaming"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRuntime records which mode was used and replays canned results.
type fakeRuntime struct {
	resp     datatypes.QueryResponse
	err      error
	events   []labeled
	syncHits int
	strHits  int
	lastReq  datatypes.QueryRequest
}

type labeled struct {
	label   string
	payload any
}

func (f *fakeRuntime) Query(_ context.Context, req datatypes.QueryRequest) (datatypes.QueryResponse, error) {
	f.syncHits++
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeRuntime) QueryStream(ctx context.Context, req datatypes.QueryRequest) *streaming.Stream {
	f.strHits++
	f.lastReq = req
	return streaming.StartBridge(context.WithoutCancel(ctx), streaming.BridgeConfig{}, func(_ context.Context, em *streaming.Emitter) error {
		for _, ev := range f.events {
			em.Emit(ev.label, ev.payload)
		}
		return f.err
	})
}

func newQueryRouter(rt QueryRuntime, streamDefault bool) *gin.Engine {
	r := gin.New()
	h := NewQueryHandler(rt, streamDefault, nil, nil)
	r.POST("/query", h.HandleQuery)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleQuery_Sync(t *testing.T) {
	rt := &fakeRuntime{resp: datatypes.QueryResponse{
		Answer:   "정답",
		Contexts: []datatypes.ContextItem{},
		Files:    []string{"a.md"},
	}}
	w := postJSON(newQueryRouter(rt, false), "/query", `{"query":"질문","top_k":3}`)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "정답", got["answer"])
	assert.Equal(t, []any{"a.md"}, got["files"])
	assert.Equal(t, 3, rt.lastReq.TopK)
	assert.Equal(t, 1, rt.syncHits)
}

func TestHandleQuery_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"missing query", `{"top_k":2}`},
		{"blank query", `{"query":"   "}`},
		{"negative top_k", `{"query":"q","top_k":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			w := postJSON(newQueryRouter(rt, false), "/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Zero(t, rt.syncHits+rt.strHits)
		})
	}
}

func TestHandleQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{"not ready", services.ErrNotReady, http.StatusConflict, services.ErrNotReady.Error()},
		{"timeout", fmt.Errorf("%w: generate: %w", services.ErrTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout, "Request timed out"},
		{"upstream", fmt.Errorf("%w: retrieve: boom", services.ErrUpstream), http.StatusInternalServerError, "query failed"},
		{"unknown", errors.New("secret internals"), http.StatusInternalServerError, "query failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{err: tt.err}
			w := postJSON(newQueryRouter(rt, false), "/query", `{"query":"q"}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			var got map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, tt.wantDetail, got["detail"])
		})
	}
}

func TestHandleQuery_StreamSelection(t *testing.T) {
	tests := []struct {
		name          string
		path          string
		body          string
		streamDefault bool
		wantStream    bool
	}{
		{"default off", "/query", `{"query":"q"}`, false, false},
		{"default on", "/query", `{"query":"q"}`, true, true},
		{"body overrides default", "/query", `{"query":"q","stream":false}`, true, false},
		{"body true", "/query", `{"query":"q","stream":true}`, false, true},
		{"query param beats body", "/query?stream=yes", `{"query":"q","stream":false}`, false, true},
		{"query param off beats body", "/query?stream=0", `{"query":"q","stream":true}`, true, false},
		{"unknown param value is false", "/query?stream=maybe", `{"query":"q"}`, true, false},
		{"param is case-insensitive", "/query?stream=ON", `{"query":"q"}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{resp: datatypes.QueryResponse{Answer: "a"}}
			w := postJSON(newQueryRouter(rt, tt.streamDefault), tt.path, tt.body)

			require.Equal(t, http.StatusOK, w.Code)
			if tt.wantStream {
				assert.Equal(t, 1, rt.strHits)
				assert.Equal(t, "text/event-stream; charset=utf-8", w.Header().Get("Content-Type"))
			} else {
				assert.Equal(t, 1, rt.syncHits)
				assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
			}
		})
	}
}

func TestHandleQuery_StreamBody(t *testing.T) {
	rt := &fakeRuntime{events: []labeled{
		{"first_token", 0.25},
		{"token", "hi\nthere"},
		{"cot", "생각"},
	}}
	w := postJSON(newQueryRouter(rt, true), "/query", `{"query":"q"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, ": warmup\n\n"), body)

	wantInOrder := []string{
		"data: {\"event\":\"ttft\",\"text\":\"0.25\"}\n\nevent: ttft\ndata: 0.25\n\n",
		"data: {\"event\":\"content\",\"text\":\"hi\\nthere\"}\n\nevent: content\ndata: hi\ndata: there\n\n",
		"data: {\"event\":\"reasoning\",\"text\":\"생각\"}\n\nevent: reasoning\ndata: 생각\n\n",
		"event: done\ndata: {\"timing\":",
	}
	pos := 0
	for _, want := range wantInOrder {
		i := strings.Index(body[pos:], want)
		require.GreaterOrEqual(t, i, 0, "missing %q after offset %d in %q", want, pos, body)
		pos += i + len(want)
	}
	assert.NotContains(t, body, "event: error")
}

func TestHandleQuery_StreamError(t *testing.T) {
	rt := &fakeRuntime{err: services.ErrNotReady}
	w := postJSON(newQueryRouter(rt, true), "/query", `{"query":"q"}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	errAt := strings.Index(body, "event: error\n")
	doneAt := strings.Index(body, "event: done\n")
	require.GreaterOrEqual(t, errAt, 0)
	assert.Greater(t, doneAt, errAt)
	assert.Contains(t, body, "index not loaded")
	assert.Equal(t, 1, strings.Count(body, "event: done\n"))
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		want    string
	}{
		{
			name: "empty payload is one empty data line",
			kind: "content",
			want: "data: {\"event\":\"content\",\"text\":\"\"}\n\nevent: content\ndata: \n\n",
		},
		{
			name:    "trailing newline adds no line",
			kind:    "content",
			payload: "a\r\nb\n",
			want:    "data: {\"event\":\"content\",\"text\":\"a\\r\\nb\\n\"}\n\nevent: content\ndata: a\ndata: b\n\n",
		},
		{
			name:    "html is not escaped",
			kind:    "content",
			payload: "<b>&</b>",
			want:    "data: {\"event\":\"content\",\"text\":\"<b>&</b>\"}\n\nevent: content\ndata: <b>&</b>\n\n",
		},
		{
			name:    "blank line in the middle is kept",
			kind:    "reasoning",
			payload: "x\n\ny",
			want:    "data: {\"event\":\"reasoning\",\"text\":\"x\\n\\ny\"}\n\nevent: reasoning\ndata: x\ndata: \ndata: y\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(FormatEvent(tt.kind, tt.payload)))
		})
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "T", "yes", "Y", " on "} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "no", "2"} {
		assert.False(t, parseBool(v), v)
	}
}
