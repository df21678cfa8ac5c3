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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/session"
)

// SessionStore is the subset of *session.Store the session handlers use.
type SessionStore interface {
	GetOrCreate(id int64) session.Session
	Init(id int64) session.Session
	Update(id int64, summaryAll, summaryRecent string, index session.Index) session.Session
	Lock(id int64) func()
}

// Summarizer builds the whole-history and recent summaries of a session.
type Summarizer interface {
	Summarize(ctx context.Context, turns []datatypes.Turn) (all string, recent string)
}

// SessionIndexBuilder replaces the index in dir with one over turns. It
// returns a nil index when there is nothing to index.
type SessionIndexBuilder func(ctx context.Context, dir string, turns []datatypes.Turn) (session.Index, error)

// =============================================================================
// Struct Definition
// =============================================================================

// SessionHandler serves /session/init and /session/switch.
//
// # Thread Safety
//
// Operations on the same session id are serialized by the store's
// per-session lock. Different sessions proceed in parallel.
type SessionHandler struct {
	store      SessionStore
	summarizer Summarizer
	buildIndex SessionIndexBuilder
	logger     *slog.Logger
}

// NewSessionHandler creates a SessionHandler. A nil logger uses
// slog.Default().
func NewSessionHandler(store SessionStore, summarizer Summarizer, buildIndex SessionIndexBuilder, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{store: store, summarizer: summarizer, buildIndex: buildIndex, logger: logger}
}

// HandleInit is the gin handler for POST /session/init.
//
// # Description
//
// new_session defaults to true and resets the session: empty summaries,
// no index, fresh metadata. An explicit false only makes sure the session
// exists.
func (h *SessionHandler) HandleInit(c *gin.Context) {
	var req datatypes.SessionInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	unlock := h.store.Lock(req.SessionID)
	defer unlock()

	if req.NewSession == nil || *req.NewSession {
		h.store.Init(req.SessionID)
		h.logger.Info("session initialized", "session_id", req.SessionID)
	} else {
		h.store.GetOrCreate(req.SessionID)
	}
	c.JSON(http.StatusOK, datatypes.SessionResponse{Status: "ok", SessionID: &req.SessionID})
}

// HandleSwitch is the gin handler for POST /session/switch.
//
// # Description
//
// Rebuilds the session from the caller's copy of its turns: both
// summaries are regenerated and the private index is rebuilt and
// persisted. With new_session the session is reset first. When messages
// is empty, or the index build fails, the summaries are still stored and
// the previous index is kept.
func (h *SessionHandler) HandleSwitch(c *gin.Context) {
	var req datatypes.SessionSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()

	unlock := h.store.Lock(req.SessionID)
	defer unlock()

	var sess session.Session
	if req.NewSession {
		sess = h.store.Init(req.SessionID)
	} else {
		sess = h.store.GetOrCreate(req.SessionID)
	}

	var all, recent string
	if h.summarizer != nil {
		all, recent = h.summarizer.Summarize(ctx, req.Messages)
	}

	var idx session.Index
	if h.buildIndex != nil {
		built, err := h.buildIndex(ctx, sess.IndexDir(), req.Messages)
		if err != nil {
			h.logger.Warn("session index build failed, keeping summaries", "session_id", req.SessionID, "error", err)
			built = nil
		}
		idx = built
	}

	h.store.Update(req.SessionID, all, recent, idx)
	h.logger.Info("session switched",
		"session_id", req.SessionID,
		"turns", len(req.Messages),
		"index_built", idx != nil)
	c.JSON(http.StatusOK, datatypes.SessionResponse{Status: "ok", SessionID: &req.SessionID})
}
