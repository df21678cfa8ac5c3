// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Turn is one recorded question and answer of a session, supplied by the
// caller on session switch.
type Turn struct {
	ID        int64  `json:"id"`
	UserQuery string `json:"user_query"`
	RAGAnswer string `json:"rag_answer"`
	CreatedAt string `json:"created_at"`
}

// SessionInitRequest is the body of POST /session/init.
type SessionInitRequest struct {
	SessionID  int64 `json:"session_id" binding:"required"`
	NewSession *bool `json:"new_session,omitempty"`
}

// SessionSwitchRequest is the body of POST /session/switch.
type SessionSwitchRequest struct {
	SessionID  int64  `json:"session_id" binding:"required"`
	NewSession bool   `json:"new_session"`
	Messages   []Turn `json:"messages"`
}

// SessionResponse acknowledges a session operation.
type SessionResponse struct {
	Status    string `json:"status"`
	SessionID *int64 `json:"session_id"`
}

// SessionSnippet is a prior-turn passage retrieved from a session's
// private index and handed to query repair.
type SessionSnippet struct {
	TurnID int64
	Text   string
}
