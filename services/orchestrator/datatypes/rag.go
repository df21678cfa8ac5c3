// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request, response and value types shared by
// the orchestrator packages.
package datatypes

import "strings"

// QueryRequest is the inbound body of POST /query.
type QueryRequest struct {
	Query            string `json:"query" binding:"required"`
	SessionID        *int64 `json:"session_id,omitempty"`
	EvalMode         bool   `json:"eval_mode"`
	TopK             int    `json:"top_k" binding:"gte=0"`
	ThinkMode        string `json:"think_mode"`
	IncludeReasoning bool   `json:"include_reasoning"`
	Stream           *bool  `json:"stream,omitempty"`
}

// ThinkingEnabled reports whether think_mode is "on" (case-insensitive).
func (r QueryRequest) ThinkingEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(r.ThinkMode), "on")
}

// SeparateReasoning reports whether reasoning text should be surfaced to
// the caller. It requires both include_reasoning and thinking.
func (r QueryRequest) SeparateReasoning() bool {
	return r.IncludeReasoning && r.ThinkingEnabled()
}

// HasSession reports whether the request names a session.
func (r QueryRequest) HasSession() bool {
	return r.SessionID != nil && *r.SessionID != 0
}

// ContextItem is one retrieved passage.
type ContextItem struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

// FileID returns the source identifier from metadata, preferring "file",
// then "file_name", then "path". Empty when none is present.
func (c ContextItem) FileID() string {
	for _, key := range []string{"file", "file_name", "path"} {
		if v := c.Metadata[key]; v != "" {
			return v
		}
	}
	return ""
}

// Timing reports per-phase durations in seconds. A nil field means the
// phase was not measurable for this request.
type Timing struct {
	RetrievalSec  *float64 `json:"retrieval_sec"`
	TTFTSec       *float64 `json:"ttft_sec"`
	TextGenSec    *float64 `json:"text_gen_sec"`
	ThinkTotalSec *float64 `json:"think_total_sec"`
}

// QueryResponse is the non-streaming response of POST /query.
type QueryResponse struct {
	Answer        string        `json:"answer"`
	Reasoning     *string       `json:"reasoning"`
	Contexts      []ContextItem `json:"contexts"`
	Timing        Timing        `json:"timing"`
	Files         []string      `json:"files"`
	RepairContext *RepairResult `json:"repair_context"`
	UsedQuery     *string       `json:"used_query"`
}

// RepairResult is the structured output of query repair.
type RepairResult struct {
	Corrections   []string `json:"corrections"`
	Questions     []string `json:"questions"`
	ImprovedQuery string   `json:"improved_query"`
	Assumptions   []string `json:"assumptions"`
}

// IdentityRepair is the result used when repair is disabled or fails:
// the original query, no issues, no questions, no assumptions.
func IdentityRepair(query string) RepairResult {
	return RepairResult{
		Corrections:   []string{},
		Questions:     []string{},
		ImprovedQuery: query,
		Assumptions:   []string{},
	}
}

// DocumentRequest is the body of POST /document.
type DocumentRequest struct {
	Path      string   `json:"path" binding:"required"`
	Recursive *bool    `json:"recursive,omitempty"`
	Rebuild   bool     `json:"rebuild"`
	FileTypes []string `json:"file_types,omitempty"`
}

// DocumentResponse reports an ingestion run.
type DocumentResponse struct {
	Status       string `json:"status"`
	IndexedFiles int    `json:"indexed_files"`
	Nodes        int    `json:"nodes"`
	PersistDir   string `json:"persist_dir"`
}
