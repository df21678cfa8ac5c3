// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains the generator client used for answer generation,
// query repair and session summaries.
package llm

import (
	"context"
	"time"
)

// GenerationParams controls a single generation call. Nil pointers leave
// the server default in place.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// EnableThinking asks a reasoning-capable model to think before
	// answering. SeparateReasoning asks the server to put the thinking
	// tokens in the reasoning_content delta instead of the content.
	EnableThinking    bool `json:"enable_thinking"`
	SeparateReasoning bool `json:"separate_reasoning"`

	// Timeout bounds the whole call including the streamed body.
	// Zero means no additional bound beyond ctx.
	Timeout time.Duration `json:"-"`
}

// StreamEventType labels a streamed generator event. The values are the
// raw labels that the streaming pipeline normalizes.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of answer text.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking carries a fragment of reasoning text.
	StreamEventThinking StreamEventType = "reasoning"
	// StreamEventFirstToken is emitted once, before the first token of
	// either kind, with Elapsed set to the time since the request started.
	StreamEventFirstToken StreamEventType = "first_token"
	// StreamEventDone is emitted once when the server finishes the stream.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one event delivered to a StreamCallback.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Elapsed time.Duration
}

// StreamCallback receives events in production order. Returning an error
// stops the stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the generator backend.
type LLMClient interface {
	// Generate runs a non-streaming completion of prompt and returns the
	// answer text.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream streams a completion of prompt, invoking callback for every
	// event. It blocks until the stream ends, fails, or ctx is cancelled.
	ChatStream(ctx context.Context, prompt string, params GenerationParams, callback StreamCallback) error

	// Model returns the configured model name.
	Model() string
}

// Float32 returns a pointer to v, for optional GenerationParams fields.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for optional GenerationParams fields.
func Int(v int) *int { return &v }
