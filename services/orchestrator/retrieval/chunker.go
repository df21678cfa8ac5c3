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
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// =============================================================================
// Token counting
// =============================================================================

// TokenCounter counts and truncates text in model tokens.
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c tiktokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	toks := c.enc.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return c.enc.Decode(toks[:maxTokens])
}

// EstimateCounter approximates one token per four characters. It is the
// fallback when no tokenizer encoding can be loaded.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if n < 4 {
		return 1
	}
	return n / 4
}

func (EstimateCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	return truncateRunes(text, maxTokens*4)
}

// NewTokenCounter loads the named tiktoken encoding, e.g. "cl100k_base".
// When the encoding cannot be loaded it logs a warning and returns
// EstimateCounter.
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating tokens from characters",
			"encoding", encoding, "error", err)
		return EstimateCounter{}
	}
	return tiktokenCounter{enc: enc}
}

// =============================================================================
// Chunking
// =============================================================================

// ChunkerConfig controls how documents are split into nodes.
//
// # Fields
//
//   - ChunkTokens: Target tokens per chunk.
//   - ChunkOverlap: Tokens of trailing lines repeated at the next chunk start.
//   - MaxNodeChars: Hard character cap per node. Zero disables it.
//   - MaxNodeTokens: Hard token cap per node. Zero disables it.
type ChunkerConfig struct {
	ChunkTokens   int
	ChunkOverlap  int
	MaxNodeChars  int
	MaxNodeTokens int
}

// Chunker splits text into line-aligned chunks of roughly ChunkTokens.
type Chunker struct {
	config  ChunkerConfig
	counter TokenCounter
}

// NewChunker creates a Chunker. A nil counter uses EstimateCounter.
func NewChunker(config ChunkerConfig, counter TokenCounter) *Chunker {
	if config.ChunkTokens < 1 {
		config.ChunkTokens = 512
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkTokens {
		config.ChunkOverlap = 0
	}
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Chunker{config: config, counter: counter}
}

// Split returns the chunks of text with node caps applied. Blank chunks
// are dropped.
//
// # Description
//
// Lines are packed into a chunk until the next line would exceed
// ChunkTokens. The next chunk then starts with as many trailing lines of
// the previous one as fit in ChunkOverlap tokens. A single line longer
// than ChunkTokens is split by characters on its own.
func (c *Chunker) Split(text string) []string {
	lines := strings.Split(text, "\n")
	var chunks []string
	var cur []string
	curTokens := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n"))
		}
	}

	for _, line := range lines {
		lineTokens := c.counter.Count(line + "\n")
		if lineTokens > c.config.ChunkTokens {
			flush()
			cur, curTokens = nil, 0
			chunks = append(chunks, c.splitLongLine(line)...)
			continue
		}
		if curTokens+lineTokens > c.config.ChunkTokens && len(cur) > 0 {
			flush()
			cur, curTokens = c.overlap(cur)
		}
		cur = append(cur, line)
		curTokens += lineTokens
	}
	flush()

	out := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		ch = c.Cap(ch)
		if strings.TrimSpace(ch) != "" {
			out = append(out, ch)
		}
	}
	return out
}

// Cap applies MaxNodeTokens, then MaxNodeChars.
func (c *Chunker) Cap(text string) string {
	if c.config.MaxNodeTokens > 0 {
		text = c.counter.Truncate(text, c.config.MaxNodeTokens)
	}
	if c.config.MaxNodeChars > 0 {
		text = truncateRunes(text, c.config.MaxNodeChars)
	}
	return text
}

func (c *Chunker) overlap(prev []string) ([]string, int) {
	if c.config.ChunkOverlap == 0 {
		return nil, 0
	}
	tokens := 0
	start := len(prev)
	for i := len(prev) - 1; i >= 0; i-- {
		t := c.counter.Count(prev[i] + "\n")
		if tokens+t > c.config.ChunkOverlap {
			break
		}
		tokens += t
		start = i
	}
	kept := make([]string, len(prev)-start)
	copy(kept, prev[start:])
	return kept, tokens
}

func (c *Chunker) splitLongLine(line string) []string {
	per := c.config.ChunkTokens * 4
	runes := []rune(line)
	var out []string
	for start := 0; start < len(runes); start += per {
		end := start + per
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
