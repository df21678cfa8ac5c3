// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"regexp"
	"strings"
)

// Fallback selects what a RevealFilter yields when the stream ends without
// the reveal token ever appearing.
type Fallback string

const (
	// FallbackKeepAll yields the whole withheld buffer.
	FallbackKeepAll Fallback = "keep_all"
	// FallbackEmpty yields nothing.
	FallbackEmpty Fallback = "empty"
	// FallbackAfterThinkTag yields the text after the first </think>, or
	// the whole buffer when there is none.
	FallbackAfterThinkTag Fallback = "after_think_tag"
)

var afterThinkRe = regexp.MustCompile(`(?is)</think>\s*(.*)`)

// RevealFilter withholds content until a reveal token is seen.
//
// # Description
//
// Chunks fed before the token are buffered and withheld. When the token
// first appears in the buffer, everything up to and including its first
// occurrence is discarded and the remainder is released. After that the
// filter is transparent. If the stream ends first, Finish applies the
// fallback policy to the buffer.
//
// # Thread Safety
//
// Not safe for concurrent use. One filter serves one stream.
type RevealFilter struct {
	token    string
	fallback Fallback
	buf      strings.Builder
	revealed bool
}

// NewRevealFilter creates a filter for token. An empty token reveals
// immediately. An unrecognized fallback behaves as FallbackKeepAll.
func NewRevealFilter(token string, fallback Fallback) *RevealFilter {
	switch fallback {
	case FallbackKeepAll, FallbackEmpty, FallbackAfterThinkTag:
	default:
		fallback = FallbackKeepAll
	}
	return &RevealFilter{token: token, fallback: fallback, revealed: token == ""}
}

// Revealed reports whether the token has been seen.
func (f *RevealFilter) Revealed() bool {
	return f.revealed
}

// Feed consumes one content chunk and returns the text to emit now.
func (f *RevealFilter) Feed(chunk string) string {
	if f.revealed {
		return chunk
	}
	f.buf.WriteString(chunk)
	buffered := f.buf.String()
	idx := strings.Index(buffered, f.token)
	if idx < 0 {
		return ""
	}
	f.revealed = true
	f.buf.Reset()
	return buffered[idx+len(f.token):]
}

// Finish returns the fallback text for a stream that ended unrevealed.
// It returns "" once the token has been seen, and drains the buffer.
func (f *RevealFilter) Finish() string {
	if f.revealed {
		return ""
	}
	buffered := f.buf.String()
	f.buf.Reset()
	switch f.fallback {
	case FallbackEmpty:
		return ""
	case FallbackAfterThinkTag:
		if m := afterThinkRe.FindStringSubmatch(buffered); m != nil {
			return strings.TrimSpace(m[1])
		}
		return buffered
	default:
		return buffered
	}
}

// Apply filters a complete answer in one call. The revealed remainder is
// trimmed of surrounding whitespace.
func (f *RevealFilter) Apply(text string) string {
	out := f.Feed(text)
	if f.revealed {
		return strings.TrimSpace(out)
	}
	return f.Finish()
}
