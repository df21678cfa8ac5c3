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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/streaming"
)

// warmupComment is written before any event so intermediaries start
// forwarding the response.
const warmupComment = ": warmup\n\n"

// =============================================================================
// Struct Definition
// =============================================================================

// SSEWriter writes stream events in two framings.
//
// # Description
//
// Every event is written twice, back to back:
//
//	data: {"event":"<kind>","text":"<payload>"}
//
//	event: <kind>
//	data: <payload line 1>
//	data: <payload line 2>
//
// The first frame serves clients that only read unnamed messages, the
// second clients that dispatch on event names. Payloads are the event's
// text form: raw text for content and reasoning, a decimal number for
// ttft, JSON for done and error.
//
// # Thread Safety
//
// Thread-safe via mutex.
type SSEWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates an SSEWriter for w.
//
// # Outputs
//
//   - *SSEWriter: Ready to write.
//   - error: Non-nil if w does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &SSEWriter{writer: w, flusher: flusher}, nil
}

// WriteWarmup writes the initial comment line.
func (w *SSEWriter) WriteWarmup() error {
	return w.write([]byte(warmupComment))
}

// WriteEvent writes ev in both framings and flushes.
func (w *SSEWriter) WriteEvent(ev streaming.Event) error {
	return w.write(FormatEvent(string(ev.Kind), ev.PayloadText()))
}

func (w *SSEWriter) write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(p); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// FormatEvent renders one event in both framings.
func FormatEvent(kind, payload string) []byte {
	var b bytes.Buffer

	b.WriteString("data: ")
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	// Encode cannot fail for two strings; it also appends the newline.
	_ = enc.Encode(struct {
		Event string `json:"event"`
		Text  string `json:"text"`
	}{kind, payload})
	b.WriteString("\n")

	b.WriteString("event: ")
	b.WriteString(kind)
	b.WriteString("\n")
	for _, line := range payloadLines(payload) {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.Bytes()
}

// payloadLines splits on any line break. A trailing break adds no empty
// line, and an empty payload is one empty line.
func payloadLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// SetSSEHeaders sets the standard SSE response headers.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
