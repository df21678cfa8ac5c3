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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// DefaultQueueSize is the channel capacity between producer and consumer.
const DefaultQueueSize = 100

// =============================================================================
// Bridge Configuration
// =============================================================================

// BridgeConfig configures one stream.
//
// # Fields
//
//   - QueueSize: Channel capacity. Values < 1 use DefaultQueueSize.
//   - CompatDupContent: Copy every reasoning event into a content event
//     sent just before it, and guarantee at least one content event.
//   - Reveal: Optional reveal filter for the content channel.
//   - Logger: Optional logger. Defaults to slog.Default().
type BridgeConfig struct {
	QueueSize        int
	CompatDupContent bool
	Reveal           *RevealFilter
	Logger           *slog.Logger
}

// ProduceFunc runs on the producer goroutine and pushes generator events
// through the Emitter. A returned error ends the stream with one error
// event. The producer must not call the Emitter after returning.
type ProduceFunc func(ctx context.Context, em *Emitter) error

// =============================================================================
// Stream
// =============================================================================

// Stream is the consumer side of one bridged event stream.
//
// # Description
//
// Events arrive in production order on Events(). The channel carries at
// most one error event, then exactly one done event, and is then closed.
// Close abandons the stream: the producer keeps running to completion
// but its sends are dropped instead of blocking.
//
// # Thread Safety
//
// Events may be read by one goroutine. Close and Wait are safe to call
// from any goroutine, any number of times.
type Stream struct {
	events    chan Event
	abandoned chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// Events returns the receive channel. It is closed after the done event.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close marks the consumer as gone. Pending and future events are dropped.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.abandoned) })
}

// Wait blocks until the producer goroutine has returned.
func (s *Stream) Wait() {
	<-s.finished
}

// send enqueues ev, or drops it once the consumer has abandoned the stream.
func (s *Stream) send(ev Event) bool {
	select {
	case <-s.abandoned:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.abandoned:
		return false
	}
}

// StartBridge launches produce on its own goroutine and returns the
// consumer side immediately.
//
// # Description
//
// The producer goroutine runs produce, then terminates the stream: on a
// nil error it emits the reveal fallback and the compatibility
// placeholder when needed; on a non-nil error it emits one error event.
// In both cases it emits one done event carrying the timing summary and
// closes the channel. A panic in produce is reported as an error.
//
// # Inputs
//
//   - ctx: Producer context. It should not be tied to the consumer's
//     connection since the producer outlives an abandoned consumer.
//   - cfg: Bridge configuration.
//   - produce: The event source.
//
// # Outputs
//
//   - *Stream: Consumer side.
func StartBridge(ctx context.Context, cfg BridgeConfig, produce ProduceFunc) *Stream {
	size := cfg.QueueSize
	if size < 1 {
		size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		events:    make(chan Event, size),
		abandoned: make(chan struct{}),
		finished:  make(chan struct{}),
	}
	em := &Emitter{
		stream: s,
		compat: cfg.CompatDupContent,
		reveal: cfg.Reveal,
		start:  time.Now(),
	}

	go func() {
		defer close(s.finished)
		defer close(s.events)

		err := runProducer(ctx, em, produce)
		em.finish(err)
		if err != nil {
			logger.Warn("stream producer failed", "error", err)
		}
	}()
	return s
}

func runProducer(ctx context.Context, em *Emitter, produce ProduceFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream producer panic: %v", r)
		}
	}()
	return produce(ctx, em)
}

// =============================================================================
// Emitter
// =============================================================================

// Emitter is the producer side of a Stream. It normalizes labels, applies
// the reveal filter, keeps ttft ahead of content, and tracks timing.
//
// # Thread Safety
//
// Not safe for concurrent use. Only the producer goroutine touches it.
type Emitter struct {
	stream *Stream
	compat bool
	reveal *RevealFilter

	start         time.Time
	ttftAt        time.Time
	ttftSec       *float64
	retrievalSec  *float64
	firstReason   time.Time
	lastReason    time.Time
	lastContent   time.Time
	contentSent   bool
	reasoningSeen bool
}

// MarkGenerationStart resets the clock that a synthesized ttft is
// measured from. Call it right before opening the generator stream.
func (e *Emitter) MarkGenerationStart() {
	e.start = time.Now()
}

// SetRetrieval records the retrieval duration reported in done.
func (e *Emitter) SetRetrieval(d time.Duration) {
	sec := d.Seconds()
	e.retrievalSec = &sec
}

// Emit pushes one generator event.
//
// # Description
//
// The label is normalized first. Generator done events are swallowed
// since the bridge emits its own. Only the first ttft is kept; a float64
// payload is taken as the measured seconds, anything else is replaced by
// the time since MarkGenerationStart. Reasoning is forwarded as-is, and
// in compatibility mode a copy is sent as content first. Content passes
// through the reveal filter and is skipped while withheld.
//
// # Inputs
//
//   - label: Raw generator label, e.g. "token" or "cot".
//   - payload: Text for content and reasoning, seconds for ttft.
func (e *Emitter) Emit(label string, payload any) {
	switch Normalize(label) {
	case KindDone:
		return
	case KindTTFT:
		e.emitTTFT(payload)
	case KindReasoning:
		text := asText(payload)
		now := time.Now()
		if !e.reasoningSeen {
			e.firstReason = now
			e.reasoningSeen = true
		}
		e.lastReason = now
		if e.compat {
			e.emitContent(text)
		}
		e.stream.send(Event{Kind: KindReasoning, Payload: text})
	default:
		text := asText(payload)
		if e.reveal != nil {
			text = e.reveal.Feed(text)
			if text == "" {
				return
			}
		}
		e.emitContent(text)
	}
}

func (e *Emitter) emitTTFT(payload any) {
	if e.ttftSec != nil {
		return
	}
	sec, ok := payload.(float64)
	if !ok {
		sec = time.Since(e.start).Seconds()
	}
	e.ttftSec = &sec
	e.ttftAt = time.Now()
	e.stream.send(Event{Kind: KindTTFT, Payload: sec})
}

func (e *Emitter) emitContent(text string) {
	if e.ttftSec == nil {
		e.emitTTFT(nil)
	}
	e.lastContent = time.Now()
	e.contentSent = true
	e.stream.send(Event{Kind: KindContent, Payload: text})
}

// finish emits the terminal events. Called once, on the producer goroutine.
func (e *Emitter) finish(err error) {
	if err != nil {
		e.stream.send(Event{Kind: KindError, Payload: map[string]any{"message": err.Error()}})
	} else {
		if e.reveal != nil {
			if rest := e.reveal.Finish(); rest != "" {
				e.emitContent(rest)
			}
		}
		if e.compat && !e.contentSent {
			e.emitContent("")
		}
	}
	e.stream.send(Event{Kind: KindDone, Payload: map[string]any{"timing": e.Timing()}})
}

// Timing summarizes the stream so far. Unmeasured phases are nil.
func (e *Emitter) Timing() datatypes.Timing {
	t := datatypes.Timing{
		RetrievalSec: e.retrievalSec,
		TTFTSec:      e.ttftSec,
	}
	if e.ttftSec != nil && e.contentSent {
		gen := e.lastContent.Sub(e.ttftAt).Seconds()
		t.TextGenSec = &gen
	}
	if e.reasoningSeen {
		think := e.lastReason.Sub(e.firstReason).Seconds()
		t.ThinkTotalSec = &think
	}
	return t
}

func asText(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
