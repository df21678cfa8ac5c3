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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type rawEvent struct {
	label   string
	payload any
}

func replay(events []rawEvent, err error) ProduceFunc {
	return func(_ context.Context, em *Emitter) error {
		em.MarkGenerationStart()
		for _, ev := range events {
			em.Emit(ev.label, ev.payload)
		}
		return err
	}
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				s.Wait()
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
			return nil
		}
	}
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func doneTiming(t *testing.T, ev Event) datatypes.Timing {
	t.Helper()
	require.Equal(t, KindDone, ev.Kind)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	timing, ok := payload["timing"].(datatypes.Timing)
	require.True(t, ok)
	return timing
}

func countKind(events []Event, k Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

func TestBridge_ContentStream(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{}, replay([]rawEvent{
		{"first_token", 0.12},
		{"token", "안녕"},
		{"delta", "하세요"},
		{"done", "stop"},
	}, nil))

	events := collect(t, s)
	assert.Equal(t, []Kind{KindTTFT, KindContent, KindContent, KindDone}, kinds(events))
	assert.Equal(t, 0.12, events[0].Payload)

	timing := doneTiming(t, events[3])
	require.NotNil(t, timing.TTFTSec)
	assert.Equal(t, 0.12, *timing.TTFTSec)
	assert.NotNil(t, timing.TextGenSec)
	assert.Nil(t, timing.ThinkTotalSec)
	assert.Nil(t, timing.RetrievalSec)
}

func TestBridge_SynthesizesTTFTBeforeContent(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{}, replay([]rawEvent{
		{"text", "a"},
		{"ttft", 9.9},
		{"text", "b"},
	}, nil))

	events := collect(t, s)
	assert.Equal(t, []Kind{KindTTFT, KindContent, KindContent, KindDone}, kinds(events))
	assert.NotEqual(t, 9.9, events[0].Payload, "a late ttft is dropped")
}

func TestBridge_CompatDuplicatesReasoning(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{CompatDupContent: true}, replay([]rawEvent{
		{"first_token", 0.05},
		{"reasoning", "think"},
		{"token", "answer"},
	}, nil))

	events := collect(t, s)
	assert.Equal(t, []Kind{KindTTFT, KindContent, KindReasoning, KindContent, KindDone}, kinds(events))
	assert.Equal(t, "think", events[1].Payload)
	assert.Equal(t, "think", events[2].Payload)

	timing := doneTiming(t, events[4])
	assert.NotNil(t, timing.ThinkTotalSec)
}

func TestBridge_CompatPlaceholderWhenNoContent(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{CompatDupContent: true}, replay(nil, nil))

	events := collect(t, s)
	assert.Equal(t, []Kind{KindTTFT, KindContent, KindDone}, kinds(events))
	assert.Equal(t, "", events[1].Payload)
}

func TestBridge_WithoutCompatReasoningStaysSeparate(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{}, replay([]rawEvent{
		{"cot", "step"},
	}, nil))

	events := collect(t, s)
	assert.Equal(t, []Kind{KindReasoning, KindDone}, kinds(events))
}

func TestBridge_ErrorThenExactlyOneDone(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{CompatDupContent: true}, replay([]rawEvent{
		{"token", "partial"},
		{"done", nil},
	}, errors.New("upstream reset")))

	events := collect(t, s)
	assert.Equal(t, 1, countKind(events, KindError))
	assert.Equal(t, 1, countKind(events, KindDone))
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, KindError, events[len(events)-2].Kind)
	assert.Equal(t, KindDone, events[len(events)-1].Kind)
	assert.Equal(t, map[string]any{"message": "upstream reset"}, events[len(events)-2].Payload)
}

func TestBridge_PanicBecomesError(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{}, func(context.Context, *Emitter) error {
		panic("boom")
	})

	events := collect(t, s)
	assert.Equal(t, []Kind{KindError, KindDone}, kinds(events))
	msg := events[0].Payload.(map[string]any)["message"].(string)
	assert.True(t, strings.Contains(msg, "boom"))
}

func TestBridge_RevealPerChunkWithFallback(t *testing.T) {
	tests := []struct {
		name     string
		fallback Fallback
		chunks   []string
		want     string
	}{
		{"revealed", FallbackEmpty, []string{"draft ", "<<<FINAL>>> ", "done"}, " done"},
		{"keep all", FallbackKeepAll, []string{"draft ", "only"}, "draft only"},
		{"empty", FallbackEmpty, []string{"draft ", "only"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw []rawEvent
			for _, c := range tt.chunks {
				raw = append(raw, rawEvent{"token", c})
			}
			s := StartBridge(context.Background(), BridgeConfig{
				Reveal: NewRevealFilter(finalToken, tt.fallback),
			}, replay(raw, nil))

			var answer strings.Builder
			for _, ev := range collect(t, s) {
				if ev.Kind == KindContent {
					answer.WriteString(ev.Payload.(string))
				}
			}
			assert.Equal(t, tt.want, answer.String())
		})
	}
}

func TestBridge_RetrievalTiming(t *testing.T) {
	s := StartBridge(context.Background(), BridgeConfig{}, func(_ context.Context, em *Emitter) error {
		em.SetRetrieval(250 * time.Millisecond)
		em.Emit("token", "x")
		return nil
	})

	events := collect(t, s)
	timing := doneTiming(t, events[len(events)-1])
	require.NotNil(t, timing.RetrievalSec)
	assert.InDelta(t, 0.25, *timing.RetrievalSec, 1e-9)
}

func TestBridge_AbandonedConsumerDoesNotBlockProducer(t *testing.T) {
	produced := make(chan struct{})
	s := StartBridge(context.Background(), BridgeConfig{QueueSize: 2}, func(_ context.Context, em *Emitter) error {
		for i := 0; i < 500; i++ {
			em.Emit("token", "x")
		}
		close(produced)
		return nil
	})

	<-s.Events()
	s.Close()
	s.Close()

	select {
	case <-produced:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked after the consumer left")
	}
	s.Wait()
}
