// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

func sampleTurns(n int) []datatypes.Turn {
	turns := make([]datatypes.Turn, n)
	for i := range turns {
		turns[i] = datatypes.Turn{
			ID:        int64(i + 1),
			UserQuery: fmt.Sprintf("질문 %d", i+1),
			RAGAnswer: fmt.Sprintf("답변 %d", i+1),
			CreatedAt: "2025-03-01T09:00:00",
		}
	}
	return turns
}

func TestFormatTurns(t *testing.T) {
	turns := sampleTurns(2)
	turns[1].RAGAnswer = strings.Repeat("a", 600)

	out := FormatTurns(turns)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Q1: 질문 1", lines[0])
	assert.Equal(t, "A1: 답변 1", lines[1])
	assert.Equal(t, "Q2: 질문 2", lines[2])
	assert.Equal(t, "A2: "+strings.Repeat("a", 500), lines[3])
}

func TestSummarize_NoTurns(t *testing.T) {
	gen := &scriptedGenerator{output: func(string) (string, error) { return "x", nil }}
	s := NewSummarizer(gen.Generate, DefaultSummaryConfig(), nil)

	all, recent := s.Summarize(context.Background(), nil)
	assert.Empty(t, all)
	assert.Empty(t, recent)
	assert.Empty(t, gen.calls)
}

func TestSummarize_WholeAndRecentWindow(t *testing.T) {
	gen := &scriptedGenerator{output: func(prompt string) (string, error) {
		if strings.Contains(prompt, "전체 대화 이력") {
			return "  전체 요약  ", nil
		}
		return "<think>...</think>최근 요약", nil
	}}
	s := NewSummarizer(gen.Generate, DefaultSummaryConfig(), nil)

	all, recent := s.Summarize(context.Background(), sampleTurns(7))
	assert.Equal(t, "전체 요약", all)
	assert.Equal(t, "최근 요약", recent)

	require.Len(t, gen.calls, 2)
	for _, c := range gen.calls {
		require.NotNil(t, c.params.Temperature)
		assert.Equal(t, float32(0.3), *c.params.Temperature)
		if strings.Contains(c.prompt, "최근 5개 QA") {
			assert.NotContains(t, c.prompt, "Q2: ")
			assert.Contains(t, c.prompt, "Q3: 질문 3")
			assert.Contains(t, c.prompt, "Q7: 질문 7")
		} else {
			assert.Contains(t, c.prompt, "Q1: 질문 1")
		}
	}
}

func TestSummarize_FailureIsPerSummary(t *testing.T) {
	gen := &scriptedGenerator{output: func(prompt string) (string, error) {
		if strings.Contains(prompt, "전체 대화 이력") {
			return "", errors.New("timeout")
		}
		return "최근 요약", nil
	}}
	s := NewSummarizer(gen.Generate, DefaultSummaryConfig(), nil)

	all, recent := s.Summarize(context.Background(), sampleTurns(3))
	assert.Empty(t, all)
	assert.Equal(t, "최근 요약", recent)
}
