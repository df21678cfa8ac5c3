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
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

const sampleRepairOutput = `정정_대상:
- (turn_id=2) 점검 주기 설명이 차종을 특정하지 않음 - [ambiguous]

확인_질문:
1) 어떤 차종의 점검 주기를 묻는 것입니까?
2) 정기 점검과 중간 점검 중 어느 쪽입니까?

개선된_질의:
전동차 정기 점검의 3개월, 6개월, 12개월 주기별 점검 항목은 무엇인가?

가정:
- 사용자는 이전 대화의 전동차 점검을 이어서 묻고 있다
- 주기는 운행 기간 기준이다`

type recordedCall struct {
	prompt string
	params llm.GenerationParams
}

type scriptedGenerator struct {
	mu     sync.Mutex
	calls  []recordedCall
	output func(prompt string) (string, error)
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string, params llm.GenerationParams) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, recordedCall{prompt: prompt, params: params})
	g.mu.Unlock()
	return g.output(prompt)
}

func TestParseRepairOutput(t *testing.T) {
	got := ParseRepairOutput(sampleRepairOutput)
	want := datatypes.RepairResult{
		Corrections: []string{"(turn_id=2) 점검 주기 설명이 차종을 특정하지 않음 - [ambiguous]"},
		Questions: []string{
			"어떤 차종의 점검 주기를 묻는 것입니까?",
			"정기 점검과 중간 점검 중 어느 쪽입니까?",
		},
		ImprovedQuery: "전동차 정기 점검의 3개월, 6개월, 12개월 주기별 점검 항목은 무엇인가?",
		Assumptions: []string{
			"사용자는 이전 대화의 전동차 점검을 이어서 묻고 있다",
			"주기는 운행 기간 기준이다",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseRepairOutput mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRepairOutput_MissingSections(t *testing.T) {
	tests := []struct {
		name string
		text string
		want datatypes.RepairResult
	}{
		{
			name: "only improved query",
			text: "개선된_질의:\n  차륜 삭정 기준은?  ",
			want: datatypes.RepairResult{
				Corrections: []string{}, Questions: []string{}, Assumptions: []string{},
				ImprovedQuery: "차륜 삭정 기준은?",
			},
		},
		{
			name: "no markers",
			text: "모르겠습니다.",
			want: datatypes.RepairResult{Corrections: []string{}, Questions: []string{}, Assumptions: []string{}},
		},
		{
			name: "questions without numbering are ignored",
			text: "확인_질문:\n- 무엇인가?\n1)번호만\n가정:\n- 전제",
			want: datatypes.RepairResult{
				Corrections: []string{}, Assumptions: []string{"전제"},
				Questions: []string{"번호만"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseRepairOutput(tt.text)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildRepairPrompt(t *testing.T) {
	long := strings.Repeat("가", 900)
	prompt := BuildRepairPrompt("그거 주기가 어떻게 돼?", "", "최근 요약", []datatypes.SessionSnippet{
		{TurnID: 1, Text: "Q: 점검 주기?\nA: 3/6/12개월"},
		{TurnID: 2, Text: long},
	}, 800)

	assert.Contains(t, prompt, "사용자 질문: 그거 주기가 어떻게 돼?")
	assert.Contains(t, prompt, "전체 요약: (없음)")
	assert.Contains(t, prompt, "최근5 요약: 최근 요약")
	assert.Contains(t, prompt, "[turn_id=1]\nQ: 점검 주기?\nA: 3/6/12개월\n\n[turn_id=2]\n")
	assert.Contains(t, prompt, strings.Repeat("가", 800))
	assert.NotContains(t, prompt, strings.Repeat("가", 801))

	empty := BuildRepairPrompt("q", "a", "b", nil, 800)
	assert.Contains(t, empty, "(이전 QA 없음)")
}

func TestRepair_DisabledIsIdentity(t *testing.T) {
	gen := &scriptedGenerator{output: func(string) (string, error) { return sampleRepairOutput, nil }}
	cfg := DefaultRepairConfig()
	cfg.Enabled = false
	r := NewRepairer(gen.Generate, cfg, nil)

	for _, q := range []string{"그거 주기가 어떻게 돼?", "", "plain"} {
		got := r.Repair(context.Background(), q, "all", "recent", []datatypes.SessionSnippet{{TurnID: 1, Text: "x"}})
		if diff := cmp.Diff(datatypes.IdentityRepair(q), got); diff != "" {
			t.Errorf("identity mismatch for %q (-want +got):\n%s", q, diff)
		}
	}
	assert.Empty(t, gen.calls)
}

func TestRepair_FailuresFallBackToIdentity(t *testing.T) {
	tests := []struct {
		name   string
		output func(string) (string, error)
	}{
		{"generator error", func(string) (string, error) { return "", errors.New("connection refused") }},
		{"empty body", func(string) (string, error) { return "  \n", nil }},
		{"only thinking", func(string) (string, error) { return "<think>hmm</think>", nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRepairer((&scriptedGenerator{output: tt.output}).Generate, DefaultRepairConfig(), nil)
			got := r.Repair(context.Background(), "원래 질문", "", "", nil)
			assert.Equal(t, datatypes.IdentityRepair("원래 질문"), got)
		})
	}
}

func TestRepair_UsesOwnBudget(t *testing.T) {
	gen := &scriptedGenerator{output: func(string) (string, error) { return sampleRepairOutput, nil }}
	cfg := DefaultRepairConfig()
	cfg.MaxTokens = 321
	cfg.Temperature = 0.1
	r := NewRepairer(gen.Generate, cfg, nil)

	got := r.Repair(context.Background(), "그거 주기가 어떻게 돼?", "", "", nil)
	assert.NotContains(t, got.ImprovedQuery, "그거")

	require.Len(t, gen.calls, 1)
	params := gen.calls[0].params
	require.NotNil(t, params.MaxTokens)
	require.NotNil(t, params.Temperature)
	assert.Equal(t, 321, *params.MaxTokens)
	assert.Equal(t, float32(0.1), *params.Temperature)
	assert.False(t, params.EnableThinking)
}
