// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the session-aware language steps around a
// query: multihop query repair and rolling session summaries.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// =============================================================================
// Interfaces
// =============================================================================

// GenerateFunc runs one non-streaming generation.
//
// # Description
//
// A function type lets callers pass a method value such as
// client.Generate, or a closure in tests.
//
// # Example
//
//	repairer := NewRepairer(client.Generate, DefaultRepairConfig())
type GenerateFunc func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)

// =============================================================================
// Configuration
// =============================================================================

// RepairConfig controls query repair.
//
// # Fields
//
//   - Enabled: When false, Repair returns the identity result.
//   - MaxTokens: Token budget of the repair call.
//   - Temperature: Sampling temperature of the repair call.
//   - Timeout: Bound on the repair call.
//   - SnippetChars: Per-snippet character cap in the prompt.
type RepairConfig struct {
	Enabled      bool
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
	SnippetChars int
}

// DefaultRepairConfig returns the repair defaults.
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		Enabled:      true,
		MaxTokens:    800,
		Temperature:  0.3,
		Timeout:      60 * time.Second,
		SnippetChars: 800,
	}
}

// repairPrompt is the multihop repair instruction. Placeholders are
// substituted in order: query, whole-history summary, recent summary,
// prior-turn snippets.
const repairPrompt = `[역할] 너는 "멀티홉 쿼리 수선기(Multihop Query Repairer)"다.
이전 대화의 불확실성을 감지하고, 다음 검색이 더 정확해지도록 쿼리를 개선한다.

[방법론 (Self-RAG + CRAG + Iter-RetGen 참조)]
1. **Self-Reflection**: 이전 QA에서 [incorrect_suspected | ambiguous | missing_context] 항목 감지
2. **Query Decomposition**: 복잡한 질문을 하위 질문으로 분해
3. **Contextual Rewrite**: 대화 맥락을 반영한 독립적 질의로 재작성
4. **Assumption Tracking**: 불확실한 전제를 명시적으로 추적

[입력]
사용자 질문: %s
전체 요약: %s
최근5 요약: %s
이전 QA 이력 (topk chunk):
%s

[지시]
A) **정정 대상** (Reflection): 이전 답변 중 불확실/오류 의심 항목을 나열
   형식: - (turn_id=X) 요약 - [incorrect_suspected|ambiguous|missing_context]

B) **확인 질문** (Clarification): 사용자에게 확인할 핵심 질문 1-3개 (닫힌 질문 선호)

C) **개선된 질의** (Rewrite):
   - 모호한 대명사 제거 (이것→구체적 명사)
   - 시간/버전/환경 명시
   - 하위 질문 포함 (필요시)
   - 이전 QA 표현 재사용 금지 (중립적 재구성)

D) **가정** (Assumptions): 불확실한 전제 명시

[출력 형식]
정정_대상:
- (turn_id=X) ... - [태그]

확인_질문:
1) ...
2) ...

개선된_질의:
... (2-3문장, 독립적으로 이해 가능하도록)

가정:
- ...

[제약]
- topk chunk는 비권위 힌트. 사실로 단정 금지
- 외부 지식 추가 금지 (대화 컨텍스트만 사용)
`

const (
	noSnippets = "(이전 QA 없음)"
	noSummary  = "(없음)"
)

// Section markers, in the order they appear in a repair response.
const (
	markerCorrections = "정정_대상:"
	markerQuestions   = "확인_질문:"
	markerImproved    = "개선된_질의:"
	markerAssumptions = "가정:"
)

var numberedLineRe = regexp.MustCompile(`^\d+\)\s*`)

// =============================================================================
// Repairer
// =============================================================================

// Repairer rewrites ambiguous follow-up queries using session context.
//
// # Description
//
// Repair is best-effort: it never returns an error. When disabled, or when
// the generation call fails or returns nothing, the result is the
// identity repair of the query.
//
// # Thread Safety
//
// Safe for concurrent use.
type Repairer struct {
	generate GenerateFunc
	config   RepairConfig
	logger   *slog.Logger
}

// NewRepairer creates a Repairer. A nil logger uses slog.Default().
func NewRepairer(generate GenerateFunc, config RepairConfig, logger *slog.Logger) *Repairer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SnippetChars <= 0 {
		config.SnippetChars = 800
	}
	return &Repairer{generate: generate, config: config, logger: logger}
}

// Enabled reports whether repair calls the generator at all.
func (r *Repairer) Enabled() bool {
	return r.config.Enabled && r.generate != nil
}

// Repair produces a RepairResult for query.
//
// # Inputs
//
//   - ctx: Context for the generation call.
//   - query: The user's query as typed.
//   - summaryAll: Whole-history session summary. May be empty.
//   - summaryRecent: Recent-turns session summary. May be empty.
//   - snippets: Prior-turn passages from the session index.
//
// # Outputs
//
//   - datatypes.RepairResult: Parsed result, or the identity result.
func (r *Repairer) Repair(ctx context.Context, query, summaryAll, summaryRecent string, snippets []datatypes.SessionSnippet) datatypes.RepairResult {
	if !r.Enabled() {
		return datatypes.IdentityRepair(query)
	}

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	prompt := BuildRepairPrompt(query, summaryAll, summaryRecent, snippets, r.config.SnippetChars)
	out, err := r.generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(r.config.Temperature),
		MaxTokens:   llm.Int(r.config.MaxTokens),
	})
	if err != nil {
		r.logger.Error("query repair failed", "error", err)
		return datatypes.IdentityRepair(query)
	}
	out = strings.TrimSpace(llm.StripThinkBlocks(out))
	if out == "" {
		r.logger.Warn("query repair returned an empty response")
		return datatypes.IdentityRepair(query)
	}
	return ParseRepairOutput(out)
}

// BuildRepairPrompt renders the repair prompt. Each snippet is capped at
// snippetChars characters.
func BuildRepairPrompt(query, summaryAll, summaryRecent string, snippets []datatypes.SessionSnippet, snippetChars int) string {
	chunks := noSnippets
	if len(snippets) > 0 {
		parts := make([]string, 0, len(snippets))
		for _, s := range snippets {
			parts = append(parts, fmt.Sprintf("[turn_id=%d]\n%s", s.TurnID, truncateRunes(s.Text, snippetChars)))
		}
		chunks = strings.Join(parts, "\n\n")
	}
	return fmt.Sprintf(repairPrompt, query, orPlaceholder(summaryAll), orPlaceholder(summaryRecent), chunks)
}

// ParseRepairOutput splits a repair response into its four sections.
//
// # Description
//
// Each section starts at its marker and ends at the next later marker
// that is present, or the end of the text. Corrections and assumptions
// are the "-" bullet lines. Questions are the "N)" lines with the number
// removed. The improved query is the trimmed section body. A missing
// marker yields an empty field.
func ParseRepairOutput(text string) datatypes.RepairResult {
	result := datatypes.RepairResult{
		Corrections: []string{},
		Questions:   []string{},
		Assumptions: []string{},
	}

	markers := []string{markerCorrections, markerQuestions, markerImproved, markerAssumptions}
	sections := splitSections(text, markers)

	result.Corrections = bulletLines(sections[markerCorrections])
	for _, line := range strings.Split(sections[markerQuestions], "\n") {
		line = strings.TrimSpace(line)
		if numberedLineRe.MatchString(line) {
			result.Questions = append(result.Questions, numberedLineRe.ReplaceAllString(line, ""))
		}
	}
	result.ImprovedQuery = strings.TrimSpace(sections[markerImproved])
	result.Assumptions = bulletLines(sections[markerAssumptions])
	return result
}

// splitSections returns the body after each marker, cut at the first
// occurrence of any later marker.
func splitSections(text string, markers []string) map[string]string {
	out := make(map[string]string, len(markers))
	for i, m := range markers {
		start := strings.Index(text, m)
		if start < 0 {
			continue
		}
		body := text[start+len(m):]
		end := len(body)
		for _, next := range markers[i+1:] {
			if j := strings.Index(body, next); j >= 0 && j < end {
				end = j
			}
		}
		out[m] = body[:end]
	}
	return out
}

func bulletLines(section string) []string {
	out := []string{}
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-") {
			out = append(out, strings.TrimSpace(line[1:]))
		}
	}
	return out
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return noSummary
	}
	return s
}

// truncateRunes caps s at n characters without splitting a code point.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
