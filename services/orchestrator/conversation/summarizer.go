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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

const summaryAllPrompt = `다음은 사용자와 RAG 시스템의 전체 대화 이력입니다.
핵심 주제, 반복 질문, 주요 답변 내용을 300자 이내로 요약하세요.

%s

요약:`

const summaryRecentPrompt = `다음은 최근 %d개 QA입니다.
현재 논의 중인 핵심 주제와 미해결 질문을 200자 이내로 요약하세요.

%s

요약:`

// summaryTemperature is fixed; summaries should be stable across switches.
const summaryTemperature = 0.3

// answerChars caps each answer in the summary prompts.
const answerChars = 500

// SummaryConfig controls session summary generation.
type SummaryConfig struct {
	MaxTokens    int
	Timeout      time.Duration
	RecentWindow int
}

// DefaultSummaryConfig returns the summary defaults.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{MaxTokens: 600, Timeout: 30 * time.Second, RecentWindow: 5}
}

// Summarizer builds the two rolling summaries of a session.
type Summarizer struct {
	generate GenerateFunc
	config   SummaryConfig
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer. A nil logger uses slog.Default().
func NewSummarizer(generate GenerateFunc, config SummaryConfig, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RecentWindow < 1 {
		config.RecentWindow = 5
	}
	return &Summarizer{generate: generate, config: config, logger: logger}
}

// Summarize returns the whole-history summary and the summary of the last
// RecentWindow turns.
//
// # Description
//
// Both summaries are generated concurrently. Each is best-effort: a failed
// call yields "" for that summary and is logged. No turns yields two
// empty summaries without calling the generator.
//
// # Inputs
//
//   - ctx: Context for both calls.
//   - turns: The session's turns, oldest first.
//
// # Outputs
//
//   - all: Whole-history summary.
//   - recent: Recent-window summary.
func (s *Summarizer) Summarize(ctx context.Context, turns []datatypes.Turn) (all string, recent string) {
	if len(turns) == 0 || s.generate == nil {
		return "", ""
	}

	recentTurns := turns
	if len(recentTurns) > s.config.RecentWindow {
		recentTurns = recentTurns[len(recentTurns)-s.config.RecentWindow:]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		all = s.summarize(gctx, "all", fmt.Sprintf(summaryAllPrompt, FormatTurns(turns)))
		return nil
	})
	g.Go(func() error {
		recent = s.summarize(gctx, "recent", fmt.Sprintf(summaryRecentPrompt, s.config.RecentWindow, FormatTurns(recentTurns)))
		return nil
	})
	_ = g.Wait()
	return all, recent
}

func (s *Summarizer) summarize(ctx context.Context, kind, prompt string) string {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	out, err := s.generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32(summaryTemperature),
		MaxTokens:   llm.Int(s.config.MaxTokens),
	})
	if err != nil {
		s.logger.Error("session summary failed", "kind", kind, "error", err)
		return ""
	}
	return strings.TrimSpace(llm.StripThinkBlocks(out))
}

// FormatTurns renders turns as "Q{id}: ..." / "A{id}: ..." lines with each
// answer capped at 500 characters.
func FormatTurns(turns []datatypes.Turn) string {
	lines := make([]string, 0, 2*len(turns))
	for _, t := range turns {
		lines = append(lines,
			fmt.Sprintf("Q%d: %s", t.ID, t.UserQuery),
			fmt.Sprintf("A%d: %s", t.ID, truncateRunes(t.RAGAnswer, answerChars)),
		)
	}
	return strings.Join(lines, "\n")
}
