// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import "strings"

// qaTemplate is the answer prompt. {context_str} receives the assembled
// context block and {query_str} the user's original query.
const qaTemplate = "당신은 한국 열차 정비 도메인의 전문 어시스턴트입니다.\n" +
	"원칙: 1) 컨텍스트 내 근거만, 없으면 '문서에 근거 없음' 명시. 2) 안전 경고 우선. 3) 절차는 단계별 서술. " +
	"4) 사용자의 질문이 모호하다면, context 를 기반으로 정확히 어떤 부분에 대한 질문인지 재확인하시오.\n" +
	"[컨텍스트]\n{context_str}\n[질문]\n{query_str}\n[답변]\n"

// BuildAnswerPrompt fills the answer template in a single pass; text
// inside the context is never re-expanded.
func BuildAnswerPrompt(contextBlock, query string) string {
	return strings.NewReplacer("{context_str}", contextBlock, "{query_str}", query).Replace(qaTemplate)
}
