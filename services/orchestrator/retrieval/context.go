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
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// contextSeparator joins the numbered blocks of a context.
const contextSeparator = "\n\n---\n\n"

// AssembledContext is the prompt context built from retrieved items.
type AssembledContext struct {
	// Block is the text substituted into the answer prompt.
	Block string
	// Files are the source identifiers of the included items, in order.
	Files []string
	// Items are the included items with their full text.
	Items []datatypes.ContextItem
}

// BuildContext assembles a bounded context block.
//
// # Description
//
// Items are taken in order. Each contributes its first charsPerItem
// characters. Inclusion stops at the first item whose truncated text
// would push the running total past maxTotal. Each included item renders
// as "[i] 파일:<file>\n<text>" with i counting from 1, and blocks are
// joined by a "---" separator. Character counts are in runes.
//
// # Inputs
//
//   - items: Retrieved items, in retrieval order.
//   - charsPerItem: Per-item character cap.
//   - maxTotal: Total character budget over all truncated items.
//
// # Outputs
//
//   - AssembledContext: Block, source identifiers and included items.
func BuildContext(items []datatypes.ContextItem, charsPerItem, maxTotal int) AssembledContext {
	out := AssembledContext{Files: []string{}, Items: []datatypes.ContextItem{}}
	blocks := make([]string, 0, len(items))
	total := 0
	for i, it := range items {
		chunk := truncateRunes(it.Text, charsPerItem)
		n := utf8.RuneCountInString(chunk)
		if total+n > maxTotal {
			break
		}
		file := it.FileID()
		blocks = append(blocks, fmt.Sprintf("[%d] 파일:%s\n%s", i+1, file, chunk))
		total += n
		if file != "" {
			out.Files = append(out.Files, file)
		}
		out.Items = append(out.Items, it)
	}
	out.Block = strings.Join(blocks, contextSeparator)
	return out
}

// truncateRunes caps s at n runes. n <= 0 leaves s unchanged.
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
