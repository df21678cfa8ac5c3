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
	"context"
	"hash/fnv"
	"strings"
)

const fakeDims = 64

// bagOfWordsEmbed hashes lowercase words into a fixed-size count vector.
// Texts sharing words end up close together.
func bagOfWordsEmbed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, fakeDims)
	vec[0] = 0.01
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,:;!?")))
		vec[1+h.Sum32()%(fakeDims-1)]++
	}
	return vec, nil
}
