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

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotReady means no document index is bound and none could be
	// loaded. Handlers map it to 409.
	ErrNotReady = errors.New("index not loaded: POST /document first or set INDEX_LOAD_DIR")

	// ErrTimeout means the request deadline passed. Handlers map it to 504.
	ErrTimeout = errors.New("request timed out")

	// ErrUpstream means the retriever or generator failed. Handlers map it
	// to 500.
	ErrUpstream = errors.New("upstream failure")
)

// classify wraps err from stage as ErrTimeout when the deadline of ctx
// passed, and as ErrUpstream otherwise.
func classify(ctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, stage, err)
}
