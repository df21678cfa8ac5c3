// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers of the RAG HTTP surface.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/services"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/streaming"
)

// QueryRuntime answers queries. *services.Runtime satisfies it.
type QueryRuntime interface {
	Query(ctx context.Context, req datatypes.QueryRequest) (datatypes.QueryResponse, error)
	QueryStream(ctx context.Context, req datatypes.QueryRequest) *streaming.Stream
}

// =============================================================================
// Struct Definition
// =============================================================================

// QueryHandler serves POST /query in streaming and non-streaming form.
//
// # Description
//
// The response mode is chosen per request: the "stream" query parameter
// wins, then the body's stream field, then the configured default.
// Streaming responses use the dual SSE framing of SSEWriter.
//
// # Thread Safety
//
// Thread-safe. All state is read-only after construction.
type QueryHandler struct {
	runtime       QueryRuntime
	streamDefault bool
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// NewQueryHandler creates a QueryHandler.
//
// # Inputs
//
//   - runtime: The query runtime.
//   - streamDefault: Mode used when the request does not choose one.
//   - metrics: Optional metrics. May be nil.
//   - logger: Optional logger. Defaults to slog.Default().
//
// # Outputs
//
//   - *QueryHandler: Ready to serve.
func NewQueryHandler(runtime QueryRuntime, streamDefault bool, metrics *observability.Metrics, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		runtime:       runtime,
		streamDefault: streamDefault,
		metrics:       metrics,
		logger:        logger,
	}
}

// HandleQuery is the gin handler for POST /query.
func (h *QueryHandler) HandleQuery(c *gin.Context) {
	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid query request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "query must not be empty"})
		return
	}

	if h.wantsStream(c, req) {
		h.serveStream(c, req)
		return
	}
	h.serveSync(c, req)
}

func (h *QueryHandler) wantsStream(c *gin.Context, req datatypes.QueryRequest) bool {
	if raw, ok := c.GetQuery("stream"); ok {
		return parseBool(raw)
	}
	if req.Stream != nil {
		return *req.Stream
	}
	return h.streamDefault
}

func (h *QueryHandler) serveSync(c *gin.Context, req datatypes.QueryRequest) {
	resp, err := h.runtime.Query(c.Request.Context(), req)
	if err != nil {
		status, detail := statusFor(err)
		h.logger.Error("query failed", "status", status, "error", err)
		c.JSON(status, gin.H{"detail": detail})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// serveStream relays runtime events until done or client disconnect.
func (h *QueryHandler) serveStream(c *gin.Context, req datatypes.QueryRequest) {
	ctx := c.Request.Context()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("streaming unsupported", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "streaming not supported"})
		return
	}

	stream := h.runtime.QueryStream(ctx, req)
	defer stream.Close()

	if err := sse.WriteWarmup(); err != nil {
		h.clientGone(err)
		return
	}
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			h.clientGone(ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.WriteEvent(ev); err != nil {
				h.clientGone(err)
				return
			}
		}
	}
}

func (h *QueryHandler) clientGone(err error) {
	h.logger.Info("client disconnected from stream", "error", err)
	h.metrics.RecordClientDisconnect()
}

// statusFor maps a runtime error to an HTTP status and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrNotReady):
		return http.StatusConflict, services.ErrNotReady.Error()
	case errors.Is(err, services.ErrTimeout):
		return http.StatusGatewayTimeout, "Request timed out"
	default:
		return http.StatusInternalServerError, "query failed"
	}
}

// parseBool accepts 1, true, t, yes, y and on (case-insensitive).
// Everything else is false.
func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}
