// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/retrieval"
)

// DocumentIngester builds a document index. *retrieval.Ingestor
// satisfies it.
type DocumentIngester interface {
	Ingest(ctx context.Context, req retrieval.IngestRequest, persistDir string) (retrieval.IngestResult, error)
}

// IndexBinder makes an index the one served by queries.
// *services.Runtime satisfies it.
type IndexBinder interface {
	BindIndex(idx retrieval.Searcher, dir string)
}

// DocumentHandler serves POST /document and GET /document/view.
type DocumentHandler struct {
	ingester   DocumentIngester
	binder     IndexBinder
	persistDir string
	logger     *slog.Logger
}

// NewDocumentHandler creates a DocumentHandler that persists indexes
// under persistDir. A nil logger uses slog.Default().
func NewDocumentHandler(ingester DocumentIngester, binder IndexBinder, persistDir string, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{ingester: ingester, binder: binder, persistDir: persistDir, logger: logger}
}

// HandleIngest is the gin handler for POST /document.
//
// # Description
//
// Scans req.path, chunks and embeds every matching file, persists the
// index and binds it to the runtime. recursive defaults to true. Any
// failure is a 500.
func (h *DocumentHandler) HandleIngest(c *gin.Context) {
	var req datatypes.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body: " + err.Error()})
		return
	}

	recursive := true
	if req.Recursive != nil {
		recursive = *req.Recursive
	}
	result, err := h.ingester.Ingest(c.Request.Context(), retrieval.IngestRequest{
		Path:      req.Path,
		Recursive: recursive,
		Rebuild:   req.Rebuild,
		FileTypes: req.FileTypes,
	}, h.persistDir)
	if err != nil {
		h.logger.Error("document ingestion failed", "path", req.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	h.binder.BindIndex(result.Index, result.PersistDir)
	c.JSON(http.StatusOK, datatypes.DocumentResponse{
		Status:       "ok",
		IndexedFiles: result.Files,
		Nodes:        result.Nodes,
		PersistDir:   result.PersistDir,
	})
}

// HandleView is the gin handler for GET /document/view?path=.
func (h *DocumentHandler) HandleView(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("path"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "path is required"})
		return
	}
	path, err := expandPath(raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"detail": "File not found"})
		return
	}
	c.File(path)
}

// expandPath resolves a leading ~ and makes path absolute.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
