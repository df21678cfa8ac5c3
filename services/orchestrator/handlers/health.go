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
	"net/http"

	"github.com/gin-gonic/gin"
)

// IndexStatusReporter reports whether a document index is bound.
type IndexStatusReporter interface {
	IndexStatus() (loaded bool, dir string)
}

// ModelInfo names one model endpoint.
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// HealthInfo is the static part of the health response.
type HealthInfo struct {
	Version        string
	Generator      ModelInfo
	Embed          ModelInfo
	VectorStoreDir string
}

// HealthCheck returns the handler for GET /health.
func HealthCheck(info HealthInfo, status IndexStatusReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		loaded, dir := status.IndexStatus()
		if dir == "" {
			dir = info.VectorStoreDir
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": info.Version,
			"models": gin.H{
				"generator": info.Generator,
				"embed":     info.Embed,
			},
			"index": gin.H{
				"loaded":           loaded,
				"vector_store_dir": dir,
			},
		})
	}
}
