// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/handlers"
)

// Handlers bundles the endpoint handlers. A nil Metrics disables /metrics.
type Handlers struct {
	Query     *handlers.QueryHandler
	Sessions  *handlers.SessionHandler
	Documents *handlers.DocumentHandler
	Health    gin.HandlerFunc
	Metrics   http.Handler
}

// SetupRoutes registers every endpoint on router. The API is served both
// at the root and under /v1.
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health", h.Health)
	if h.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.Metrics))
	}

	registerAPI(router.Group(""), h)
	registerAPI(router.Group("/v1"), h)
}

func registerAPI(g *gin.RouterGroup, h Handlers) {
	g.POST("/query", h.Query.HandleQuery)

	g.POST("/document", h.Documents.HandleIngest)
	g.GET("/document/view", h.Documents.HandleView)

	sessions := g.Group("/session")
	{
		sessions.POST("/init", h.Sessions.HandleInit)
		sessions.POST("/switch", h.Sessions.HandleSwitch)
	}
}
