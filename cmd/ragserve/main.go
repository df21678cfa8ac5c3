// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ragserve runs the RAG query service and its offline tools.
//
// # Usage
//
//	# Write a starter configuration
//	ragserve config init --path ragserve.yaml
//
//	# Build the document index without starting the server
//	ragserve index --path /data/manuals
//
//	# Serve HTTP until SIGINT or SIGTERM
//	ragserve serve --config ragserve.yaml
//
// Every setting can also come from the environment, e.g. LLM_BASE_URL or
// SESSION_CACHE_DIR.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
