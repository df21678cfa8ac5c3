// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator configuration from defaults, an
// optional YAML file and environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Reveal fallback policies applied when the reveal token never appears.
const (
	RevealFallbackKeepAll       = "keep_all"
	RevealFallbackEmpty         = "empty"
	RevealFallbackAfterThinkTag = "after_think_tag"
)

// Config is the full orchestrator configuration. Keys are the lowercase
// form of the environment variable names (MAX_CONCURRENCY ->
// max_concurrency).
type Config struct {
	// Server
	Host                   string   `mapstructure:"host" yaml:"host"`
	Port                   int      `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
	GinMode                string   `mapstructure:"gin_mode" yaml:"gin_mode" validate:"oneof=debug release test"`
	MaxConcurrency         int      `mapstructure:"max_concurrency" yaml:"max_concurrency" validate:"gte=1"`
	RequestTimeoutSec      int      `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec" validate:"gte=1"`
	StreamDefault          bool     `mapstructure:"stream_default" yaml:"stream_default"`
	StreamCompatDupContent bool     `mapstructure:"stream_compat_dup_content" yaml:"stream_compat_dup_content"`
	StreamQueueSize        int      `mapstructure:"stream_queue_size" yaml:"stream_queue_size" validate:"gte=1"`
	CORSAllowOrigins       []string `mapstructure:"cors_allow_origins" yaml:"cors_allow_origins"`

	// Observability
	EnableMetrics bool   `mapstructure:"enable_metrics" yaml:"enable_metrics"`
	OTelEnabled   bool   `mapstructure:"otel_enabled" yaml:"otel_enabled"`
	OTelEndpoint  string `mapstructure:"otel_endpoint" yaml:"otel_endpoint"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogDir        string `mapstructure:"log_dir" yaml:"log_dir"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=auto text json"`

	// Generator
	LLMModel           string  `mapstructure:"llm_model" yaml:"llm_model" validate:"required"`
	LLMBaseURL         string  `mapstructure:"llm_base_url" yaml:"llm_base_url" validate:"required,url"`
	LLMAPIKey          string  `mapstructure:"llm_api_key" yaml:"llm_api_key"`
	SystemPrompt       string  `mapstructure:"system_prompt" yaml:"system_prompt"`
	GenTimeoutSec      int     `mapstructure:"gen_timeout_sec" yaml:"gen_timeout_sec" validate:"gte=1"`
	GenTemperature     float32 `mapstructure:"gen_temperature" yaml:"gen_temperature" validate:"gte=0,lte=2"`
	GenMaxOutputTokens int     `mapstructure:"gen_max_output_tokens" yaml:"gen_max_output_tokens" validate:"gte=1"`

	// Embeddings
	EmbedModel     string  `mapstructure:"embed_model" yaml:"embed_model" validate:"required"`
	EmbedBaseURL   string  `mapstructure:"embed_base_url" yaml:"embed_base_url" validate:"required,url"`
	EmbedAPIKey    string  `mapstructure:"embed_api_key" yaml:"embed_api_key"`
	EmbedBatchSize int     `mapstructure:"embed_batch_size" yaml:"embed_batch_size" validate:"gte=1"`
	EmbedCacheSize int     `mapstructure:"embed_cache_size" yaml:"embed_cache_size" validate:"gte=1"`
	EmbedRateLimit float64 `mapstructure:"embed_rate_limit" yaml:"embed_rate_limit" validate:"gte=0"`
	EmbedCacheDir  string  `mapstructure:"embed_cache_dir" yaml:"embed_cache_dir"`

	// Retrieval and index
	SimilarityTopK     int    `mapstructure:"similarity_top_k" yaml:"similarity_top_k" validate:"gte=1"`
	SimilarityCutoff   string `mapstructure:"similarity_cutoff" yaml:"similarity_cutoff"`
	VectorStoreDir     string `mapstructure:"vector_store_dir" yaml:"vector_store_dir"`
	IndexLoadDir       string `mapstructure:"index_load_dir" yaml:"index_load_dir"`
	IndexSaveDir       string `mapstructure:"index_save_dir" yaml:"index_save_dir"`
	IndexCollection    string `mapstructure:"index_collection" yaml:"index_collection" validate:"required"`
	CtxCharsPerNode    int    `mapstructure:"ctx_chars_per_node" yaml:"ctx_chars_per_node" validate:"gte=1"`
	CtxMaxTotalChars   int    `mapstructure:"ctx_max_total_chars" yaml:"ctx_max_total_chars" validate:"gte=1"`
	MaxNodeChars       int    `mapstructure:"max_node_chars" yaml:"max_node_chars" validate:"gte=1"`
	MaxNodeTokens      int    `mapstructure:"max_node_tokens" yaml:"max_node_tokens" validate:"gte=0"`
	ChunkTokens        int    `mapstructure:"chunk_tokens" yaml:"chunk_tokens" validate:"gte=16"`
	ChunkOverlap       int    `mapstructure:"chunk_overlap" yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkTokens"`
	TokenizerName      string `mapstructure:"tokenizer_name" yaml:"tokenizer_name"`
	LongContextReorder bool   `mapstructure:"long_context_reorder" yaml:"long_context_reorder"`
	IndexWatch         bool   `mapstructure:"index_watch" yaml:"index_watch"`
	IndexWatchDebounce int    `mapstructure:"index_watch_debounce_ms" yaml:"index_watch_debounce_ms" validate:"gte=0"`

	// Sessions
	SessionCacheDir     string `mapstructure:"session_cache_dir" yaml:"session_cache_dir" validate:"required"`
	SessionMaxCount     int    `mapstructure:"session_max_count" yaml:"session_max_count" validate:"gte=1"`
	SessionTTLHours     int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	SessionSweepMinutes int    `mapstructure:"session_sweep_minutes" yaml:"session_sweep_minutes" validate:"gte=0"`
	RecentQAWindow      int    `mapstructure:"recent_qa_window" yaml:"recent_qa_window" validate:"gte=1"`
	SessionSnippetTopK  int    `mapstructure:"session_snippet_top_k" yaml:"session_snippet_top_k" validate:"gte=1"`

	// Query repair and summaries
	EnableQueryRepair bool    `mapstructure:"enable_query_repair" yaml:"enable_query_repair"`
	RepairMaxTokens   int     `mapstructure:"repair_max_tokens" yaml:"repair_max_tokens" validate:"gte=1"`
	RepairTemperature float32 `mapstructure:"repair_temperature" yaml:"repair_temperature" validate:"gte=0,lte=2"`
	RepairTimeoutSec  int     `mapstructure:"repair_timeout_sec" yaml:"repair_timeout_sec" validate:"gte=1"`
	SummaryMaxTokens  int     `mapstructure:"summary_max_tokens" yaml:"summary_max_tokens" validate:"gte=1"`
	SummaryTimeoutSec int     `mapstructure:"summary_timeout_sec" yaml:"summary_timeout_sec" validate:"gte=1"`

	// Reveal filter
	RevealFromEnabled bool   `mapstructure:"reveal_from_enabled" yaml:"reveal_from_enabled"`
	RevealFromToken   string `mapstructure:"reveal_from_token" yaml:"reveal_from_token" validate:"required_if=RevealFromEnabled true"`
	RevealFallback    string `mapstructure:"reveal_fallback" yaml:"reveal_fallback" validate:"oneof=keep_all empty after_think_tag"`

	// similarityCutoff is parsed from SimilarityCutoff by Load. Nil means
	// no cutoff.
	similarityCutoff *float64
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8000,
		GinMode:                "release",
		MaxConcurrency:         32,
		RequestTimeoutSec:      120,
		StreamDefault:          true,
		StreamCompatDupContent: true,
		StreamQueueSize:        100,
		CORSAllowOrigins:       []string{"*"},

		EnableMetrics: true,
		OTelEnabled:   false,
		OTelEndpoint:  "aleutian-otel-collector:4317",
		LogLevel:      "info",
		LogFormat:     "auto",

		LLMModel:           "Qwen/Qwen3-8B-Instruct",
		LLMBaseURL:         "http://localhost:30000/v1",
		LLMAPIKey:          "sk-test",
		GenTimeoutSec:      600,
		GenTemperature:     0.2,
		GenMaxOutputTokens: 600,

		EmbedModel:     "Qwen/Qwen3-Embedding-0.6B",
		EmbedBaseURL:   "http://localhost:30001/v1",
		EmbedAPIKey:    "sk-test",
		EmbedBatchSize: 8,
		EmbedCacheSize: 10000,

		SimilarityTopK:     5,
		VectorStoreDir:     "./data/vector_store",
		IndexCollection:    "documents",
		CtxCharsPerNode:    900,
		CtxMaxTotalChars:   6000,
		MaxNodeChars:       2800,
		ChunkTokens:        512,
		ChunkOverlap:       50,
		TokenizerName:      "cl100k_base",
		LongContextReorder: true,
		IndexWatch:         false,
		IndexWatchDebounce: 500,

		SessionCacheDir:     "./cache/session",
		SessionMaxCount:     100,
		SessionTTLHours:     72,
		SessionSweepMinutes: 10,
		RecentQAWindow:      5,
		SessionSnippetTopK:  3,

		EnableQueryRepair: true,
		RepairMaxTokens:   800,
		RepairTemperature: 0.3,
		RepairTimeoutSec:  60,
		SummaryMaxTokens:  600,
		SummaryTimeoutSec: 30,

		RevealFromEnabled: false,
		RevealFromToken:   "<<<FINAL>>>",
		RevealFallback:    RevealFallbackKeepAll,
	}
}

// RequestTimeout is the overall budget of one non-streaming request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// GenTimeout bounds one generation call including its streamed body.
func (c Config) GenTimeout() time.Duration {
	return time.Duration(c.GenTimeoutSec) * time.Second
}

// RepairTimeout bounds one query repair call.
func (c Config) RepairTimeout() time.Duration {
	return time.Duration(c.RepairTimeoutSec) * time.Second
}

// SummaryTimeout bounds one summary call.
func (c Config) SummaryTimeout() time.Duration {
	return time.Duration(c.SummaryTimeoutSec) * time.Second
}

// IndexWatchDebounceDuration is the quiet period before a watched index
// is reloaded.
func (c Config) IndexWatchDebounceDuration() time.Duration {
	return time.Duration(c.IndexWatchDebounce) * time.Millisecond
}

// SessionTTL is the idle age after which a session is evicted. Zero
// disables expiry.
func (c Config) SessionTTL() time.Duration {
	if c.SessionTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// SessionSweepInterval is the period of the background TTL sweep. Zero
// disables the background sweep; updates still sweep.
func (c Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.SessionSweepMinutes) * time.Minute
}

// Cutoff returns the minimum similarity for retrieved items, if set.
func (c Config) Cutoff() (float64, bool) {
	if c.similarityCutoff == nil {
		return 0, false
	}
	return *c.similarityCutoff, true
}

// LoadCandidates returns the ordered, de-duplicated absolute directories
// tried by the lazy index load: the explicit load dir first, then the
// default vector store dir.
func (c Config) LoadCandidates() []string {
	var out []string
	seen := make(map[string]bool)
	for _, d := range []string{c.IndexLoadDir, c.VectorStoreDir} {
		if strings.TrimSpace(d) == "" {
			continue
		}
		abs := absPath(d)
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

// SaveDir returns the directory where a freshly built document index is
// persisted.
func (c Config) SaveDir() string {
	for _, d := range []string{c.IndexSaveDir, c.VectorStoreDir} {
		if strings.TrimSpace(d) != "" {
			return absPath(d)
		}
	}
	return absPath("./data/vector_store")
}

func absPath(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
