// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval is the document and session retrieval collaborator:
// embedding, chromem-go vector indexes, post-processing, context assembly
// and document ingestion.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// maxEmbedBatch caps the inputs of one embeddings request.
const maxEmbedBatch = 100

// EmbedderConfig configures an OpenAI-compatible embeddings client.
//
// # Fields
//
//   - BaseURL: Endpoint base, e.g. http://localhost:30001/v1.
//   - APIKey: Bearer token. Inference servers usually accept any value.
//   - Model: Embedding model name.
//   - BatchSize: Inputs per request during ingestion.
//   - CacheSize: LRU entries of text -> vector. Values < 1 use 10000.
//   - RateLimit: Requests per second. Zero means unlimited.
//   - Persist: Optional persistent cache behind the LRU. The Embedder
//     closes it on Close.
//   - HTTPClient: Optional client, for tests.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	BatchSize  int
	CacheSize  int
	RateLimit  float64
	Persist    VectorCache
	HTTPClient *http.Client
}

// Embedder turns text into vectors with an OpenAI-compatible endpoint.
//
// # Thread Safety
//
// Safe for concurrent use.
type Embedder struct {
	client    *openai.Client
	model     string
	batchSize int
	cache     *lru.Cache[string, []float32]
	persist   VectorCache
	limiter   *rate.Limiter
}

// NewEmbedder creates an Embedder.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base URL is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 10000
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > maxEmbedBatch {
		cfg.BatchSize = 8
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &Embedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		cache:     cache,
		persist:   cfg.Persist,
		limiter:   rate.NewLimiter(limit, 1),
	}, nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// BatchSize returns the configured ingestion batch size.
func (e *Embedder) BatchSize() int {
	return e.batchSize
}

// Close releases the persistent cache, if any.
func (e *Embedder) Close() error {
	if e.persist == nil {
		return nil
	}
	return e.persist.Close()
}

// Embed returns the vector for text. It matches chromem.EmbeddingFunc.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order. Texts found in the LRU
// or the persistent cache are not sent; the rest go out in requests of at
// most BatchSize inputs.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missText []string
	for i, t := range texts {
		if v, ok := e.cache.Get(t); ok {
			out[i] = v
			continue
		}
		if e.persist != nil {
			if v, ok := e.persist.Get(e.model, t); ok {
				e.cache.Add(t, v)
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missText = append(missText, t)
	}

	for start := 0; start < len(missText); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missText) {
			end = len(missText)
		}
		vecs, err := e.request(ctx, missText[start:end])
		if err != nil {
			return nil, err
		}
		for j, v := range vecs {
			idx := missIdx[start+j]
			out[idx] = v
			e.cache.Add(texts[idx], v)
			if e.persist != nil {
				// A failed write only costs a future request.
				_ = e.persist.Put(e.model, texts[idx], v)
			}
		}
	}
	return out, nil
}

func (e *Embedder) request(ctx context.Context, inputs []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	vecs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vecs, nil
}
