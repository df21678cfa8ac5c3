// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides the query orchestration runtime.
//
// The Runtime admits requests, makes sure a document index is bound,
// optionally repairs the query against the session history, retrieves
// context, and generates the answer either as one response or as a
// stream of events. HTTP handlers only translate requests and errors.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/config"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/session"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/streaming"
)

// runtimeTracer is the OpenTelemetry tracer for Runtime operations.
var runtimeTracer = otel.Tracer("aleutian.orchestrator.services.runtime")

// =============================================================================
// Interfaces
// =============================================================================

// Generator streams answer tokens. llm.LLMClient satisfies it.
type Generator interface {
	ChatStream(ctx context.Context, prompt string, params llm.GenerationParams, callback llm.StreamCallback) error
}

// QueryRepairer rewrites a follow-up query using session history.
// *conversation.Repairer satisfies it.
type QueryRepairer interface {
	Enabled() bool
	Repair(ctx context.Context, query, summaryAll, summaryRecent string, snippets []datatypes.SessionSnippet) datatypes.RepairResult
}

// SessionSource hands out session snapshots. *session.Store satisfies it.
type SessionSource interface {
	GetOrCreate(id int64) session.Session
}

// IndexOpener opens a persisted document index found in dir.
type IndexOpener func(dir string) (retrieval.Searcher, error)

// =============================================================================
// Configuration
// =============================================================================

// RuntimeConfig holds the tunables of the Runtime.
//
// # Fields
//
//   - MaxConcurrency: Non-streaming requests allowed past admission.
//   - RequestTimeout: Deadline of one non-streaming request.
//   - GenTimeout: Bound on one generator call, including a detached stream.
//   - Temperature, MaxOutputTokens: Answer generation parameters.
//   - DefaultTopK: Used when a request leaves top_k at zero.
//   - SessionSnippetTopK: Prior turns handed to repair.
//   - CtxCharsPerNode, CtxMaxTotalChars: Context assembly budget.
//   - Retriever: Cutoff and reorder settings.
//   - RevealEnabled, RevealToken, RevealFallback: Reveal filter settings.
//   - StreamQueueSize, CompatDupContent: Stream bridge settings.
//   - LoadCandidates: Directories tried, in order, by the lazy index load.
type RuntimeConfig struct {
	MaxConcurrency     int
	RequestTimeout     time.Duration
	GenTimeout         time.Duration
	Temperature        float32
	MaxOutputTokens    int
	DefaultTopK        int
	SessionSnippetTopK int
	CtxCharsPerNode    int
	CtxMaxTotalChars   int
	Retriever          retrieval.RetrieverConfig
	RevealEnabled      bool
	RevealToken        string
	RevealFallback     streaming.Fallback
	StreamQueueSize    int
	CompatDupContent   bool
	LoadCandidates     []string
}

// RuntimeConfigFrom derives a RuntimeConfig from the service configuration.
func RuntimeConfigFrom(cfg config.Config) RuntimeConfig {
	rc := RuntimeConfig{
		MaxConcurrency:     cfg.MaxConcurrency,
		RequestTimeout:     cfg.RequestTimeout(),
		GenTimeout:         cfg.GenTimeout(),
		Temperature:        cfg.GenTemperature,
		MaxOutputTokens:    cfg.GenMaxOutputTokens,
		DefaultTopK:        cfg.SimilarityTopK,
		SessionSnippetTopK: cfg.SessionSnippetTopK,
		CtxCharsPerNode:    cfg.CtxCharsPerNode,
		CtxMaxTotalChars:   cfg.CtxMaxTotalChars,
		Retriever:          retrieval.RetrieverConfig{LongContextReorder: cfg.LongContextReorder},
		RevealEnabled:      cfg.RevealFromEnabled,
		RevealToken:        cfg.RevealFromToken,
		RevealFallback:     streaming.Fallback(cfg.RevealFallback),
		StreamQueueSize:    cfg.StreamQueueSize,
		CompatDupContent:   cfg.StreamCompatDupContent,
		LoadCandidates:     cfg.LoadCandidates(),
	}
	if cutoff, ok := cfg.Cutoff(); ok {
		rc.Retriever.Cutoff = &cutoff
	}
	return rc
}

// RuntimeDeps are the collaborators of the Runtime. Repairer, Sessions,
// OpenIndex, Metrics and Logger may be nil.
type RuntimeDeps struct {
	Generator Generator
	Repairer  QueryRepairer
	Sessions  SessionSource
	OpenIndex IndexOpener
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// =============================================================================
// Runtime
// =============================================================================

// Runtime orchestrates query answering.
//
// # Description
//
// Non-streaming queries hold one slot of a weighted semaphore for their
// whole duration; callers beyond MaxConcurrency wait until a slot frees
// or their own deadline passes. Streaming queries start producing at once
// and do not take a slot.
//
// The document index is bound by BindIndex or, on first use, by one lazy
// load over LoadCandidates. A failed lazy load is not retried; requests
// fail with ErrNotReady until an index is bound.
//
// # Thread Safety
//
// Safe for concurrent use. The index binding is guarded by an RWMutex.
type Runtime struct {
	cfg     RuntimeConfig
	deps    RuntimeDeps
	logger  *slog.Logger
	metrics *observability.Metrics
	sem     *semaphore.Weighted

	mu       sync.RWMutex
	index    retrieval.Searcher
	indexDir string

	loadOnce sync.Once
}

// NewRuntime creates a Runtime.
//
// # Outputs
//
//   - *Runtime: Ready runtime with no index bound.
//   - error: Non-nil if Generator is missing.
func NewRuntime(cfg RuntimeConfig, deps RuntimeDeps) (*Runtime, error) {
	if deps.Generator == nil {
		return nil, errors.New("runtime: generator is required")
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DefaultTopK < 1 {
		cfg.DefaultTopK = 5
	}
	if cfg.SessionSnippetTopK < 1 {
		cfg.SessionSnippetTopK = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}, nil
}

// BindIndex makes idx the document index used by later requests.
func (r *Runtime) BindIndex(idx retrieval.Searcher, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = idx
	r.indexDir = dir
	r.logger.Info("document index bound", "dir", dir)
}

// ReloadIndex reopens the persisted index in dir and binds it. On
// failure the current binding is kept.
func (r *Runtime) ReloadIndex(dir string) error {
	if r.deps.OpenIndex == nil {
		return errors.New("runtime: no index opener configured")
	}
	idx, err := r.deps.OpenIndex(dir)
	if err != nil {
		return fmt.Errorf("reload index %s: %w", dir, err)
	}
	r.BindIndex(idx, dir)
	return nil
}

// IndexStatus reports whether an index is bound and where it lives.
func (r *Runtime) IndexStatus() (loaded bool, dir string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index != nil, r.indexDir
}

// ensureReady returns a retriever over the bound index, attempting the
// lazy load once.
func (r *Runtime) ensureReady() (*retrieval.Retriever, error) {
	if idx := r.boundIndex(); idx != nil {
		return retrieval.NewRetriever(idx, r.cfg.Retriever), nil
	}
	r.loadOnce.Do(r.lazyLoad)
	if idx := r.boundIndex(); idx != nil {
		return retrieval.NewRetriever(idx, r.cfg.Retriever), nil
	}
	return nil, ErrNotReady
}

func (r *Runtime) boundIndex() retrieval.Searcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

func (r *Runtime) lazyLoad() {
	if r.deps.OpenIndex == nil {
		return
	}
	for _, dir := range r.cfg.LoadCandidates {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		idx, err := r.deps.OpenIndex(dir)
		if err != nil {
			r.logger.Warn("index load failed", "dir", dir, "error", err)
			continue
		}
		r.BindIndex(idx, dir)
		return
	}
	r.logger.Warn("no document index found", "candidates", r.cfg.LoadCandidates)
}

// =============================================================================
// Non-streaming query
// =============================================================================

// Query answers req in one response.
//
// # Description
//
// Waits for a concurrency slot, ensures an index is bound, repairs the
// query when the request names a session, retrieves and assembles the
// context, and generates the answer. The prompt always carries the
// original query; only retrieval uses the repaired one.
//
// # Inputs
//
//   - ctx: Request context. RequestTimeout is applied on top of it.
//   - req: The query request.
//
// # Outputs
//
//   - datatypes.QueryResponse: Answer, contexts, files and timing.
//   - error: ErrNotReady, ErrTimeout or ErrUpstream, wrapped.
func (r *Runtime) Query(ctx context.Context, req datatypes.QueryRequest) (resp datatypes.QueryResponse, err error) {
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, span := runtimeTracer.Start(ctx, "Runtime.Query")
	defer span.End()
	defer func() { r.finishSpan(span, observability.ModeSync, err) }()

	waitStart := time.Now()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return datatypes.QueryResponse{}, classify(ctx, "admission", err)
	}
	defer r.sem.Release(1)
	r.metrics.ObserveAdmissionWait(time.Since(waitStart).Seconds())
	r.metrics.QueryStarted()
	defer r.metrics.QueryEnded()

	retriever, err := r.ensureReady()
	if err != nil {
		return datatypes.QueryResponse{}, err
	}

	t0 := time.Now()
	effective, repair := r.repair(ctx, req)
	items, err := r.retrieve(ctx, retriever, effective, req.TopK)
	if err != nil {
		return datatypes.QueryResponse{}, err
	}
	assembled := retrieval.BuildContext(items, r.cfg.CtxCharsPerNode, r.cfg.CtxMaxTotalChars)
	retrievalSec := time.Since(t0).Seconds()
	r.metrics.RecordRetrieval(observability.ModeSync, retrievalSec)

	gen, err := r.generate(ctx, BuildAnswerPrompt(assembled.Block, req.Query), req)
	if err != nil {
		return datatypes.QueryResponse{}, err
	}

	thinking := req.ThinkingEnabled()
	answer := strings.TrimSpace(gen.answer.String())
	if !thinking {
		answer = llm.StripThinkBlocks(answer)
		if r.cfg.RevealEnabled {
			answer = streaming.NewRevealFilter(r.cfg.RevealToken, r.cfg.RevealFallback).Apply(answer)
		}
	}

	resp = datatypes.QueryResponse{
		Answer:        answer,
		Contexts:      assembled.Items,
		Files:         assembled.Files,
		RepairContext: repair,
		Timing: datatypes.Timing{
			RetrievalSec:  &retrievalSec,
			TTFTSec:       gen.ttftSec,
			TextGenSec:    gen.textGenSec(),
			ThinkTotalSec: gen.thinkSec(),
		},
	}
	if req.SeparateReasoning() {
		reasoning := strings.TrimSpace(gen.reasoning.String())
		resp.Reasoning = &reasoning
	}
	if effective != req.Query {
		resp.UsedQuery = &effective
	}
	return resp, nil
}

// generation accumulates one non-streaming generator call.
type generation struct {
	answer    strings.Builder
	reasoning strings.Builder

	ttftSec     *float64
	textStart   time.Time
	textEnd     time.Time
	reasonFirst time.Time
	reasonLast  time.Time
}

func (g *generation) textGenSec() *float64 {
	if g.textStart.IsZero() || g.textEnd.IsZero() {
		return nil
	}
	sec := g.textEnd.Sub(g.textStart).Seconds()
	return &sec
}

func (g *generation) thinkSec() *float64 {
	if g.reasonFirst.IsZero() {
		return nil
	}
	sec := g.reasonLast.Sub(g.reasonFirst).Seconds()
	return &sec
}

func (r *Runtime) generate(ctx context.Context, prompt string, req datatypes.QueryRequest) (*generation, error) {
	ctx, span := runtimeTracer.Start(ctx, "Runtime.generate")
	defer span.End()

	g := &generation{}
	err := r.deps.Generator.ChatStream(ctx, prompt, r.genParams(req), func(ev llm.StreamEvent) error {
		now := time.Now()
		switch streaming.Normalize(string(ev.Type)) {
		case streaming.KindTTFT:
			if g.ttftSec == nil {
				sec := ev.Elapsed.Seconds()
				g.ttftSec = &sec
				g.textStart = now
				r.metrics.RecordTimeToFirstToken(observability.ModeSync, sec)
			}
		case streaming.KindReasoning:
			g.reasoning.WriteString(ev.Content)
			if g.reasonFirst.IsZero() {
				g.reasonFirst = now
			}
			g.reasonLast = now
		case streaming.KindContent:
			g.answer.WriteString(ev.Content)
			g.textEnd = now
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(ctx, "generate", err)
	}
	return g, nil
}

func (r *Runtime) genParams(req datatypes.QueryRequest) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature:       llm.Float32(r.cfg.Temperature),
		MaxTokens:         llm.Int(r.cfg.MaxOutputTokens),
		EnableThinking:    req.ThinkingEnabled(),
		SeparateReasoning: req.SeparateReasoning(),
		Timeout:           r.cfg.GenTimeout,
	}
}

// =============================================================================
// Streaming query
// =============================================================================

// QueryStream answers req as a stream of events.
//
// # Description
//
// Returns at once. Readiness, repair, retrieval and generation all run on
// the producer goroutine, so every failure, including ErrNotReady, reaches
// the consumer as an error event followed by done. The producer works on
// a context detached from ctx and bounded by GenTimeout; a client that
// goes away calls Stream.Close and the producer finishes on its own.
//
// # Outputs
//
//   - *streaming.Stream: The consumer side of the bridge.
func (r *Runtime) QueryStream(ctx context.Context, req datatypes.QueryRequest) *streaming.Stream {
	var reveal *streaming.RevealFilter
	if r.cfg.RevealEnabled && !req.ThinkingEnabled() {
		reveal = streaming.NewRevealFilter(r.cfg.RevealToken, r.cfg.RevealFallback)
	}

	producerCtx := context.WithoutCancel(ctx)
	cfg := streaming.BridgeConfig{
		QueueSize:        r.cfg.StreamQueueSize,
		CompatDupContent: r.cfg.CompatDupContent,
		Reveal:           reveal,
		Logger:           r.logger,
	}
	return streaming.StartBridge(producerCtx, cfg, func(ctx context.Context, em *streaming.Emitter) (err error) {
		if r.cfg.GenTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.GenTimeout)
			defer cancel()
		}
		ctx, span := runtimeTracer.Start(ctx, "Runtime.QueryStream")
		defer span.End()
		defer func() { r.finishSpan(span, observability.ModeStream, err) }()

		r.metrics.StreamStarted()
		defer r.metrics.StreamEnded()

		retriever, err := r.ensureReady()
		if err != nil {
			return err
		}

		t0 := time.Now()
		effective, _ := r.repair(ctx, req)
		items, err := r.retrieve(ctx, retriever, effective, req.TopK)
		if err != nil {
			return err
		}
		assembled := retrieval.BuildContext(items, r.cfg.CtxCharsPerNode, r.cfg.CtxMaxTotalChars)
		em.SetRetrieval(time.Since(t0))
		r.metrics.RecordRetrieval(observability.ModeStream, time.Since(t0).Seconds())

		prompt := BuildAnswerPrompt(assembled.Block, req.Query)
		em.MarkGenerationStart()
		err = r.deps.Generator.ChatStream(ctx, prompt, r.genParams(req), func(ev llm.StreamEvent) error {
			if ev.Type == llm.StreamEventFirstToken {
				r.metrics.RecordTimeToFirstToken(observability.ModeStream, ev.Elapsed.Seconds())
				em.Emit(string(ev.Type), ev.Elapsed.Seconds())
				return nil
			}
			em.Emit(string(ev.Type), ev.Content)
			return nil
		})
		if err != nil {
			return classify(ctx, "generate", err)
		}
		return nil
	})
}

// =============================================================================
// Shared steps
// =============================================================================

// repair returns the query used for retrieval and the repair result, if
// repair ran. It never fails.
func (r *Runtime) repair(ctx context.Context, req datatypes.QueryRequest) (string, *datatypes.RepairResult) {
	if !req.HasSession() || req.EvalMode || r.deps.Repairer == nil || !r.deps.Repairer.Enabled() || r.deps.Sessions == nil {
		r.metrics.RecordRepair(observability.RepairSkipped)
		return req.Query, nil
	}
	ctx, span := runtimeTracer.Start(ctx, "Runtime.repair")
	defer span.End()
	span.SetAttributes(attribute.Int64("session.id", *req.SessionID))

	sess := r.deps.Sessions.GetOrCreate(*req.SessionID)
	snippets := r.sessionSnippets(ctx, sess, req.Query)
	result := r.deps.Repairer.Repair(ctx, req.Query, sess.SummaryAll, sess.SummaryRecent, snippets)

	effective := req.Query
	if strings.TrimSpace(result.ImprovedQuery) != "" {
		effective = result.ImprovedQuery
	}
	if effective != req.Query {
		r.metrics.RecordRepair(observability.RepairRepaired)
		r.logger.Info("query repaired", "session_id", *req.SessionID, "original", req.Query, "improved", effective)
	} else {
		r.metrics.RecordRepair(observability.RepairUnchanged)
	}
	return effective, &result
}

func (r *Runtime) sessionSnippets(ctx context.Context, sess session.Session, query string) []datatypes.SessionSnippet {
	if sess.Index == nil {
		return []datatypes.SessionSnippet{}
	}
	items, err := sess.Index.Search(ctx, query, r.cfg.SessionSnippetTopK)
	if err != nil {
		r.logger.Warn("session retrieval failed", "session_id", sess.ID, "error", err)
		return []datatypes.SessionSnippet{}
	}
	return retrieval.SessionSnippets(items)
}

func (r *Runtime) retrieve(ctx context.Context, retriever *retrieval.Retriever, query string, topK int) ([]datatypes.ContextItem, error) {
	ctx, span := runtimeTracer.Start(ctx, "Runtime.retrieve")
	defer span.End()

	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	span.SetAttributes(attribute.Int("retrieval.top_k", topK))
	items, err := retriever.Retrieve(ctx, query, topK)
	if err != nil {
		span.RecordError(err)
		return nil, classify(ctx, "retrieve", err)
	}
	span.SetAttributes(attribute.Int("retrieval.items", len(items)))
	return items, nil
}

func (r *Runtime) finishSpan(span trace.Span, mode observability.Mode, err error) {
	status := observability.StatusSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrNotReady):
		status = observability.StatusNotReady
	case errors.Is(err, ErrTimeout):
		status = observability.StatusTimeout
	default:
		status = observability.StatusError
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.RecordQuery(mode, status)
}

// String describes the runtime for logs.
func (r *Runtime) String() string {
	loaded, dir := r.IndexStatus()
	return fmt.Sprintf("Runtime{max_concurrency=%d index_loaded=%t index_dir=%q}", r.cfg.MaxConcurrency, loaded, dir)
}
