// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm.openai")

// DefaultSystemPrompt is sent as the system message when none is configured.
const DefaultSystemPrompt = "You are a helpful assistant."

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint
// such as an SGLang or vLLM server.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string

	// HTTPClient overrides the transport used for requests. Its Transport
	// is wrapped so that extra body fields can be injected.
	HTTPClient *http.Client
}

// OpenAIClient implements LLMClient against an OpenAI-compatible API.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAIClient creates a client for cfg.
//
// # Inputs
//
//   - cfg: Endpoint configuration. BaseURL and Model are required.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: Non-nil if BaseURL or Model is empty.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("openai client: base URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai client: model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	httpClient.Transport = newExtraBodyTransport(httpClient.Transport)
	clientConfig.HTTPClient = httpClient

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	slog.Info("Initializing OpenAI-compatible client", "base_url", clientConfig.BaseURL, "model", cfg.Model)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: systemPrompt,
	}, nil
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	req := o.buildRequest(prompt, params, false)
	resp, err := o.client.CreateChatCompletion(withThinking(ctx, params), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("chat completion returned no choices")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	slog.Debug("Received completion", "model", o.model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface.
//
// # Description
//
// Opens a streamed chat completion and forwards deltas to callback:
// reasoning_content deltas as StreamEventThinking, content deltas as
// StreamEventToken. A StreamEventFirstToken precedes the first delta of
// either kind and a StreamEventDone follows the last one.
//
// # Outputs
//
//   - error: Transport, server, or callback error. io.EOF from the
//     server is the normal end and is not returned.
func (o *OpenAIClient) ChatStream(ctx context.Context, prompt string, params GenerationParams, callback StreamCallback) error {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Bool("llm.enable_thinking", params.EnableThinking),
	)

	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	start := time.Now()
	req := o.buildRequest(prompt, params, true)
	stream, err := o.client.CreateChatCompletionStream(withThinking(ctx, params), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	firstSeen := false
	finishReason := ""
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("read completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		reasoning := choice.Delta.ReasoningContent
		content := choice.Delta.Content
		if reasoning == "" && content == "" {
			continue
		}

		if !firstSeen {
			firstSeen = true
			elapsed := time.Since(start)
			span.SetAttributes(attribute.Int64("llm.ttft_ms", elapsed.Milliseconds()))
			if err := callback(StreamEvent{Type: StreamEventFirstToken, Elapsed: elapsed}); err != nil {
				return err
			}
		}
		if reasoning != "" {
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: reasoning}); err != nil {
				return err
			}
		}
		if content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
				return err
			}
		}
	}

	return callback(StreamEvent{Type: StreamEventDone, Content: finishReason, Elapsed: time.Since(start)})
}

func (o *OpenAIClient) buildRequest(prompt string, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	// OpenAI-compatible inference servers read max_tokens.
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// withThinking attaches the reasoning switches understood by SGLang and
// vLLM chat templates.
func withThinking(ctx context.Context, params GenerationParams) context.Context {
	return WithExtraBody(ctx, map[string]any{
		"enable_thinking":    params.EnableThinking,
		"separate_reasoning": params.EnableThinking && params.SeparateReasoning,
		"chat_template_kwargs": map[string]any{
			"enable_thinking": params.EnableThinking,
		},
	})
}

var _ LLMClient = (*OpenAIClient)(nil)
