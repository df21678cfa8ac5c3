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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

type extraBodyKey struct{}

// WithExtraBody attaches server-specific request fields to ctx. The
// fields are merged into the JSON body of every POST issued with ctx by
// a client built on extraBodyTransport.
func WithExtraBody(ctx context.Context, fields map[string]any) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	return context.WithValue(ctx, extraBodyKey{}, fields)
}

func extraBodyFrom(ctx context.Context) map[string]any {
	fields, _ := ctx.Value(extraBodyKey{}).(map[string]any)
	return fields
}

// extraBodyTransport merges fields from WithExtraBody into JSON request
// bodies. SGLang and vLLM read enable_thinking, separate_reasoning and
// chat_template_kwargs at the top level of the chat completion request,
// which the typed openai request does not model.
type extraBodyTransport struct {
	base http.RoundTripper
}

func newExtraBodyTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &extraBodyTransport{base: base}
}

func (t *extraBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	extra := extraBodyFrom(req.Context())
	if len(extra) == 0 || req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for k, v := range extra {
			payload[k] = v
		}
		if merged, err := json.Marshal(payload); err == nil {
			body = merged
		}
	}

	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(clone)
}
