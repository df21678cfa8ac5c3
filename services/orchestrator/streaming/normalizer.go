// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming turns a generator's token events into the canonical
// event stream served to clients: label normalization, reveal-marker
// buffering, and a bounded producer/consumer bridge.
package streaming

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind is a canonical stream event kind.
type Kind string

const (
	KindContent   Kind = "content"
	KindReasoning Kind = "reasoning"
	KindTTFT      Kind = "ttft"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

var labelKinds = map[string]Kind{
	"delta":            KindContent,
	"text":             KindContent,
	"token":            KindContent,
	"message":          KindContent,
	"thought":          KindReasoning,
	"chain_of_thought": KindReasoning,
	"cot":              KindReasoning,
	"reasoning":        KindReasoning,
	"first_token":      KindTTFT,
	"ttft":             KindTTFT,
	"end":              KindDone,
	"complete":         KindDone,
	"completion":       KindDone,
	"done":             KindDone,
}

// Normalize maps a generator event label to its canonical kind. Matching
// is case-insensitive. Unknown and empty labels are content.
func Normalize(label string) Kind {
	if k, ok := labelKinds[strings.ToLower(strings.TrimSpace(label))]; ok {
		return k
	}
	return KindContent
}

// Event is one canonical stream event.
//
// Payload is a string for content and reasoning, a float64 (seconds) for
// ttft, and a JSON-serializable map for done and error.
type Event struct {
	Kind    Kind
	Payload any
}

// PayloadText renders the payload for the wire: strings as-is, floats in
// shortest decimal form, everything else as JSON.
func (e Event) PayloadText() string {
	switch v := e.Payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
