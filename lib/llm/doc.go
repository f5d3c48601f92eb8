// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm is the relay's provider-agnostic model client.
//
// [Provider] offers a blocking [Provider.Complete] (used for notes
// condensation) and a streaming [Provider.Stream] (used for turns).
// Streams are pull iterators: [EventStream.Next] yields [StreamEvent]
// values and returns io.EOF at the end, accumulating a [Response] on
// the way.
//
// The set of backends is closed. [NewProvider] maps a [Variant] to one
// of:
//   - [OpenAI]: any OpenAI-compatible chat completions endpoint
//     (OpenAI, OpenRouter, vLLM, Ollama, llama.cpp). Supports the
//     per-message "name" author field.
//   - [Anthropic]: the Anthropic Messages API.
//   - [Gemini]: Google Gemini through google.golang.org/genai.
//
// The variant is chosen once from configuration at startup and the
// resulting Provider is injected into the turn controller.
package llm
