// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestToGeminiRequest(t *testing.T) {
	t.Parallel()

	temperature := 0.5
	contents, config := toGeminiRequest(Request{
		System:      "sys",
		MaxTokens:   256,
		Temperature: &temperature,
		Messages: []Message{
			UserMessage("hi"),
			AssistantMessage("hello"),
			{Role: RoleUser, Content: []ContentBlock{ImageBlock("image/png", []byte("png"))}},
		},
	})

	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("SystemInstruction = %+v, want sys", config.SystemInstruction)
	}
	if config.MaxOutputTokens != 256 {
		t.Errorf("MaxOutputTokens = %d, want 256", config.MaxOutputTokens)
	}
	if config.Temperature == nil || *config.Temperature != 0.5 {
		t.Errorf("Temperature = %v, want 0.5", config.Temperature)
	}
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	for index, want := range []genai.Role{genai.RoleUser, genai.RoleModel, genai.RoleUser} {
		if contents[index].Role != string(want) {
			t.Errorf("contents[%d].Role = %q, want %q", index, contents[index].Role, want)
		}
	}
	if contents[2].Parts[0].InlineData == nil || contents[2].Parts[0].InlineData.MIMEType != "image/png" {
		t.Errorf("image part = %+v, want inline png", contents[2].Parts[0])
	}
}

func TestGeminiCandidateSkipsThoughts(t *testing.T) {
	t.Parallel()

	response := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "thinking...", Thought: true},
			{Text: "answer"},
		}},
		FinishReason: genai.FinishReasonMaxTokens,
	}}}
	text, reason := geminiCandidate(response)
	if text != "answer" {
		t.Errorf("text = %q, want answer", text)
	}
	if reason != StopReasonMaxTokens {
		t.Errorf("reason = %q, want max_tokens", reason)
	}
}

func TestNewProviderVariants(t *testing.T) {
	t.Parallel()

	for _, variant := range []Variant{VariantOpenAI, VariantAnthropic} {
		provider, err := NewProvider(context.Background(), ProviderConfig{Variant: variant, APIKey: "k"})
		if err != nil || provider == nil {
			t.Errorf("NewProvider(%q) = %v, %v", variant, provider, err)
		}
	}
	if _, err := NewProvider(context.Background(), ProviderConfig{Variant: "bard"}); !errors.Is(err, errUnknownVariant) {
		t.Errorf("NewProvider(bard) err = %v, want errUnknownVariant", err)
	}
	if !VariantOpenAI.SupportsAuthorNames() || VariantGemini.SupportsAuthorNames() {
		t.Error("only the openai variant accepts author names")
	}
}
