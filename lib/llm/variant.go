// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Variant names a provider backend. The set is closed.
type Variant string

const (
	VariantOpenAI    Variant = "openai"
	VariantAnthropic Variant = "anthropic"
	VariantGemini    Variant = "gemini"
)

// Valid reports whether variant is a known backend.
func (variant Variant) Valid() bool {
	switch variant {
	case VariantOpenAI, VariantAnthropic, VariantGemini:
		return true
	}
	return false
}

// SupportsAuthorNames reports whether the backend accepts a per-message
// author name. Only the OpenAI wire format has one; elsewhere the
// author is folded into the message text.
func (variant Variant) SupportsAuthorNames() bool {
	return variant == VariantOpenAI
}

var errUnknownVariant = errors.New("llm: unknown provider variant")

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Variant Variant
	BaseURL string
	APIKey  string

	// HTTPClient is used for all requests. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewProvider constructs the backend named by config.Variant.
func NewProvider(ctx context.Context, config ProviderConfig) (Provider, error) {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch config.Variant {
	case VariantOpenAI:
		return NewOpenAI(httpClient, config.BaseURL, config.APIKey), nil
	case VariantAnthropic:
		return NewAnthropic(httpClient, config.BaseURL, config.APIKey), nil
	case VariantGemini:
		return NewGemini(ctx, httpClient, config.BaseURL, config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownVariant, config.Variant)
	}
}
