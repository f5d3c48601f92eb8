// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package markdown renders model output to the HTML subset Matrix
// clients display in formatted_body (org.matrix.custom.html).
//
// Rendering uses goldmark with GitHub Flavored Markdown. Single
// newlines become <br> because chat authors and models treat them as
// line breaks. Raw HTML in the input is dropped.
package markdown

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	rendererInstance goldmark.Markdown
	rendererOnce     sync.Once
)

func renderer() goldmark.Markdown {
	rendererOnce.Do(func() {
		rendererInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return rendererInstance
}

// ToHTML renders markdown source. Conversion into a bytes.Buffer
// cannot fail for in-memory input; on the impossible error the source
// is returned escaped as a single paragraph.
func ToHTML(source string) string {
	if source == "" {
		return ""
	}
	var buffer bytes.Buffer
	if err := renderer().Convert([]byte(source), &buffer); err != nil {
		return "<p>" + escape(source) + "</p>"
	}
	return strings.TrimSuffix(buffer.String(), "\n")
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(text string) string {
	return escaper.Replace(text)
}
