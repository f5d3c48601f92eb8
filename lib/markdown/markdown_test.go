// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package markdown

import "testing"

func TestToHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"empty", "", ""},
		{"emphasis", "**bold** and *it*", "<p><strong>bold</strong> and <em>it</em></p>"},
		{"hard wraps", "one\ntwo", "<p>one<br>\ntwo</p>"},
		{"strikethrough", "~~gone~~", "<p><del>gone</del></p>"},
		{"raw html dropped", "<script>x</script>", "<!-- raw HTML omitted -->"},
		{"fenced code", "```go\nx := 1\n```", "<pre><code class=\"language-go\">x := 1\n</code></pre>"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := ToHTML(test.source); got != test.want {
				t.Errorf("ToHTML(%q) = %q, want %q", test.source, got, test.want)
			}
		})
	}
}
