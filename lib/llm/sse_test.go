// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collectSSE(t *testing.T, input string) []SSEEvent {
	t.Helper()
	scanner := NewSSEScanner(strings.NewReader(input))
	var events []SSEEvent
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner.Err() = %v", err)
	}
	return events
}

func TestSSEScannerTypedEvents(t *testing.T) {
	t.Parallel()

	events := collectSSE(t, "event: message_start\ndata: {\"a\":1}\n\nevent: ping\ndata: {}\n\n")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != "message_start" || events[0].Data != `{"a":1}` {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != "ping" {
		t.Errorf("events[1].Type = %q, want ping", events[1].Type)
	}
}

func TestSSEScannerJoinsDataLines(t *testing.T) {
	t.Parallel()

	events := collectSSE(t, "data: one\ndata: two\r\n\r\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "one\ntwo" {
		t.Errorf("Data = %q, want %q", events[0].Data, "one\ntwo")
	}
}

func TestSSEScannerSkipsCommentsAndEmptyBlocks(t *testing.T) {
	t.Parallel()

	events := collectSSE(t, ": keepalive\n\n\nevent: x\n: note\ndata:tight\nid: 7\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != "x" || events[0].Data != "tight" {
		t.Errorf("event = %+v, want {x tight}", events[0])
	}
}

func TestSSEScannerUnterminatedFinalEvent(t *testing.T) {
	t.Parallel()

	events := collectSSE(t, "data: first\n\ndata: [DONE]")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Data != "[DONE]" {
		t.Errorf("events[1].Data = %q, want [DONE]", events[1].Data)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSSEScannerReadError(t *testing.T) {
	t.Parallel()

	scanner := NewSSEScanner(io.MultiReader(strings.NewReader("data: partial\n"), failingReader{}))
	if scanner.Next() {
		t.Fatal("Next() = true, want false on read error")
	}
	if scanner.Err() == nil {
		t.Fatal("Err() = nil, want read error")
	}
}
