// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/chatrelay/messaging"
	"github.com/bureau-foundation/chatrelay/platform"
)

const botID = "@relay:local"

// homeserver is a minimal fake serving the endpoints the adapter uses.
type homeserver struct {
	mu      sync.Mutex
	members map[string]map[string]string // room -> user -> display name
	events  map[string]string            // event ID -> raw JSON
	before  map[string][]string          // event ID -> raw JSON of events_before
	sent    []messaging.MessageContent
}

func (server *homeserver) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	server.mu.Lock()
	defer server.mu.Unlock()

	path := request.URL.Path
	switch {
	case strings.HasSuffix(path, "/joined_members"):
		roomID := strings.TrimSuffix(strings.TrimPrefix(path, "/_matrix/client/v3/rooms/"), "/joined_members")
		joined := map[string]map[string]string{}
		for userID, name := range server.members[roomID] {
			joined[userID] = map[string]string{"display_name": name}
		}
		json.NewEncoder(writer).Encode(map[string]any{"joined": joined})
	case strings.Contains(path, "/event/"):
		eventID := path[strings.LastIndex(path, "/")+1:]
		raw, ok := server.events[eventID]
		if !ok {
			writer.WriteHeader(http.StatusNotFound)
			writer.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"Event not found"}`))
			return
		}
		writer.Write([]byte(raw))
	case strings.Contains(path, "/context/"):
		eventID := path[strings.LastIndex(path, "/")+1:]
		writer.Write([]byte(`{"events_before":[` + strings.Join(server.before[eventID], ",") + `]}`))
	case strings.Contains(path, "/send/m.room.message/"):
		var content messaging.MessageContent
		json.NewDecoder(request.Body).Decode(&content)
		server.sent = append(server.sent, content)
		json.NewEncoder(writer).Encode(map[string]string{"event_id": "$sent"})
	default:
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized"}`))
	}
}

func newAdapter(t *testing.T, server *homeserver) *Adapter {
	t.Helper()
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: httpServer.URL})
	if err != nil {
		t.Fatal(err)
	}
	session, err := client.SessionFromToken(botID, "token")
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := New(Config{Session: session, BotName: "Relay"})
	if err != nil {
		t.Fatal(err)
	}
	return adapter
}

func event(t *testing.T, eventID, roomID, sender string, ts int64, content any) messaging.Event {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	return messaging.Event{
		EventID:        eventID,
		Type:           messaging.EventTypeMessage,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        raw,
		RoomID:         roomID,
	}
}

func TestMessageFromEvent(t *testing.T) {
	t.Parallel()

	server := &homeserver{members: map[string]map[string]string{
		"!dm:local":    {"@alice:local": "Alice", botID: "Relay"},
		"!group:local": {"@alice:local": "Alice", "@bob:local": "", botID: "Relay"},
	}}
	adapter := newAdapter(t, server)
	ctx := context.Background()

	tests := []struct {
		name  string
		event messaging.Event
		want  platform.Message
	}{
		{
			name:  "direct message",
			event: event(t, "$1", "!dm:local", "@alice:local", 1000, map[string]any{"msgtype": "m.text", "body": "hello"}),
			want: platform.Message{
				ID: "$1", RoomID: "!dm:local", AuthorID: "@alice:local", AuthorName: "Alice",
				Text: "hello", Timestamp: time.UnixMilli(1000), Direct: true,
			},
		},
		{
			name: "reply with fallback and pill mention",
			event: event(t, "$2", "!group:local", "@bob:local", 2000, map[string]any{
				"msgtype":      "m.text",
				"body":         "> <@relay:local> earlier answer\n\nRelay: and then?",
				"m.mentions":   map[string]any{"user_ids": []string{botID}},
				"m.relates_to": map[string]any{"m.in_reply_to": map[string]string{"event_id": "$answer"}},
			}),
			want: platform.Message{
				ID: "$2", RoomID: "!group:local", AuthorID: "@bob:local", AuthorName: "bob",
				Text: "Relay: and then?", Timestamp: time.UnixMilli(2000), ReplyTo: "$answer",
				MentionsBot: true, MentionText: "Relay:",
			},
		},
		{
			name: "thread message",
			event: event(t, "$3", "!group:local", "@alice:local", 3000, map[string]any{
				"msgtype": "m.text",
				"body":    "@relay:local what about this",
				"m.relates_to": map[string]any{
					"rel_type": "m.thread", "event_id": "$root", "is_falling_back": true,
					"m.in_reply_to": map[string]string{"event_id": "$root"},
				},
			}),
			want: platform.Message{
				ID: "$3", RoomID: "!group:local", AuthorID: "@alice:local", AuthorName: "Alice",
				Text: "@relay:local what about this", Timestamp: time.UnixMilli(3000), ThreadRoot: "$root",
				MentionsBot: true, MentionText: "@relay:local",
			},
		},
		{
			name: "image with caption",
			event: event(t, "$4", "!dm:local", "@alice:local", 4000, map[string]any{
				"msgtype":  "m.image",
				"body":     "what is this?",
				"filename": "cat.png",
				"url":      "mxc://local/cat",
				"info":     map[string]any{"mimetype": "image/png", "size": 10},
			}),
			want: platform.Message{
				ID: "$4", RoomID: "!dm:local", AuthorID: "@alice:local", AuthorName: "Alice",
				Text: "what is this?", Timestamp: time.UnixMilli(4000), Direct: true,
				Attachments: []platform.Attachment{{URL: "mxc://local/cat", Name: "cat.png", ContentType: "image/png", Size: 10}},
			},
		},
		{
			name: "file without caption",
			event: event(t, "$5", "!dm:local", "@alice:local", 5000, map[string]any{
				"msgtype": "m.file",
				"body":    "notes.txt",
				"url":     "mxc://local/notes",
				"info":    map[string]any{"mimetype": "text/plain"},
			}),
			want: platform.Message{
				ID: "$5", RoomID: "!dm:local", AuthorID: "@alice:local", AuthorName: "Alice",
				Timestamp: time.UnixMilli(5000), Direct: true,
				Attachments: []platform.Attachment{{URL: "mxc://local/notes", Name: "notes.txt", ContentType: "text/plain"}},
			},
		},
		{
			name:  "own in-progress message",
			event: event(t, "$6", "!dm:local", botID, 6000, map[string]any{"msgtype": "m.text", "body": "partial ⚪"}),
			want: platform.Message{
				ID: "$6", RoomID: "!dm:local", AuthorID: botID, AuthorName: "Relay",
				Text: "partial", Timestamp: time.UnixMilli(6000), Direct: true,
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok, err := adapter.MessageFromEvent(ctx, test.event)
			if err != nil || !ok {
				t.Fatalf("MessageFromEvent = ok %v, err %v", ok, err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageFromEventSkipsNonMessages(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, &homeserver{})
	ctx := context.Background()

	edit := event(t, "$e", "!dm:local", "@alice:local", 1, map[string]any{
		"msgtype": "m.text", "body": "* fixed",
		"m.new_content": map[string]string{"msgtype": "m.text", "body": "fixed"},
		"m.relates_to":  map[string]string{"rel_type": "m.replace", "event_id": "$1"},
	})
	redacted := event(t, "$r", "!dm:local", "@alice:local", 1, map[string]any{})
	member := messaging.Event{EventID: "$m", Type: messaging.EventTypeMember, Content: json.RawMessage(`{}`)}

	for _, candidate := range []messaging.Event{edit, redacted, member} {
		if _, ok, err := adapter.MessageFromEvent(ctx, candidate); ok || err != nil {
			t.Errorf("event %s: ok %v err %v, want skipped", candidate.EventID, ok, err)
		}
	}
}

func TestFetchMessageNotFound(t *testing.T) {
	t.Parallel()

	adapter := newAdapter(t, &homeserver{events: map[string]string{}})
	_, err := adapter.FetchMessage(context.Background(), "!dm:local", "$gone")
	if !errors.Is(err, platform.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviousMessageSkipsEdits(t *testing.T) {
	t.Parallel()

	server := &homeserver{
		members: map[string]map[string]string{"!dm:local": {"@alice:local": "Alice", botID: "Relay"}},
		before: map[string][]string{"$now": {
			`{"event_id":"$edit","type":"m.room.message","sender":"@relay:local","origin_server_ts":3,
			  "content":{"msgtype":"m.text","body":"* x","m.new_content":{"msgtype":"m.text","body":"x"},
			  "m.relates_to":{"rel_type":"m.replace","event_id":"$answer"}}}`,
			`{"event_id":"$answer","type":"m.room.message","sender":"@relay:local","origin_server_ts":2,
			  "content":{"msgtype":"m.text","body":"x"}}`,
		}},
	}
	adapter := newAdapter(t, server)

	previous, ok, err := adapter.PreviousMessage(context.Background(), platform.Message{ID: "$now", RoomID: "!dm:local"})
	if err != nil || !ok {
		t.Fatalf("PreviousMessage = ok %v, err %v", ok, err)
	}
	if previous.ID != "$answer" || previous.AuthorID != botID {
		t.Errorf("previous = %s by %s, want $answer by the bot", previous.ID, previous.AuthorID)
	}
}

func TestSendTargets(t *testing.T) {
	t.Parallel()

	server := &homeserver{}
	adapter := newAdapter(t, server)
	ctx := context.Background()

	if _, err := adapter.Send(ctx, platform.Target{RoomID: "!r:local", ReplyTo: "$q"}, platform.Content{Text: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := adapter.Send(ctx, platform.Target{RoomID: "!r:local", ReplyTo: "$q", ThreadRoot: "$root"}, platform.Content{Text: "b"}); err != nil {
		t.Fatal(err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(server.sent))
	}
	if got := server.sent[0].ReplyTarget(); got != "$q" {
		t.Errorf("plain reply target = %q", got)
	}
	if got := server.sent[1].ThreadRoot(); got != "$root" {
		t.Errorf("thread root = %q", got)
	}
	if got := server.sent[1].RelatesTo.InReplyTo.EventID; got != "$q" {
		t.Errorf("thread fallback reply = %q", got)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	plain := Render(platform.Content{Text: "hi", InProgress: true, Notices: []string{"⚠️ a", "⚠️ b"}})
	if plain.Body != "hi\n\n⚠️ a\n⚠️ b" || plain.FormattedBody != "" {
		t.Errorf("plain render = %+v", plain)
	}

	rich := Render(platform.Content{Text: "**hi**", Rich: true, InProgress: true})
	if rich.Body != "**hi** ⚪" {
		t.Errorf("rich body = %q", rich.Body)
	}
	if rich.Format != messaging.FormatHTML || !strings.Contains(rich.FormattedBody, "<strong>hi</strong> ⚪") {
		t.Errorf("rich formatted body = %q", rich.FormattedBody)
	}

	final := Render(platform.Content{Text: "done", Rich: true, Notices: []string{"⚠️ Using last 3 messages"}})
	if !strings.Contains(final.FormattedBody, "<blockquote>") || strings.Contains(final.Body, "⚪") {
		t.Errorf("final rich render = %+v", final)
	}
}

func TestStripReplyFallback(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"plain":                          "plain",
		"> <@a:l> quoted\n\nreply":       "reply",
		"> <@a:l> one\n> two\n\nreply\n": "reply\n",
		"> only quote":                   "",
	}
	for input, want := range tests {
		if got := stripReplyFallback(input); got != want {
			t.Errorf("stripReplyFallback(%q) = %q, want %q", input, got, want)
		}
	}
}
