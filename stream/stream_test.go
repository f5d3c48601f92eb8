// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/bureau-foundation/chatrelay/fragment"
	"github.com/bureau-foundation/chatrelay/lib/clock"
	"github.com/bureau-foundation/chatrelay/lib/metrics"
	"github.com/bureau-foundation/chatrelay/lib/testutil"
	"github.com/bureau-foundation/chatrelay/platform"
	"github.com/bureau-foundation/chatrelay/platform/platformtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, testutil.LeakOptions()...)
}

const timeout = 5 * time.Second

var (
	epoch  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	target = platform.Target{RoomID: "!room:local", ReplyTo: "$trigger"}
)

// sliceSource yields fixed deltas, the last one final.
type sliceSource struct {
	deltas []Delta
}

func textSource(texts ...string) *sliceSource {
	source := &sliceSource{}
	for index, text := range texts {
		source.deltas = append(source.deltas, Delta{Text: text, Final: index == len(texts)-1})
	}
	return source
}

func (source *sliceSource) Next(ctx context.Context) (Delta, error) {
	if len(source.deltas) == 0 {
		return Delta{}, io.EOF
	}
	delta := source.deltas[0]
	source.deltas = source.deltas[1:]
	return delta, nil
}

// scriptedSource hands deltas over one at a time. A receive on requests
// means the synchronizer has finished with every earlier delta.
type scriptedSource struct {
	requests chan struct{}
	deltas   chan Delta
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{requests: make(chan struct{}), deltas: make(chan Delta)}
}

func (source *scriptedSource) Next(ctx context.Context) (Delta, error) {
	select {
	case source.requests <- struct{}{}:
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
	select {
	case delta, ok := <-source.deltas:
		if !ok {
			return Delta{}, io.EOF
		}
		return delta, nil
	case <-ctx.Done():
		return Delta{}, ctx.Err()
	}
}

func (source *scriptedSource) feed(t *testing.T, delta Delta) {
	t.Helper()
	testutil.RequireReceive(t, source.requests, timeout, "synchronizer never asked for the next delta")
	testutil.RequireSend(t, source.deltas, delta, timeout, "synchronizer stopped reading")
}

type harness struct {
	fake  *platformtest.Platform
	cache *fragment.Cache
	clock *clock.FakeClock
	cfg   Config
}

func newHarness(maxLength int, spacing time.Duration) *harness {
	h := &harness{
		fake:  platformtest.New("@relay:local"),
		cache: fragment.New(fragment.Config{Capacity: 100}),
		clock: clock.Fake(epoch),
	}
	h.cfg = Config{
		Platform:         h.fake,
		Cache:            h.cache,
		Clock:            h.clock,
		MaxContentLength: maxLength,
		MinEditSpacing:   spacing,
		Target:           target,
		ParentID:         "$trigger",
	}
	return h
}

func (h *harness) synchronizer(t *testing.T) *Synchronizer {
	t.Helper()
	synchronizer, err := New(h.cfg)
	if err != nil {
		t.Fatal(err)
	}
	return synchronizer
}

func TestPartBoundaryMovesWholeDelta(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 0)
	result, err := h.synchronizer(t).Run(context.Background(), textSource("Hello ", "World!!!"))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"Hello ", "World!!!"}
	if diff := cmp.Diff(want, h.fake.Displayed()); diff != "" {
		t.Errorf("displayed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, result.Parts); diff != "" {
		t.Errorf("parts mismatch (-want +got):\n%s", diff)
	}
	if strings.Join(result.Parts, "") != result.Text || result.Text != "Hello World!!!" {
		t.Errorf("parts do not concatenate to Text %q", result.Text)
	}

	// The second message replies to the first.
	ops := h.fake.Ops()
	var sends []platformtest.Op
	for _, op := range ops {
		if op.Kind == platformtest.OpSend {
			sends = append(sends, op)
		}
	}
	if len(sends) != 2 || sends[1].Target.ReplyTo != sends[0].Handle.MessageID {
		t.Errorf("sends = %+v, want the second replying to the first", sends)
	}
}

func TestOversizedDeltaIsSplit(t *testing.T) {
	t.Parallel()

	h := newHarness(10, 0)
	text := strings.Repeat("ü", 25)
	result, err := h.synchronizer(t).Run(context.Background(), textSource(text))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{strings.Repeat("ü", 10), strings.Repeat("ü", 10), strings.Repeat("ü", 5)}
	if diff := cmp.Diff(want, h.fake.Displayed()); diff != "" {
		t.Errorf("displayed mismatch (-want +got):\n%s", diff)
	}
	if len(result.Handles) != 3 {
		t.Errorf("%d handles, want 3", len(result.Handles))
	}
}

func TestFinalContentMatchesDespiteSkippedEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(100, time.Hour)
	h.cfg.Rich = true
	_, err := h.synchronizer(t).Run(context.Background(), textSource("a", "b", "c", "d"))
	if err != nil {
		t.Fatal(err)
	}

	ops := h.fake.Ops()
	if len(ops) != 2 {
		t.Fatalf("%d ops, want a send and one final edit: %+v", len(ops), ops)
	}
	if ops[0].Kind != platformtest.OpSend || ops[0].Content.Text != "a" || !ops[0].Content.InProgress {
		t.Errorf("first op = %+v, want in-progress send of %q", ops[0], "a")
	}
	final := h.fake.Current(ops[0].Handle)
	if diff := cmp.Diff(platform.Content{Text: "abcd", Rich: true}, final); diff != "" {
		t.Errorf("final content mismatch (-want +got):\n%s", diff)
	}
}

func TestEditsArePacedAndNeverOverlap(t *testing.T) {
	t.Parallel()

	h := newHarness(100, time.Second)
	h.fake.EditGate = make(chan struct{})
	source := newScriptedSource()

	results := make(chan Result, 1)
	go func() {
		result, err := h.synchronizer(t).Run(context.Background(), source)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		results <- result
	}()

	source.feed(t, Delta{Text: "a"})
	h.clock.Advance(time.Second)
	source.feed(t, Delta{Text: "b"}) // starts an edit, held by the gate
	h.clock.Advance(2 * time.Second)
	source.feed(t, Delta{Text: "c"}) // an edit is in flight: folded into a later one
	testutil.RequireReceive(t, source.requests, timeout, "synchronizer stalled while an edit was in flight")

	testutil.RequireSend(t, h.fake.EditGate, struct{}{}, timeout, "paced edit never started")
	testutil.RequireSend(t, source.deltas, Delta{Final: true}, timeout, "synchronizer stopped reading")
	testutil.RequireSend(t, h.fake.EditGate, struct{}{}, timeout, "final edit never started")

	result := testutil.RequireReceive(t, results, timeout, "Run never returned")
	if result.Text != "abc" {
		t.Errorf("Text = %q", result.Text)
	}

	var edits []string
	for _, op := range h.fake.Ops() {
		if op.Kind == platformtest.OpEdit {
			edits = append(edits, op.Content.Text)
		}
	}
	if diff := cmp.Diff([]string{"ab", "abc"}, edits); diff != "" {
		t.Errorf("edits mismatch (-want +got):\n%s", diff)
	}
	if overlaps := h.fake.Overlaps(); overlaps != 0 {
		t.Errorf("%d overlapping edits", overlaps)
	}
}

func TestNoticesOnlyOnFinalMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(5, 0)
	h.cfg.Notices = []string{"⚠️ Using last 3 messages"}
	result, err := h.synchronizer(t).Run(context.Background(), textSource("abcde", "fgh"))
	if err != nil {
		t.Fatal(err)
	}
	first := h.fake.Current(result.Handles[0])
	last := h.fake.Current(result.Handles[1])
	if len(first.Notices) != 0 {
		t.Errorf("first message notices = %v", first.Notices)
	}
	if diff := cmp.Diff(h.cfg.Notices, last.Notices); diff != "" {
		t.Errorf("last message notices mismatch (-want +got):\n%s", diff)
	}
}

func TestReplyFragmentsBlockReadersUntilFinal(t *testing.T) {
	t.Parallel()

	h := newHarness(100, time.Hour)
	source := newScriptedSource()
	results := make(chan Result, 1)
	go func() {
		result, _ := h.synchronizer(t).Run(context.Background(), source)
		results <- result
	}()

	source.feed(t, Delta{Text: "partial"})
	testutil.RequireReceive(t, source.requests, timeout, "synchronizer stalled")
	handle := h.fake.Sent()[0]

	fragments := make(chan fragment.Fragment, 1)
	go func() {
		reply, err := h.cache.GetOrPopulate(context.Background(), handle.MessageID, func(context.Context, *fragment.Fragment) error {
			return errors.New("reply fragment was not reserved")
		})
		if err != nil {
			t.Errorf("GetOrPopulate: %v", err)
		}
		fragments <- reply
	}()
	select {
	case reply := <-fragments:
		t.Fatalf("reader saw the reply before it was final: %+v", reply)
	case <-time.After(50 * time.Millisecond): //nolint:realclock asserting a goroutine stays blocked
	}

	testutil.RequireSend(t, source.deltas, Delta{Text: " reply", Final: true}, timeout, "synchronizer stopped reading")
	testutil.RequireReceive(t, results, timeout, "Run never returned")

	reply := testutil.RequireReceive(t, fragments, timeout, "reader never unblocked")
	if reply.Text != "partial reply" || reply.Role != fragment.RoleAssistant || reply.ParentID != "$trigger" {
		t.Errorf("reply fragment = %+v", reply)
	}
}

func TestSendFailureIsCountedAndStreamContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(100, 0)
	h.cfg.Metrics = metrics.New(prometheus.NewRegistry())
	h.fake.SendErr = errors.New("M_FORBIDDEN")

	result, err := h.synchronizer(t).Run(context.Background(), textSource("hello", " there"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Text != "hello there" {
		t.Errorf("Text = %q", result.Text)
	}
	if diff := cmp.Diff([]platform.Handle{{}}, result.Handles); diff != "" {
		t.Errorf("handles mismatch (-want +got):\n%s", diff)
	}
	if got := promtest.ToFloat64(h.cfg.Metrics.PlatformFailures.WithLabelValues("send")); got != 1 {
		t.Errorf("send failures = %v, want 1", got)
	}
}

func TestSourceErrorFinalizesWhatArrived(t *testing.T) {
	t.Parallel()

	h := newHarness(100, time.Hour)
	failure := errors.New("connection reset")
	source := &failingSource{deltas: []Delta{{Text: "half"}}, err: failure}

	result, err := h.synchronizer(t).Run(context.Background(), source)
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the source error", err)
	}
	if diff := cmp.Diff([]string{"half"}, h.fake.Displayed()); diff != "" {
		t.Errorf("displayed mismatch (-want +got):\n%s", diff)
	}
	if current := h.fake.Current(result.Handles[0]); current.InProgress {
		t.Error("message left in progress after the source failed")
	}
}

type failingSource struct {
	deltas []Delta
	err    error
}

func (source *failingSource) Next(ctx context.Context) (Delta, error) {
	if len(source.deltas) == 0 {
		return Delta{}, source.err
	}
	delta := source.deltas[0]
	source.deltas = source.deltas[1:]
	return delta, nil
}

func TestExistingMessagesAreReused(t *testing.T) {
	t.Parallel()

	h := newHarness(100, 0)
	var existing []platform.Handle
	for _, text := range []string{"first attempt, part one", "first attempt, part two"} {
		handle, err := h.fake.Send(context.Background(), target, platform.Content{Text: text})
		if err != nil {
			t.Fatal(err)
		}
		existing = append(existing, handle)
	}
	h.cfg.Existing = existing

	result, err := h.synchronizer(t).Run(context.Background(), textSource("better ", "answer"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"better answer", Superseded}, h.fake.Displayed()); diff != "" {
		t.Errorf("displayed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(existing[:1], result.Handles); diff != "" {
		t.Errorf("handles mismatch (-want +got):\n%s", diff)
	}
	if len(h.fake.Sent()) != 2 {
		t.Errorf("sent %d messages, want none beyond the existing two", len(h.fake.Sent())-2)
	}

	for _, handle := range existing {
		reply, err := h.cache.GetOrPopulate(context.Background(), handle.MessageID, func(context.Context, *fragment.Fragment) error {
			return errors.New("not cached")
		})
		if err != nil {
			t.Fatalf("fragment for %s: %v", handle.MessageID, err)
		}
		if reply.Text != "better answer" {
			t.Errorf("fragment %s text = %q", handle.MessageID, reply.Text)
		}
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		streamed      []string
		rewritten     string
		wantDisplayed []string
		wantParts     []string
	}{
		{
			name:          "shrinks",
			streamed:      []string{"abcde", "fghij"},
			rewritten:     "abc",
			wantDisplayed: []string{"abc", Superseded},
			wantParts:     []string{"abc"},
		},
		{
			name:          "grows",
			streamed:      []string{"abc"},
			rewritten:     "abcdefgh",
			wantDisplayed: []string{"abcde", "fgh"},
			wantParts:     []string{"abcde", "fgh"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(5, 0)
			synchronizer := h.synchronizer(t)
			result, err := synchronizer.Run(context.Background(), textSource(test.streamed...))
			if err != nil {
				t.Fatal(err)
			}

			reconciled := synchronizer.Reconcile(context.Background(), result, test.rewritten)
			if diff := cmp.Diff(test.wantDisplayed, h.fake.Displayed()); diff != "" {
				t.Errorf("displayed mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(test.wantParts, reconciled.Parts); diff != "" {
				t.Errorf("parts mismatch (-want +got):\n%s", diff)
			}
			reply, err := h.cache.GetOrPopulate(context.Background(), reconciled.Handles[0].MessageID, func(context.Context, *fragment.Fragment) error {
				return errors.New("not cached")
			})
			if err != nil {
				t.Fatal(err)
			}
			if reply.Text != test.rewritten {
				t.Errorf("fragment text = %q, want %q", reply.Text, test.rewritten)
			}
		})
	}
}

func TestReconcileUnchangedTextIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(100, 0)
	synchronizer := h.synchronizer(t)
	result, err := synchronizer.Run(context.Background(), textSource("same"))
	if err != nil {
		t.Fatal(err)
	}
	before := len(h.fake.Ops())
	synchronizer.Reconcile(context.Background(), result, "same")
	if after := len(h.fake.Ops()); after != before {
		t.Errorf("Reconcile issued %d platform calls for unchanged text", after-before)
	}
}

func TestSplitRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		n          int
		head, tail string
	}{
		{"hello", 2, "he", "llo"},
		{"hello", 5, "hello", ""},
		{"hello", 9, "hello", ""},
		{"héllo", 2, "hé", "llo"},
		{"abc", 0, "", "abc"},
	}
	for _, test := range tests {
		head, tail := splitRunes(test.text, test.n)
		if head != test.head || tail != test.tail {
			t.Errorf("splitRunes(%q, %d) = (%q, %q), want (%q, %q)", test.text, test.n, head, tail, test.head, test.tail)
		}
	}
}
