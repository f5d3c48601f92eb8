// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/bureau-foundation/chatrelay/lib/llm"
	"github.com/bureau-foundation/chatrelay/stream"
)

// ModelSource adapts a provider stream to [stream.Source] and classifies
// how it ended. Provider failures, whether the request was refused or
// the stream broke, become a final delta of in-band "Error: ..." text
// with Kind OutputTransportError. A stream that completes with the
// control signal anywhere in its text is OutputControlSignal.
//
// The synchronizer never looks at content; this is the only place model
// text is inspected before the turn ends.
type ModelSource struct {
	events  *llm.EventStream
	openErr error
	signal  string
	text    strings.Builder
	done    bool
}

// OpenModelSource starts request on provider. It never fails: a refused
// request is reported through Next. signal may be empty to disable
// control-signal classification.
func OpenModelSource(ctx context.Context, provider llm.Provider, request llm.Request, signal string) *ModelSource {
	events, err := provider.Stream(ctx, request)
	return &ModelSource{events: events, openErr: err, signal: signal}
}

// Next implements stream.Source.
func (source *ModelSource) Next(ctx context.Context) (stream.Delta, error) {
	if source.done {
		return stream.Delta{}, io.EOF
	}
	if source.openErr != nil {
		return source.fail(ctx, source.openErr)
	}

	for {
		event, err := source.events.Next()
		if errors.Is(err, io.EOF) {
			source.done = true
			return stream.Delta{
				Final:  true,
				Finish: stream.Finish{Reason: string(source.events.Response().StopReason), Kind: source.classify()},
			}, nil
		}
		if err != nil {
			return source.fail(ctx, err)
		}

		switch event.Type {
		case llm.EventTextDelta:
			if event.Text == "" {
				continue
			}
			source.text.WriteString(event.Text)
			return stream.Delta{Text: event.Text}, nil
		case llm.EventError:
			err := event.Error
			if err == nil {
				err = errors.New("provider reported an error")
			}
			return source.fail(ctx, err)
		}
	}
}

// fail ends the stream with err as text. When ctx has ended the
// failure is the cancellation, not the provider, and is returned as
// an error instead.
func (source *ModelSource) fail(ctx context.Context, err error) (stream.Delta, error) {
	source.done = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stream.Delta{}, ctxErr
	}
	text := failureText(err)
	if source.text.Len() > 0 {
		text = "\n\n" + text
	}
	source.text.WriteString(text)
	return stream.Delta{
		Text:   text,
		Final:  true,
		Finish: stream.Finish{Reason: "error", Kind: stream.OutputTransportError},
	}, nil
}

// failureText is the in-band text for a provider failure. Throttling
// and overload get a retry hint in place of the raw provider message.
func failureText(err error) string {
	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		switch {
		case providerErr.IsRateLimited():
			return "Error: the model is rate limiting requests. Try again in a moment."
		case providerErr.IsOverloaded():
			return "Error: the model is overloaded. Try again in a moment."
		}
	}
	return "Error: " + err.Error()
}

func (source *ModelSource) classify() stream.OutputKind {
	if source.signal != "" && strings.Contains(source.text.String(), source.signal) {
		return stream.OutputControlSignal
	}
	return stream.OutputNormal
}

// Close releases the provider stream.
func (source *ModelSource) Close() error {
	if source.events == nil {
		return nil
	}
	return source.events.Close()
}
