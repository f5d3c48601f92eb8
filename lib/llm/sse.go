// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field, empty for the default type.
	Type string

	// Data joins the event's "data:" lines with newlines.
	Data string
}

// SSEScanner reads Server-Sent Events. Events end at a blank line;
// comment lines and unknown fields are skipped. A final event with no
// trailing blank line is still delivered.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
	eof     bool
}

// NewSSEScanner returns a scanner over reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event and reports whether there is one.
func (scanner *SSEScanner) Next() bool {
	if scanner.eof || scanner.err != nil {
		return false
	}

	var eventType string
	var data []string
	emit := func() bool {
		if data == nil {
			eventType = ""
			return false
		}
		scanner.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
		return true
	}

	for {
		line, err := scanner.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				scanner.err = err
				return false
			}
			scanner.eof = true
			if line == "" {
				return emit()
			}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if emit() {
				return true
			}
			if scanner.eof {
				return false
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "data":
				data = append(data, value)
			case "event":
				eventType = value
			}
		}

		if scanner.eof {
			return emit()
		}
	}
}

// Event returns the event found by the last successful Next.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first read error other than io.EOF.
func (scanner *SSEScanner) Err() error {
	return scanner.err
}
