// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP response reads.
//
// Matrix JSON responses are read through [ReadResponse] (capped at
// [MaxResponseSize]); media downloads go through [ReadLimited] with a
// caller-chosen cap so a large attachment fails cleanly instead of
// growing without bound.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize caps JSON API response bodies at 32 MB. A /sync
// response for a busy account is the largest legitimate payload.
const MaxResponseSize int64 = 32 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds the cap.
var ErrTooLarge = errors.New("netutil: response body exceeds size limit")

// ReadResponse reads a JSON API response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ReadLimited reads at most limit bytes from body. Unlike ReadResponse
// it reports truncation: a body longer than limit returns ErrTooLarge.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("netutil: invalid read limit %d", limit)
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// ErrorBody reads an error response body for diagnostics, at most 4 KB.
// Read errors are ignored; a partial body is still useful in a message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
