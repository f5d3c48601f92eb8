// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API that
// the relay needs.
//
// [Client] holds the homeserver URL, HTTP transport and an outbound
// request limiter (golang.org/x/time/rate) shared by every [Session]
// derived from it. A homeserver that still answers 429 M_LIMIT_EXCEEDED
// is honored: the request is retried after the server's retry_after_ms,
// a bounded number of times.
//
// [Session] adds an access token and exposes the operations the relay
// uses: identity (WhoAmI, GetDisplayName), membership (JoinRoom,
// JoinedRooms, JoinedMembers), long-poll Sync, message reads (GetEvent,
// RoomMessages), sends and edits (SendMessage, EditMessage) and media
// download (DownloadMedia, authenticated media with a legacy fallback).
//
// Message content is modelled by [MessageContent]. Replies, threads and
// edits are expressed through [RelatesTo]; the builders [NewTextMessage],
// [MessageContent.WithHTML], [MessageContent.InReplyTo],
// [MessageContent.InThread] and [NewEdit] compose them.
//
// All API errors are returned as [*MatrixError] carrying the Matrix
// error code and HTTP status. [IsMatrixError] tests for a specific code.
package messaging
