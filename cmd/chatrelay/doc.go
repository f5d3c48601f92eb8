// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Chatrelay relays Matrix conversations to a streaming language model.
//
// Usage:
//
//	chatrelay --config /etc/chatrelay/config.yaml [--env-file .env]
//
// Without --config the path is read from CHATRELAY_CONFIG. The
// configuration file may be YAML or JSONC; secret-bearing fields expand
// ${VARIABLE} references, which --env-file can supply.
//
// The relay syncs every joined room, answers direct messages, mentions
// and replies to its own messages, and streams each reply into one or
// more edited messages. With a secondary model configured, the primary
// model may hand a request over by answering with the control token.
// When metrics.listen is set, /metrics and /healthz are served there.
package main
