// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay's configuration.
//
// Configuration comes from a single file named by the CHATRELAY_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no discovery and no search path. Files ending
// in .json or .jsonc are stripped of comments with tidwall/jsonc and
// then decoded like YAML (JSON being a YAML subset); everything else
// is YAML.
//
// Secret-bearing fields (the Matrix access token, model API keys,
// endpoints and the notes database path) accept ${VAR} and
// ${VAR:-default} references. [LoadEnvFile] loads a dotenv file into
// the process environment first, so secrets can live outside the
// config file. No other environment variable overrides config values.
//
// The loaded [Config] is passed explicitly into every constructor;
// nothing reads configuration globally.
package config
