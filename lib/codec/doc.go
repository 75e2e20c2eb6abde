// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// compactfs on-disk metadata, most notably the volume manifest.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — a property worth having for anything persisted to the lower
// store, since a rewritten manifest with unchanged content is
// byte-identical to its predecessor.
//
// For buffer-oriented operations (state files, the manifest):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(w)
//	decoder := codec.NewDecoder(r)
//
// Types serialized by this package carry `cbor` struct tags: they are
// only ever stored as CBOR and never cross a JSON boundary.
package codec
