// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the CBOR encoding used for the invitation
// handshake wire format. Both the sending (parent) and accepting
// (child) sides import this package so the encoder configuration is
// defined once rather than mirrored.
package codec
