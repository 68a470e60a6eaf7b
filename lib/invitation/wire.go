// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package invitation

// wireVersion is the handshake protocol version. Bumped only for
// incompatible header changes; unknown header fields are ignored by
// the CBOR decoder, so additive changes do not need a bump.
const wireVersion = 1

// maxHeaderSize bounds the encoded handshake header. The sender
// enforces it so the receiver can collect the whole header with a
// single receive into a fixed buffer — on a SOCK_SEQPACKET socket one
// sendmsg arrives as exactly one recvmsg, with the SCM_RIGHTS
// descriptors attached to it.
const maxHeaderSize = 4096

// maxTransferredFDs bounds the descriptors in a single handshake. The
// receiver sizes its ancillary buffer from it, so the sender enforces
// it and an oversized invitation fails synchronously at Send. The
// kernel's own per-message SCM_RIGHTS limit is 253.
const maxTransferredFDs = 64

// wireHeader is the single handshake message sent over the transport
// endpoint. The descriptor at ancillary position i is the remote half
// of the pipe named Pipes[i].
type wireHeader struct {
	// Version is the handshake protocol version.
	Version int `cbor:"version"`

	// ID uniquely identifies this invitation, for correlating
	// process-error reports with the launch attempt that produced
	// them.
	ID string `cbor:"id"`

	// Pipes lists the attached pipe names in descriptor order.
	Pipes []string `cbor:"pipes"`
}
