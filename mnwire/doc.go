// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mnwire implements the masternode peer-to-peer wire protocol.

The package reuses the primitive encoders of the dcrd wire package (variable
length integers, strings, and byte slices, outpoints, and inventory vectors)
and defines the additional messages needed to gossip masternode
announcements, pings, address verifications, list requests, and payment
votes.

# Message Framing

Every message is framed with the same 24 byte header used by dcrd: a 4 byte
network magic, a 12 byte zero padded command, a 4 byte little endian payload
length, and the first 4 bytes of the BLAKE-256 hash of the payload.  Use
ReadMessage and WriteMessage to read and write framed messages.

# Signed Data

Signed messages expose a WriteSignedData method which writes a tag identifying
the message type followed by every field committed to by the signature.  The
signature itself is never part of the signed data.  Callers hash the signed
data with BLAKE-256 and produce compact secp256k1 signatures over the digest.

# Errors

Errors returned by this package are of type MessageError and wrap an
ErrorKind so callers can use errors.Is to check for specific conditions.
*/
package mnwire
