// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"io"

	"github.com/decred/dcrd/wire"
)

// MsgDseg implements the Message interface and represents a request for the
// masternode list.  A zero outpoint requests the full list while any other
// outpoint requests the single matching entry.
type MsgDseg struct {
	Outpoint wire.OutPoint
}

// IsFullList returns whether the message requests the full masternode list.
func (msg *MsgDseg) IsFullList() bool {
	return msg.Outpoint == (wire.OutPoint{})
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgDseg) BtcDecode(r io.Reader, pver uint32) error {
	return ReadOutPoint(r, &msg.Outpoint)
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgDseg) BtcEncode(w io.Writer, pver uint32) error {
	return WriteOutPoint(w, &msg.Outpoint)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgDseg) Command() string {
	return CmdDseg
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgDseg) MaxPayloadLength(pver uint32) uint32 {
	return outPointSize
}
