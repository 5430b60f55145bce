// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import "io"

// MsgPaymentSync implements the Message interface and requests the verified
// payment votes a peer knows about for the upcoming blocks.  Count is kept for
// compatibility with older peers and is ignored by receivers.
type MsgPaymentSync struct {
	Count int32
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgPaymentSync) BtcDecode(r io.Reader, pver uint32) error {
	var err error
	msg.Count, err = readInt32(r)
	return err
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgPaymentSync) BtcEncode(w io.Writer, pver uint32) error {
	return writeInt32(w, msg.Count)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgPaymentSync) Command() string {
	return CmdPaymentSync
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgPaymentSync) MaxPayloadLength(pver uint32) uint32 {
	return 4
}

// MsgSyncStatusCount implements the Message interface and reports how many
// inventory items a peer sent in response to a sync request.
type MsgSyncStatusCount struct {
	ItemID int32
	Count  int32
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSyncStatusCount) BtcDecode(r io.Reader, pver uint32) error {
	var err error
	if msg.ItemID, err = readInt32(r); err != nil {
		return err
	}
	msg.Count, err = readInt32(r)
	return err
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgSyncStatusCount) BtcEncode(w io.Writer, pver uint32) error {
	if err := writeInt32(w, msg.ItemID); err != nil {
		return err
	}
	return writeInt32(w, msg.Count)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgSyncStatusCount) Command() string {
	return CmdSyncStatusCount
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgSyncStatusCount) MaxPayloadLength(pver uint32) uint32 {
	return 8
}

// MsgGetSporks implements the Message interface and requests the network
// feature flags of a peer.  It has no payload.
type MsgGetSporks struct{}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetSporks) BtcDecode(r io.Reader, pver uint32) error {
	return nil
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgGetSporks) BtcEncode(w io.Writer, pver uint32) error {
	return nil
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgGetSporks) Command() string {
	return CmdGetSporks
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgGetSporks) MaxPayloadLength(pver uint32) uint32 {
	return 0
}
