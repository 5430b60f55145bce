// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"bytes"
	"fmt"
	"hash"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// MsgPaymentVote implements the Message interface and represents the vote of
// a masternode for the payee of the block at a given height.
type MsgPaymentVote struct {
	Voter       wire.OutPoint
	BlockHeight int64
	Payee       []byte
	Signature   []byte
}

// Hash returns the identifying hash of the vote which commits to the payee,
// height, and voter.
func (msg *MsgPaymentVote) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(varBytesSerializeSize(msg.Payee) + 8 + outPointSize)
	wire.WriteVarBytes(&buf, ProtocolVersion, msg.Payee)
	writeInt64(&buf, msg.BlockHeight)
	WriteOutPoint(&buf, &msg.Voter)
	return chainhash.HashH(buf.Bytes())
}

// WriteSignedData writes a tag identifying the message data, followed by all
// message fields excluding the signature.  This is the data committed to when
// the message is signed.
func (msg *MsgPaymentVote) WriteSignedData(h hash.Hash) {
	wire.WriteVarString(h, ProtocolVersion, CmdPaymentVote+"-sig")
	WriteOutPoint(h, &msg.Voter)
	writeInt64(h, msg.BlockHeight)
	wire.WriteVarBytes(h, ProtocolVersion, msg.Payee)
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgPaymentVote) BtcDecode(r io.Reader, pver uint32) error {
	const op = "MsgPaymentVote.BtcDecode"
	if err := ReadOutPoint(r, &msg.Voter); err != nil {
		return err
	}
	var err error
	if msg.BlockHeight, err = readInt64(r); err != nil {
		return err
	}
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > MaxPayeeScriptSize {
		str := fmt.Sprintf("payee script is too long [count %d, max %d]",
			count, MaxPayeeScriptSize)
		return messageError(op, ErrScriptTooLong, str)
	}
	msg.Payee = make([]byte, count)
	if _, err := io.ReadFull(r, msg.Payee); err != nil {
		return err
	}
	msg.Signature, err = readSignature(r, pver, op)
	return err
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgPaymentVote) BtcEncode(w io.Writer, pver uint32) error {
	if err := WriteOutPoint(w, &msg.Voter); err != nil {
		return err
	}
	if err := writeInt64(w, msg.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.Payee); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, msg.Signature)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgPaymentVote) Command() string {
	return CmdPaymentVote
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgPaymentVote) MaxPayloadLength(pver uint32) uint32 {
	return outPointSize + 8 + 3 + MaxPayeeScriptSize + 1 + MaxSignatureSize
}
