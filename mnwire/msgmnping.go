// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"bytes"
	"hash"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// MsgMNPing implements the Message interface and represents a masternode
// liveness heartbeat.  The ping references a recent block to prove the
// masternode follows the chain and is signed by the operator key.
type MsgMNPing struct {
	Outpoint  wire.OutPoint
	BlockHash chainhash.Hash
	SigTime   int64
	Signature []byte
}

// IsZero returns whether the ping is the empty ping.  Announcements carry an
// empty ping when the announcing masternode has not pinged yet.
func (msg *MsgMNPing) IsZero() bool {
	return msg.Outpoint == (wire.OutPoint{}) && msg.BlockHash == (chainhash.Hash{}) &&
		msg.SigTime == 0 && len(msg.Signature) == 0
}

// Hash returns the identifying hash of the ping which commits to the
// outpoint and signature time.
func (msg *MsgMNPing) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(outPointSize + 8)
	WriteOutPoint(&buf, &msg.Outpoint)
	writeInt64(&buf, msg.SigTime)
	return chainhash.HashH(buf.Bytes())
}

// WriteSignedData writes a tag identifying the message data, followed by all
// message fields excluding the signature.  This is the data committed to when
// the message is signed.
func (msg *MsgMNPing) WriteSignedData(h hash.Hash) {
	wire.WriteVarString(h, ProtocolVersion, CmdMNPing+"-sig")
	WriteOutPoint(h, &msg.Outpoint)
	writeHash(h, &msg.BlockHash)
	writeInt64(h, msg.SigTime)
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNPing) BtcDecode(r io.Reader, pver uint32) error {
	const op = "MsgMNPing.BtcDecode"
	return msg.decode(r, pver, op)
}

func (msg *MsgMNPing) decode(r io.Reader, pver uint32, op string) error {
	if err := ReadOutPoint(r, &msg.Outpoint); err != nil {
		return err
	}
	if err := readHash(r, &msg.BlockHash); err != nil {
		return err
	}
	sigTime, err := readInt64(r)
	if err != nil {
		return err
	}
	msg.SigTime = sigTime
	msg.Signature, err = readSignature(r, pver, op)
	return err
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMNPing) BtcEncode(w io.Writer, pver uint32) error {
	if err := WriteOutPoint(w, &msg.Outpoint); err != nil {
		return err
	}
	if err := writeHash(w, &msg.BlockHash); err != nil {
		return err
	}
	if err := writeInt64(w, msg.SigTime); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, msg.Signature)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgMNPing) Command() string {
	return CmdMNPing
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNPing) MaxPayloadLength(pver uint32) uint32 {
	return maxPingPayload
}

// maxPingPayload is the maximum serialized size of a ping: outpoint, block
// hash, sig time, and a signature of at most MaxSignatureSize bytes.
const maxPingPayload = outPointSize + chainhash.HashSize + 8 + 1 + MaxSignatureSize

