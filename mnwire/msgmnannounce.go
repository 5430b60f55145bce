// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"bytes"
	"hash"
	"io"
	"net/netip"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
)

// MaxSigScriptSize is the maximum size of the signature script carried by an
// announcement.  Valid announcements always carry an empty script; the limit
// only bounds how much garbage a peer can make a node read.
const MaxSigScriptSize = 1650

// MsgMNAnnounce implements the Message interface and represents a masternode
// announcement.  The announcement binds the collateral outpoint to a service
// address and operator key, is signed by the collateral key, and embeds the
// most recent ping of the masternode.
type MsgMNAnnounce struct {
	Outpoint         wire.OutPoint
	SigScript        []byte
	Addr             netip.AddrPort
	CollateralPubKey []byte
	OperatorPubKey   []byte
	Signature        []byte
	SigTime          int64
	ProtocolVersion  uint32
	LastPing         MsgMNPing
}

// Hash returns the identifying hash of the announcement which commits to the
// outpoint, collateral key, and signature time.
func (msg *MsgMNAnnounce) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(outPointSize + varBytesSerializeSize(msg.CollateralPubKey) + 8)
	WriteOutPoint(&buf, &msg.Outpoint)
	wire.WriteVarBytes(&buf, ProtocolVersion, msg.CollateralPubKey)
	writeInt64(&buf, msg.SigTime)
	return chainhash.HashH(buf.Bytes())
}

// WriteSignedData writes a tag identifying the message data, followed by the
// service address, signature time, the hash160 of both public keys, and the
// protocol version.  This is the data committed to by the collateral key
// signature.
func (msg *MsgMNAnnounce) WriteSignedData(h hash.Hash) {
	wire.WriteVarString(h, ProtocolVersion, CmdMNAnnounce+"-sig")
	WriteServiceAddr(h, msg.Addr)
	writeInt64(h, msg.SigTime)
	h.Write(stdaddr.Hash160(msg.CollateralPubKey))
	h.Write(stdaddr.Hash160(msg.OperatorPubKey))
	writeUint32(h, msg.ProtocolVersion)
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNAnnounce) BtcDecode(r io.Reader, pver uint32) error {
	const op = "MsgMNAnnounce.BtcDecode"
	if err := ReadOutPoint(r, &msg.Outpoint); err != nil {
		return err
	}
	sigScript, err := wire.ReadVarBytes(r, pver, MaxSigScriptSize,
		"announcement signature script")
	if err != nil {
		return err
	}
	if len(sigScript) == 0 {
		sigScript = nil
	}
	msg.SigScript = sigScript
	if msg.Addr, err = ReadServiceAddr(r); err != nil {
		return err
	}
	if msg.CollateralPubKey, err = readPubKey(r, pver, op); err != nil {
		return err
	}
	if msg.OperatorPubKey, err = readPubKey(r, pver, op); err != nil {
		return err
	}
	if msg.Signature, err = readSignature(r, pver, op); err != nil {
		return err
	}
	if msg.SigTime, err = readInt64(r); err != nil {
		return err
	}
	if msg.ProtocolVersion, err = readUint32(r); err != nil {
		return err
	}
	return msg.LastPing.decode(r, pver, op)
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMNAnnounce) BtcEncode(w io.Writer, pver uint32) error {
	if err := WriteOutPoint(w, &msg.Outpoint); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.SigScript); err != nil {
		return err
	}
	if err := WriteServiceAddr(w, msg.Addr); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.CollateralPubKey); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.OperatorPubKey); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.Signature); err != nil {
		return err
	}
	if err := writeInt64(w, msg.SigTime); err != nil {
		return err
	}
	if err := writeUint32(w, msg.ProtocolVersion); err != nil {
		return err
	}
	return msg.LastPing.BtcEncode(w, pver)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgMNAnnounce) Command() string {
	return CmdMNAnnounce
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNAnnounce) MaxPayloadLength(pver uint32) uint32 {
	// Outpoint + sig script + service address + 2 pubkeys + signature +
	// sig time + protocol version + embedded ping.
	return outPointSize + 3 + MaxSigScriptSize + serviceAddrSize +
		2*(1+MaxPubKeySize) + 1 + MaxSignatureSize + 8 + 4 + maxPingPayload
}
