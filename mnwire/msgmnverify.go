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
	"github.com/decred/dcrd/wire"
)

// MsgMNVerify implements the Message interface and represents a proof of
// service address verification.
//
// The same message is used in three phases.  A request carries only the
// address, nonce, and block height.  A reply additionally carries Sig1, made by
// the operator key of the masternode running at the address.  A broadcast
// additionally names the verified masternode (Outpoint1) and the verifying
// masternode (Outpoint2) and carries Sig2 made by the verifier.
type MsgMNVerify struct {
	Outpoint1   wire.OutPoint
	Outpoint2   wire.OutPoint
	Addr        netip.AddrPort
	Nonce       uint32
	BlockHeight int64
	Sig1        []byte
	Sig2        []byte
}

// NewMsgMNVerify returns a new verification request for addr.
func NewMsgMNVerify(addr netip.AddrPort, nonce uint32, blockHeight int64) *MsgMNVerify {
	return &MsgMNVerify{
		Addr:        addr,
		Nonce:       nonce,
		BlockHeight: blockHeight,
	}
}

// Hash returns the identifying hash of the verification.
func (msg *MsgMNVerify) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(2*outPointSize + serviceAddrSize + 4 + 8)
	WriteOutPoint(&buf, &msg.Outpoint1)
	WriteOutPoint(&buf, &msg.Outpoint2)
	WriteServiceAddr(&buf, msg.Addr)
	writeUint32(&buf, msg.Nonce)
	writeInt64(&buf, msg.BlockHeight)
	return chainhash.HashH(buf.Bytes())
}

// WriteSignedData1 writes the data committed to by the reply signature of the
// masternode being verified: the address, nonce, and the hash of the block at
// the requested height.
func (msg *MsgMNVerify) WriteSignedData1(h hash.Hash, blockHash *chainhash.Hash) {
	wire.WriteVarString(h, ProtocolVersion, CmdMNVerify+"-sig1")
	WriteServiceAddr(h, msg.Addr)
	writeUint32(h, msg.Nonce)
	writeHash(h, blockHash)
}

// WriteSignedData2 writes the data committed to by the broadcast signature of
// the verifying masternode.  It extends the reply data with both outpoints.
func (msg *MsgMNVerify) WriteSignedData2(h hash.Hash, blockHash *chainhash.Hash) {
	wire.WriteVarString(h, ProtocolVersion, CmdMNVerify+"-sig2")
	WriteServiceAddr(h, msg.Addr)
	writeUint32(h, msg.Nonce)
	writeHash(h, blockHash)
	WriteOutPoint(h, &msg.Outpoint1)
	WriteOutPoint(h, &msg.Outpoint2)
}

// BtcDecode decodes r using the masternode protocol encoding into the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNVerify) BtcDecode(r io.Reader, pver uint32) error {
	const op = "MsgMNVerify.BtcDecode"
	if err := ReadOutPoint(r, &msg.Outpoint1); err != nil {
		return err
	}
	if err := ReadOutPoint(r, &msg.Outpoint2); err != nil {
		return err
	}
	var err error
	if msg.Addr, err = ReadServiceAddr(r); err != nil {
		return err
	}
	if msg.Nonce, err = readUint32(r); err != nil {
		return err
	}
	if msg.BlockHeight, err = readInt64(r); err != nil {
		return err
	}
	if msg.Sig1, err = readSignature(r, pver, op); err != nil {
		return err
	}
	msg.Sig2, err = readSignature(r, pver, op)
	return err
}

// BtcEncode encodes the receiver to w using the masternode protocol encoding.
// This is part of the Message interface implementation.
func (msg *MsgMNVerify) BtcEncode(w io.Writer, pver uint32) error {
	if err := WriteOutPoint(w, &msg.Outpoint1); err != nil {
		return err
	}
	if err := WriteOutPoint(w, &msg.Outpoint2); err != nil {
		return err
	}
	if err := WriteServiceAddr(w, msg.Addr); err != nil {
		return err
	}
	if err := writeUint32(w, msg.Nonce); err != nil {
		return err
	}
	if err := writeInt64(w, msg.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, msg.Sig1); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, msg.Sig2)
}

// Command returns the protocol command string for the message.  This is part
// of the Message interface implementation.
func (msg *MsgMNVerify) Command() string {
	return CmdMNVerify
}

// MaxPayloadLength returns the maximum length the payload can be for the
// receiver.  This is part of the Message interface implementation.
func (msg *MsgMNVerify) MaxPayloadLength(pver uint32) uint32 {
	return 2*outPointSize + serviceAddrSize + 4 + 8 + 2*(1+MaxSignatureSize)
}
