// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

const (
	// MaxSignatureSize is the maximum number of bytes allowed for any
	// signature carried by a masternode message.  Compact signatures are 65
	// bytes.
	MaxSignatureSize = 96

	// MaxPubKeySize is the maximum number of bytes allowed for a serialized
	// secp256k1 public key.
	MaxPubKeySize = 65

	// MaxPayeeScriptSize is the maximum number of bytes allowed for a payee
	// script in a payment vote.
	MaxPayeeScriptSize = 256

	// outPointSize is the serialized size of an outpoint: hash, index, and
	// tree.
	outPointSize = chainhash.HashSize + 4 + 1

	// serviceAddrSize is the serialized size of a service address: a 16 byte
	// IPv6 (or IPv4-mapped) address followed by a big endian port.
	serviceAddrSize = 16 + 2
)

// littleEndian is a convenience alias for the byte order used by all integer
// fields on the wire.
var littleEndian = binary.LittleEndian

// readUint32 reads a little endian uint32 from r.
func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return littleEndian.Uint32(b[:]), nil
}

// writeUint32 writes a little endian uint32 to w.
func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	littleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// readInt32 reads a little endian int32 from r.
func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

// writeInt32 writes a little endian int32 to w.
func writeInt32(w io.Writer, v int32) error {
	return writeUint32(w, uint32(v))
}

// readInt64 reads a little endian int64 from r.
func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(littleEndian.Uint64(b[:])), nil
}

// writeInt64 writes a little endian int64 to w.
func writeInt64(w io.Writer, v int64) error {
	var b [8]byte
	littleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

// readHash reads a raw 32 byte hash from r.
func readHash(r io.Reader, h *chainhash.Hash) error {
	_, err := io.ReadFull(r, h[:])
	return err
}

// writeHash writes a raw 32 byte hash to w.
func writeHash(w io.Writer, h *chainhash.Hash) error {
	_, err := w.Write(h[:])
	return err
}

// ReadOutPoint reads the next sequence of bytes from r as an outpoint.
func ReadOutPoint(r io.Reader, op *wire.OutPoint) error {
	var b [outPointSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	copy(op.Hash[:], b[:chainhash.HashSize])
	op.Index = littleEndian.Uint32(b[chainhash.HashSize:])
	op.Tree = int8(b[outPointSize-1])
	return nil
}

// WriteOutPoint serializes op to w.
func WriteOutPoint(w io.Writer, op *wire.OutPoint) error {
	var b [outPointSize]byte
	copy(b[:], op.Hash[:])
	littleEndian.PutUint32(b[chainhash.HashSize:], op.Index)
	b[outPointSize-1] = byte(op.Tree)
	_, err := w.Write(b[:])
	return err
}

// ReadServiceAddr reads a service address from r.  An encoding of all zero
// bytes decodes to the zero netip.AddrPort.
func ReadServiceAddr(r io.Reader) (netip.AddrPort, error) {
	var b [serviceAddrSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return netip.AddrPort{}, err
	}
	port := binary.BigEndian.Uint16(b[16:])
	var ip [16]byte
	copy(ip[:], b[:16])
	if ip == [16]byte{} && port == 0 {
		return netip.AddrPort{}, nil
	}
	addr := netip.AddrFrom16(ip).Unmap()
	return netip.AddrPortFrom(addr, port), nil
}

// WriteServiceAddr serializes addr to w.  IPv4 addresses are written in their
// IPv4-mapped IPv6 form.
func WriteServiceAddr(w io.Writer, addr netip.AddrPort) error {
	var b [serviceAddrSize]byte
	if addr.IsValid() {
		ip := addr.Addr().As16()
		copy(b[:16], ip[:])
		binary.BigEndian.PutUint16(b[16:], addr.Port())
	}
	_, err := w.Write(b[:])
	return err
}

// readSignature reads a variable length signature from r and enforces
// MaxSignatureSize.
func readSignature(r io.Reader, pver uint32, op string) ([]byte, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > MaxSignatureSize {
		str := fmt.Sprintf("signature is too long [count %d, max %d]",
			count, MaxSignatureSize)
		return nil, messageError(op, ErrSigTooLong, str)
	}
	if count == 0 {
		return nil, nil
	}
	sig := make([]byte, count)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// readPubKey reads a variable length serialized public key from r and
// enforces MaxPubKeySize.
func readPubKey(r io.Reader, pver uint32, op string) ([]byte, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > MaxPubKeySize {
		str := fmt.Sprintf("public key is too long [count %d, max %d]",
			count, MaxPubKeySize)
		return nil, messageError(op, ErrPubKeyTooLong, str)
	}
	pk := make([]byte, count)
	if _, err := io.ReadFull(r, pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// varBytesSerializeSize returns the number of bytes needed to serialize b
// prefixed by its variable length integer length.
func varBytesSerializeSize(b []byte) int {
	return wire.VarIntSerializeSize(uint64(len(b))) + len(b)
}
