// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnconf

import (
	"bytes"

	"github.com/decred/base58"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// ecdsaSecp256k1 is the signature type byte of secp256k1 ECDSA keys.
	ecdsaSecp256k1 = 0

	// wifLen is the decoded length of an encoded private key: two bytes of
	// network identifier, one signature type byte, the key, and a four byte
	// checksum.
	wifLen = 2 + 1 + secp256k1.PrivKeyBytesLen + 4
)

// EncodePrivateKey returns the wallet import format encoding of the key for
// the network identified by netID.
func EncodePrivateKey(key *secp256k1.PrivateKey, netID [2]byte) string {
	b := make([]byte, 0, wifLen)
	b = append(b, netID[:]...)
	b = append(b, ecdsaSecp256k1)
	b = append(b, key.Serialize()...)
	cksum := chainhash.HashB(b)
	b = append(b, cksum[:4]...)
	return base58.Encode(b)
}

// DecodePrivateKey decodes a secp256k1 private key in wallet import format
// for the network identified by netID.
func DecodePrivateKey(s string, netID [2]byte) (*secp256k1.PrivateKey, error) {
	decoded := base58.Decode(s)
	if len(decoded) != wifLen || decoded[2] != ecdsaSecp256k1 {
		return nil, ErrMalformedKey
	}
	cksum := chainhash.HashB(decoded[:wifLen-4])
	if !bytes.Equal(cksum[:4], decoded[wifLen-4:]) {
		return nil, ErrKeyChecksum
	}
	if decoded[0] != netID[0] || decoded[1] != netID[1] {
		return nil, ErrWrongNetwork
	}
	return secp256k1.PrivKeyFromBytes(decoded[3 : 3+secp256k1.PrivKeyBytesLen]), nil
}
