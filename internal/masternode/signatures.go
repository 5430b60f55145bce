// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"hash"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/mnd/mnwire"
)

// SignedMessage is a message whose signature commits to the data written by
// WriteSignedData.
type SignedMessage interface {
	WriteSignedData(h hash.Hash)
}

// signedDataFunc adapts a function to the SignedMessage interface.  It is
// used for the verification messages which commit to a block hash that is not
// part of the message.
type signedDataFunc func(h hash.Hash)

// WriteSignedData calls f(h).
func (f signedDataFunc) WriteSignedData(h hash.Hash) {
	f(h)
}

// signatureDigest returns the BLAKE-256 digest of the signed data of m.
func signatureDigest(m SignedMessage) chainhash.Hash {
	var h hash.Hash = blake256.New()
	m.WriteSignedData(h)
	var digest chainhash.Hash
	copy(digest[:], h.Sum(nil))
	return digest
}

// SignMessage returns a compact signature of m by key.
func SignMessage(key *secp256k1.PrivateKey, m SignedMessage) []byte {
	digest := signatureDigest(m)
	return ecdsa.SignCompact(key, digest[:], true)
}

// VerifyMessage returns whether sig is a valid compact signature of m by the
// serialized public key pubKey.  Both compressed and uncompressed public key
// serializations are accepted.
func VerifyMessage(pubKey, sig []byte, m SignedMessage) bool {
	if len(sig) == 0 || len(pubKey) == 0 {
		return false
	}
	digest := signatureDigest(m)
	recovered, wasCompressed, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return false
	}
	if wasCompressed {
		return bytes.Equal(recovered.SerializeCompressed(), pubKey)
	}
	return bytes.Equal(recovered.SerializeUncompressed(), pubKey)
}

// SignPing signs the ping with the operator key.
func SignPing(ping *mnwire.MsgMNPing, operatorKey *secp256k1.PrivateKey) {
	ping.Signature = SignMessage(operatorKey, ping)
}

// VerifyPing verifies the signature of the ping against the operator public
// key.
func VerifyPing(ping *mnwire.MsgMNPing, operatorPubKey []byte) error {
	if !VerifyMessage(operatorPubKey, ping.Signature, ping) {
		return ruleError(ErrBadSignature, "bad ping signature", 33)
	}
	return nil
}

// SignAnnounce signs the announcement with the collateral key.
func SignAnnounce(msg *mnwire.MsgMNAnnounce, collateralKey *secp256k1.PrivateKey) {
	msg.Signature = SignMessage(collateralKey, msg)
}

// VerifyAnnounce verifies the signature of the announcement against its
// collateral public key.
func VerifyAnnounce(msg *mnwire.MsgMNAnnounce) error {
	if !VerifyMessage(msg.CollateralPubKey, msg.Signature, msg) {
		return ruleError(ErrBadSignature, "bad announce signature", 100)
	}
	return nil
}
