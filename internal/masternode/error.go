// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import "errors"

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrInvalidAddress indicates an announcement for a service address that
	// is not a valid public address on the network.
	ErrInvalidAddress = ErrorKind("ErrInvalidAddress")

	// ErrFutureTimestamp indicates a signature time too far in the future.
	ErrFutureTimestamp = ErrorKind("ErrFutureTimestamp")

	// ErrOldProtocol indicates a masternode advertising a protocol version
	// below the minimum required for payments.
	ErrOldProtocol = ErrorKind("ErrOldProtocol")

	// ErrInvalidPubKeySize indicates a public key that does not produce a
	// standard pay-to-pubkey-hash script.
	ErrInvalidPubKeySize = ErrorKind("ErrInvalidPubKeySize")

	// ErrNonEmptySigScript indicates an announcement with a signature script.
	ErrNonEmptySigScript = ErrorKind("ErrNonEmptySigScript")

	// ErrBadPort indicates a service port not allowed on the network.
	ErrBadPort = ErrorKind("ErrBadPort")

	// ErrBadSignature indicates a signature that does not verify.
	ErrBadSignature = ErrorKind("ErrBadSignature")

	// ErrUtxoMissing indicates the collateral output does not exist or is
	// spent.
	ErrUtxoMissing = ErrorKind("ErrUtxoMissing")

	// ErrWrongCollateral indicates a collateral output of the wrong amount.
	ErrWrongCollateral = ErrorKind("ErrWrongCollateral")

	// ErrInsufficientConfs indicates a collateral output without enough
	// confirmations.
	ErrInsufficientConfs = ErrorKind("ErrInsufficientConfs")

	// ErrSignerMismatch indicates the collateral output is not spendable by
	// the announced collateral key.
	ErrSignerMismatch = ErrorKind("ErrSignerMismatch")

	// ErrTimeBeforeConfirmation indicates an announcement signed before its
	// collateral reached the required confirmations.
	ErrTimeBeforeConfirmation = ErrorKind("ErrTimeBeforeConfirmation")

	// ErrStaleSigTime indicates an announcement identical in time to the
	// known one.
	ErrStaleSigTime = ErrorKind("ErrStaleSigTime")

	// ErrBadSigTimeOrder indicates an announcement older than the known one.
	ErrBadSigTimeOrder = ErrorKind("ErrBadSigTimeOrder")

	// ErrBanned indicates an update for a proof of service banned
	// masternode.
	ErrBanned = ErrorKind("ErrBanned")

	// ErrKeyMismatch indicates an update whose collateral key differs from
	// the known one.
	ErrKeyMismatch = ErrorKind("ErrKeyMismatch")

	// ErrUnknownBlockHash indicates a ping referencing an unknown block.
	ErrUnknownBlockHash = ErrorKind("ErrUnknownBlockHash")

	// ErrPingTooOld indicates a ping referencing a block too far below the
	// tip.
	ErrPingTooOld = ErrorKind("ErrPingTooOld")

	// ErrPingTooEarly indicates a ping arriving before the minimum ping
	// interval elapsed.
	ErrPingTooEarly = ErrorKind("ErrPingTooEarly")

	// ErrUnknownMasternode indicates a message for a masternode that is not
	// in the registry.
	ErrUnknownMasternode = ErrorKind("ErrUnknownMasternode")

	// ErrUpdateRequired indicates a ping for a masternode running an outdated
	// protocol.
	ErrUpdateRequired = ErrorKind("ErrUpdateRequired")

	// ErrNewStartRequired indicates a ping for a masternode that must be
	// re-announced.
	ErrNewStartRequired = ErrorKind("ErrNewStartRequired")

	// ErrNotEnabled indicates a ping was applied but the masternode is still
	// not enabled so the ping is not relayed.
	ErrNotEnabled = ErrorKind("ErrNotEnabled")

	// ErrDsegRepeated indicates a peer asked for the full list again before
	// the update interval elapsed.
	ErrDsegRepeated = ErrorKind("ErrDsegRepeated")

	// ErrVerifyRequestRepeated indicates a peer asked for address
	// verification again before the fulfilled request expired.
	ErrVerifyRequestRepeated = ErrorKind("ErrVerifyRequestRepeated")

	// ErrVerifyUnrequested indicates a verification reply that was never
	// requested or that was already processed.
	ErrVerifyUnrequested = ErrorKind("ErrVerifyUnrequested")

	// ErrVerifyMismatch indicates a verification reply with a nonce or block
	// height different from the request.
	ErrVerifyMismatch = ErrorKind("ErrVerifyMismatch")

	// ErrVerifyNoMasternode indicates a verification reply not signed by any
	// masternode at the address.
	ErrVerifyNoMasternode = ErrorKind("ErrVerifyNoMasternode")

	// ErrVerifySameOutpoints indicates a verification broadcast in which a
	// masternode claims to have verified itself.
	ErrVerifySameOutpoints = ErrorKind("ErrVerifySameOutpoints")

	// ErrVerifyRank indicates a verification broadcast from a masternode
	// outside of the top ranks.
	ErrVerifyRank = ErrorKind("ErrVerifyRank")

	// ErrChainData indicates chain data needed to evaluate a message was not
	// available.
	ErrChainData = ErrorKind("ErrChainData")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// RuleError identifies a rule violation.  It carries the misbehavior score
// the sending peer should be charged.  It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for the error by
// checking the underlying error.
type RuleError struct {
	Err         error
	Description string
	BanScore    uint32
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e RuleError) Unwrap() error {
	return e.Err
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(kind ErrorKind, desc string, banScore uint32) RuleError {
	return RuleError{Err: kind, Description: desc, BanScore: banScore}
}

// BanScore returns the misbehavior score carried by err, or zero when err is
// not a RuleError.
func BanScore(err error) uint32 {
	var rerr RuleError
	if errors.As(err, &rerr) {
		return rerr.BanScore
	}
	return 0
}
