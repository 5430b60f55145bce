// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import "errors"

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific RuleError.
const (
	// ErrPaymentSyncRepeated indicates a peer asked for the payment votes
	// again before the fulfilled request expired.
	ErrPaymentSyncRepeated = ErrorKind("ErrPaymentSyncRepeated")

	// ErrVoteOutOfRange indicates a vote for a height outside of the window
	// of stored and upcoming blocks.
	ErrVoteOutOfRange = ErrorKind("ErrVoteOutOfRange")

	// ErrUnknownVoter indicates a vote by a masternode that is not in the
	// registry.
	ErrUnknownVoter = ErrorKind("ErrUnknownVoter")

	// ErrVoterProtocol indicates a vote by a masternode running a protocol
	// version below the minimum required for payments.
	ErrVoterProtocol = ErrorKind("ErrVoterProtocol")

	// ErrVoterRank indicates a vote by a masternode that is not among the
	// top ranked masternodes for the height.
	ErrVoterRank = ErrorKind("ErrVoterRank")

	// ErrDuplicateVote indicates a second vote by the same masternode for
	// the same height.
	ErrDuplicateVote = ErrorKind("ErrDuplicateVote")

	// ErrBadSignature indicates a vote signature that does not verify.
	ErrBadSignature = ErrorKind("ErrBadSignature")

	// ErrUnknownBlock indicates the block the payee of a height is elected
	// from is not known.
	ErrUnknownBlock = ErrorKind("ErrUnknownBlock")

	// ErrNoPayee indicates no masternode could be selected for payment.
	ErrNoPayee = ErrorKind("ErrNoPayee")
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
