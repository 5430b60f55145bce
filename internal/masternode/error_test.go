// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

// TestErrorKindStringer tests the stringized output for the ErrorKind type.
func TestErrorKindStringer(t *testing.T) {
	tests := []struct {
		in   ErrorKind
		want string
	}{
		{ErrInvalidAddress, "ErrInvalidAddress"},
		{ErrFutureTimestamp, "ErrFutureTimestamp"},
		{ErrOldProtocol, "ErrOldProtocol"},
		{ErrInvalidPubKeySize, "ErrInvalidPubKeySize"},
		{ErrNonEmptySigScript, "ErrNonEmptySigScript"},
		{ErrBadPort, "ErrBadPort"},
		{ErrBadSignature, "ErrBadSignature"},
		{ErrUtxoMissing, "ErrUtxoMissing"},
		{ErrWrongCollateral, "ErrWrongCollateral"},
		{ErrInsufficientConfs, "ErrInsufficientConfs"},
		{ErrSignerMismatch, "ErrSignerMismatch"},
		{ErrTimeBeforeConfirmation, "ErrTimeBeforeConfirmation"},
		{ErrStaleSigTime, "ErrStaleSigTime"},
		{ErrBadSigTimeOrder, "ErrBadSigTimeOrder"},
		{ErrBanned, "ErrBanned"},
		{ErrKeyMismatch, "ErrKeyMismatch"},
		{ErrUnknownBlockHash, "ErrUnknownBlockHash"},
		{ErrPingTooOld, "ErrPingTooOld"},
		{ErrPingTooEarly, "ErrPingTooEarly"},
		{ErrUnknownMasternode, "ErrUnknownMasternode"},
		{ErrUpdateRequired, "ErrUpdateRequired"},
		{ErrNewStartRequired, "ErrNewStartRequired"},
		{ErrNotEnabled, "ErrNotEnabled"},
		{ErrDsegRepeated, "ErrDsegRepeated"},
		{ErrVerifyRequestRepeated, "ErrVerifyRequestRepeated"},
		{ErrVerifyUnrequested, "ErrVerifyUnrequested"},
		{ErrVerifyMismatch, "ErrVerifyMismatch"},
		{ErrVerifyNoMasternode, "ErrVerifyNoMasternode"},
		{ErrVerifySameOutpoints, "ErrVerifySameOutpoints"},
		{ErrVerifyRank, "ErrVerifyRank"},
		{ErrChainData, "ErrChainData"},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("#%d: got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestErrorKindIsAs ensures both ErrorKind and RuleError can be identified as
// being a specific error kind via errors.Is and unwrapped via errors.As.
func TestErrorKindIsAs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
		wantAs    ErrorKind
	}{{
		name:      "ErrBadPort == ErrBadPort",
		err:       ErrBadPort,
		target:    ErrBadPort,
		wantMatch: true,
		wantAs:    ErrBadPort,
	}, {
		name:      "RuleError.ErrBadPort == ErrBadPort",
		err:       ruleError(ErrBadPort, "", 0),
		target:    ErrBadPort,
		wantMatch: true,
		wantAs:    ErrBadPort,
	}, {
		name:      "wrapped RuleError.ErrBadPort == ErrBadPort",
		err:       fmt.Errorf("peer 1: %w", ruleError(ErrBadPort, "", 0)),
		target:    ErrBadPort,
		wantMatch: true,
		wantAs:    ErrBadPort,
	}, {
		name:      "RuleError.ErrBadPort != ErrBadSignature",
		err:       ruleError(ErrBadPort, "", 0),
		target:    ErrBadSignature,
		wantMatch: false,
		wantAs:    ErrBadPort,
	}, {
		name:      "RuleError.ErrBadPort != io.EOF",
		err:       ruleError(ErrBadPort, "", 0),
		target:    io.EOF,
		wantMatch: false,
		wantAs:    ErrBadPort,
	}}

	for _, test := range tests {
		// Ensure the error matches or not depending on the expected result.
		result := errors.Is(test.err, test.target)
		if result != test.wantMatch {
			t.Errorf("%s: incorrect error identification -- got %v, want %v",
				test.name, result, test.wantMatch)
			continue
		}

		// Ensure the underlying error kind can be unwrapped and is the
		// expected kind.
		var kind ErrorKind
		if !errors.As(test.err, &kind) {
			t.Errorf("%s: unable to unwrap to error kind", test.name)
			continue
		}
		if kind != test.wantAs {
			t.Errorf("%s: unexpected unwrapped error kind -- got %v, want %v",
				test.name, kind, test.wantAs)
			continue
		}
	}
}

// TestBanScore ensures the misbehavior score is extracted from rule errors
// no matter how they are wrapped.
func TestBanScore(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint32
	}{
		{"nil", nil, 0},
		{"not a rule error", io.EOF, 0},
		{"rule error", ruleError(ErrBadSignature, "bad", 100), 100},
		{"wrapped", fmt.Errorf("x: %w", ruleError(ErrKeyMismatch, "", 33)), 33},
		{"plain kind", ErrBadSignature, 0},
	}
	for _, test := range tests {
		if got := BanScore(test.err); got != test.want {
			t.Errorf("%s: unexpected ban score -- got %d, want %d", test.name,
				got, test.want)
		}
	}
}
