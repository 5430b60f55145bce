// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/decred/dcrd/addrmgr/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/txscript/v4/stdscript"
	"github.com/decred/mnd/mnwire"
)

// p2pkhScriptLen is the length of a version 0 pay-to-pubkey-hash script.
const p2pkhScriptLen = 25

// isStandardPubKey returns whether pubKey is a valid serialized secp256k1
// public key that produces a standard pay-to-pubkey-hash script.
func isStandardPubKey(pubKey []byte, params *Params) bool {
	if _, err := secp256k1.ParsePubKey(pubKey); err != nil {
		return false
	}
	return len(payeeScript(pubKey, params.Net)) == p2pkhScriptLen
}

// IsValidServiceAddr returns whether addr may be used as the service address
// of a masternode on the network described by params.
func IsValidServiceAddr(addr netip.AddrPort, params *Params) bool {
	if !addr.IsValid() {
		return false
	}
	if params.AllowUnroutable {
		return true
	}
	ip := addr.Addr()
	if !ip.Is4() {
		return false
	}
	return addrmgr.IsRoutable(net.IP(ip.AsSlice()))
}

// CheckAnnounceSanity performs the context free checks of an announcement.
// It does not check the signature or the collateral.
func CheckAnnounceSanity(msg *mnwire.MsgMNAnnounce, params *Params, now int64) error {
	if !IsValidServiceAddr(msg.Addr, params) {
		str := fmt.Sprintf("invalid service address %v for masternode %v",
			msg.Addr, msg.Outpoint)
		return ruleError(ErrInvalidAddress, str, 0)
	}

	if msg.SigTime > now+maxFutureSeconds {
		str := fmt.Sprintf("announce signature time %d for masternode %v "+
			"is too far into the future", msg.SigTime, msg.Outpoint)
		return ruleError(ErrFutureTimestamp, str, 1)
	}

	if msg.ProtocolVersion < mnwire.MinPaymentsProtoVersion {
		str := fmt.Sprintf("masternode %v runs outdated protocol version %d",
			msg.Outpoint, msg.ProtocolVersion)
		return ruleError(ErrOldProtocol, str, 0)
	}

	if !isStandardPubKey(msg.CollateralPubKey, params) {
		str := fmt.Sprintf("collateral public key of masternode %v has the "+
			"wrong size", msg.Outpoint)
		return ruleError(ErrInvalidPubKeySize, str, 100)
	}
	if !isStandardPubKey(msg.OperatorPubKey, params) {
		str := fmt.Sprintf("operator public key of masternode %v has the "+
			"wrong size", msg.Outpoint)
		return ruleError(ErrInvalidPubKeySize, str, 100)
	}

	if len(msg.SigScript) != 0 {
		str := fmt.Sprintf("announce for masternode %v has a non-empty "+
			"signature script", msg.Outpoint)
		return ruleError(ErrNonEmptySigScript, str, 100)
	}

	if !params.ValidPort(msg.Addr.Port()) {
		var str string
		if params.IsMainNet() {
			str = fmt.Sprintf("invalid port %d for masternode %v, only %d "+
				"is supported on mainnet", msg.Addr.Port(), msg.Outpoint,
				params.MainNetPort)
		} else {
			str = fmt.Sprintf("invalid port %d for masternode %v, %d is "+
				"only supported on mainnet", msg.Addr.Port(), msg.Outpoint,
				params.MainNetPort)
		}
		return ruleError(ErrBadPort, str, 0)
	}

	return nil
}

// CheckCollateral verifies the announcement signature and that the announced
// outpoint is an unspent collateral output with enough confirmations that is
// spendable by the collateral key.  The announcement must be signed after the
// collateral reached the required confirmations.  It returns the height of
// the block that mined the collateral.
func CheckCollateral(msg *mnwire.MsgMNAnnounce, chain ChainView, params *Params) (int64, error) {
	if err := VerifyAnnounce(msg); err != nil {
		return 0, err
	}

	entry, err := chain.FetchUtxoEntry(msg.Outpoint)
	if err != nil {
		str := fmt.Sprintf("unable to fetch collateral %v: %v", msg.Outpoint, err)
		return 0, ruleError(ErrChainData, str, 0)
	}
	if entry == nil {
		str := fmt.Sprintf("collateral %v does not exist or is spent",
			msg.Outpoint)
		return 0, ruleError(ErrUtxoMissing, str, 0)
	}
	if entry.Amount() != int64(params.CollateralAmount) {
		str := fmt.Sprintf("collateral %v has value %d instead of %v",
			msg.Outpoint, entry.Amount(), params.CollateralAmount)
		return 0, ruleError(ErrWrongCollateral, str, 0)
	}

	tip := chain.BestHeight()
	confs := tip - entry.BlockHeight() + 1
	if confs < params.MinConfirmations {
		str := fmt.Sprintf("collateral %v has %d confirmations, %d required",
			msg.Outpoint, confs, params.MinConfirmations)
		return 0, ruleError(ErrInsufficientConfs, str, 0)
	}

	script := entry.PkScript()
	scriptType := stdscript.DetermineScriptType(entry.ScriptVersion(), script)
	if scriptType != stdscript.STPubKeyHashEcdsaSecp256k1 ||
		!bytes.Equal(script, payeeScript(msg.CollateralPubKey, params.Net)) {

		str := fmt.Sprintf("collateral %v is not spendable by the announced "+
			"collateral key", msg.Outpoint)
		return 0, ruleError(ErrSignerMismatch, str, 33)
	}

	confHeight := entry.BlockHeight() + params.MinConfirmations - 1
	confBlock, err := chain.BlockByHeight(confHeight)
	if err != nil && !errors.Is(err, ErrBlockNotFound) {
		str := fmt.Sprintf("unable to fetch block %d: %v", confHeight, err)
		return 0, ruleError(ErrChainData, str, 0)
	}
	if err == nil && confBlock.Timestamp > msg.SigTime {
		str := fmt.Sprintf("bad sig time %d for masternode %v (%d conf block "+
			"is at %d)", msg.SigTime, msg.Outpoint, params.MinConfirmations,
			confBlock.Timestamp)
		return 0, ruleError(ErrTimeBeforeConfirmation, str, 0)
	}

	return entry.BlockHeight(), nil
}
