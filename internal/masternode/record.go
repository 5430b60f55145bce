// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"fmt"
	"net/netip"

	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// State is the activation state of a masternode record.  It is re-derived
// from the record and chain each time the record is checked.
type State int

// These constants define the possible record states.
const (
	StatePreEnabled State = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateWatchdogExpired
	StateNewStartRequired
	StatePoSeBan
)

// stateStrings is a map of states back to their constant names for pretty
// printing.
var stateStrings = map[State]string{
	StatePreEnabled:       "PRE_ENABLED",
	StateEnabled:          "ENABLED",
	StateExpired:          "EXPIRED",
	StateOutpointSpent:    "OUTPOINT_SPENT",
	StateUpdateRequired:   "UPDATE_REQUIRED",
	StateWatchdogExpired:  "WATCHDOG_EXPIRED",
	StateNewStartRequired: "NEW_START_REQUIRED",
	StatePoSeBan:          "POSE_BAN",
}

// String returns the State in human-readable form.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("UNKNOWN (%d)", int(s))
}

// ValidForAutoStart returns whether a masternode in the state can be
// started remotely without a new announcement.
func (s State) ValidForAutoStart() bool {
	switch s {
	case StateEnabled, StatePreEnabled, StateExpired, StateWatchdogExpired:
		return true
	}
	return false
}

// Record is the registry entry of a single masternode.
type Record struct {
	Outpoint         wire.OutPoint
	Addr             netip.AddrPort
	CollateralPubKey []byte
	OperatorPubKey   []byte
	LastPing         mnwire.MsgMNPing
	Signature        []byte
	SigTime          int64
	ProtocolVersion  uint32

	LastChecked          int64
	LastPaidHeight       int64
	LastPaidTime         int64
	LastWatchdogVote     int64
	CollateralConfHeight int64

	PoSeBanScore  int
	PoSeBanHeight int64

	State State

	// collateralSpent is set once a collateral lookup found the outpoint
	// spent.
	collateralSpent bool
}

// newRecord creates a record from an accepted announcement.
func newRecord(msg *mnwire.MsgMNAnnounce, state State) *Record {
	return &Record{
		Outpoint:         msg.Outpoint,
		Addr:             msg.Addr,
		CollateralPubKey: msg.CollateralPubKey,
		OperatorPubKey:   msg.OperatorPubKey,
		LastPing:         msg.LastPing,
		Signature:        msg.Signature,
		SigTime:          msg.SigTime,
		ProtocolVersion:  msg.ProtocolVersion,
		LastWatchdogVote: msg.SigTime,
		State:            state,
	}
}

// Announce reconstructs the announcement the record was created or last
// updated from.
func (r *Record) Announce() *mnwire.MsgMNAnnounce {
	return &mnwire.MsgMNAnnounce{
		Outpoint:         r.Outpoint,
		Addr:             r.Addr,
		CollateralPubKey: r.CollateralPubKey,
		OperatorPubKey:   r.OperatorPubKey,
		Signature:        r.Signature,
		SigTime:          r.SigTime,
		ProtocolVersion:  r.ProtocolVersion,
		LastPing:         r.LastPing,
	}
}

// IsPingedWithin returns whether the last ping of the record was signed less
// than seconds before at.  A record without a ping was never pinged.
func (r *Record) IsPingedWithin(seconds, at int64) bool {
	if r.LastPing.IsZero() {
		return false
	}
	return at-r.LastPing.SigTime < seconds
}

// IsAnnouncedWithin returns whether the record was announced less than
// seconds before now.
func (r *Record) IsAnnouncedWithin(seconds, now int64) bool {
	return now-r.SigTime < seconds
}

// IsEnabled returns whether the record is in the enabled state.
func (r *Record) IsEnabled() bool {
	return r.State == StateEnabled
}

// IsValidForPayment returns whether the record may be paid.
func (r *Record) IsValidForPayment() bool {
	return r.State == StateEnabled
}

// IsPoSeVerified returns whether the proof of service score shows a verified
// masternode.
func (r *Record) IsPoSeVerified() bool {
	return r.PoSeBanScore <= -PoSeBanMaxScore
}

// increasePoSeBanScore raises the proof of service score up to the maximum.
func (r *Record) increasePoSeBanScore() {
	if r.PoSeBanScore < PoSeBanMaxScore {
		r.PoSeBanScore++
	}
}

// decreasePoSeBanScore lowers the proof of service score down to the
// minimum.
func (r *Record) decreasePoSeBanScore() {
	if r.PoSeBanScore > -PoSeBanMaxScore {
		r.PoSeBanScore--
	}
}

// PayeeScript returns the version 0 pay-to-pubkey-hash script paying the
// collateral key of the record.
func (r *Record) PayeeScript(params stdaddr.AddressParamsV0) []byte {
	return payeeScript(r.CollateralPubKey, params)
}

// payeeScript returns the version 0 pay-to-pubkey-hash script for the
// serialized public key or nil when no standard script can be built.
func payeeScript(pubKey []byte, params stdaddr.AddressParamsV0) []byte {
	pkHash := stdaddr.Hash160(pubKey)
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(pkHash, params)
	if err != nil {
		return nil
	}
	_, script := addr.PaymentScript()
	return script
}

// String returns a short human readable summary of the record.
func (r *Record) String() string {
	lastPing := r.SigTime
	if !r.LastPing.IsZero() {
		lastPing = r.LastPing.SigTime
	}
	return fmt.Sprintf("masternode{%v %d %v %s %d %d}", r.Addr,
		r.ProtocolVersion, r.Outpoint, r.State, lastPing, r.LastPaidHeight)
}
