// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnsync

import "fmt"

// Stage identifies the data the synchronizer is currently requesting.
type Stage int32

// These constants define the sync stages.  The numeric values are reported to
// peers and must not change.
const (
	StageFailed       Stage = -1
	StageInitial      Stage = 0
	StageSporks       Stage = 1
	StageList         Stage = 2
	StagePaymentVotes Stage = 3
	StageFinished     Stage = 999
)

// stageStrings is a map of sync stages back to their constant names for
// pretty printing.
var stageStrings = map[Stage]string{
	StageFailed:       "StageFailed",
	StageInitial:      "StageInitial",
	StageSporks:       "StageSporks",
	StageList:         "StageList",
	StagePaymentVotes: "StagePaymentVotes",
	StageFinished:     "StageFinished",
}

// String returns the Stage as a human-readable name.
func (s Stage) String() string {
	if str, ok := stageStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Stage (%d)", int32(s))
}

// description returns the user facing description of the stage.
func (s Stage) description() string {
	switch s {
	case StageInitial:
		return "Synchronization pending..."
	case StageSporks:
		return "Synchronizing sporks..."
	case StageList:
		return "Synchronizing masternodes..."
	case StagePaymentVotes:
		return "Synchronizing masternode payments..."
	case StageFailed:
		return "Synchronization failed"
	case StageFinished:
		return "Synchronization finished"
	}
	return ""
}

// ActionKind identifies what an Action asks for.
type ActionKind uint8

// These constants define the actions the synchronizer can request.
const (
	// ActionRequestSporks asks the peer for its network feature flags.
	ActionRequestSporks ActionKind = iota

	// ActionRequestList asks the peer for the full masternode list.
	ActionRequestList

	// ActionRequestPaymentVotes asks the peer for the payment votes of the
	// upcoming blocks and for the blocks the ledger lacks data for.
	ActionRequestPaymentVotes

	// ActionDisconnect disconnects a peer that was already fully synced
	// from recently to free the connection slot.
	ActionDisconnect
)

// actionKindStrings is a map of action kinds back to their constant names for
// pretty printing.
var actionKindStrings = map[ActionKind]string{
	ActionRequestSporks:       "ActionRequestSporks",
	ActionRequestList:         "ActionRequestList",
	ActionRequestPaymentVotes: "ActionRequestPaymentVotes",
	ActionDisconnect:          "ActionDisconnect",
}

// String returns the ActionKind as a human-readable name.
func (k ActionKind) String() string {
	if str, ok := actionKindStrings[k]; ok {
		return str
	}
	return fmt.Sprintf("Unknown ActionKind (%d)", uint8(k))
}

// Action is a request the synchronizer wants made to a peer.
type Action struct {
	Kind ActionKind
	Peer int32
}
