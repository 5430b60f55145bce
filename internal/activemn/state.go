// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package activemn

import "fmt"

// State is the activation state of the local masternode.
type State uint8

// These constants define the activation states.
const (
	StateInitial State = iota
	StateSyncInProcess
	StateInputTooNew
	StateNotCapable
	StateStarted
)

// stateStrings is a map of activation states back to their names for pretty
// printing.
var stateStrings = map[State]string{
	StateInitial:       "INITIAL",
	StateSyncInProcess: "SYNC_IN_PROCESS",
	StateInputTooNew:   "INPUT_TOO_NEW",
	StateNotCapable:    "NOT_CAPABLE",
	StateStarted:       "STARTED",
}

// String returns the State as a human-readable name.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", uint8(s))
}

// Mode describes where the collateral key of the local masternode lives.
type Mode uint8

// These constants define the operating modes.
const (
	// ModeUnknown is the mode before the network configuration was checked.
	ModeUnknown Mode = iota

	// ModeRemote is used when the masternode was announced elsewhere and the
	// node only holds the operator key.
	ModeRemote

	// ModeLocal is used when the wallet of the node holds the collateral.
	ModeLocal
)

// modeStrings is a map of modes back to their names for pretty printing.
var modeStrings = map[Mode]string{
	ModeUnknown: "UNKNOWN",
	ModeRemote:  "REMOTE",
	ModeLocal:   "LOCAL",
}

// String returns the Mode as a human-readable name.
func (m Mode) String() string {
	if str, ok := modeStrings[m]; ok {
		return str
	}
	return fmt.Sprintf("Unknown Mode (%d)", uint8(m))
}
