// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
)

// Masternodes exposes the parts of the masternode registry the ledger needs.
// The ledger only calls it without holding its own lock.
type Masternodes interface {
	// Find returns a copy of the record of the masternode with the
	// outpoint.
	Find(outpoint wire.OutPoint) (masternode.Record, bool)

	// Rank returns the rank of the masternode with the outpoint for the
	// block at height.
	Rank(outpoint wire.OutPoint, height int64, minProto uint32, onlyActive bool) (int, bool)

	// NextInQueue returns the masternode to be paid at height.
	NextInQueue(height int64, filterSigTime bool) (masternode.Record, int, bool)

	// AskForMN asks the peer for the announcement of the masternode with
	// the outpoint.
	AskForMN(peer masternode.Peer, outpoint wire.OutPoint)

	// Size returns the number of records in the registry.
	Size() int
}

// SyncStatus reports the progress of the bootstrap synchronizer and receives
// payment vote progress notifications.
type SyncStatus interface {
	IsListSynced() bool
	IsPaymentsSynced() bool
	IsSynced() bool

	// AddedPaymentVote notes that a new payment vote was received.
	AddedPaymentVote()
}

// Sporks reports the network wide switches that control payment
// validation.
type Sporks interface {
	// PaymentsStarted returns whether blocks are checked for masternode
	// payments at all.
	PaymentsStarted() bool

	// PaymentsEnforced returns whether blocks missing the required
	// masternode payment are rejected.
	PaymentsEnforced() bool
}

// StaticSporks implements Sporks with fixed values.
type StaticSporks struct {
	Started  bool
	Enforced bool
}

// PaymentsStarted returns the Started field.
func (s StaticSporks) PaymentsStarted() bool {
	return s.Started
}

// PaymentsEnforced returns the Enforced field.
func (s StaticSporks) PaymentsEnforced() bool {
	return s.Enforced
}
