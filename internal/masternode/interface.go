// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"context"
	"errors"
	"net/netip"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

// ErrBlockNotFound is returned by ChainView implementations when a requested
// block is not part of the main chain.
var ErrBlockNotFound = errors.New("block not found")

// BlockInfo describes a main chain block.
type BlockInfo struct {
	Hash      chainhash.Hash
	Height    int64
	Timestamp int64
}

// UtxoEntry describes an unspent transaction output as needed to validate a
// masternode collateral.
type UtxoEntry interface {
	// Amount returns the value of the output in atoms.
	Amount() int64

	// ScriptVersion returns the version of the output script.
	ScriptVersion() uint16

	// PkScript returns the public key script of the output.
	PkScript() []byte

	// BlockHeight returns the height of the block containing the output.
	BlockHeight() int64
}

// ChainView provides the masternode subsystem with the chain data it needs.
// Implementations must be safe for concurrent use and must never call back
// into the registry or the payment ledger.
type ChainView interface {
	// BestHeight returns the height of the current main chain tip.
	BestHeight() int64

	// BlockByHeight returns the main chain block at height.  It returns
	// ErrBlockNotFound when the height is above the tip.
	BlockByHeight(height int64) (BlockInfo, error)

	// BlockByHash returns the main chain block with the provided hash.  It
	// returns ErrBlockNotFound when the block is unknown.
	BlockByHash(hash *chainhash.Hash) (BlockInfo, error)

	// FetchUtxoEntry returns the unspent output for the outpoint or nil when
	// the output does not exist or is spent.
	FetchUtxoEntry(outpoint wire.OutPoint) (UtxoEntry, error)

	// CoinbaseOutputs returns the outputs of the coinbase transaction of the
	// main chain block at height.
	CoinbaseOutputs(height int64) ([]*wire.TxOut, error)

	// IsCurrent returns whether the chain is believed to be synced with the
	// network.
	IsCurrent() bool
}

// Peer is a remote peer the registry can send messages to.
type Peer interface {
	// ID returns a unique identifier for the peer.
	ID() int32

	// Addr returns the network address of the peer.
	Addr() netip.AddrPort

	// Inbound returns whether the peer connected to the local node.
	Inbound() bool

	// QueueMessage queues a message to be sent to the peer.
	QueueMessage(msg wire.Message)

	// PushInventory adds an inventory vector to the batch announced to the
	// peer.
	PushInventory(iv *wire.InvVect)
}

// Network relays inventory to every connected peer.
type Network interface {
	RelayInventory(iv *wire.InvVect)
}

// Dialer opens dedicated connections to masternodes for address verification
// and broadcast recovery.  Implementations must honor the context deadline.
type Dialer interface {
	ConnectMasternode(ctx context.Context, addr netip.AddrPort) (Peer, error)
}

// SyncStatus reports the progress of the bootstrap synchronizer and receives
// list progress notifications.
type SyncStatus interface {
	IsBlockchainSynced() bool
	IsListSynced() bool
	IsPaymentsSynced() bool
	IsSynced() bool

	// AddedListItem notes that a new or updated list item was received.
	AddedListItem()
}

// PaymentTracker exposes the parts of the payment ledger the registry needs.
type PaymentTracker interface {
	// HasPayeeWithVotes returns whether the tally at height has at least
	// votes votes for payee.
	HasPayeeWithVotes(height int64, payee []byte, votes int) bool

	// IsScheduled returns whether payee is the current winner of any height
	// in the scheduling window after the tip other than notHeight.
	IsScheduled(payee []byte, notHeight int64) bool

	// StorageLimit returns how many heights of votes are retained.
	StorageLimit() int64
}

// Fulfilled tracks requests already made to or by a peer.
type Fulfilled interface {
	Add(addr netip.AddrPort, name string)
	Has(addr netip.AddrPort, name string) bool
	Remove(addr netip.AddrPort, name string)
}

// LocalMasternode identifies the masternode run by this node.
type LocalMasternode interface {
	// OperatorKey returns the private key used to sign pings, verification
	// replies and payment votes.
	OperatorKey() *secp256k1.PrivateKey

	// Outpoint returns the collateral outpoint once the local masternode is
	// started.
	Outpoint() (wire.OutPoint, bool)

	// Service returns the advertised service address.
	Service() netip.AddrPort
}
