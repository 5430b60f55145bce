// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/activemn"
	"github.com/decred/mnd/internal/masternode"
)

// collateralWallet implements activemn.Wallet for a collateral output whose
// private key was provided with the configuration.  It never holds any other
// funds, so its balance is the value of the collateral while it is unspent.
type collateralWallet struct {
	chain    masternode.ChainView
	outpoint wire.OutPoint
	key      *secp256k1.PrivateKey

	mtx    sync.Mutex
	locked map[wire.OutPoint]struct{}
}

// Ensure collateralWallet implements the activemn.Wallet interface.
var _ activemn.Wallet = (*collateralWallet)(nil)

// newCollateralWallet returns a wallet holding the collateral output.
func newCollateralWallet(chain masternode.ChainView, outpoint wire.OutPoint, key *secp256k1.PrivateKey) *collateralWallet {
	return &collateralWallet{
		chain:    chain,
		outpoint: outpoint,
		key:      key,
		locked:   make(map[wire.OutPoint]struct{}),
	}
}

// IsLocked returns false since the key is held unencrypted in memory.
func (w *collateralWallet) IsLocked() bool {
	return false
}

// Balance returns the value of the collateral output, or zero when it is
// spent or cannot be looked up.
func (w *collateralWallet) Balance() dcrutil.Amount {
	entry, err := w.chain.FetchUtxoEntry(w.outpoint)
	if err != nil {
		srvrLog.Debugf("Unable to look up collateral %v: %v", w.outpoint, err)
		return 0
	}
	if entry == nil {
		return 0
	}
	return dcrutil.Amount(entry.Amount())
}

// Collateral returns the collateral outpoint and its private key.
func (w *collateralWallet) Collateral() (wire.OutPoint, *secp256k1.PrivateKey, bool) {
	return w.outpoint, w.key, w.key != nil
}

// LockOutpoint marks the outpoint as not spendable.
//
// This function is safe for concurrent access.
func (w *collateralWallet) LockOutpoint(outpoint wire.OutPoint) {
	w.mtx.Lock()
	w.locked[outpoint] = struct{}{}
	w.mtx.Unlock()
	srvrLog.Infof("Locked collateral output %v", outpoint)
}

// IsOutpointLocked returns whether the outpoint was locked.
//
// This function is safe for concurrent access.
func (w *collateralWallet) IsOutpointLocked(outpoint wire.OutPoint) bool {
	w.mtx.Lock()
	_, ok := w.locked[outpoint]
	w.mtx.Unlock()
	return ok
}
