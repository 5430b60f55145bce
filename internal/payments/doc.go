// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package payments implements the masternode payment ledger.

Every block pays a share of its subsidy to one masternode.  The masternodes
ranked highest for a height vote for the payee of that height, and the ledger
tallies those votes per height.  A block is accepted when no payee gathered
at least SignaturesRequired votes, or when its coinbase pays one of the payees
that did.

The ledger only keeps the votes of the most recent StorageLimit heights.  It
answers payment vote sync requests from peers, asks peers for the tallies it
has too little data about, and casts the vote of the local masternode for the
block VoteAheadBlocks above each new tip.

The ledger never calls into the masternode registry while holding its own
lock, so the registry may consult the ledger while holding the registry lock.
*/
package payments
