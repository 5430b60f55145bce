// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/txscript/v4/stdscript"
	"github.com/decred/dcrd/wire"
)

// Payee is a payee script along with the hashes of the votes it received.
type Payee struct {
	Script     []byte
	VoteHashes []chainhash.Hash
}

// Votes returns the number of votes for the payee.
func (p *Payee) Votes() int {
	return len(p.VoteHashes)
}

// BlockPayees is the tally of the payment votes for one block height.
type BlockPayees struct {
	Height int64
	Payees []Payee
}

// addVote counts the vote with the hash for the payee script.
func (b *BlockPayees) addVote(script []byte, hash chainhash.Hash) {
	for i := range b.Payees {
		if bytes.Equal(b.Payees[i].Script, script) {
			b.Payees[i].VoteHashes = append(b.Payees[i].VoteHashes, hash)
			return
		}
	}
	b.Payees = append(b.Payees, Payee{
		Script:     script,
		VoteHashes: []chainhash.Hash{hash},
	})
}

// BestPayee returns the payee with the most votes.  The payee that received
// its first vote earliest wins ties.
func (b *BlockPayees) BestPayee() ([]byte, bool) {
	best := b.best()
	if best == nil {
		return nil, false
	}
	return best.Script, true
}

// best returns the payee with the most votes or nil when there are none.
func (b *BlockPayees) best() *Payee {
	var best *Payee
	for i := range b.Payees {
		if best == nil || b.Payees[i].Votes() > best.Votes() {
			best = &b.Payees[i]
		}
	}
	return best
}

// HasPayeeWithVotes returns whether the script received at least votes
// votes.
func (b *BlockPayees) HasPayeeWithVotes(script []byte, votes int) bool {
	for i := range b.Payees {
		p := &b.Payees[i]
		if p.Votes() >= votes && bytes.Equal(p.Script, script) {
			return true
		}
	}
	return false
}

// totalVotes returns the number of votes for all payees and whether any of
// them reached the required number of signatures.
func (b *BlockPayees) totalVotes() (int, bool) {
	var total int
	for i := range b.Payees {
		votes := b.Payees[i].Votes()
		if votes >= SignaturesRequired {
			return total + votes, true
		}
		total += votes
	}
	return total, false
}

// maxVotes returns the highest vote count of any payee.
func (b *BlockPayees) maxVotes() int {
	var n int
	for i := range b.Payees {
		n = max(n, b.Payees[i].Votes())
	}
	return n
}

// isTransactionValid returns whether the coinbase transaction pays amount to
// one of the payees with at least SignaturesRequired votes.  Any transaction
// is valid when no payee has that many votes.  The scripts of the required
// payees are also returned.
func (b *BlockPayees) isTransactionValid(tx *wire.MsgTx, amount int64) (bool, [][]byte) {
	if b.maxVotes() < SignaturesRequired {
		return true, nil
	}

	var required [][]byte
	for i := range b.Payees {
		p := &b.Payees[i]
		if p.Votes() < SignaturesRequired {
			continue
		}
		for _, out := range tx.TxOut {
			if out.Value == amount && bytes.Equal(out.PkScript, p.Script) {
				return true, nil
			}
		}
		required = append(required, p.Script)
	}
	return false, required
}

// scriptAddress returns the address paid by a version 0 script or its
// disassembly when it is not a standard script.
func scriptAddress(script []byte, params stdaddr.AddressParamsV0) string {
	_, addrs := stdscript.ExtractAddrsV0(script, params)
	if len(addrs) == 0 {
		return fmt.Sprintf("%x", script)
	}
	return addrs[0].String()
}

// RequiredPayments returns a human readable list of the payees and their
// vote counts.
func (b *BlockPayees) RequiredPayments(params stdaddr.AddressParamsV0) string {
	if len(b.Payees) == 0 {
		return "Unknown"
	}
	parts := make([]string, 0, len(b.Payees))
	for i := range b.Payees {
		p := &b.Payees[i]
		parts = append(parts, fmt.Sprintf("%s:%d",
			scriptAddress(p.Script, params), p.Votes()))
	}
	return strings.Join(parts, ", ")
}

// clone returns a deep copy of the tally.
func (b *BlockPayees) clone() BlockPayees {
	c := BlockPayees{Height: b.Height, Payees: make([]Payee, len(b.Payees))}
	for i := range b.Payees {
		c.Payees[i] = Payee{
			Script:     bytes.Clone(b.Payees[i].Script),
			VoteHashes: append([]chainhash.Hash(nil), b.Payees[i].VoteHashes...),
		}
	}
	return c
}
