// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// snapshotVersion identifies the serialization format of ledger snapshots.
// Snapshots carrying any other tag are discarded.
const snapshotVersion = "PaymentLedger-Version-1"

// maxSnapshotVotes bounds the number of votes read from a snapshot.
const maxSnapshotVotes = 1 << 22

// ErrSnapshotVersion is returned when a snapshot was written with an
// unrecognized format.  The ledger is reset to empty in that case.
var ErrSnapshotVersion = errors.New("unrecognized snapshot version")

func writeVote(w io.Writer, vote *mnwire.MsgPaymentVote, verified bool) error {
	if err := vote.BtcEncode(w, mnwire.ProtocolVersion); err != nil {
		return err
	}
	var flag [1]byte
	if verified {
		flag[0] = 1
	}
	_, err := w.Write(flag[:])
	return err
}

func readVote(r io.Reader) (*mnwire.MsgPaymentVote, bool, error) {
	vote := new(mnwire.MsgPaymentVote)
	if err := vote.BtcDecode(r, mnwire.ProtocolVersion); err != nil {
		return nil, false, err
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, false, err
	}
	return vote, flag[0] == 1, nil
}

// Serialize returns a snapshot of the known votes.  Verified votes are
// written in tally order so the tallies are restored exactly.
func (l *Ledger) Serialize() ([]byte, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, snapshotVersion); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(l.votes))); err != nil {
		return nil, err
	}

	heights := make([]int64, 0, len(l.blocks))
	for height := range l.blocks {
		heights = append(heights, height)
	}
	slices.Sort(heights)
	written := make(map[chainhash.Hash]struct{}, len(l.votes))
	for _, height := range heights {
		tally := l.blocks[height]
		for i := range tally.Payees {
			for _, hash := range tally.Payees[i].VoteHashes {
				entry, ok := l.votes[hash]
				if !ok {
					continue
				}
				if err := writeVote(&buf, entry.msg, entry.verified); err != nil {
					return nil, err
				}
				written[hash] = struct{}{}
			}
		}
	}

	// Unverified votes follow in hash order.
	rest := make([]chainhash.Hash, 0, len(l.votes)-len(written))
	for hash := range l.votes {
		if _, ok := written[hash]; !ok {
			rest = append(rest, hash)
		}
	}
	slices.SortFunc(rest, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	for i := range rest {
		entry := l.votes[rest[i]]
		if err := writeVote(&buf, entry.msg, entry.verified); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Deserialize replaces the contents of the ledger with the snapshot.  The
// ledger is left empty when the snapshot cannot be decoded or was written
// with a different format version.
func (l *Ledger) Deserialize(b []byte) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.clear()
	if err := l.deserialize(bytes.NewReader(b)); err != nil {
		l.clear()
		return err
	}
	log.Infof("Loaded %d payment %s for %d %s from snapshot", len(l.votes),
		pickNoun(len(l.votes), "vote", "votes"), len(l.blocks),
		pickNoun(len(l.blocks), "block", "blocks"))
	return nil
}

// deserialize decodes the snapshot into the empty ledger.
//
// This function MUST be called with the ledger lock held (for writes).
func (l *Ledger) deserialize(r io.Reader) error {
	version, err := wire.ReadVarString(r, 0)
	if err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("%w %q", ErrSnapshotVersion, version)
	}
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if count > maxSnapshotVotes {
		return fmt.Errorf("too many votes in snapshot [count %d, max %d]",
			count, maxSnapshotVotes)
	}
	for i := uint64(0); i < count; i++ {
		vote, verified, err := readVote(r)
		if err != nil {
			return err
		}
		hash := vote.Hash()
		if _, ok := l.votes[hash]; ok {
			return fmt.Errorf("duplicate payment vote %v in snapshot", hash)
		}
		if !verified {
			l.votes[hash] = &voteEntry{msg: vote}
			continue
		}
		l.addVote(vote, hash)
		if last, ok := l.lastVote[vote.Voter]; !ok || vote.BlockHeight > last {
			l.lastVote[vote.Voter] = vote.BlockHeight
		}
	}
	return nil
}
