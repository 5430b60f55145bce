// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"fmt"
	"slices"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

// ProcessPaymentSync answers a request for the payment votes of the upcoming
// blocks.  Each peer is served once per fulfilled request expiry.
func (l *Ledger) ProcessPaymentSync(peer masternode.Peer, msg *mnwire.MsgPaymentSync) error {
	if !l.cfg.Sync.IsListSynced() || !l.cfg.Sync.IsSynced() {
		return nil
	}

	addr := peer.Addr()
	if l.cfg.Fulfilled.Has(addr, mnwire.CmdPaymentSync) {
		str := fmt.Sprintf("peer %v already requested payment votes", addr)
		return ruleError(ErrPaymentSyncRepeated, str, l.banScore(20))
	}
	l.cfg.Fulfilled.Add(addr, mnwire.CmdPaymentSync)
	l.Sync(peer)
	return nil
}

// checkVoter validates the voter of the vote against the registry and
// returns its record.
func (l *Ledger) checkVoter(peer masternode.Peer, vote *mnwire.MsgPaymentVote, tip int64) (masternode.Record, error) {
	rec, ok := l.cfg.Masternodes.Find(vote.Voter)
	if !ok {
		// Only ask once synced and still unaware of the masternode.
		if l.cfg.Sync.IsListSynced() {
			l.cfg.Masternodes.AskForMN(peer, vote.Voter)
		}
		str := fmt.Sprintf("unknown masternode %v", vote.Voter)
		return rec, ruleError(ErrUnknownVoter, str, 0)
	}

	if rec.ProtocolVersion < minProto {
		str := fmt.Sprintf("masternode %v protocol version %d is too old, "+
			"minimum %d", vote.Voter, rec.ProtocolVersion, minProto)
		return rec, ruleError(ErrVoterProtocol, str, 0)
	}

	// Masternodes must pick the right winner for future blocks, so they
	// check the rank of the voters of old blocks as well.  Other nodes only
	// check it for votes of future blocks.
	if l.cfg.Local == nil && vote.BlockHeight < tip {
		return rec, nil
	}

	rankHeight := vote.BlockHeight - masternode.PaymentBlockOffset
	rank, ok := l.cfg.Masternodes.Rank(vote.Voter, rankHeight, minProto, false)
	if !ok {
		str := fmt.Sprintf("unable to rank masternode %v for height %d",
			vote.Voter, vote.BlockHeight)
		return rec, ruleError(ErrVoterRank, str, 0)
	}
	if rank > SignaturesTotal {
		// Masternodes commonly believe they are in the top ranks when they
		// are not.  Only votes for new blocks far out of bounds are
		// penalized since the list itself may be off for old ones.
		var banScore uint32
		if rank > SignaturesTotal*2 && vote.BlockHeight > tip {
			banScore = 20
		}
		str := fmt.Sprintf("masternode %v is not in the top %d (%d) for "+
			"height %d", vote.Voter, SignaturesTotal, rank, vote.BlockHeight)
		return rec, ruleError(ErrVoterRank, str, banScore)
	}
	return rec, nil
}

// ProcessPaymentVote validates a payment vote received from the peer and
// counts and relays it when valid.  The returned error carries the
// misbehavior score to charge the peer with.
func (l *Ledger) ProcessPaymentVote(peer masternode.Peer, vote *mnwire.MsgPaymentVote) error {
	if !l.cfg.Sync.IsListSynced() {
		return nil
	}

	// Votes outside of the stored range are never remembered.
	hash := vote.Hash()
	l.refreshRegistrySize()
	tip := l.chain.BestHeight()
	first := tip - l.StorageLimit()
	if vote.BlockHeight < first || vote.BlockHeight > tip+FutureVoteBlocks {
		str := fmt.Sprintf("vote %v for height %d is outside of the range "+
			"%d-%d", hash, vote.BlockHeight, first, tip+FutureVoteBlocks)
		return ruleError(ErrVoteOutOfRange, str, 0)
	}

	l.mtx.Lock()
	if _, ok := l.votes[hash]; ok {
		l.mtx.Unlock()
		return nil
	}
	l.votes[hash] = &voteEntry{msg: vote}
	l.mtx.Unlock()

	rec, err := l.checkVoter(peer, vote, tip)
	if err != nil {
		return err
	}

	if !masternode.VerifyMessage(rec.OperatorPubKey, vote.Signature, vote) {
		// The masternode may have signed an old vote with a key that is no
		// longer known, so only votes for future blocks are penalized.
		var banScore uint32
		if l.cfg.Sync.IsListSynced() && vote.BlockHeight > tip {
			banScore = l.banScore(20)
		}
		l.cfg.Masternodes.AskForMN(peer, vote.Voter)
		str := fmt.Sprintf("bad signature on vote %v by masternode %v",
			hash, vote.Voter)
		return ruleError(ErrBadSignature, str, banScore)
	}

	if !l.CanVote(vote.Voter, vote.BlockHeight) {
		str := fmt.Sprintf("masternode %v already voted for height %d",
			vote.Voter, vote.BlockHeight)
		return ruleError(ErrDuplicateVote, str, 0)
	}

	added, err := l.addPaymentVote(vote)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	log.Debugf("Accepted payment vote %v by masternode %v for height %d "+
		"paying %s", hash, vote.Voter, vote.BlockHeight,
		scriptAddress(vote.Payee, l.params.Net))
	l.relay(&hash)
	l.cfg.Sync.AddedPaymentVote()
	return nil
}

// Sync sends the inventory of the verified votes for the tip and the
// FutureVoteBlocks heights above it to the peer followed by their count.
// Votes for other heights are requested individually by the peer.
func (l *Ledger) Sync(peer masternode.Peer) {
	tip := l.chain.BestHeight()

	var hashes []chainhash.Hash
	l.mtx.RLock()
	for height := tip; height < tip+FutureVoteBlocks; height++ {
		tally, ok := l.blocks[height]
		if !ok {
			continue
		}
		for i := range tally.Payees {
			for _, hash := range tally.Payees[i].VoteHashes {
				if entry, ok := l.votes[hash]; ok && entry.verified {
					hashes = append(hashes, hash)
				}
			}
		}
	}
	l.mtx.RUnlock()

	for i := range hashes {
		peer.PushInventory(wire.NewInvVect(mnwire.InvTypePaymentVote, &hashes[i]))
	}
	log.Infof("Sent %d payment %s to peer %v", len(hashes),
		pickNoun(len(hashes), "vote", "votes"), peer.Addr())
	peer.QueueMessage(&mnwire.MsgSyncStatusCount{
		ItemID: mnwire.SyncItemPaymentVotes,
		Count:  int32(len(hashes)),
	})
}

// lowDataHeights returns the heights within the storage limit below the tip
// without a tally followed by the heights whose tally has neither a clear
// winner nor the average expected number of votes.
//
// This function MUST be called with the ledger lock held (for reads).
func (l *Ledger) lowDataHeights(tip, limit int64) []int64 {
	var heights []int64
	for height := tip; tip-height < limit && height >= 0; height-- {
		if _, ok := l.blocks[height]; !ok {
			heights = append(heights, height)
		}
	}

	lowData := make([]int64, 0, len(l.blocks))
	for height, tally := range l.blocks {
		total, found := tally.totalVotes()
		if found || total >= averageVotes {
			continue
		}
		lowData = append(lowData, height)
	}
	slices.Sort(lowData)
	return append(heights, lowData...)
}

// RequestLowDataPaymentBlocks asks the peer for the votes of the heights the
// ledger has too little data about.  Requests are sent in batches of at most
// wire.MaxInvPerMsg entries.
func (l *Ledger) RequestLowDataPaymentBlocks(peer masternode.Peer) {
	l.refreshRegistrySize()
	tip := l.chain.BestHeight()
	limit := l.StorageLimit()

	l.mtx.RLock()
	heights := l.lowDataHeights(tip, limit)
	l.mtx.RUnlock()

	var requested int
	getData := wire.NewMsgGetData()
	for _, height := range heights {
		block, err := l.chain.BlockByHeight(height)
		if err != nil {
			continue
		}
		getData.AddInvVect(wire.NewInvVect(mnwire.InvTypePaymentBlock, &block.Hash))
		requested++
		if len(getData.InvList) == wire.MaxInvPerMsg {
			log.Debugf("Asking peer %v for %d payment blocks", peer.Addr(),
				len(getData.InvList))
			peer.QueueMessage(getData)
			getData = wire.NewMsgGetData()
		}
	}
	if len(getData.InvList) > 0 {
		log.Debugf("Asking peer %v for %d payment blocks", peer.Addr(),
			len(getData.InvList))
		peer.QueueMessage(getData)
	}
	if requested > 0 {
		log.Infof("Requested %d low data payment %s from peer %v", requested,
			pickNoun(requested, "block", "blocks"), peer.Addr())
	}
}

// PaymentVote returns the verified vote with the hash.
func (l *Ledger) PaymentVote(hash *chainhash.Hash) (*mnwire.MsgPaymentVote, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	entry, ok := l.votes[*hash]
	if !ok || !entry.verified {
		return nil, false
	}
	return entry.msg, true
}

// PaymentBlockVotes returns the verified votes for the height of the main
// chain block with the hash.
func (l *Ledger) PaymentBlockVotes(hash *chainhash.Hash) []*mnwire.MsgPaymentVote {
	block, err := l.chain.BlockByHash(hash)
	if err != nil {
		return nil
	}

	l.mtx.RLock()
	defer l.mtx.RUnlock()
	tally, ok := l.blocks[block.Height]
	if !ok {
		return nil
	}
	var votes []*mnwire.MsgPaymentVote
	for i := range tally.Payees {
		for _, voteHash := range tally.Payees[i].VoteHashes {
			if entry, ok := l.votes[voteHash]; ok && entry.verified {
				votes = append(votes, entry.msg)
			}
		}
	}
	return votes
}

// HaveInventory returns whether the payment vote or payment block referenced
// by the inventory vector is already known.
func (l *Ledger) HaveInventory(iv *wire.InvVect) bool {
	switch iv.Type {
	case mnwire.InvTypePaymentVote:
		l.mtx.RLock()
		_, ok := l.votes[iv.Hash]
		l.mtx.RUnlock()
		return ok

	case mnwire.InvTypePaymentBlock:
		block, err := l.chain.BlockByHash(&iv.Hash)
		if err != nil {
			return false
		}
		l.mtx.RLock()
		_, ok := l.blocks[block.Height]
		l.mtx.RUnlock()
		return ok
	}
	return false
}
