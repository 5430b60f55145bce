// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

const (
	// SignaturesRequired is the number of votes a payee needs before blocks
	// are required to pay it.
	SignaturesRequired = 6

	// SignaturesTotal is the number of top ranked masternodes that vote
	// for the payee of each block.
	SignaturesTotal = 10

	// StorageCoeff scales the registry size to the number of heights of
	// votes that are retained.
	StorageCoeff = 1.25

	// MinBlocksToStore is the minimum number of heights of votes that are
	// retained.
	MinBlocksToStore = 5000

	// FutureVoteBlocks is how far above the tip votes are accepted and
	// synced to peers.
	FutureVoteBlocks = 20

	// ScheduleWindow is the number of heights above the tip checked when
	// determining whether a payee is already scheduled.
	ScheduleWindow = 8

	// VoteAheadBlocks is how far above each new tip the local masternode
	// casts its vote.
	VoteAheadBlocks = 5

	// averageVotes is the vote count below which a tally without a clear
	// winner is considered incomplete.
	averageVotes = (SignaturesTotal + SignaturesRequired) / 2

	// minProto is the minimum protocol version of voting masternodes.
	minProto = mnwire.MinPaymentsProtoVersion
)

// Config is the configuration of a Ledger.
type Config struct {
	// Params are the network dependent masternode parameters.
	Params *masternode.Params

	// Chain provides access to the block chain.
	Chain masternode.ChainView

	// Masternodes is the registry of known masternodes.
	Masternodes Masternodes

	// Sync reports the progress of the bootstrap synchronizer.
	Sync SyncStatus

	// Sporks controls whether payments are validated and enforced.
	Sporks Sporks

	// Net relays inventory to all connected peers.
	Net masternode.Network

	// Fulfilled tracks the payment sync requests served to peers.
	Fulfilled masternode.Fulfilled

	// Local identifies the masternode run by this node.  It is nil when the
	// node is not a masternode.
	Local masternode.LocalMasternode
}

// voteEntry is a known payment vote.  Votes are remembered unverified when
// first received so that repeated invalid votes are dropped early.
type voteEntry struct {
	msg      *mnwire.MsgPaymentVote
	verified bool
}

// Ledger tallies the payment votes of the masternodes per block height and
// validates block payments against them.
type Ledger struct {
	cfg    Config
	params *masternode.Params
	chain  masternode.ChainView

	// registrySize is the size of the registry as of the last refresh.  It
	// is read without calling into the registry since the registry consults
	// the storage limit while holding its own lock.
	registrySize atomic.Int64

	mtx      sync.RWMutex
	votes    map[chainhash.Hash]*voteEntry
	blocks   map[int64]*BlockPayees
	lastVote map[wire.OutPoint]int64
}

// New returns a new empty payment ledger.
func New(cfg *Config) *Ledger {
	return &Ledger{
		cfg:      *cfg,
		params:   cfg.Params,
		chain:    cfg.Chain,
		votes:    make(map[chainhash.Hash]*voteEntry),
		blocks:   make(map[int64]*BlockPayees),
		lastVote: make(map[wire.OutPoint]int64),
	}
}

// refreshRegistrySize updates the registry size the storage limit derives
// from.
//
// This function MUST NOT be called with the ledger lock held or by the
// registry.
func (l *Ledger) refreshRegistrySize() {
	l.registrySize.Store(int64(l.cfg.Masternodes.Size()))
}

// StorageLimit returns how many heights of votes below the tip are retained.
//
// This function is safe for concurrent access.
func (l *Ledger) StorageLimit() int64 {
	limit := int64(float64(l.registrySize.Load()) * StorageCoeff)
	return max(limit, MinBlocksToStore)
}

// isTestNet returns whether the ledger operates on the public test network
// where repeated requests are not penalized.
func (l *Ledger) isTestNet() bool {
	return l.params.Net.Net == wire.TestNet3
}

// banScore returns score except on the public test network.
func (l *Ledger) banScore(score uint32) uint32 {
	if l.isTestNet() {
		return 0
	}
	return score
}

// CanVote records a vote of the masternode with the outpoint for height.  It
// returns false when the masternode already voted for that height.
func (l *Ledger) CanVote(outpoint wire.OutPoint, height int64) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if last, ok := l.lastVote[outpoint]; ok && last == height {
		return false
	}
	l.lastVote[outpoint] = height
	return true
}

// addVote counts the vote.  It returns false when the vote was already
// counted.
//
// This function MUST be called with the ledger lock held (for writes).
func (l *Ledger) addVote(vote *mnwire.MsgPaymentVote, hash chainhash.Hash) bool {
	if entry, ok := l.votes[hash]; ok && entry.verified {
		return false
	}
	l.votes[hash] = &voteEntry{msg: vote, verified: true}
	tally, ok := l.blocks[vote.BlockHeight]
	if !ok {
		tally = &BlockPayees{Height: vote.BlockHeight}
		l.blocks[vote.BlockHeight] = tally
	}
	tally.addVote(vote.Payee, hash)
	return true
}

// addPaymentVote counts a verified vote.  The block the payee of the vote is
// elected from must be known.
func (l *Ledger) addPaymentVote(vote *mnwire.MsgPaymentVote) (bool, error) {
	electionHeight := vote.BlockHeight - masternode.PaymentBlockOffset
	if _, err := l.chain.BlockByHeight(electionHeight); err != nil {
		str := fmt.Sprintf("block %d to elect the payee of height %d "+
			"from is unknown: %v", electionHeight, vote.BlockHeight, err)
		return false, ruleError(ErrUnknownBlock, str, 0)
	}

	hash := vote.Hash()
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.addVote(vote, hash), nil
}

// AddPaymentVote counts a verified vote.  It returns false when the vote was
// already counted or when the block the payee is elected from is unknown.
func (l *Ledger) AddPaymentVote(vote *mnwire.MsgPaymentVote) bool {
	added, err := l.addPaymentVote(vote)
	if err != nil {
		log.Debugf("Unable to add payment vote %v: %v", vote.Hash(), err)
	}
	return added
}

// HasVerifiedPaymentVote returns whether the vote with the hash was verified
// and counted.
func (l *Ledger) HasVerifiedPaymentVote(hash *chainhash.Hash) bool {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	entry, ok := l.votes[*hash]
	return ok && entry.verified
}

// BlockPayee returns the payee with the most votes for height.
func (l *Ledger) BlockPayee(height int64) ([]byte, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	tally, ok := l.blocks[height]
	if !ok {
		return nil, false
	}
	return tally.BestPayee()
}

// electedPayee returns the payee of height when it received at least
// SignaturesRequired votes.
func (l *Ledger) electedPayee(height int64) ([]byte, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	tally, ok := l.blocks[height]
	if !ok {
		return nil, false
	}
	best := tally.best()
	if best == nil || best.Votes() < SignaturesRequired {
		return nil, false
	}
	return best.Script, true
}

// BlockPayees returns a copy of the tally for height.
func (l *Ledger) BlockPayees(height int64) (BlockPayees, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	tally, ok := l.blocks[height]
	if !ok {
		return BlockPayees{}, false
	}
	return tally.clone(), true
}

// HasPayeeWithVotes returns whether the payee received at least votes votes
// for height.
//
// This function is safe for concurrent access and may be called with the
// registry lock held.
func (l *Ledger) HasPayeeWithVotes(height int64, payee []byte, votes int) bool {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	tally, ok := l.blocks[height]
	return ok && tally.HasPayeeWithVotes(payee, votes)
}

// IsScheduled returns whether the payee is the current winner of any height
// from the tip to ScheduleWindow blocks above it other than notHeight.
//
// This function is safe for concurrent access and may be called with the
// registry lock held.
func (l *Ledger) IsScheduled(payee []byte, notHeight int64) bool {
	tip := l.chain.BestHeight()

	l.mtx.RLock()
	defer l.mtx.RUnlock()
	for height := tip; height <= tip+ScheduleWindow; height++ {
		if height == notHeight {
			continue
		}
		tally, ok := l.blocks[height]
		if !ok {
			continue
		}
		if best, ok := tally.BestPayee(); ok && bytes.Equal(best, payee) {
			return true
		}
	}
	return false
}

// FillBlockPayee returns the output paying the masternode elected for the
// block at height.  The payee with the most votes is paid when it received at
// least SignaturesRequired votes and the next masternode in the payment queue
// otherwise.  On the local test
// networks the fallback script is paid when no masternode is known.
func (l *Ledger) FillBlockPayee(height int64, payment dcrutil.Amount, fallback []byte) (*wire.TxOut, error) {
	payee, voted := l.electedPayee(height)
	if !voted {
		rec, _, ok := l.cfg.Masternodes.NextInQueue(height, true)
		switch {
		case ok:
			payee = rec.PayeeScript(l.params.Net)
		case l.params.IsLocalTestNet() && len(fallback) > 0:
			payee = fallback
		default:
			str := fmt.Sprintf("no masternode to pay at height %d", height)
			return nil, ruleError(ErrNoPayee, str, 0)
		}
	}

	out := wire.NewTxOut(int64(payment), payee)
	log.Debugf("Masternode payment of %v at height %d to %s (voted %v)",
		payment, height, scriptAddress(payee, l.params.Net), voted)
	return out, nil
}

// IsTransactionValid returns whether the coinbase transaction of the block at
// height pays the elected masternode.  Any transaction is valid when no payee
// received at least SignaturesRequired votes.
func (l *Ledger) IsTransactionValid(tx *wire.MsgTx, height int64) bool {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	tally, ok := l.blocks[height]
	if !ok {
		return true
	}
	amount := l.params.PaymentAmount(height)
	valid, _ := tally.isTransactionValid(tx, int64(amount))
	if !valid {
		log.Warnf("Missing required masternode payment of %v at height %d, "+
			"possible payees: %s", amount, height,
			tally.RequiredPayments(l.params.Net))
	}
	return valid
}

// IsBlockPayeeValid returns whether the coinbase transaction of the block at
// height satisfies the masternode payment rules.  Blocks are only rejected
// once the node is synced and payment enforcement is active.
func (l *Ledger) IsBlockPayeeValid(tx *wire.MsgTx, height int64) bool {
	if !l.cfg.Sporks.PaymentsStarted() {
		return true
	}
	if !l.cfg.Sync.IsSynced() {
		log.Debugf("Not checking masternode payment at height %d before "+
			"sync", height)
		return true
	}
	if l.IsTransactionValid(tx, height) {
		return true
	}
	if !l.cfg.Sporks.PaymentsEnforced() {
		log.Infof("Accepting block %d with an invalid masternode payment "+
			"since enforcement is disabled", height)
		return true
	}
	return false
}

// CheckAndRemove removes the votes and tallies of the heights more than the
// storage limit below the tip.
func (l *Ledger) CheckAndRemove() {
	l.refreshRegistrySize()
	tip := l.chain.BestHeight()
	limit := l.StorageLimit()

	l.mtx.Lock()
	defer l.mtx.Unlock()

	var removed int
	for hash, entry := range l.votes {
		height := entry.msg.BlockHeight
		if tip-height <= limit {
			continue
		}
		delete(l.votes, hash)
		delete(l.blocks, height)
		removed++
	}
	for op, height := range l.lastVote {
		if tip-height > limit {
			delete(l.lastVote, op)
		}
	}
	if removed > 0 {
		log.Debugf("Removed %d old payment %s", removed,
			pickNoun(removed, "vote", "votes"))
	}
	log.Debugf("Payment ledger: %v", l.string())
}

// IsEnoughData returns whether the ledger holds tallies for more heights than
// the storage limit and at least the average expected number of votes for
// each of them.
func (l *Ledger) IsEnoughData() bool {
	l.refreshRegistrySize()
	limit := l.StorageLimit()

	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return int64(len(l.blocks)) > limit &&
		int64(len(l.votes)) > limit*averageVotes
}

// relay announces the vote to all peers once the payment votes are synced.
func (l *Ledger) relay(hash *chainhash.Hash) {
	if !l.cfg.Sync.IsPaymentsSynced() {
		log.Tracef("Not relaying payment vote %v before sync", hash)
		return
	}
	l.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypePaymentVote, hash))
}

// ProcessBlock casts the vote of the local masternode for the payee of the
// block at height when it ranks among the top SignaturesTotal masternodes.
// It returns whether a vote was cast.
func (l *Ledger) ProcessBlock(height int64) bool {
	local := l.cfg.Local
	if local == nil {
		return false
	}
	outpoint, ok := local.Outpoint()
	if !ok {
		return false
	}

	// Too little is known about the masternodes to pick the winner before
	// the list is synced.
	if !l.cfg.Sync.IsListSynced() {
		return false
	}

	rankHeight := height - masternode.PaymentBlockOffset
	rank, ok := l.cfg.Masternodes.Rank(outpoint, rankHeight, minProto, false)
	if !ok {
		log.Debugf("Unable to rank the local masternode %v for height %d",
			outpoint, height)
		return false
	}
	if rank > SignaturesTotal {
		log.Debugf("Local masternode %v is not in the top %d (%d) for "+
			"height %d", outpoint, SignaturesTotal, rank, height)
		return false
	}

	rec, _, ok := l.cfg.Masternodes.NextInQueue(height, true)
	if !ok {
		log.Warnf("Unable to find a masternode to pay at height %d", height)
		return false
	}
	vote := &mnwire.MsgPaymentVote{
		Voter:       outpoint,
		BlockHeight: height,
		Payee:       rec.PayeeScript(l.params.Net),
	}
	vote.Signature = masternode.SignMessage(local.OperatorKey(), vote)
	if !l.AddPaymentVote(vote) {
		return false
	}
	log.Infof("Voted for masternode %v to be paid at height %d",
		rec.Outpoint, height)
	hash := vote.Hash()
	l.relay(&hash)
	return true
}

// UpdatedBlockTip notifies the ledger of a new main chain tip.  Old votes
// are pruned and the local masternode votes for the payee VoteAheadBlocks
// above the tip.
func (l *Ledger) UpdatedBlockTip(height int64) {
	log.Tracef("Payment ledger notified of block %d", height)
	l.CheckAndRemove()
	l.ProcessBlock(height + VoteAheadBlocks)
}

// VoteCount returns the number of known votes.
func (l *Ledger) VoteCount() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.votes)
}

// BlockCount returns the number of heights with a tally.
func (l *Ledger) BlockCount() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.blocks)
}

// Clear removes all votes and tallies.
func (l *Ledger) Clear() {
	l.mtx.Lock()
	l.clear()
	l.mtx.Unlock()
}

// clear removes all votes and tallies.
//
// This function MUST be called with the ledger lock held (for writes).
func (l *Ledger) clear() {
	clear(l.votes)
	clear(l.blocks)
	clear(l.lastVote)
}

// string implements String.
//
// This function MUST be called with the ledger lock held (for reads).
func (l *Ledger) string() string {
	return fmt.Sprintf("Votes: %d, Blocks: %d", len(l.votes), len(l.blocks))
}

// String returns a short summary of the ledger.
func (l *Ledger) String() string {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return l.string()
}
