// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"context"
	"net/netip"
	"slices"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// recoveryDialTimeout is how long a connection to a masternode asked for a
// recovery announcement may take to be established.
const recoveryDialTimeout = 10 * time.Second

// CheckAndRemove re-derives the state of every record, evicts records whose
// collateral was spent, asks highly ranked masternodes for fresh
// announcements of records that require a new start, and expires the
// request bookkeeping.  Nothing is done until the list is synced.
func (r *Registry) CheckAndRemove() {
	if !r.cfg.Sync.IsListSynced() {
		return
	}

	failed := r.refreshCollaterals(false)

	r.mtx.Lock()
	recovered := r.checkAndRemove(failed)
	r.mtx.Unlock()

	// Announcements confirmed by a quorum are reprocessed without the lock
	// since new records need a collateral check.
	for _, msg := range recovered {
		if err := r.processAnnounce(nil, msg, true); err != nil {
			log.Debugf("Unable to recover masternode %v: %v", msg.Outpoint,
				err)
		}
	}
}

// checkAndRemove performs the work of CheckAndRemove and returns the
// announcements to reprocess as recovery.  The records whose collateral could
// not be looked up are not checked.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) checkAndRemove(failed map[wire.OutPoint]struct{}) []*mnwire.MsgMNAnnounce {
	r.checkAll(failed)

	now := r.now()
	tip := r.chain.BestHeight()
	synced := r.cfg.Sync.IsSynced()
	askBudget := RecoveryMaxAskEntries
	for op, rec := range r.records {
		hash := rec.Announce().Hash()
		if rec.State == StateOutpointSpent {
			log.Debugf("Removing masternode %v with spent collateral", op)
			delete(r.seenAnnounces, hash)
			delete(r.seenPings, rec.LastPing.Hash())
			delete(r.weAskedForEntry, op)
			delete(r.records, op)
			continue
		}

		if askBudget == 0 || !synced || rec.State != StateNewStartRequired {
			continue
		}
		if _, ok := r.recoveryRequests[hash]; ok {
			continue
		}
		if r.scheduleRecovery(rec, &hash, tip, now) {
			askBudget--
		}
	}

	// Reprocess one of the good replies for every recovery request that
	// reached its deadline with a quorum.
	var recovered []*mnwire.MsgMNAnnounce
	for hash, replies := range r.recoveryGoodReplies {
		if req, ok := r.recoveryRequests[hash]; ok && now < req.deadline {
			continue
		}
		if len(replies) >= RecoveryQuorumRequired {
			log.Debugf("Reprocessing recovered announcement for masternode "+
				"%v (%d good replies)", replies[0].Outpoint, len(replies))
			recovered = append(recovered, replies[0])
		}
		delete(r.recoveryGoodReplies, hash)
	}

	for hash, req := range r.recoveryRequests {
		// Allow another recovery once the retry interval passed.
		if now-req.deadline > RecoveryRetrySeconds {
			delete(r.recoveryRequests, hash)
		}
	}
	for addr, next := range r.askedUsForList {
		if next < now {
			delete(r.askedUsForList, addr)
		}
	}
	for addr, next := range r.weAskedForList {
		if next < now {
			delete(r.weAskedForList, addr)
		}
	}
	for op, asked := range r.weAskedForEntry {
		for addr, next := range asked {
			if next < now {
				delete(asked, addr)
			}
		}
		if len(asked) == 0 {
			delete(r.weAskedForEntry, op)
		}
	}
	for addr, msg := range r.weAskedForVerification {
		if msg.BlockHeight < tip-MaxPoSeBlocks {
			delete(r.weAskedForVerification, addr)
		}
	}
	for hash, ping := range r.seenPings {
		if isPingExpired(ping, now) {
			delete(r.seenPings, hash)
		}
	}
	for hash, msg := range r.seenVerifications {
		if msg.BlockHeight < tip-MaxPoSeBlocks {
			delete(r.seenVerifications, hash)
		}
	}

	r.rebuildIndex()
	return recovered
}

// scheduleRecovery schedules connections to up to RecoveryQuorumTotal
// masternodes ranked at a random height to ask them for the announcement of
// the record.  It returns whether a request was scheduled.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) scheduleRecovery(rec *Record, hash *chainhash.Hash, tip, now int64) bool {
	if tip < 1 {
		return false
	}
	ranks := r.ranks(rand.Int64N(tip), mnwire.MinPoSeProtoVersion)
	if len(ranks) == 0 {
		return false
	}
	asked := r.weAskedForEntry[rec.Outpoint]
	if asked == nil {
		asked = make(map[netip.Addr]int64)
		r.weAskedForEntry[rec.Outpoint] = asked
	}
	req := &recoveryRequest{
		deadline: now + RecoveryWaitSeconds,
		asked:    make(map[netip.AddrPort]struct{}),
	}
	for i := range ranks {
		if len(req.asked) >= RecoveryQuorumTotal {
			break
		}
		addr := ranks[i].Record.Addr
		if _, ok := asked[addr.Addr()]; ok {
			continue
		}
		asked[addr.Addr()] = now + DsegUpdateSeconds
		req.asked[addr] = struct{}{}
		r.scheduledRequests = append(r.scheduledRequests, scheduledRequest{
			addr: addr,
			hash: *hash,
		})
	}
	log.Debugf("Asking %d %s for a recovery announcement of masternode %v",
		len(req.asked), pickNoun(len(req.asked), "masternode", "masternodes"),
		rec.Outpoint)
	r.recoveryRequests[*hash] = req
	return true
}

// popScheduledRequest removes every scheduled request for the lowest address
// and returns the address along with the requested announcement hashes.
func (r *Registry) popScheduledRequest() (netip.AddrPort, []chainhash.Hash, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.scheduledRequests) == 0 {
		return netip.AddrPort{}, nil, false
	}
	slices.SortFunc(r.scheduledRequests, func(a, b scheduledRequest) int {
		if c := a.addr.Compare(b.addr); c != 0 {
			return c
		}
		return bytes.Compare(a.hash[:], b.hash[:])
	})
	addr := r.scheduledRequests[0].addr
	var hashes []chainhash.Hash
	kept := r.scheduledRequests[:0]
	for _, req := range r.scheduledRequests {
		if req.addr == addr {
			hashes = append(hashes, req.hash)
			continue
		}
		kept = append(kept, req)
	}
	r.scheduledRequests = kept
	return addr, hashes, true
}

// requestAnnounces connects to the address and asks for the announcements.
func (r *Registry) requestAnnounces(ctx context.Context, dialer Dialer, addr netip.AddrPort, hashes []chainhash.Hash) {
	ctx, cancel := context.WithTimeout(ctx, recoveryDialTimeout)
	defer cancel()
	peer, err := dialer.ConnectMasternode(ctx, addr)
	if err != nil {
		log.Debugf("Unable to connect to masternode %v for recovery: %v",
			addr, err)
		return
	}
	getData := wire.NewMsgGetDataSizeHint(uint(len(hashes)))
	for i := range hashes {
		iv := wire.NewInvVect(mnwire.InvTypeMNAnnounce, &hashes[i])
		if err := getData.AddInvVect(iv); err != nil {
			break
		}
	}
	log.Debugf("Requesting %d recovery %s from %v", len(getData.InvList),
		pickNoun(len(getData.InvList), "announcement", "announcements"), addr)
	peer.QueueMessage(getData)
}

// ProcessPendingRequests dials the masternodes scheduled for recovery and
// verification requests.  Every dial is bounded by a timeout derived from the
// context.
func (r *Registry) ProcessPendingRequests(ctx context.Context, dialer Dialer) {
	for ctx.Err() == nil {
		addr, hashes, ok := r.popScheduledRequest()
		if !ok {
			break
		}
		r.requestAnnounces(ctx, dialer, addr, hashes)
	}

	r.mtx.Lock()
	pending := r.pendingVerifications
	r.pendingVerifications = make(map[netip.AddrPort]*mnwire.MsgMNVerify)
	r.mtx.Unlock()

	for addr, msg := range pending {
		if ctx.Err() != nil {
			return
		}
		r.sendVerifyRequest(ctx, dialer, addr, msg)
	}
}

// Run performs the periodic registry maintenance until the context is
// canceled.  Pending connections are processed every second, the list is
// checked every minute, and address verification runs every five minutes.
func (r *Registry) Run(ctx context.Context, dialer Dialer) {
	pendingTicker := time.NewTicker(time.Second)
	defer pendingTicker.Stop()
	checkTicker := time.NewTicker(time.Minute)
	defer checkTicker.Stop()
	verifyTicker := time.NewTicker(5 * time.Minute)
	defer verifyTicker.Stop()

	for {
		select {
		case <-pendingTicker.C:
			r.ProcessPendingRequests(ctx, dialer)

		case <-checkTicker.C:
			r.CheckAndRemove()

		case <-verifyTicker.C:
			r.DoFullVerificationStep()

		case <-ctx.Done():
			return
		}
	}
}

// UpdateLastPaid scans recent blocks for coinbase outputs paying the records
// the expected amount at heights where the payment ledger holds at least two
// votes for them.  The whole vote storage window is scanned on the first run
// and on nodes that are not masternodes.
func (r *Registry) UpdateLastPaid() {
	type payee struct {
		outpoint wire.OutPoint
		script   []byte
		lastPaid int64
	}

	// Collect the payees under the lock and scan the blocks without it since
	// the coinbase lookups may query a remote chain backend.
	r.mtx.RLock()
	ledger := r.payments
	if ledger == nil || len(r.records) == 0 {
		r.mtx.RUnlock()
		return
	}
	scanBlocks := int64(LastPaidScanBlocks)
	if r.lastPaidFullScan || r.cfg.Local == nil {
		scanBlocks = ledger.StorageLimit()
	}
	payees := make([]payee, 0, len(r.records))
	for op, rec := range r.records {
		payees = append(payees, payee{
			outpoint: op,
			script:   rec.PayeeScript(r.params.Net),
			lastPaid: rec.LastPaidHeight,
		})
	}
	r.mtx.RUnlock()

	tip := r.chain.BestHeight()
	lowest := max(tip-scanBlocks, 0)
	coinbases := make(map[int64][]*wire.TxOut)
	paid := make(map[wire.OutPoint]BlockInfo)
	for _, p := range payees {
	blocks:
		for height := tip; height > lowest && height > p.lastPaid; height-- {
			if !ledger.HasPayeeWithVotes(height, p.script, 2) {
				continue
			}
			outs, ok := coinbases[height]
			if !ok {
				var err error
				outs, err = r.chain.CoinbaseOutputs(height)
				if err != nil {
					log.Debugf("Unable to fetch coinbase at height %d: %v",
						height, err)
					break
				}
				coinbases[height] = outs
			}
			amount := int64(r.params.PaymentAmount(height))
			for _, out := range outs {
				if out.Value != amount || !bytes.Equal(out.PkScript, p.script) {
					continue
				}
				block, err := r.chain.BlockByHeight(height)
				if err != nil {
					break blocks
				}
				paid[p.outpoint] = block
				break blocks
			}
		}
	}

	r.mtx.Lock()
	for op, block := range paid {
		rec, ok := r.records[op]
		if !ok || block.Height <= rec.LastPaidHeight {
			continue
		}
		rec.LastPaidHeight = block.Height
		rec.LastPaidTime = block.Timestamp
	}

	// Keep scanning the full window until the payment votes are synced.
	r.lastPaidFullScan = !r.cfg.Sync.IsPaymentsSynced()
	r.mtx.Unlock()
}

// CheckSameAddr penalizes masternodes that claim the address of a verified
// masternode.  Within every group of enabled and pre-enabled records sharing
// an address that contains a verified record, all other records receive an
// increased proof of service ban score.
func (r *Registry) CheckSameAddr() {
	if !r.cfg.Sync.IsSynced() {
		return
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.records) == 0 {
		return
	}
	sorted := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		switch rec.State {
		case StateEnabled, StatePreEnabled:
			sorted = append(sorted, rec)
		}
	}
	slices.SortFunc(sorted, func(a, b *Record) int {
		if c := a.Addr.Compare(b.Addr); c != 0 {
			return c
		}
		return compareOutpoints(&a.Outpoint, &b.Outpoint)
	})

	var banned []*Record
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Addr == sorted[start].Addr {
			end++
		}
		group := sorted[start:end]
		start = end
		if len(group) < 2 {
			continue
		}
		verified := slices.IndexFunc(group, (*Record).IsPoSeVerified)
		if verified == -1 {
			continue
		}
		for i, rec := range group {
			if i != verified {
				banned = append(banned, rec)
			}
		}
	}

	for _, rec := range banned {
		rec.increasePoSeBanScore()
		log.Debugf("Increased proof of service score of masternode %v "+
			"sharing the address %v with a verified masternode to %d",
			rec.Outpoint, rec.Addr, rec.PoSeBanScore)
	}
}

// UpdatedBlockTip notifies the registry of a new main chain tip.
func (r *Registry) UpdatedBlockTip(height int64) {
	log.Tracef("Masternode registry notified of block %d", height)
	r.CheckSameAddr()
	if r.cfg.Local != nil {
		r.UpdateLastPaid()
	}
}
