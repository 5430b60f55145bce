// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// isLocalAddr returns whether the address belongs to a private or loopback
// network.
func isLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback()
}

// relayAnnounce announces the announcement hash to all peers.
func (r *Registry) relayAnnounce(hash *chainhash.Hash) {
	r.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNAnnounce, hash))
}

// ProcessAnnounce handles an announcement received from a peer.  The returned
// error carries the ban score the peer should receive.
func (r *Registry) ProcessAnnounce(from Peer, msg *mnwire.MsgMNAnnounce) error {
	return r.processAnnounce(from, msg, false)
}

// processAnnounce validates the announcement and either updates the existing
// record or adds a new one once its collateral is verified.  Recovery
// announcements are replies to a recovery request that were confirmed by a
// quorum of masternodes.  They bypass the seen cache and the same signature
// time check.
func (r *Registry) processAnnounce(from Peer, msg *mnwire.MsgMNAnnounce, recovery bool) error {
	hash := msg.Hash()
	now := r.now()

	r.mtx.Lock()
	if seen, ok := r.seenAnnounces[hash]; ok && !recovery {
		// Less than two pings are left before the masternode requires a new
		// start, so bump the sync timeout.
		if now-seen.lastSeen > NewStartRequiredSeconds-2*MinPingSeconds {
			seen.lastSeen = now
			r.cfg.Sync.AddedListItem()
		}
		if from != nil {
			r.checkRecoveryReply(from, &hash, msg, seen, now)
		}
		r.mtx.Unlock()
		return nil
	}
	if !recovery && r.rejected.Contains(hash[:]) {
		r.mtx.Unlock()
		return nil
	}

	if err := CheckAnnounceSanity(msg, r.params, now); err != nil {
		r.rejected.Add(hash[:])
		r.mtx.Unlock()
		return err
	}

	// An announcement with an empty or invalid ping is still accepted.  One
	// of the two sides is probably forked, so the record starts out expired.
	state := StatePreEnabled
	if msg.LastPing.IsZero() || CheckPingSanity(&msg.LastPing, r.chain, now) != nil {
		state = StateExpired
	}
	r.seenAnnounces[hash] = &seenAnnounce{lastSeen: now, msg: msg}

	if rec, ok := r.records[msg.Outpoint]; ok {
		oldHash := rec.Announce().Hash()
		err := r.updateFromAnnounce(rec, msg, recovery)
		if err == nil && oldHash != hash {
			delete(r.seenAnnounces, oldHash)
		}
		r.mtx.Unlock()
		return err
	}
	r.mtx.Unlock()

	// Nothing to do for the announcement of the started local masternode.
	if op, ok := r.localOutpoint(); ok && op == msg.Outpoint &&
		r.isLocalKey(msg.OperatorPubKey) {

		return nil
	}

	// The collateral check may query a remote chain backend so it is done
	// without holding the registry lock.
	confHeight, err := CheckCollateral(msg, r.chain, r.params)
	if err != nil {
		r.mtx.Lock()
		delete(r.seenAnnounces, hash)
		// Let announcements whose collateral is short a few confirmations be
		// checked again later.
		if !errors.Is(err, ErrInsufficientConfs) && !errors.Is(err, ErrChainData) {
			r.rejected.Add(hash[:])
		}
		r.mtx.Unlock()
		log.Debugf("Rejected masternode announcement %v from %v: %v",
			msg.Outpoint, msg.Addr, err)
		return err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	rec := newRecord(msg, state)
	rec.CollateralConfHeight = confHeight
	isLocal := r.isLocalKey(msg.OperatorPubKey)
	if isLocal {
		rec.PoSeBanScore = -PoSeBanMaxScore
	}
	if !r.add(rec) {
		return nil
	}
	if state != StateExpired {
		ping := msg.LastPing
		r.seenPings[ping.Hash()] = &ping
	}
	r.cfg.Sync.AddedListItem()

	if isLocal && msg.ProtocolVersion != mnwire.ProtocolVersion {
		// Do not relay and do not ban the peer.  The local masternode must be
		// started again with the current protocol.
		log.Warnf("Local masternode %v was announced with protocol version "+
			"%d instead of %d, re-activate it", msg.Outpoint,
			msg.ProtocolVersion, mnwire.ProtocolVersion)
		return nil
	}
	if isLocal {
		log.Infof("Got new announcement for the local masternode %v at %v",
			msg.Outpoint, msg.Addr)
	}

	r.relayAnnounce(&hash)
	return nil
}

// checkRecoveryReply collects a reply to a recovery request for the seen
// announcement.  Replies that carry a newer ping which would make the
// masternode usable again count toward the recovery quorum.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) checkRecoveryReply(from Peer, hash *chainhash.Hash, msg *mnwire.MsgMNAnnounce, seen *seenAnnounce, now int64) {
	req, ok := r.recoveryRequests[*hash]
	if !ok || now >= req.deadline {
		return
	}
	addr := from.Addr()
	if _, ok := req.asked[addr]; !ok {
		return
	}
	// Each peer may only reply once.
	delete(req.asked, addr)

	if msg.LastPing.SigTime <= seen.msg.LastPing.SigTime {
		return
	}
	tmp := newRecord(msg, StatePreEnabled)
	if rec, ok := r.records[msg.Outpoint]; ok {
		tmp.collateralSpent = rec.collateralSpent
	}
	r.checkRecord(tmp, true)
	log.Debugf("Recovery reply for masternode %v from %v has a newer ping "+
		"(%d), projected state %v", msg.Outpoint, addr, msg.LastPing.SigTime,
		tmp.State)
	if tmp.State.ValidForAutoStart() {
		r.recoveryGoodReplies[*hash] = append(r.recoveryGoodReplies[*hash], msg)
	}
}

// updateFromAnnounce validates an announcement for a known record and
// applies it when the record was not announced recently or belongs to the
// local masternode.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) updateFromAnnounce(rec *Record, msg *mnwire.MsgMNAnnounce, recovery bool) error {
	if rec.SigTime == msg.SigTime && !recovery {
		// The seen cache filters legitimate duplicates but this still
		// happens right after startup.
		str := fmt.Sprintf("announcement for masternode %v has the known "+
			"sig time %d", msg.Outpoint, msg.SigTime)
		return ruleError(ErrStaleSigTime, str, 0)
	}
	if rec.SigTime > msg.SigTime {
		str := fmt.Sprintf("bad sig time %d for masternode %v (existing "+
			"announcement is at %d)", msg.SigTime, msg.Outpoint, rec.SigTime)
		return ruleError(ErrBadSigTimeOrder, str, 0)
	}

	r.checkRecord(rec, false)
	if rec.State == StatePoSeBan {
		str := fmt.Sprintf("masternode %v is banned by proof of service",
			msg.Outpoint)
		return ruleError(ErrBanned, str, 0)
	}

	// The collateral key was associated with the outpoint when the record
	// was created so it only needs to match from now on.
	if !bytes.Equal(rec.CollateralPubKey, msg.CollateralPubKey) {
		str := fmt.Sprintf("announcement for masternode %v has a different "+
			"collateral key", msg.Outpoint)
		return ruleError(ErrKeyMismatch, str, 33)
	}

	if err := VerifyAnnounce(msg); err != nil {
		return err
	}

	if !rec.IsAnnouncedWithin(MinAnnounceSeconds, r.now()) ||
		r.isLocalKey(msg.OperatorPubKey) {

		log.Debugf("Got updated entry for masternode %v at %v", msg.Outpoint,
			msg.Addr)
		if r.applyAnnounce(rec, msg, recovery) {
			r.checkRecord(rec, false)
			hash := msg.Hash()
			r.relayAnnounce(&hash)
		}
		r.cfg.Sync.AddedListItem()
	}

	return nil
}

// applyAnnounce replaces the announced fields of the record with those of a
// newer announcement.  It returns false when the announcement is not newer
// and is not a recovery announcement, or when it announces the local
// masternode with an outdated protocol.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) applyAnnounce(rec *Record, msg *mnwire.MsgMNAnnounce, recovery bool) bool {
	if msg.SigTime <= rec.SigTime && !recovery {
		return false
	}

	rec.OperatorPubKey = msg.OperatorPubKey
	rec.SigTime = msg.SigTime
	rec.Signature = msg.Signature
	rec.ProtocolVersion = msg.ProtocolVersion
	rec.Addr = msg.Addr
	rec.PoSeBanScore = 0
	rec.PoSeBanHeight = 0
	rec.LastChecked = 0
	if msg.LastPing.IsZero() {
		rec.LastPing = mnwire.MsgMNPing{}
	} else {
		ping := msg.LastPing
		err := r.checkAndUpdatePing(rec, &ping, true)
		if err != nil && !errors.Is(err, ErrNotEnabled) {
			log.Debugf("Ping of announcement for masternode %v not applied: %v",
				msg.Outpoint, err)
		}
	}

	if r.isLocalKey(rec.OperatorPubKey) {
		rec.PoSeBanScore = -PoSeBanMaxScore
		if rec.ProtocolVersion != mnwire.ProtocolVersion {
			log.Warnf("Local masternode %v was announced with protocol "+
				"version %d instead of %d, re-activate it", rec.Outpoint,
				rec.ProtocolVersion, mnwire.ProtocolVersion)
			return false
		}
	}
	return true
}

// UpdateList adds or updates the record of an announcement created by the
// local masternode.  The announcement is trusted and not validated.
func (r *Registry) UpdateList(msg *mnwire.MsgMNAnnounce) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	hash := msg.Hash()
	ping := msg.LastPing
	r.seenPings[ping.Hash()] = &ping
	r.seenAnnounces[hash] = &seenAnnounce{lastSeen: r.now(), msg: msg}

	log.Infof("Updating masternode list with announcement for %v at %v",
		msg.Outpoint, msg.Addr)

	rec, ok := r.records[msg.Outpoint]
	if !ok {
		rec = newRecord(msg, StatePreEnabled)
		if r.isLocalKey(msg.OperatorPubKey) {
			rec.PoSeBanScore = -PoSeBanMaxScore
		}
		if r.add(rec) {
			r.cfg.Sync.AddedListItem()
		}
		return
	}

	oldHash := rec.Announce().Hash()
	if r.applyAnnounce(rec, msg, false) {
		r.cfg.Sync.AddedListItem()
		if oldHash != hash {
			delete(r.seenAnnounces, oldHash)
		}
	}
}

// askForMN requests the entry for the outpoint from the peer unless it was
// requested from the same address recently.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) askForMN(peer Peer, outpoint wire.OutPoint) {
	if peer == nil {
		return
	}
	now := r.now()
	addr := peer.Addr().Addr()
	asked := r.weAskedForEntry[outpoint]
	if next, ok := asked[addr]; ok {
		// Asking too often gets us banned.
		if now < next {
			return
		}
		log.Debugf("Asking peer %v for missing masternode entry %v again",
			peer.Addr(), outpoint)
	} else {
		log.Debugf("Asking peer %v for missing masternode entry %v",
			peer.Addr(), outpoint)
	}
	if asked == nil {
		asked = make(map[netip.Addr]int64)
		r.weAskedForEntry[outpoint] = asked
	}
	asked[addr] = now + DsegUpdateSeconds
	peer.QueueMessage(&mnwire.MsgDseg{Outpoint: outpoint})
}

// AskForMN requests the entry for the outpoint from the peer unless it was
// requested from the same address within the last DsegUpdateSeconds.
func (r *Registry) AskForMN(peer Peer, outpoint wire.OutPoint) {
	r.mtx.Lock()
	r.askForMN(peer, outpoint)
	r.mtx.Unlock()
}

// DsegUpdate asks the peer for the full masternode list.  On the main
// network a peer outside of the local network is asked at most once per
// DsegUpdateSeconds.  It returns whether the request was sent.
func (r *Registry) DsegUpdate(peer Peer) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	now := r.now()
	addr := peer.Addr().Addr()
	if r.params.IsMainNet() && !isLocalAddr(addr) {
		if next, ok := r.weAskedForList[addr]; ok && now < next {
			log.Debugf("Already asked %v for the masternode list, skipping",
				peer.Addr())
			return false
		}
	}

	peer.QueueMessage(&mnwire.MsgDseg{})
	r.weAskedForList[addr] = now + DsegUpdateSeconds
	log.Debugf("Asked %v for the masternode list", peer.Addr())
	return true
}

// servable returns whether the record is announced to peers asking for the
// list.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) servable(rec *Record) bool {
	if !r.params.AllowUnroutable && isLocalAddr(rec.Addr.Addr()) {
		return false
	}
	return rec.State != StateUpdateRequired && rec.State != StateOutpointSpent
}

// pushRecordInventory announces the announcement and ping of the record to
// the peer and makes sure both can be served.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) pushRecordInventory(peer Peer, rec *Record, now int64) {
	msg := rec.Announce()
	hash := msg.Hash()
	peer.PushInventory(wire.NewInvVect(mnwire.InvTypeMNAnnounce, &hash))
	if _, ok := r.seenAnnounces[hash]; !ok {
		r.seenAnnounces[hash] = &seenAnnounce{lastSeen: now, msg: msg}
	}
	if rec.LastPing.IsZero() {
		return
	}
	pingHash := rec.LastPing.Hash()
	peer.PushInventory(wire.NewInvVect(mnwire.InvTypeMNPing, &pingHash))
	if _, ok := r.seenPings[pingHash]; !ok {
		ping := rec.LastPing
		r.seenPings[pingHash] = &ping
	}
}

// ProcessDseg serves a request for the full masternode list or a single
// entry.  Requests are ignored until the node is fully synced.  Repeated full
// list requests from the same address on the main network are rejected with
// a ban score unless the peer is on the local network.
func (r *Registry) ProcessDseg(peer Peer, msg *mnwire.MsgDseg) error {
	if !r.cfg.Sync.IsSynced() {
		return nil
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	now := r.now()
	if !msg.IsFullList() {
		rec, ok := r.records[msg.Outpoint]
		if !ok || !r.servable(rec) {
			log.Debugf("No masternode inventory sent to peer %v", peer.Addr())
			return nil
		}
		r.pushRecordInventory(peer, rec, now)
		log.Debugf("Sent 1 masternode inventory to peer %v", peer.Addr())
		return nil
	}

	addr := peer.Addr().Addr()
	if r.params.IsMainNet() && !isLocalAddr(addr) {
		if next, ok := r.askedUsForList[addr]; ok && now < next {
			str := fmt.Sprintf("peer %v already asked for the masternode list",
				peer.Addr())
			return ruleError(ErrDsegRepeated, str, 34)
		}
		r.askedUsForList[addr] = now + DsegUpdateSeconds
	}

	var n int32
	for _, rec := range r.records {
		if !r.servable(rec) {
			continue
		}
		r.pushRecordInventory(peer, rec, now)
		n++
	}
	peer.QueueMessage(&mnwire.MsgSyncStatusCount{
		ItemID: mnwire.SyncItemList,
		Count:  n,
	})
	log.Debugf("Sent %d masternode %s to peer %v", n,
		pickNoun(n, "inventory", "inventories"), peer.Addr())
	return nil
}

// SeenAnnounce returns the announcement with the hash when it is known.
func (r *Registry) SeenAnnounce(hash *chainhash.Hash) (*mnwire.MsgMNAnnounce, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	seen, ok := r.seenAnnounces[*hash]
	if !ok {
		return nil, false
	}
	msg := *seen.msg
	return &msg, true
}

// SeenPing returns the ping with the hash when it is known.
func (r *Registry) SeenPing(hash *chainhash.Hash) (*mnwire.MsgMNPing, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	ping, ok := r.seenPings[*hash]
	if !ok {
		return nil, false
	}
	p := *ping
	return &p, true
}

// SeenVerification returns the verification broadcast with the hash when it
// is known.
func (r *Registry) SeenVerification(hash *chainhash.Hash) (*mnwire.MsgMNVerify, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	mnv, ok := r.seenVerifications[*hash]
	if !ok {
		return nil, false
	}
	m := *mnv
	return &m, true
}

// HaveInventory returns whether the masternode data referenced by the
// inventory vector is already known.  Inventory of other types is reported
// as unknown.
func (r *Registry) HaveInventory(iv *wire.InvVect) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	switch iv.Type {
	case mnwire.InvTypeMNAnnounce:
		if _, ok := r.seenAnnounces[iv.Hash]; ok {
			return true
		}
		return r.rejected.Contains(iv.Hash[:])
	case mnwire.InvTypeMNPing:
		_, ok := r.seenPings[iv.Hash]
		return ok
	case mnwire.InvTypeMNVerify:
		_, ok := r.seenVerifications[iv.Hash]
		return ok
	}
	return false
}
