// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"context"
	"fmt"
	"hash"
	"net/netip"
	"time"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// Names of the verification requests tracked in the fulfilled request
// manager.
const (
	fulfilledVerifyRequest = "mnverify-request"
	fulfilledVerifyReply   = "mnverify-reply"
	fulfilledVerifyDone    = "mnverify-done"
)

// maxVerifyNonce bounds the nonce of verification requests.
const maxVerifyNonce = 999999

// verifyDialTimeout is how long a connection to a masternode that is about
// to be verified may take to be established.
const verifyDialTimeout = 10 * time.Second

// ProcessVerify handles an address verification message.  Requests carry no
// signatures, replies carry the signature of the verified masternode only,
// and broadcasts carry both.
func (r *Registry) ProcessVerify(peer Peer, msg *mnwire.MsgMNVerify) error {
	switch {
	case len(msg.Sig1) == 0:
		return r.SendVerifyReply(peer, msg)
	case len(msg.Sig2) == 0:
		return r.ProcessVerifyReply(peer, msg)
	default:
		return r.ProcessVerifyBroadcast(peer, msg)
	}
}

// SendVerifyReply answers a verification request by signing it with the
// local operator key.  Nodes that are not masternodes ignore requests.
func (r *Registry) SendVerifyReply(peer Peer, msg *mnwire.MsgMNVerify) error {
	if r.cfg.Local == nil || r.cfg.Local.OperatorKey() == nil {
		return nil
	}
	addr := peer.Addr()
	if r.cfg.Fulfilled.Has(addr, fulfilledVerifyReply) {
		str := fmt.Sprintf("peer %v already asked for address verification "+
			"recently", addr)
		return ruleError(ErrVerifyRequestRepeated, str, 20)
	}
	block, err := r.chain.BlockByHeight(msg.BlockHeight)
	if err != nil {
		log.Debugf("Unable to answer verification request from %v for "+
			"height %d: %v", addr, msg.BlockHeight, err)
		return nil
	}

	// The signature commits to the address the local masternode serves on.
	signed := *msg
	signed.Addr = r.cfg.Local.Service()
	reply := *msg
	reply.Sig1 = SignMessage(r.cfg.Local.OperatorKey(), signedDataFunc(
		func(h hash.Hash) { signed.WriteSignedData1(h, &block.Hash) }))
	reply.Sig2 = nil
	peer.QueueMessage(&reply)
	r.cfg.Fulfilled.Add(addr, fulfilledVerifyReply)
	return nil
}

// ProcessVerifyReply handles the reply to a verification request made by the
// local node.  The masternode whose operator key signed the reply is proven
// to serve the address and every other masternode claiming the address is
// penalized.  A local masternode additionally countersigns the reply and
// broadcasts it.
func (r *Registry) ProcessVerifyReply(peer Peer, msg *mnwire.MsgMNVerify) error {
	addr := peer.Addr()
	if !r.cfg.Fulfilled.Has(addr, fulfilledVerifyRequest) {
		str := fmt.Sprintf("peer %v sent an unrequested verification reply",
			addr)
		return ruleError(ErrVerifyUnrequested, str, 20)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	req, ok := r.weAskedForVerification[addr.Addr()]
	if !ok || req.Nonce != msg.Nonce {
		str := fmt.Sprintf("verification reply from %v has the wrong nonce %d",
			addr, msg.Nonce)
		return ruleError(ErrVerifyMismatch, str, 20)
	}
	if req.BlockHeight != msg.BlockHeight {
		str := fmt.Sprintf("verification reply from %v has the wrong block "+
			"height %d (requested %d)", addr, msg.BlockHeight, req.BlockHeight)
		return ruleError(ErrVerifyMismatch, str, 20)
	}
	block, err := r.chain.BlockByHeight(msg.BlockHeight)
	if err != nil {
		log.Debugf("Unable to check verification reply from %v for height "+
			"%d: %v", addr, msg.BlockHeight, err)
		return nil
	}
	if r.cfg.Fulfilled.Has(addr, fulfilledVerifyDone) {
		str := fmt.Sprintf("peer %v was verified recently", addr)
		return ruleError(ErrVerifyUnrequested, str, 20)
	}

	signed := *msg
	signed.Addr = addr
	data1 := signedDataFunc(func(h hash.Hash) {
		signed.WriteSignedData1(h, &block.Hash)
	})
	localOutpoint, isLocal := r.localOutpoint()
	var real *Record
	var fakes []*Record
	for _, rec := range r.records {
		if rec.Addr != addr {
			continue
		}
		if !VerifyMessage(rec.OperatorPubKey, msg.Sig1, data1) {
			fakes = append(fakes, rec)
			continue
		}
		real = rec
		if !rec.IsPoSeVerified() {
			rec.decreasePoSeBanScore()
		}
		r.cfg.Fulfilled.Add(addr, fulfilledVerifyDone)

		if !isLocal {
			continue
		}
		bcast := *msg
		bcast.Addr = addr
		bcast.Outpoint1 = rec.Outpoint
		bcast.Outpoint2 = localOutpoint
		bcast.Sig2 = SignMessage(r.cfg.Local.OperatorKey(), signedDataFunc(
			func(h hash.Hash) { bcast.WriteSignedData2(h, &block.Hash) }))
		r.weAskedForVerification[addr.Addr()] = &bcast
		bcastHash := bcast.Hash()
		r.seenVerifications[bcastHash] = &bcast
		r.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNVerify,
			&bcastHash))
	}
	if real == nil {
		str := fmt.Sprintf("no masternode at %v signed the verification "+
			"reply", addr)
		return ruleError(ErrVerifyNoMasternode, str, 20)
	}
	log.Debugf("Verified masternode %v at %v", real.Outpoint, addr)

	for _, rec := range fakes {
		rec.increasePoSeBanScore()
		log.Debugf("Increased proof of service score of masternode %v "+
			"claiming %v to %d", rec.Outpoint, addr, rec.PoSeBanScore)
	}
	if len(fakes) > 0 {
		log.Infof("Penalized %d fake %s claiming %v", len(fakes),
			pickNoun(len(fakes), "masternode", "masternodes"), addr)
	}
	return nil
}

// ProcessVerifyBroadcast handles a verification result signed by both the
// verified masternode and a highly ranked verifier.
func (r *Registry) ProcessVerifyBroadcast(peer Peer, msg *mnwire.MsgMNVerify) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	msgHash := msg.Hash()
	if _, ok := r.seenVerifications[msgHash]; ok {
		return nil
	}
	r.seenVerifications[msgHash] = msg

	tip := r.chain.BestHeight()
	if msg.BlockHeight < tip-MaxPoSeBlocks {
		log.Debugf("Ignoring outdated verification broadcast for height %d "+
			"(tip %d)", msg.BlockHeight, tip)
		return nil
	}
	if msg.Outpoint1 == msg.Outpoint2 {
		str := fmt.Sprintf("verification broadcast verifies masternode %v "+
			"with itself", msg.Outpoint1)
		return ruleError(ErrVerifySameOutpoints, str, 100)
	}
	block, err := r.chain.BlockByHeight(msg.BlockHeight)
	if err != nil {
		log.Debugf("Unable to check verification broadcast for height %d: %v",
			msg.BlockHeight, err)
		return nil
	}

	rank, ok := r.rank(msg.Outpoint2, msg.BlockHeight,
		mnwire.MinPoSeProtoVersion, true)
	if !ok {
		log.Debugf("Unable to rank verifier %v at height %d", msg.Outpoint2,
			msg.BlockHeight)
		return nil
	}
	if rank > MaxPoSeRank {
		str := fmt.Sprintf("verifier %v has rank %d which is above the "+
			"maximum %d", msg.Outpoint2, rank, MaxPoSeRank)
		return ruleError(ErrVerifyRank, str, 0)
	}

	rec1, ok := r.records[msg.Outpoint1]
	if !ok {
		log.Debugf("Verification broadcast for unknown masternode %v",
			msg.Outpoint1)
		return nil
	}
	rec2, ok := r.records[msg.Outpoint2]
	if !ok {
		log.Debugf("Verification broadcast by unknown masternode %v",
			msg.Outpoint2)
		return nil
	}
	if rec1.Addr != msg.Addr {
		log.Debugf("Verification broadcast address %v does not match "+
			"masternode %v at %v", msg.Addr, rec1.Outpoint, rec1.Addr)
		return nil
	}

	data1 := signedDataFunc(func(h hash.Hash) {
		msg.WriteSignedData1(h, &block.Hash)
	})
	if !VerifyMessage(rec1.OperatorPubKey, msg.Sig1, data1) {
		str := fmt.Sprintf("invalid signature of verified masternode %v",
			rec1.Outpoint)
		return ruleError(ErrBadSignature, str, 0)
	}
	data2 := signedDataFunc(func(h hash.Hash) {
		msg.WriteSignedData2(h, &block.Hash)
	})
	if !VerifyMessage(rec2.OperatorPubKey, msg.Sig2, data2) {
		str := fmt.Sprintf("invalid signature of verifier %v", rec2.Outpoint)
		return ruleError(ErrBadSignature, str, 0)
	}

	if !rec1.IsPoSeVerified() {
		rec1.decreasePoSeBanScore()
	}
	r.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNVerify, &msgHash))
	log.Debugf("Masternode %v at %v verified by %v", rec1.Outpoint, msg.Addr,
		rec2.Outpoint)

	for _, rec := range r.records {
		if rec.Addr != msg.Addr || rec.Outpoint == msg.Outpoint1 {
			continue
		}
		rec.increasePoSeBanScore()
		log.Debugf("Increased proof of service score of masternode %v "+
			"claiming %v to %d", rec.Outpoint, msg.Addr, rec.PoSeBanScore)
	}
	return nil
}

// DoFullVerificationStep schedules verification requests for the masternodes
// the local masternode is responsible for.  Only masternodes ranked among the
// top MaxPoSeRank verify others, each one starting at an offset derived from
// its rank so that the verifiers cover disjoint sets.  It returns the number
// of requests scheduled.
func (r *Registry) DoFullVerificationStep() int {
	localOutpoint, ok := r.localOutpoint()
	if !ok || !r.cfg.Sync.IsSynced() {
		return 0
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	tip := r.chain.BestHeight()
	ranks := r.ranks(tip-1, mnwire.MinPoSeProtoVersion)
	myRank := -1
	for _, rr := range ranks {
		if rr.Rank > MaxPoSeRank {
			log.Tracef("Local masternode is not ranked high enough to " +
				"verify others")
			return 0
		}
		if rr.Record.Outpoint == localOutpoint {
			myRank = rr.Rank
			break
		}
	}
	if myRank == -1 {
		return 0
	}

	var count int
	offset := MaxPoSeRank + myRank - 1
	for i := offset; i < len(ranks) && count < MaxPoSeConnections; i += MaxPoSeConnections {
		rec := &ranks[i].Record
		if rec.IsPoSeVerified() || rec.State == StatePoSeBan {
			continue
		}
		if r.scheduleVerifyRequest(rec.Addr, tip) {
			count++
		}
	}
	if count > 0 {
		log.Debugf("Scheduled %d masternode %s", count,
			pickNoun(count, "verification", "verifications"))
	}
	return count
}

// scheduleVerifyRequest queues a verification request for the address.  It
// returns false when the address was asked recently or a request is already
// queued.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) scheduleVerifyRequest(addr netip.AddrPort, tip int64) bool {
	if r.cfg.Fulfilled.Has(addr, fulfilledVerifyRequest) {
		log.Tracef("Already asked %v for verification recently", addr)
		return false
	}
	if _, ok := r.pendingVerifications[addr]; ok {
		return false
	}
	nonce := rand.Uint32N(maxVerifyNonce)
	r.pendingVerifications[addr] = mnwire.NewMsgMNVerify(addr, nonce, tip-1)
	return true
}

// sendVerifyRequest connects to the address and sends the verification
// request.
func (r *Registry) sendVerifyRequest(ctx context.Context, dialer Dialer, addr netip.AddrPort, msg *mnwire.MsgMNVerify) {
	ctx, cancel := context.WithTimeout(ctx, verifyDialTimeout)
	defer cancel()
	peer, err := dialer.ConnectMasternode(ctx, addr)
	if err != nil {
		log.Debugf("Unable to connect to masternode %v to verify it: %v",
			addr, err)
		return
	}
	r.cfg.Fulfilled.Add(addr, fulfilledVerifyRequest)

	r.mtx.Lock()
	r.weAskedForVerification[addr.Addr()] = msg
	r.mtx.Unlock()

	log.Debugf("Sending verification request to %v (nonce %d, height %d)",
		addr, msg.Nonce, msg.BlockHeight)
	peer.QueueMessage(msg)
}
