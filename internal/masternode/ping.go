// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// NewPing returns an unsigned ping for the outpoint referencing the block
// PingBlockDepth below the current tip.
func NewPing(outpoint wire.OutPoint, chain ChainView, now int64) (*mnwire.MsgMNPing, error) {
	tip := chain.BestHeight()
	if tip < PingBlockDepth {
		str := fmt.Sprintf("chain height %d is below the ping depth", tip)
		return nil, ruleError(ErrChainData, str, 0)
	}
	block, err := chain.BlockByHeight(tip - PingBlockDepth)
	if err != nil {
		str := fmt.Sprintf("unable to fetch block %d: %v", tip-PingBlockDepth, err)
		return nil, ruleError(ErrChainData, str, 0)
	}
	return &mnwire.MsgMNPing{
		Outpoint:  outpoint,
		BlockHash: block.Hash,
		SigTime:   now,
	}, nil
}

// CheckPingSanity performs the checks of a ping that do not depend on the
// masternode it belongs to.
func CheckPingSanity(ping *mnwire.MsgMNPing, chain ChainView, now int64) error {
	_, err := checkPingSanity(ping, chain, now)
	return err
}

// checkPingSanity implements CheckPingSanity and returns the block the ping
// refers to.
func checkPingSanity(ping *mnwire.MsgMNPing, chain ChainView, now int64) (BlockInfo, error) {
	if ping.SigTime > now+maxFutureSeconds {
		str := fmt.Sprintf("ping signature time %d for masternode %v is too "+
			"far into the future", ping.SigTime, ping.Outpoint)
		return BlockInfo{}, ruleError(ErrFutureTimestamp, str, 1)
	}

	// The local chain may be stuck or forked so an unknown block is not the
	// fault of the peer.
	block, err := chain.BlockByHash(&ping.BlockHash)
	if err != nil {
		str := fmt.Sprintf("ping for masternode %v references unknown block %v",
			ping.Outpoint, ping.BlockHash)
		return BlockInfo{}, ruleError(ErrUnknownBlockHash, str, 0)
	}

	return block, nil
}

// isPingExpired returns whether the ping is too old to be kept in the seen
// ping cache.
func isPingExpired(ping *mnwire.MsgMNPing, now int64) bool {
	return now-ping.SigTime > NewStartRequiredSeconds
}

// relayPing announces the ping to all peers.
func (r *Registry) relayPing(ping *mnwire.MsgMNPing) {
	hash := ping.Hash()
	r.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNPing, &hash))
}

// checkAndUpdatePing validates the ping against the record it belongs to and
// stores it as the latest ping of the record.  The record is re-checked and
// the ping relayed when the record is enabled afterwards.  ErrNotEnabled is
// returned when the ping was stored but the record is not enabled.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) checkAndUpdatePing(rec *Record, ping *mnwire.MsgMNPing, fromAnnounce bool) error {
	now := r.now()
	block, err := checkPingSanity(ping, r.chain, now)
	if err != nil {
		return err
	}

	if rec == nil {
		str := fmt.Sprintf("ping for unknown masternode %v", ping.Outpoint)
		return ruleError(ErrUnknownMasternode, str, 0)
	}

	if !fromAnnounce {
		switch rec.State {
		case StateUpdateRequired:
			str := fmt.Sprintf("masternode %v runs an outdated protocol",
				ping.Outpoint)
			return ruleError(ErrUpdateRequired, str, 0)
		case StateNewStartRequired:
			str := fmt.Sprintf("masternode %v requires a new start",
				ping.Outpoint)
			return ruleError(ErrNewStartRequired, str, 0)
		}
	}

	if block.Height < r.chain.BestHeight()-PingMaxBlockAge {
		str := fmt.Sprintf("ping for masternode %v references block %v at "+
			"height %d which is too old", ping.Outpoint, ping.BlockHash,
			block.Height)
		return ruleError(ErrPingTooOld, str, 0)
	}

	// Only accept the ping when there is no known ping for the masternode
	// or the known one is sufficiently older.
	if rec.IsPingedWithin(MinPingSeconds-60, ping.SigTime) {
		str := fmt.Sprintf("ping for masternode %v arrived too early",
			ping.Outpoint)
		return ruleError(ErrPingTooEarly, str, 0)
	}

	if err := VerifyPing(ping, rec.OperatorPubKey); err != nil {
		return err
	}

	// Bump the list sync timeout while syncing when there was no ping for
	// the masternode in a while.
	if !r.cfg.Sync.IsListSynced() && !rec.IsPingedWithin(ExpirationSeconds/2, now) {
		r.cfg.Sync.AddedListItem()
	}

	log.Tracef("Accepted ping for masternode %v at block %v (sig time %d)",
		ping.Outpoint, ping.BlockHash, ping.SigTime)
	r.setLastPing(rec, ping)
	r.checkRecord(rec, true)
	if !rec.IsEnabled() {
		str := fmt.Sprintf("masternode %v is in state %v after ping",
			ping.Outpoint, rec.State)
		return ruleError(ErrNotEnabled, str, 0)
	}

	if r.cfg.Sync.IsBlockchainSynced() {
		r.relayPing(ping)
	}
	return nil
}

// ProcessPing handles a ping received from a peer.  Unknown masternodes are
// requested from the peer unless the ping is clearly invalid.  The returned
// error carries the ban score the peer should receive.
func (r *Registry) ProcessPing(from Peer, ping *mnwire.MsgMNPing) error {
	hash := ping.Hash()

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.seenPings[hash]; ok {
		return nil
	}
	r.seenPings[hash] = ping

	rec := r.records[ping.Outpoint]
	// Too late, a new announcement is required.
	if rec != nil && rec.State == StateNewStartRequired {
		return nil
	}

	err := r.checkAndUpdatePing(rec, ping, false)
	if err == nil || errors.Is(err, ErrNotEnabled) {
		return nil
	}

	// The masternode might be unknown so ask for its entry once unless the
	// ping is clearly invalid.
	if rec == nil && BanScore(err) == 0 {
		r.askForMN(from, ping.Outpoint)
	}
	return err
}
