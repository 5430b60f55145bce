// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

const (
	// maxRejectedAnnounces is the number of recently rejected announcement
	// hashes remembered so that repeated invalid announcements are dropped
	// without revalidation.
	maxRejectedAnnounces = 10000

	// rejectedAnnouncesFPRate is the false positive rate of the filter of
	// rejected announcements.
	rejectedAnnouncesFPRate = 0.0001
)

// Config is the configuration of a Registry.
type Config struct {
	// Params are the network dependent masternode parameters.
	Params *Params

	// Chain provides access to the block chain.
	Chain ChainView

	// Sync reports the progress of the bootstrap synchronizer.
	Sync SyncStatus

	// Net relays inventory to all connected peers.
	Net Network

	// Fulfilled tracks verification requests made to and by peers.
	Fulfilled Fulfilled

	// Local identifies the masternode run by this node.  It is nil when the
	// node is not a masternode.
	Local LocalMasternode

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// seenAnnounce is an announcement in the seen cache along with the last time
// it was seen.
type seenAnnounce struct {
	lastSeen int64
	msg      *mnwire.MsgMNAnnounce
}

// recoveryRequest tracks the peers asked to provide a fresh announcement for
// a masternode that requires a new start.
type recoveryRequest struct {
	deadline int64
	asked    map[netip.AddrPort]struct{}
}

// scheduledRequest is a connection to a masternode scheduled to request an
// announcement from it.
type scheduledRequest struct {
	addr netip.AddrPort
	hash chainhash.Hash
}

// Registry is the table of known masternodes.
type Registry struct {
	cfg    Config
	params *Params
	chain  ChainView

	mtx      sync.RWMutex
	records  map[wire.OutPoint]*Record
	index    *outpointIndex
	oldIndex *outpointIndex
	payments PaymentTracker

	seenAnnounces     map[chainhash.Hash]*seenAnnounce
	seenPings         map[chainhash.Hash]*mnwire.MsgMNPing
	seenVerifications map[chainhash.Hash]*mnwire.MsgMNVerify
	rejected          *apbf.Filter

	// The asked maps hold the time after which the request may be made
	// again.
	askedUsForList  map[netip.Addr]int64
	weAskedForList  map[netip.Addr]int64
	weAskedForEntry map[wire.OutPoint]map[netip.Addr]int64

	weAskedForVerification map[netip.Addr]*mnwire.MsgMNVerify
	pendingVerifications   map[netip.AddrPort]*mnwire.MsgMNVerify

	recoveryRequests    map[chainhash.Hash]*recoveryRequest
	recoveryGoodReplies map[chainhash.Hash][]*mnwire.MsgMNAnnounce
	scheduledRequests   []scheduledRequest

	lastWatchdogVoteTime int64
	lastIndexRebuild     int64
	lastPaidFullScan     bool
}

// New returns a new empty registry.
func New(cfg *Config) *Registry {
	r := &Registry{
		cfg:                    *cfg,
		params:                 cfg.Params,
		chain:                  cfg.Chain,
		records:                make(map[wire.OutPoint]*Record),
		index:                  newOutpointIndex(),
		oldIndex:               newOutpointIndex(),
		seenAnnounces:          make(map[chainhash.Hash]*seenAnnounce),
		seenPings:              make(map[chainhash.Hash]*mnwire.MsgMNPing),
		seenVerifications:      make(map[chainhash.Hash]*mnwire.MsgMNVerify),
		rejected:               apbf.NewFilter(maxRejectedAnnounces, rejectedAnnouncesFPRate),
		askedUsForList:         make(map[netip.Addr]int64),
		weAskedForList:         make(map[netip.Addr]int64),
		weAskedForEntry:        make(map[wire.OutPoint]map[netip.Addr]int64),
		weAskedForVerification: make(map[netip.Addr]*mnwire.MsgMNVerify),
		pendingVerifications:   make(map[netip.AddrPort]*mnwire.MsgMNVerify),
		recoveryRequests:       make(map[chainhash.Hash]*recoveryRequest),
		recoveryGoodReplies:    make(map[chainhash.Hash][]*mnwire.MsgMNAnnounce),
		lastPaidFullScan:       true,
	}
	if r.cfg.Now == nil {
		r.cfg.Now = time.Now
	}
	return r
}

// SetPaymentTracker sets the payment ledger consulted for scheduling and
// last paid bookkeeping.  It must be called before the registry is used
// concurrently.
func (r *Registry) SetPaymentTracker(tracker PaymentTracker) {
	r.mtx.Lock()
	r.payments = tracker
	r.mtx.Unlock()
}

// now returns the current time in seconds.
func (r *Registry) now() int64 {
	return r.cfg.Now().Unix()
}

// isLocalKey returns whether the operator public key belongs to the local
// masternode.
func (r *Registry) isLocalKey(pubKey []byte) bool {
	if r.cfg.Local == nil {
		return false
	}
	key := r.cfg.Local.OperatorKey()
	if key == nil {
		return false
	}
	pub := key.PubKey()
	return bytes.Equal(pubKey, pub.SerializeCompressed()) ||
		bytes.Equal(pubKey, pub.SerializeUncompressed())
}

// localOutpoint returns the collateral outpoint of the started local
// masternode.
func (r *Registry) localOutpoint() (wire.OutPoint, bool) {
	if r.cfg.Local == nil {
		return wire.OutPoint{}, false
	}
	return r.cfg.Local.Outpoint()
}

// add inserts a new record.  It returns false when a record for the outpoint
// already exists.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) add(rec *Record) bool {
	if _, ok := r.records[rec.Outpoint]; ok {
		return false
	}
	log.Debugf("Adding new masternode %v at %v, %d now", rec.Outpoint,
		rec.Addr, len(r.records)+1)
	r.records[rec.Outpoint] = rec
	r.index.add(rec.Outpoint)
	return true
}

// Add inserts a record created from the announcement.  It returns false when
// the outpoint is already registered.
func (r *Registry) Add(msg *mnwire.MsgMNAnnounce) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.add(newRecord(msg, StatePreEnabled))
}

// Has returns whether a record for the outpoint exists.
func (r *Registry) Has(outpoint wire.OutPoint) bool {
	r.mtx.RLock()
	_, ok := r.records[outpoint]
	r.mtx.RUnlock()
	return ok
}

// Find returns a copy of the record for the outpoint.
func (r *Registry) Find(outpoint wire.OutPoint) (Record, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec, ok := r.records[outpoint]
	if !ok || rec.State == StateOutpointSpent {
		return Record{}, false
	}
	return *rec, true
}

// findByOperatorKey returns the record with the operator key.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) findByOperatorKey(pubKey []byte) *Record {
	for _, rec := range r.records {
		if bytes.Equal(rec.OperatorPubKey, pubKey) {
			return rec
		}
	}
	return nil
}

// FindByOperatorKey returns a copy of the record with the operator public key.
func (r *Registry) FindByOperatorKey(pubKey []byte) (Record, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec := r.findByOperatorKey(pubKey)
	if rec == nil || rec.State == StateOutpointSpent {
		return Record{}, false
	}
	return *rec, true
}

// FindByPayee returns a copy of the record paid by the provided script.
func (r *Registry) FindByPayee(script []byte) (Record, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, rec := range r.records {
		if rec.State == StateOutpointSpent {
			continue
		}
		if bytes.Equal(rec.PayeeScript(r.params.Net), script) {
			return *rec, true
		}
	}
	return Record{}, false
}

// Records returns copies of all records.
func (r *Registry) Records() []Record {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	recs := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, *rec)
	}
	return recs
}

// Count returns the number of records with at least the minimum payments
// protocol version.
func (r *Registry) Count() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.count(mnwire.MinPaymentsProtoVersion)
}

// count returns the number of records with at least the protocol version.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) count(minProto uint32) int {
	var n int
	for _, rec := range r.records {
		if rec.ProtocolVersion >= minProto {
			n++
		}
	}
	return n
}

// Size returns the total number of records.
func (r *Registry) Size() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.records)
}

// countEnabled returns the number of enabled records with at least the
// protocol version.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) countEnabled(minProto uint32) int {
	var n int
	for _, rec := range r.records {
		if rec.ProtocolVersion >= minProto && rec.IsEnabled() {
			n++
		}
	}
	return n
}

// setState updates the state of the record and logs transitions.
func setState(rec *Record, state State) {
	if rec.State != state {
		log.Debugf("Masternode %v is in %v state now", rec.Outpoint, state)
	}
	rec.State = state
}

// dueForCheck returns whether checkRecord re-derives the state of the record
// at the provided time.
func (rec *Record) dueForCheck(force bool, now int64) bool {
	if rec.State == StateOutpointSpent {
		return false
	}
	return force || now-rec.LastChecked >= CheckSeconds
}

// refreshCollaterals looks up the collateral outputs of the records that are
// due for a check and records the ones found spent along with any missing
// collateral heights.  All records are considered when no outpoints are
// provided.  It returns the outpoints whose collateral could not be looked
// up.
//
// The lookups may query a remote chain backend, so they are made without the
// registry lock held.
//
// This function MUST NOT be called with the registry lock held.
func (r *Registry) refreshCollaterals(force bool, outpoints ...wire.OutPoint) map[wire.OutPoint]struct{} {
	now := r.now()
	r.mtx.RLock()
	var due []wire.OutPoint
	if len(outpoints) == 0 {
		due = make([]wire.OutPoint, 0, len(r.records))
		for op, rec := range r.records {
			if rec.dueForCheck(force, now) {
				due = append(due, op)
			}
		}
	}
	for _, op := range outpoints {
		if rec, ok := r.records[op]; ok && rec.dueForCheck(force, now) {
			due = append(due, op)
		}
	}
	r.mtx.RUnlock()

	type lookup struct {
		outpoint wire.OutPoint
		entry    UtxoEntry
	}
	failed := make(map[wire.OutPoint]struct{})
	lookups := make([]lookup, 0, len(due))
	for _, op := range due {
		entry, err := r.chain.FetchUtxoEntry(op)
		if err != nil {
			log.Debugf("Unable to look up collateral of masternode %v: %v",
				op, err)
			failed[op] = struct{}{}
			continue
		}
		lookups = append(lookups, lookup{outpoint: op, entry: entry})
	}

	r.mtx.Lock()
	for _, l := range lookups {
		rec, ok := r.records[l.outpoint]
		if !ok {
			continue
		}
		switch {
		case l.entry == nil:
			rec.collateralSpent = true
		case rec.CollateralConfHeight == 0:
			rec.CollateralConfHeight = l.entry.BlockHeight()
		}
	}
	r.mtx.Unlock()
	return failed
}

// checkRecord re-derives the state of the record from the record itself, the
// last collateral lookup, and the sync status.  The state is only re-derived
// when forced or when the record was not checked within the last
// CheckSeconds.  No chain backend queries are made; the collateral status is
// kept current by refreshCollaterals.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) checkRecord(rec *Record, force bool) {
	now := r.now()
	if !rec.dueForCheck(force, now) {
		return
	}
	rec.LastChecked = now

	if rec.collateralSpent {
		setState(rec, StateOutpointSpent)
		return
	}
	height := r.chain.BestHeight()

	if rec.State == StatePoSeBan {
		if height < rec.PoSeBanHeight {
			return
		}
		// Give the masternode a chance to go through the usual checks.  It
		// stays on the edge and is banned again quickly when it keeps
		// failing verification.
		log.Infof("Masternode %v is unbanned and back in the list", rec.Outpoint)
		rec.decreasePoSeBanScore()
	} else if rec.PoSeBanScore >= PoSeBanMaxScore {
		setState(rec, StatePoSeBan)
		// Ban for a whole payment cycle.
		rec.PoSeBanHeight = height + int64(len(r.records))
		log.Infof("Masternode %v is banned until block %d", rec.Outpoint,
			rec.PoSeBanHeight)
		return
	}

	isLocal := r.isLocalKey(rec.OperatorPubKey)
	if rec.ProtocolVersion < mnwire.MinPaymentsProtoVersion ||
		(isLocal && rec.ProtocolVersion < mnwire.ProtocolVersion) {

		setState(rec, StateUpdateRequired)
		return
	}

	// Keep records loaded at startup alive until they had a chance to
	// receive a ping.
	waitForPing := !r.cfg.Sync.IsListSynced() &&
		!rec.IsPingedWithin(MinPingSeconds, now)
	if waitForPing && !isLocal {
		switch rec.State {
		case StateExpired, StateWatchdogExpired, StateNewStartRequired:
			return
		}
	}

	if !waitForPing || isLocal {
		if !rec.IsPingedWithin(NewStartRequiredSeconds, now) {
			setState(rec, StateNewStartRequired)
			return
		}

		watchdogActive := r.cfg.Sync.IsSynced() && r.isWatchdogActive(now)
		if watchdogActive && now-rec.LastWatchdogVote > WatchdogMaxSeconds {
			setState(rec, StateWatchdogExpired)
			return
		}

		if !rec.IsPingedWithin(ExpirationSeconds, now) {
			setState(rec, StateExpired)
			return
		}
	}

	if rec.LastPing.SigTime-rec.SigTime < MinPingSeconds {
		setState(rec, StatePreEnabled)
		return
	}

	setState(rec, StateEnabled)
}

// checkAll checks every record except those whose collateral could not be
// looked up.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) checkAll(failed map[wire.OutPoint]struct{}) {
	for op, rec := range r.records {
		if _, ok := failed[op]; ok {
			continue
		}
		r.checkRecord(rec, false)
	}
}

// Check re-derives the state of the record for the outpoint and returns it.
// It returns StateNewStartRequired for unknown outpoints.  A record whose
// collateral cannot be looked up is left unchanged.
func (r *Registry) Check(outpoint wire.OutPoint, force bool) State {
	failed := r.refreshCollaterals(force, outpoint)

	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.records[outpoint]
	if !ok {
		return StateNewStartRequired
	}
	if _, ok := failed[outpoint]; !ok {
		r.checkRecord(rec, force)
	}
	return rec.State
}

// CheckAll re-derives the state of every record whose check interval
// elapsed.
func (r *Registry) CheckAll() {
	failed := r.refreshCollaterals(false)

	r.mtx.Lock()
	r.checkAll(failed)
	r.mtx.Unlock()
}

// IsPingedWithin returns whether the record for the outpoint was pinged less
// than seconds before at.
func (r *Registry) IsPingedWithin(outpoint wire.OutPoint, seconds, at int64) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec, ok := r.records[outpoint]
	if !ok {
		return false
	}
	return rec.IsPingedWithin(seconds, at)
}

// setLastPing stores the ping as the latest of the record and refreshes the
// cached announcement of the record.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) setLastPing(rec *Record, ping *mnwire.MsgMNPing) {
	rec.LastPing = *ping
	r.seenPings[ping.Hash()] = ping
	if seen, ok := r.seenAnnounces[rec.Announce().Hash()]; ok {
		seen.msg.LastPing = *ping
	}
}

// SetLastPing stores a ping created by the local masternode.
func (r *Registry) SetLastPing(ping *mnwire.MsgMNPing) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.records[ping.Outpoint]
	if !ok {
		return
	}
	r.setLastPing(rec, ping)
}

// isWatchdogActive returns whether any masternode sent a watchdog vote
// recently.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) isWatchdogActive(now int64) bool {
	return now-r.lastWatchdogVoteTime <= WatchdogMaxSeconds
}

// Clear removes all records and bookkeeping.
func (r *Registry) Clear() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.clear()
}

// clear resets the registry to its empty state.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) clear() {
	r.records = make(map[wire.OutPoint]*Record)
	r.index = newOutpointIndex()
	r.oldIndex = newOutpointIndex()
	r.seenAnnounces = make(map[chainhash.Hash]*seenAnnounce)
	r.seenPings = make(map[chainhash.Hash]*mnwire.MsgMNPing)
	r.seenVerifications = make(map[chainhash.Hash]*mnwire.MsgMNVerify)
	r.rejected.Reset()
	r.askedUsForList = make(map[netip.Addr]int64)
	r.weAskedForList = make(map[netip.Addr]int64)
	r.weAskedForEntry = make(map[wire.OutPoint]map[netip.Addr]int64)
	r.lastWatchdogVoteTime = 0
}

// String returns a summary of the registry.
func (r *Registry) String() string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return fmt.Sprintf("masternodes: %d, enabled: %d, peers who asked us for "+
		"the list: %d, peers we asked for the list: %d, entries we asked "+
		"for: %d, index size: %d", len(r.records),
		r.countEnabled(mnwire.MinPaymentsProtoVersion), len(r.askedUsForList),
		len(r.weAskedForList), len(r.weAskedForEntry), r.index.size())
}
