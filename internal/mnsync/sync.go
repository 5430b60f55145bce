// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnsync

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

const (
	// TickSeconds is the interval between two sync steps.
	TickSeconds = 6

	// TimeoutSeconds is how long a stage may go without receiving any new
	// data before it is considered done, or failed when no request could be
	// made at all.
	TimeoutSeconds = 30

	// failureCooldownSeconds is how long the synchronizer stays failed
	// before it starts over.
	failureCooldownSeconds = 60

	// sleepResetSeconds is the gap between two chain sync checks after which
	// the node is assumed to have been asleep and the sync starts over.
	sleepResetSeconds = 60 * 60

	// quickModeAttempts is the number of requests made on local test
	// networks before the sync is considered finished.
	quickModeAttempts = 6
)

// These constants are the names of the fulfilled requests made by the
// synchronizer.
const (
	FulfilledSporks   = "spork-sync"
	FulfilledList     = "list-sync"
	FulfilledPayments = "payment-sync"
	FulfilledFull     = "full-sync"
)

// Chain reports whether the local chain is synced with the network.
type Chain interface {
	IsCurrent() bool
}

// Masternodes exposes the parts of the masternode registry the synchronizer
// needs.
type Masternodes interface {
	// Count returns the number of masternodes supporting payments.
	Count() int

	// DsegUpdate asks the peer for the full masternode list.
	DsegUpdate(peer masternode.Peer) bool
}

// Payments exposes the parts of the payment ledger the synchronizer needs.
type Payments interface {
	// IsEnoughData returns whether the ledger holds enough votes to stop
	// asking peers for more.
	IsEnoughData() bool

	// StorageLimit returns how many heights of votes are retained.
	StorageLimit() int64

	// RequestLowDataPaymentBlocks asks the peer for the votes of the heights
	// the ledger lacks data for.
	RequestLowDataPaymentBlocks(peer masternode.Peer)
}

// Peer is a connected peer the synchronizer can request data from.
type Peer interface {
	masternode.Peer

	// ProtocolVersion returns the negotiated protocol version.
	ProtocolVersion() uint32

	// MasternodeConn returns whether the connection is a short lived
	// connection to or from a masternode made for verification or recovery.
	MasternodeConn() bool

	// Disconnect disconnects the peer.
	Disconnect()
}

// PeerInfo describes a connected peer to Step.
type PeerInfo struct {
	ID              int32
	Addr            netip.AddrPort
	Inbound         bool
	MasternodeConn  bool
	ProtocolVersion uint32
}

// Config is the configuration of an Orchestrator.
type Config struct {
	// Params are the network dependent masternode parameters.
	Params *masternode.Params

	// Chain reports whether the local chain is synced.
	Chain Chain

	// Masternodes is the masternode registry.
	Masternodes Masternodes

	// Payments is the payment ledger.
	Payments Payments

	// Fulfilled tracks the requests made to peers.
	Fulfilled masternode.Fulfilled

	// IsMasternode is set when the node runs a masternode.  Inbound peers
	// are not synced from then since they are most likely other
	// masternodes verifying this one.
	IsMasternode bool

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// Orchestrator is the bootstrap synchronizer.  It implements the sync status
// queries of the registry and the payment ledger.
type Orchestrator struct {
	cfg   Config
	quick bool

	// The stage and the progress timestamps are read without the lock.
	stage    atomic.Int32
	lastList atomic.Int64
	lastVote atomic.Int64

	// chainMtx protects the cached chain sync state.  It is never acquired
	// while holding mtx.
	chainMtx       sync.Mutex
	chainSynced    bool
	lastChainCheck int64

	mtx          sync.Mutex
	haveTip      bool
	tipHeight    int64
	attempt      int
	stageStarted int64
	lastFailure  int64
	failures     int
	ticks        int64
}

// New returns a synchronizer in the initial stage.
func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{cfg: *cfg, quick: cfg.Params.IsLocalTestNet()}
	if o.cfg.Now == nil {
		o.cfg.Now = time.Now
	}
	now := o.now()
	o.lastChainCheck = now
	o.reset(now)
	return o
}

// now returns the current time in seconds.
func (o *Orchestrator) now() int64 {
	return o.cfg.Now().Unix()
}

// setStage updates the current stage.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) setStage(stage Stage) {
	o.stage.Store(int32(stage))
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() Stage {
	return Stage(o.stage.Load())
}

// Attempt returns the number of requests made in the current stage.
func (o *Orchestrator) Attempt() int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.attempt
}

// IsFailed returns whether the sync failed and waits for the cooldown.
func (o *Orchestrator) IsFailed() bool {
	return o.Stage() == StageFailed
}

// IsListSynced returns whether the masternode list was synced.
func (o *Orchestrator) IsListSynced() bool {
	return o.Stage() > StageList
}

// IsPaymentsSynced returns whether the payment votes were synced.
func (o *Orchestrator) IsPaymentsSynced() bool {
	return o.Stage() > StagePaymentVotes
}

// IsSynced returns whether the sync finished.
func (o *Orchestrator) IsSynced() bool {
	return o.Stage() == StageFinished
}

// AddedListItem notes that a new or updated masternode list item was
// received.
func (o *Orchestrator) AddedListItem() {
	o.lastList.Store(o.now())
}

// AddedPaymentVote notes that a new payment vote was received.
func (o *Orchestrator) AddedPaymentVote() {
	o.lastVote.Store(o.now())
}

// IsBlockchainSynced returns whether the local chain is synced.  Once synced
// the chain is considered synced until the node appears to have been asleep,
// in which case the whole sync starts over.
func (o *Orchestrator) IsBlockchainSynced() bool {
	o.chainMtx.Lock()
	defer o.chainMtx.Unlock()

	now := o.now()
	if now-o.lastChainCheck > sleepResetSeconds {
		log.Infof("Last chain sync check was %v ago, restarting masternode "+
			"sync", time.Duration(now-o.lastChainCheck)*time.Second)
		o.Reset()
		o.chainSynced = false
	}

	// Checks are made at most once per tick on public networks.
	if !o.quick && now-o.lastChainCheck < TickSeconds {
		return o.chainSynced
	}
	o.lastChainCheck = now
	if o.chainSynced {
		return true
	}
	o.chainSynced = o.cfg.Chain.IsCurrent()
	if o.chainSynced {
		log.Debugf("Chain is synced")
	}
	return o.chainSynced
}

// reset moves the synchronizer back to the initial stage.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) reset(now int64) {
	o.setStage(StageInitial)
	o.attempt = 0
	o.stageStarted = now
	o.lastList.Store(now)
	o.lastVote.Store(now)
	o.lastFailure = 0
	o.failures = 0
}

// Reset moves the synchronizer back to the initial stage.
func (o *Orchestrator) Reset() {
	o.mtx.Lock()
	o.reset(o.now())
	o.mtx.Unlock()
}

// fail moves the synchronizer to the failed stage.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) fail(now int64) {
	log.Errorf("Failed to sync %v", o.Stage())
	o.lastFailure = now
	o.failures++
	o.setStage(StageFailed)
}

// clearFulfilled forgets the requests made to the peers so that a new sync
// asks them again.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) clearFulfilled(peers []PeerInfo) {
	for i := range peers {
		addr := peers[i].Addr
		o.cfg.Fulfilled.Remove(addr, FulfilledSporks)
		o.cfg.Fulfilled.Remove(addr, FulfilledList)
		o.cfg.Fulfilled.Remove(addr, FulfilledPayments)
		o.cfg.Fulfilled.Remove(addr, FulfilledFull)
	}
}

// switchToNext advances to the stage after the current one.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) switchToNext(now int64, peers []PeerInfo) {
	switch o.Stage() {
	case StageInitial:
		o.clearFulfilled(peers)
		o.setStage(StageSporks)
	case StageSporks:
		o.lastList.Store(now)
		o.setStage(StageList)
	case StageList:
		o.lastVote.Store(now)
		o.setStage(StagePaymentVotes)
	case StagePaymentVotes:
		// Peers synced from are not asked again for a while.
		for i := range peers {
			o.cfg.Fulfilled.Add(peers[i].Addr, FulfilledFull)
		}
		o.setStage(StageFinished)
		log.Info("Masternode sync finished")
	default:
		log.Warnf("Unable to advance from %v", o.Stage())
		return
	}
	if stage := o.Stage(); stage != StageFinished {
		log.Infof("Starting %v", stage)
	}
	o.attempt = 0
	o.stageStarted = now
}

// stageTimedOut returns whether the current list or payment vote stage went
// without new data for TimeoutSeconds.
//
// This function MUST be called with the sync lock held (for reads).
func (o *Orchestrator) stageTimedOut(now int64) bool {
	var last int64
	switch o.Stage() {
	case StageList:
		last = o.lastList.Load()
	case StagePaymentVotes:
		last = o.lastVote.Load()
	default:
		return false
	}
	return last < now-TimeoutSeconds
}

// progress returns the sync progress as a fraction.
//
// This function MUST be called with the sync lock held (for reads).
func (o *Orchestrator) progress() float64 {
	stage := o.Stage()
	switch stage {
	case StageFinished:
		return 1
	case StageFailed, StageInitial:
		return 0
	}
	return float64(o.attempt+(int(stage)-1)*8) / (8 * 4)
}

// Progress returns the sync progress as a fraction.
func (o *Orchestrator) Progress() float64 {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.progress()
}

// Status returns a description of the sync state.
func (o *Orchestrator) Status() string {
	return o.Stage().description()
}

// facts holds the state of the other subsystems a step depends on.
type facts struct {
	chainSynced bool
	masternodes int
	enoughData  bool
}

// Step decides what to request from the connected peers at the time now and
// updates the sync state accordingly.  It does not send anything itself.
func (o *Orchestrator) Step(now time.Time, peers []PeerInfo) []Action {
	// The other subsystems are queried before acquiring the sync lock since
	// they query the sync state while holding their own locks.
	f := facts{
		chainSynced: o.IsBlockchainSynced(),
		masternodes: o.cfg.Masternodes.Count(),
	}
	if o.Stage() == StagePaymentVotes {
		f.enoughData = o.cfg.Payments.IsEnoughData()
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.step(now.Unix(), peers, &f)
}

// step implements Step.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) step(now int64, peers []PeerInfo, f *facts) []Action {
	if !o.haveTip {
		return nil
	}
	o.ticks++
	log.Tracef("Tick %d at height %d: stage %v, attempt %d, %d masternodes, "+
		"progress %.2f", o.ticks, o.tipHeight, o.Stage(), o.attempt,
		f.masternodes, o.progress())

	switch o.Stage() {
	case StageFinished:
		// Start over when all masternodes were lost, for example after the
		// node woke up from sleep.
		if f.masternodes != 0 {
			return nil
		}
		log.Warn("No masternodes known, restarting masternode sync")
		o.reset(now)

	case StageFailed:
		if o.lastFailure+failureCooldownSeconds < now {
			log.Infof("Retrying masternode sync after %d %s", o.failures,
				pickNoun(o.failures, "failure", "failures"))
			o.reset(now)
		}
		return nil
	}

	// Masternode data is useless against a stale chain.  The progress
	// timestamps are bumped so the stages do not time out meanwhile.
	if !o.quick && !f.chainSynced && o.Stage() > StageSporks {
		o.lastList.Store(now)
		o.lastVote.Store(now)
		return nil
	}
	if o.Stage() == StageInitial || (o.Stage() == StageSporks && f.chainSynced) {
		o.switchToNext(now, peers)
	}

	if o.quick {
		return o.quickStep(peers)
	}

	// Stages that went without new data for too long are done, or failed
	// when not a single peer could be asked.
	if o.stageTimedOut(now) {
		log.Infof("Timeout in %v after %d %s", o.Stage(), o.attempt,
			pickNoun(o.attempt, "request", "requests"))
		if o.attempt == 0 {
			o.fail(now)
			return nil
		}
		o.switchToNext(now, peers)
		return nil
	}
	if o.Stage() == StagePaymentVotes && o.attempt > 1 && f.enoughData {
		log.Infof("Found enough payment data after %d requests", o.attempt)
		o.switchToNext(now, peers)
		return nil
	}

	var actions []Action
	for i := range peers {
		peer := &peers[i]
		if peer.MasternodeConn || (o.cfg.IsMasternode && peer.Inbound) {
			continue
		}

		if o.cfg.Fulfilled.Has(peer.Addr, FulfilledFull) {
			log.Debugf("Disconnecting recently synced peer %d (%v)",
				peer.ID, peer.Addr)
			actions = append(actions, Action{ActionDisconnect, peer.ID})
			continue
		}

		// Sporks are requested from every peer first without waiting for
		// the next tick.
		if !o.cfg.Fulfilled.Has(peer.Addr, FulfilledSporks) {
			o.cfg.Fulfilled.Add(peer.Addr, FulfilledSporks)
			log.Debugf("Requesting sporks from peer %d (%v)", peer.ID,
				peer.Addr)
			actions = append(actions, Action{ActionRequestSporks, peer.ID})
			continue
		}

		var name string
		var kind ActionKind
		switch o.Stage() {
		case StageList:
			name, kind = FulfilledList, ActionRequestList
		case StagePaymentVotes:
			name, kind = FulfilledPayments, ActionRequestPaymentVotes
		default:
			continue
		}
		if o.cfg.Fulfilled.Has(peer.Addr, name) {
			continue
		}
		o.cfg.Fulfilled.Add(peer.Addr, name)
		if peer.ProtocolVersion < mnwire.MinPaymentsProtoVersion {
			continue
		}

		// One request per tick.
		o.attempt++
		log.Debugf("Requesting %v from peer %d (%v), attempt %d", o.Stage(),
			peer.ID, peer.Addr, o.attempt)
		return append(actions, Action{kind, peer.ID})
	}
	return actions
}

// quickStep requests everything from the first suitable peer in turn and
// finishes after a fixed number of requests.  It is used on local test
// networks only.
//
// This function MUST be called with the sync lock held (for writes).
func (o *Orchestrator) quickStep(peers []PeerInfo) []Action {
	for i := range peers {
		peer := &peers[i]
		if peer.MasternodeConn || (o.cfg.IsMasternode && peer.Inbound) {
			continue
		}

		var action []Action
		switch {
		case o.attempt <= 2:
			action = []Action{{ActionRequestSporks, peer.ID}}
		case o.attempt < 4:
			action = []Action{{ActionRequestList, peer.ID}}
		case o.attempt < quickModeAttempts:
			action = []Action{{ActionRequestPaymentVotes, peer.ID}}
		default:
			o.setStage(StageFinished)
			log.Info("Masternode sync finished")
		}
		o.attempt++
		return action
	}
	return nil
}

// Tick performs one sync step against the connected peers.
func (o *Orchestrator) Tick(peers []Peer) {
	infos := make([]PeerInfo, 0, len(peers))
	byID := make(map[int32]Peer, len(peers))
	for _, p := range peers {
		infos = append(infos, PeerInfo{
			ID:              p.ID(),
			Addr:            p.Addr(),
			Inbound:         p.Inbound(),
			MasternodeConn:  p.MasternodeConn(),
			ProtocolVersion: p.ProtocolVersion(),
		})
		byID[p.ID()] = p
	}

	for _, action := range o.Step(o.cfg.Now(), infos) {
		peer, ok := byID[action.Peer]
		if !ok {
			continue
		}
		switch action.Kind {
		case ActionRequestSporks:
			peer.QueueMessage(&mnwire.MsgGetSporks{})
		case ActionRequestList:
			o.cfg.Masternodes.DsegUpdate(peer)
		case ActionRequestPaymentVotes:
			// Peers only return votes for upcoming blocks.  The blocks the
			// ledger lacks data for are requested explicitly.
			limit := int32(o.cfg.Payments.StorageLimit())
			peer.QueueMessage(&mnwire.MsgPaymentSync{Count: limit})
			o.cfg.Payments.RequestLowDataPaymentBlocks(peer)
		case ActionDisconnect:
			peer.Disconnect()
		}
	}
}

// Run ticks every TickSeconds until the context is canceled.  The connected
// peers are obtained from peers on each tick.
func (o *Orchestrator) Run(ctx context.Context, peers func() []Peer) {
	ticker := time.NewTicker(TickSeconds * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Tick(peers())
		case <-ctx.Done():
			return
		}
	}
}

// UpdatedBlockTip notes the height of the new chain tip.  Steps are no-ops
// until the first tip is known.
func (o *Orchestrator) UpdatedBlockTip(height int64) {
	o.mtx.Lock()
	o.haveTip = true
	o.tipHeight = height
	o.mtx.Unlock()
}

// ProcessSyncStatusCount logs the number of items a peer reported sending
// in response to a sync request.
func (o *Orchestrator) ProcessSyncStatusCount(peer masternode.Peer, msg *mnwire.MsgSyncStatusCount) {
	if o.IsSynced() || o.IsFailed() {
		return
	}
	log.Infof("Peer %d (%v) sent %d %s of item type %d", peer.ID(),
		peer.Addr(), msg.Count, pickNoun(msg.Count, "item", "items"),
		msg.ItemID)
}
