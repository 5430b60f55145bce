// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package activemn

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

const (
	// selfConnectTimeout bounds the inbound connection test of the
	// configured service address.
	selfConnectTimeout = 10 * time.Second

	// firstEvaluationDelay is the delay before the first evaluation after
	// Run is called, which gives the node time to connect to peers.
	firstEvaluationDelay = 15 * time.Second
)

// Masternodes exposes the parts of the masternode registry the activation
// state machine needs.
type Masternodes interface {
	// FindByOperatorKey returns a copy of the record with the operator
	// public key.
	FindByOperatorKey(pubKey []byte) (masternode.Record, bool)

	// Check re-derives the state of the record for the outpoint.
	Check(outpoint wire.OutPoint, force bool) masternode.State

	// Has returns whether a record for the outpoint exists.
	Has(outpoint wire.OutPoint) bool

	// IsPingedWithin returns whether the record for the outpoint was
	// pinged less than seconds before at.
	IsPingedWithin(outpoint wire.OutPoint, seconds, at int64) bool

	// SetLastPing stores a ping created by the local masternode.
	SetLastPing(ping *mnwire.MsgMNPing)

	// UpdateList adds or updates the record of an announcement created by
	// the local masternode.
	UpdateList(msg *mnwire.MsgMNAnnounce)
}

// SyncStatus reports whether the chain is synced.
type SyncStatus interface {
	IsBlockchainSynced() bool
}

// Network provides the network facts and services the activation state
// machine needs.
type Network interface {
	masternode.Network

	// ExternalAddr returns the address the node is reachable at, either as
	// configured or as reported by peers.
	ExternalAddr() (netip.AddrPort, bool)

	// ConnectedCount returns the number of connected peers.
	ConnectedCount() int

	// CheckInbound connects to the address to make sure the node accepts
	// inbound connections on it.
	CheckInbound(ctx context.Context, addr netip.AddrPort) error
}

// Wallet provides access to the collateral of a locally held masternode.
type Wallet interface {
	// IsLocked returns whether the wallet is locked.
	IsLocked() bool

	// Balance returns the spendable balance of the wallet.
	Balance() dcrutil.Amount

	// Collateral returns the collateral outpoint along with its private
	// key.  It returns false when the wallet holds no collateral.
	Collateral() (wire.OutPoint, *secp256k1.PrivateKey, bool)

	// LockOutpoint prevents the outpoint from being spent.
	LockOutpoint(outpoint wire.OutPoint)
}

// Config is the configuration of an Active masternode.
type Config struct {
	// Params are the network dependent masternode parameters.
	Params *masternode.Params

	// Chain provides access to the block chain.
	Chain masternode.ChainView

	// Sync reports whether the chain is synced.
	Sync SyncStatus

	// Net provides network facts and relays inventory.
	Net Network

	// Wallet holds the collateral for local mode.  It may be nil.
	Wallet Wallet

	// OperatorKey signs the pings of the masternode.
	OperatorKey *secp256k1.PrivateKey

	// Listen is set when the node accepts inbound connections.
	Listen bool

	// Now returns the current time.  It defaults to time.Now.
	Now func() time.Time
}

// Active is the masternode operated by the local node.  It implements
// masternode.LocalMasternode.
type Active struct {
	cfg         Config
	operatorPub []byte

	// manageMtx serializes evaluations and protects the fields after it.
	// It is held while calling the registry, so it is never acquired by
	// the queries the registry makes.
	manageMtx     sync.Mutex
	registry      Masternodes
	mode          Mode
	pingerEnabled bool
	collateral    wire.OutPoint
	collateralKey *secp256k1.PrivateKey

	// mtx protects the fields after it.  It is only held briefly and never
	// while calling other subsystems.
	mtx      sync.RWMutex
	state    State
	reason   string
	outpoint wire.OutPoint
	service  netip.AddrPort
}

// New returns the local masternode in the initial state.  The registry must
// be provided with SetRegistry before the first evaluation.
func New(cfg *Config) *Active {
	a := &Active{
		cfg:         *cfg,
		operatorPub: cfg.OperatorKey.PubKey().SerializeCompressed(),
	}
	if a.cfg.Now == nil {
		a.cfg.Now = time.Now
	}
	return a
}

// SetRegistry sets the registry the masternode is looked up in and announced
// to.
func (a *Active) SetRegistry(registry Masternodes) {
	a.manageMtx.Lock()
	a.registry = registry
	a.manageMtx.Unlock()
}

// OperatorKey returns the private key used to sign pings, verification
// replies, and payment votes.
func (a *Active) OperatorKey() *secp256k1.PrivateKey {
	return a.cfg.OperatorKey
}

// Outpoint returns the collateral outpoint once the masternode is started.
func (a *Active) Outpoint() (wire.OutPoint, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.outpoint, a.state == StateStarted
}

// Service returns the advertised service address.
func (a *Active) Service() netip.AddrPort {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.service
}

// State returns the activation state.
func (a *Active) State() State {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	return a.state
}

// Mode returns the operating mode.
func (a *Active) Mode() Mode {
	a.manageMtx.Lock()
	defer a.manageMtx.Unlock()
	return a.mode
}

// Status returns a description of the activation state.
func (a *Active) Status() string {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	switch a.state {
	case StateInitial:
		return "Node just started, not yet activated"
	case StateSyncInProcess:
		return "Sync in progress. Must wait until sync is complete to " +
			"start masternode"
	case StateInputTooNew:
		return fmt.Sprintf("Masternode input must have at least %d "+
			"confirmations", a.cfg.Params.MinConfirmations)
	case StateNotCapable:
		return "Not capable masternode: " + a.reason
	case StateStarted:
		return "Masternode successfully started"
	}
	return "Unknown"
}

// setState updates the activation state and the reason reported with it.
func (a *Active) setState(state State, reason string) {
	a.mtx.Lock()
	a.state = state
	a.reason = reason
	a.mtx.Unlock()
	if reason != "" {
		log.Infof("%v: %s", state, reason)
	}
}

// notCapable moves to the not capable state for the reason.
func (a *Active) notCapable(format string, args ...any) {
	a.setState(StateNotCapable, fmt.Sprintf(format, args...))
}

// now returns the current time in seconds.
func (a *Active) now() int64 {
	return a.cfg.Now().Unix()
}

// ManageState evaluates the activation state machine once.  It may block on
// the inbound connection test of the service address.
func (a *Active) ManageState(ctx context.Context) {
	a.manageMtx.Lock()
	defer a.manageMtx.Unlock()

	if !a.cfg.Params.IsLocalTestNet() && !a.cfg.Sync.IsBlockchainSynced() {
		a.setState(StateSyncInProcess, "")
		log.Debugf("%v: %s", StateSyncInProcess, a.Status())
		return
	}
	if a.State() == StateSyncInProcess {
		a.setState(StateInitial, "")
	}

	log.Tracef("Managing state %v, mode %v, pinger enabled %v", a.State(),
		a.mode, a.pingerEnabled)

	if a.mode == ModeUnknown {
		a.manageInitial(ctx)
	}
	switch a.mode {
	case ModeRemote:
		a.manageRemote()
	case ModeLocal:
		// A started masternode is restarted without a new announcement.
		a.manageRemote()
		if a.State() != StateStarted {
			a.manageLocal()
		}
	}

	a.sendPing()
}

// manageInitial checks the network configuration and determines the
// operating mode.
//
// This function MUST be called with the manage lock held.
func (a *Active) manageInitial(ctx context.Context) {
	if !a.cfg.Listen {
		a.notCapable("Masternode must accept connections from outside. " +
			"Make sure the listen configuration option is not overridden.")
		return
	}

	service, ok := a.cfg.Net.ExternalAddr()
	if !ok || !masternode.IsValidServiceAddr(service, a.cfg.Params) {
		if a.cfg.Net.ConnectedCount() == 0 {
			a.notCapable("Can't detect valid external address. Will retry " +
				"when there are some connections available.")
			return
		}
		a.notCapable("Can't detect valid external address. Please " +
			"consider using the externalip configuration option if problem " +
			"persists. Make sure to use IPv4 address only.")
		return
	}

	mainPort := a.cfg.Params.MainNetPort
	if a.cfg.Params.IsMainNet() && service.Port() != mainPort {
		a.notCapable("Invalid port: %d - only %d is supported on mainnet.",
			service.Port(), mainPort)
		return
	}
	if !a.cfg.Params.IsMainNet() && service.Port() == mainPort {
		a.notCapable("Invalid port: %d - %d is only supported on mainnet.",
			service.Port(), mainPort)
		return
	}

	log.Infof("Checking inbound connection to %v", service)
	ctx, cancel := context.WithTimeout(ctx, selfConnectTimeout)
	err := a.cfg.Net.CheckInbound(ctx, service)
	cancel()
	if err != nil {
		a.notCapable("Could not connect to %v", service)
		return
	}

	a.mtx.Lock()
	a.service = service
	a.mtx.Unlock()

	a.mode = ModeRemote
	wallet := a.cfg.Wallet
	switch {
	case wallet == nil:
		log.Debugf("Wallet not available")
		return
	case wallet.IsLocked():
		log.Infof("Wallet is locked")
		return
	case wallet.Balance() < a.cfg.Params.CollateralAmount:
		log.Infof("Wallet balance is below %v", a.cfg.Params.CollateralAmount)
		return
	}
	if outpoint, key, ok := wallet.Collateral(); ok {
		a.collateral = outpoint
		a.collateralKey = key
		a.mode = ModeLocal
	}
	log.Debugf("Operating in %v mode", a.mode)
}

// manageRemote starts the masternode when the registry knows it under the
// operator key with matching settings.
//
// This function MUST be called with the manage lock held.
func (a *Active) manageRemote() {
	rec, ok := a.registry.FindByOperatorKey(a.operatorPub)
	if !ok {
		a.notCapable("Masternode not in masternode list")
		return
	}
	state := a.registry.Check(rec.Outpoint, false)
	if rec.ProtocolVersion < mnwire.MinPaymentsProtoVersion {
		a.notCapable("Invalid protocol version")
		return
	}
	if rec.Addr != a.Service() {
		a.notCapable("Announced IP doesn't match our external address. " +
			"Make sure you issued a new announcement if the IP of this " +
			"masternode changed recently.")
		return
	}
	if !state.ValidForAutoStart() {
		a.notCapable("Masternode in %v state", state)
		return
	}
	if a.State() == StateStarted {
		return
	}

	log.Infof("Started masternode %v at %v", rec.Outpoint, rec.Addr)
	a.mtx.Lock()
	a.outpoint = rec.Outpoint
	a.service = rec.Addr
	a.mtx.Unlock()
	a.pingerEnabled = true
	a.setState(StateStarted, "")
}

// confirmations returns the number of confirmations of the outpoint or zero
// when it is unspent or unknown.
func (a *Active) confirmations(outpoint wire.OutPoint) int64 {
	entry, err := a.cfg.Chain.FetchUtxoEntry(outpoint)
	if err != nil || entry == nil {
		return 0
	}
	return a.cfg.Chain.BestHeight() - entry.BlockHeight() + 1
}

// createAnnounce returns a signed announcement of the collateral along with
// a fresh ping.
//
// This function MUST be called with the manage lock held.
func (a *Active) createAnnounce(now int64) (*mnwire.MsgMNAnnounce, error) {
	ping, err := masternode.NewPing(a.collateral, a.cfg.Chain, now)
	if err != nil {
		return nil, err
	}
	masternode.SignPing(ping, a.cfg.OperatorKey)

	msg := &mnwire.MsgMNAnnounce{
		Outpoint:         a.collateral,
		Addr:             a.Service(),
		CollateralPubKey: a.collateralKey.PubKey().SerializeCompressed(),
		OperatorPubKey:   a.operatorPub,
		SigTime:          now,
		ProtocolVersion:  mnwire.ProtocolVersion,
		LastPing:         *ping,
	}
	masternode.SignAnnounce(msg, a.collateralKey)
	if err := masternode.CheckAnnounceSanity(msg, a.cfg.Params, now); err != nil {
		return nil, err
	}
	return msg, nil
}

// manageLocal announces the masternode held by the wallet.
//
// This function MUST be called with the manage lock held.
func (a *Active) manageLocal() {
	if a.State() == StateStarted {
		return
	}

	confs := a.confirmations(a.collateral)
	if confs < a.cfg.Params.MinConfirmations {
		a.setState(StateInputTooNew, fmt.Sprintf("Masternode input must "+
			"have at least %d confirmations - %d confirmations",
			a.cfg.Params.MinConfirmations, confs))
		return
	}

	a.cfg.Wallet.LockOutpoint(a.collateral)

	msg, err := a.createAnnounce(a.now())
	if err != nil {
		a.notCapable("Error creating masternode announcement: %v", err)
		return
	}

	a.mtx.Lock()
	a.outpoint = a.collateral
	a.mtx.Unlock()
	a.pingerEnabled = true
	a.setState(StateStarted, "")

	log.Infof("Announcing masternode %v at %v", msg.Outpoint, msg.Addr)
	a.registry.UpdateList(msg)
	hash := msg.Hash()
	a.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNAnnounce, &hash))
}

// sendPing signs, stores, and relays a new ping of the started masternode
// unless it was pinged within masternode.MinPingSeconds.  It returns whether
// a ping was sent.
//
// This function MUST be called with the manage lock held.
func (a *Active) sendPing() bool {
	if !a.pingerEnabled {
		log.Tracef("%v: ping service is disabled, skipping", a.State())
		return false
	}

	outpoint, _ := a.Outpoint()
	if !a.registry.Has(outpoint) {
		a.notCapable("Masternode not in masternode list")
		return false
	}

	ping, err := masternode.NewPing(outpoint, a.cfg.Chain, a.now())
	if err != nil {
		log.Errorf("Unable to create ping: %v", err)
		return false
	}
	if a.registry.IsPingedWithin(outpoint, masternode.MinPingSeconds, ping.SigTime) {
		log.Debugf("Too early to send masternode ping")
		return false
	}
	masternode.SignPing(ping, a.cfg.OperatorKey)
	a.registry.SetLastPing(ping)

	log.Infof("Relaying ping of masternode %v", outpoint)
	hash := ping.Hash()
	a.cfg.Net.RelayInventory(wire.NewInvVect(mnwire.InvTypeMNPing, &hash))
	return true
}

// Run evaluates the state machine shortly after it is called and then every
// masternode.MinPingSeconds until the context is canceled.
func (a *Active) Run(ctx context.Context) {
	timer := time.NewTimer(firstEvaluationDelay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			a.ManageState(ctx)
			timer.Reset(masternode.MinPingSeconds * time.Second)
		case <-ctx.Done():
			return
		}
	}
}
