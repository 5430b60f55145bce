// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package activemn

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

const testTip = 500

// fakeUtxo implements masternode.UtxoEntry.
type fakeUtxo struct {
	height int64
}

func (u *fakeUtxo) Amount() int64 { return masternode.CollateralCoins * dcrutil.AtomsPerCoin }
func (u *fakeUtxo) ScriptVersion() uint16 { return 0 }
func (u *fakeUtxo) PkScript() []byte { return nil }
func (u *fakeUtxo) BlockHeight() int64 { return u.height }

// fakeChain implements masternode.ChainView for a chain of testTip blocks.
type fakeChain struct {
	mtx   sync.Mutex
	utxos map[wire.OutPoint]*fakeUtxo
}

func (c *fakeChain) BestHeight() int64 { return testTip }

func (c *fakeChain) BlockByHeight(height int64) (masternode.BlockInfo, error) {
	if height < 0 || height > testTip {
		return masternode.BlockInfo{}, masternode.ErrBlockNotFound
	}
	hash := chainhash.HashH([]byte{byte(height), byte(height >> 8)})
	return masternode.BlockInfo{Hash: hash, Height: height}, nil
}

func (c *fakeChain) BlockByHash(hash *chainhash.Hash) (masternode.BlockInfo, error) {
	for h := int64(testTip); h >= 0; h-- {
		block, _ := c.BlockByHeight(h)
		if block.Hash == *hash {
			return block, nil
		}
	}
	return masternode.BlockInfo{}, masternode.ErrBlockNotFound
}

func (c *fakeChain) FetchUtxoEntry(op wire.OutPoint) (masternode.UtxoEntry, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if u, ok := c.utxos[op]; ok {
		return u, nil
	}
	return nil, nil
}

func (c *fakeChain) CoinbaseOutputs(height int64) ([]*wire.TxOut, error) {
	return nil, nil
}

func (c *fakeChain) IsCurrent() bool { return true }

// fakeRegistry implements Masternodes.
type fakeRegistry struct {
	mtx     sync.Mutex
	records map[wire.OutPoint]*masternode.Record
	updates []*mnwire.MsgMNAnnounce
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[wire.OutPoint]*masternode.Record)}
}

func (r *fakeRegistry) FindByOperatorKey(pubKey []byte) (masternode.Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, rec := range r.records {
		if bytes.Equal(rec.OperatorPubKey, pubKey) {
			return *rec, true
		}
	}
	return masternode.Record{}, false
}

func (r *fakeRegistry) Check(op wire.OutPoint, force bool) masternode.State {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if rec, ok := r.records[op]; ok {
		return rec.State
	}
	return masternode.StateNewStartRequired
}

func (r *fakeRegistry) Has(op wire.OutPoint) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_, ok := r.records[op]
	return ok
}

func (r *fakeRegistry) IsPingedWithin(op wire.OutPoint, seconds, at int64) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.records[op]
	return ok && rec.IsPingedWithin(seconds, at)
}

func (r *fakeRegistry) SetLastPing(ping *mnwire.MsgMNPing) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if rec, ok := r.records[ping.Outpoint]; ok {
		rec.LastPing = *ping
	}
}

func (r *fakeRegistry) UpdateList(msg *mnwire.MsgMNAnnounce) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.updates = append(r.updates, msg)
	r.records[msg.Outpoint] = &masternode.Record{
		Outpoint:         msg.Outpoint,
		Addr:             msg.Addr,
		CollateralPubKey: msg.CollateralPubKey,
		OperatorPubKey:   msg.OperatorPubKey,
		LastPing:         msg.LastPing,
		SigTime:          msg.SigTime,
		ProtocolVersion:  msg.ProtocolVersion,
		State:            masternode.StatePreEnabled,
	}
}

func (r *fakeRegistry) remove(op wire.OutPoint) {
	r.mtx.Lock()
	delete(r.records, op)
	r.mtx.Unlock()
}

// fakeSync implements SyncStatus.
type fakeSync struct {
	synced bool
}

func (s *fakeSync) IsBlockchainSynced() bool { return s.synced }

// fakeNet implements Network.
type fakeNet struct {
	mtx        sync.Mutex
	external   netip.AddrPort
	peers      int
	inboundErr error
	relayed    []*wire.InvVect
}

func (n *fakeNet) RelayInventory(iv *wire.InvVect) {
	n.mtx.Lock()
	n.relayed = append(n.relayed, iv)
	n.mtx.Unlock()
}

func (n *fakeNet) ExternalAddr() (netip.AddrPort, bool) {
	return n.external, n.external.IsValid()
}

func (n *fakeNet) ConnectedCount() int { return n.peers }

func (n *fakeNet) CheckInbound(ctx context.Context, addr netip.AddrPort) error {
	return n.inboundErr
}

// relayedOf returns the relayed inventory of the type.
func (n *fakeNet) relayedOf(invType wire.InvType) []*wire.InvVect {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var invs []*wire.InvVect
	for _, iv := range n.relayed {
		if iv.Type == invType {
			invs = append(invs, iv)
		}
	}
	return invs
}

// fakeWallet implements Wallet.
type fakeWallet struct {
	locked   bool
	balance  dcrutil.Amount
	outpoint wire.OutPoint
	key      *secp256k1.PrivateKey
	locks    []wire.OutPoint
}

func (w *fakeWallet) IsLocked() bool { return w.locked }
func (w *fakeWallet) Balance() dcrutil.Amount { return w.balance }
func (w *fakeWallet) LockOutpoint(op wire.OutPoint) {
	w.locks = append(w.locks, op)
}

func (w *fakeWallet) Collateral() (wire.OutPoint, *secp256k1.PrivateKey, bool) {
	return w.outpoint, w.key, w.key != nil
}

// testClock is a manually advanced clock.
type testClock struct {
	mtx sync.Mutex
	t   time.Time
}

func (c *testClock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

// testPrivKey returns a deterministic private key for the seed.
func testPrivKey(seed byte) *secp256k1.PrivateKey {
	var b [32]byte
	b[0] = 0x01
	b[31] = seed
	return secp256k1.PrivKeyFromBytes(b[:])
}

// testHarness bundles an active masternode with its fake collaborators.
type testHarness struct {
	params   *masternode.Params
	clock    *testClock
	chain    *fakeChain
	reg      *fakeRegistry
	sync     *fakeSync
	net      *fakeNet
	key      *secp256k1.PrivateKey
	outpoint wire.OutPoint
	active   *Active
}

// newTestHarness returns a harness for the network whose external address
// is service.  A nil wallet runs the masternode in remote mode.
func newTestHarness(net *chaincfg.Params, service string, wallet Wallet) *testHarness {
	h := &testHarness{
		params: masternode.NewParams(net),
		clock:  &testClock{t: time.Unix(1700000000, 0)},
		chain:  &fakeChain{utxos: make(map[wire.OutPoint]*fakeUtxo)},
		reg:    newFakeRegistry(),
		sync:   &fakeSync{synced: true},
		net: &fakeNet{
			external: netip.MustParseAddrPort(service),
			peers:    8,
		},
		key:      testPrivKey(2),
		outpoint: wire.OutPoint{Hash: chainhash.HashH([]byte{1}), Index: 1},
	}
	cfg := &Config{
		Params:      h.params,
		Chain:       h.chain,
		Sync:        h.sync,
		Net:         h.net,
		OperatorKey: h.key,
		Wallet:      wallet,
		Listen:      true,
		Now:         h.clock.now,
	}
	h.active = New(cfg)
	h.active.SetRegistry(h.reg)
	return h
}

// addRecord adds an enabled record of the masternode to the registry.
func (h *testHarness) addRecord(addr string) *masternode.Record {
	rec := &masternode.Record{
		Outpoint:         h.outpoint,
		Addr:             netip.MustParseAddrPort(addr),
		CollateralPubKey: testPrivKey(1).PubKey().SerializeCompressed(),
		OperatorPubKey:   h.key.PubKey().SerializeCompressed(),
		ProtocolVersion:  mnwire.ProtocolVersion,
		State:            masternode.StateEnabled,
	}
	h.reg.mtx.Lock()
	h.reg.records[rec.Outpoint] = rec
	h.reg.mtx.Unlock()
	return rec
}

func (h *testHarness) manage() {
	h.active.ManageState(context.Background())
}

// TestStateStringer tests the stringized output of the State and Mode types.
func TestStateStringer(t *testing.T) {
	tests := []struct {
		in   interface{ String() string }
		want string
	}{
		{StateInitial, "INITIAL"},
		{StateSyncInProcess, "SYNC_IN_PROCESS"},
		{StateInputTooNew, "INPUT_TOO_NEW"},
		{StateNotCapable, "NOT_CAPABLE"},
		{StateStarted, "STARTED"},
		{State(0xff), "Unknown State (255)"},
		{ModeUnknown, "UNKNOWN"},
		{ModeRemote, "REMOTE"},
		{ModeLocal, "LOCAL"},
		{Mode(0xff), "Unknown Mode (255)"},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.String()
		if result != test.want {
			t.Errorf("String #%d\n got: %s want: %s", i, result, test.want)
			continue
		}
	}
}

// TestSyncInProcess ensures nothing is evaluated until the chain is synced
// except on local test networks.
func TestSyncInProcess(t *testing.T) {
	t.Parallel()

	h := newTestHarness(chaincfg.MainNetParams(), "8.8.8.8:9108", nil)
	h.sync.synced = false
	h.manage()
	if h.active.State() != StateSyncInProcess {
		t.Fatalf("unexpected state %v", h.active.State())
	}
	if h.active.Mode() != ModeUnknown {
		t.Fatalf("unexpected mode %v", h.active.Mode())
	}

	h.sync.synced = true
	h.manage()
	if h.active.State() != StateNotCapable || h.active.Mode() != ModeRemote {
		t.Fatalf("unexpected state %v in mode %v", h.active.State(),
			h.active.Mode())
	}

	h = newTestHarness(chaincfg.RegNetParams(), "127.0.0.1:18655", nil)
	h.sync.synced = false
	h.manage()
	if h.active.Mode() != ModeRemote {
		t.Fatalf("unexpected mode on regnet %v", h.active.Mode())
	}
}

// TestInitialChecks ensures the network configuration of the node is checked
// before any mode is chosen.
func TestInitialChecks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		net        *chaincfg.Params
		service    string
		noListen   bool
		peers      int
		inboundErr error
		reason     string
	}{{
		name:     "not listening",
		net:      chaincfg.MainNetParams(),
		service:  "8.8.8.8:9108",
		noListen: true,
		peers:    8,
		reason:   "must accept connections",
	}, {
		name:    "no external address without peers",
		net:     chaincfg.MainNetParams(),
		service: "10.0.0.1:9108",
		peers:   0,
		reason:  "Will retry when there are some connections",
	}, {
		name:    "no external address with peers",
		net:     chaincfg.MainNetParams(),
		service: "10.0.0.1:9108",
		peers:   8,
		reason:  "externalip",
	}, {
		name:    "wrong mainnet port",
		net:     chaincfg.MainNetParams(),
		service: "8.8.8.8:9999",
		peers:   8,
		reason:  "only 9108 is supported on mainnet",
	}, {
		name:    "mainnet port on testnet",
		net:     chaincfg.TestNet3Params(),
		service: "8.8.8.8:9108",
		peers:   8,
		reason:  "9108 is only supported on mainnet",
	}, {
		name:       "inbound connection fails",
		net:        chaincfg.TestNet3Params(),
		service:    "8.8.8.8:19108",
		peers:      8,
		inboundErr: errors.New("connection refused"),
		reason:     "Could not connect to 8.8.8.8:19108",
	}}

	for _, test := range tests {
		h := newTestHarness(test.net, test.service, nil)
		h.active.cfg.Listen = !test.noListen
		h.net.peers = test.peers
		h.net.inboundErr = test.inboundErr
		h.manage()
		if h.active.State() != StateNotCapable {
			t.Errorf("%q: unexpected state %v", test.name, h.active.State())
			continue
		}
		if h.active.Mode() != ModeUnknown {
			t.Errorf("%q: unexpected mode %v", test.name, h.active.Mode())
			continue
		}
		if status := h.active.Status(); !strings.Contains(status, test.reason) {
			t.Errorf("%q: unexpected status %q", test.name, status)
		}
	}
}

// TestRemoteStart ensures a masternode announced elsewhere is started once
// the registry knows it and pinged at most every MinPingSeconds.
func TestRemoteStart(t *testing.T) {
	t.Parallel()

	const service = "8.8.8.8:19108"
	h := newTestHarness(chaincfg.TestNet3Params(), service, nil)
	h.manage()
	if h.active.State() != StateNotCapable ||
		!strings.Contains(h.active.Status(), "not in masternode list") {

		t.Fatalf("unexpected status %q", h.active.Status())
	}
	if _, started := h.active.Outpoint(); started {
		t.Fatal("outpoint reported before start")
	}

	rec := h.addRecord(service)
	h.manage()
	if h.active.State() != StateStarted || h.active.Mode() != ModeRemote {
		t.Fatalf("unexpected state %v in mode %v", h.active.State(),
			h.active.Mode())
	}
	if op, started := h.active.Outpoint(); !started || op != rec.Outpoint {
		t.Fatalf("unexpected outpoint %v (started %v)", op, started)
	}
	if got := h.active.Service(); got != rec.Addr {
		t.Fatalf("unexpected service %v", got)
	}
	pings := h.net.relayedOf(mnwire.InvTypeMNPing)
	if len(pings) != 1 {
		t.Fatalf("unexpected number of relayed pings %d", len(pings))
	}
	stored, _ := h.reg.FindByOperatorKey(rec.OperatorPubKey)
	if err := masternode.VerifyPing(&stored.LastPing, rec.OperatorPubKey); err != nil {
		t.Fatalf("stored ping does not verify: %v", err)
	}
	if stored.LastPing.Hash() != pings[0].Hash {
		t.Fatal("relayed ping differs from the stored ping")
	}

	// No new ping is sent within the minimum ping interval.
	h.clock.advance(time.Minute)
	h.manage()
	if n := len(h.net.relayedOf(mnwire.InvTypeMNPing)); n != 1 {
		t.Fatalf("unexpected number of relayed pings %d", n)
	}
	h.clock.advance(masternode.MinPingSeconds * time.Second)
	h.manage()
	if n := len(h.net.relayedOf(mnwire.InvTypeMNPing)); n != 2 {
		t.Fatalf("unexpected number of relayed pings %d", n)
	}

	// Losing the record makes the masternode not capable until it is known
	// again.
	h.reg.remove(rec.Outpoint)
	h.manage()
	if h.active.State() != StateNotCapable {
		t.Fatalf("unexpected state %v", h.active.State())
	}
	h.addRecord(service)
	h.manage()
	if h.active.State() != StateStarted {
		t.Fatalf("unexpected state %v", h.active.State())
	}
}

// TestRemoteNotCapable ensures registry records that do not match the local
// configuration do not start the masternode.
func TestRemoteNotCapable(t *testing.T) {
	t.Parallel()

	const service = "8.8.8.8:19108"
	tests := []struct {
		name   string
		modify func(rec *masternode.Record)
		reason string
	}{{
		name: "old protocol",
		modify: func(rec *masternode.Record) {
			rec.ProtocolVersion = mnwire.MinPaymentsProtoVersion - 1
		},
		reason: "Invalid protocol version",
	}, {
		name: "other address",
		modify: func(rec *masternode.Record) {
			rec.Addr = netip.MustParseAddrPort("8.8.4.4:19108")
		},
		reason: "doesn't match our external address",
	}, {
		name: "new start required",
		modify: func(rec *masternode.Record) {
			rec.State = masternode.StateNewStartRequired
		},
		reason: "in NEW_START_REQUIRED state",
	}}

	for _, test := range tests {
		h := newTestHarness(chaincfg.TestNet3Params(), service, nil)
		test.modify(h.addRecord(service))
		h.manage()
		if h.active.State() != StateNotCapable {
			t.Errorf("%q: unexpected state %v", test.name, h.active.State())
			continue
		}
		if status := h.active.Status(); !strings.Contains(status, test.reason) {
			t.Errorf("%q: unexpected status %q", test.name, status)
			continue
		}
		if n := len(h.net.relayed); n != 0 {
			t.Errorf("%q: unexpected relayed inventory %d", test.name, n)
		}
	}
}

// TestLocalStart ensures a masternode with the collateral in the wallet is
// announced by the node once the collateral is confirmed.
func TestLocalStart(t *testing.T) {
	t.Parallel()

	const service = "127.0.0.1:18655"
	wallet := &fakeWallet{
		balance: dcrutil.Amount(masternode.CollateralCoins * dcrutil.AtomsPerCoin),
		key:     testPrivKey(1),
	}
	h := newTestHarness(chaincfg.RegNetParams(), service, wallet)
	wallet.outpoint = h.outpoint

	h.manage()
	if h.active.State() != StateInputTooNew || h.active.Mode() != ModeLocal {
		t.Fatalf("unexpected state %v in mode %v", h.active.State(),
			h.active.Mode())
	}
	if len(wallet.locks) != 0 || len(h.reg.updates) != 0 {
		t.Fatal("unconfirmed collateral was announced")
	}

	h.chain.mtx.Lock()
	h.chain.utxos[h.outpoint] = &fakeUtxo{height: testTip}
	h.chain.mtx.Unlock()
	h.manage()
	if h.active.State() != StateStarted {
		t.Fatalf("unexpected state %v: %s", h.active.State(), h.active.Status())
	}
	if len(wallet.locks) != 1 || wallet.locks[0] != h.outpoint {
		t.Fatalf("collateral was not locked: %v", wallet.locks)
	}
	if len(h.reg.updates) != 1 {
		t.Fatalf("unexpected number of list updates %d", len(h.reg.updates))
	}
	msg := h.reg.updates[0]
	if err := masternode.VerifyAnnounce(msg); err != nil {
		t.Fatalf("announcement does not verify: %v", err)
	}
	if err := masternode.VerifyPing(&msg.LastPing, msg.OperatorPubKey); err != nil {
		t.Fatalf("announced ping does not verify: %v", err)
	}
	if msg.Addr.String() != service {
		t.Fatalf("unexpected announced address %v", msg.Addr)
	}
	announces := h.net.relayedOf(mnwire.InvTypeMNAnnounce)
	if len(announces) != 1 || announces[0].Hash != msg.Hash() {
		t.Fatalf("announcement was not relayed: %v", announces)
	}

	// The announcement carries a fresh ping, so no separate ping is sent.
	if n := len(h.net.relayedOf(mnwire.InvTypeMNPing)); n != 0 {
		t.Fatalf("unexpected number of relayed pings %d", n)
	}

	// Further evaluations start remotely without a new announcement.
	h.clock.advance(time.Minute)
	h.manage()
	if h.active.State() != StateStarted || len(h.reg.updates) != 1 {
		t.Fatalf("unexpected state %v after %d updates", h.active.State(),
			len(h.reg.updates))
	}
}

// TestRemoteFallback ensures wallets that cannot provide the collateral keep
// the masternode in remote mode.
func TestRemoteFallback(t *testing.T) {
	t.Parallel()

	collateral := dcrutil.Amount(masternode.CollateralCoins * dcrutil.AtomsPerCoin)
	tests := []struct {
		name   string
		wallet *fakeWallet
	}{
		{"locked", &fakeWallet{locked: true, balance: collateral, key: testPrivKey(1)}},
		{"low balance", &fakeWallet{balance: collateral - 1, key: testPrivKey(1)}},
		{"no collateral", &fakeWallet{balance: collateral}},
	}

	for _, test := range tests {
		h := newTestHarness(chaincfg.RegNetParams(), "127.0.0.1:18655",
			test.wallet)
		h.manage()
		if h.active.Mode() != ModeRemote {
			t.Errorf("%q: unexpected mode %v", test.name, h.active.Mode())
		}
	}
}
