// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

const (
	// testBaseTime is the timestamp of the genesis block of the fake chain.
	// Block n has timestamp testBaseTime + n.
	testBaseTime = 1700000000

	// testTip is the height of the fake chain tip.
	testTip = 200

	// testNow is the default time of the test clock.
	testNow = testBaseTime + 100000
)

// testBlockHash returns the deterministic hash of the fake block at height.
func testBlockHash(height int64) chainhash.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(height))
	return chainhash.HashH(b[:])
}

// fakeUtxo implements UtxoEntry.
type fakeUtxo struct {
	amount int64
	script []byte
	height int64
}

func (u *fakeUtxo) Amount() int64         { return u.amount }
func (u *fakeUtxo) ScriptVersion() uint16 { return 0 }
func (u *fakeUtxo) PkScript() []byte      { return u.script }
func (u *fakeUtxo) BlockHeight() int64    { return u.height }

// fakeChain implements ChainView with deterministic blocks.  Two fake chains
// with the same tip are identical.
type fakeChain struct {
	mtx       sync.Mutex
	tip       int64
	utxos     map[wire.OutPoint]*fakeUtxo
	coinbases map[int64][]*wire.TxOut
	utxoErr   error

	// reg is the registry served by the chain.  Lookups that query the
	// backend are counted as locked when its lock is held.
	reg           *Registry
	lookups       int
	lockedLookups int
}

func newFakeChain(tip int64) *fakeChain {
	return &fakeChain{
		tip:       tip,
		utxos:     make(map[wire.OutPoint]*fakeUtxo),
		coinbases: make(map[int64][]*wire.TxOut),
	}
}

func (c *fakeChain) BestHeight() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tip
}

func (c *fakeChain) BlockByHeight(height int64) (BlockInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if height < 0 || height > c.tip {
		return BlockInfo{}, ErrBlockNotFound
	}
	return BlockInfo{
		Hash:      testBlockHash(height),
		Height:    height,
		Timestamp: testBaseTime + height,
	}, nil
}

func (c *fakeChain) BlockByHash(hash *chainhash.Hash) (BlockInfo, error) {
	c.mtx.Lock()
	tip := c.tip
	c.mtx.Unlock()
	for height := tip; height >= 0; height-- {
		if testBlockHash(height) == *hash {
			return c.BlockByHeight(height)
		}
	}
	return BlockInfo{}, ErrBlockNotFound
}

// noteLookup counts a lookup that queries the backend.
func (c *fakeChain) noteLookup() {
	locked := false
	if c.reg != nil {
		locked = !c.reg.mtx.TryLock()
		if !locked {
			c.reg.mtx.Unlock()
		}
	}
	c.mtx.Lock()
	c.lookups++
	if locked {
		c.lockedLookups++
	}
	c.mtx.Unlock()
}

// lookupCounts returns the number of backend lookups and how many of them
// were made with the registry lock held.
func (c *fakeChain) lookupCounts() (int, int) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lookups, c.lockedLookups
}

func (c *fakeChain) FetchUtxoEntry(outpoint wire.OutPoint) (UtxoEntry, error) {
	c.noteLookup()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.utxoErr != nil {
		return nil, c.utxoErr
	}
	entry, ok := c.utxos[outpoint]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (c *fakeChain) CoinbaseOutputs(height int64) ([]*wire.TxOut, error) {
	c.noteLookup()
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if height < 0 || height > c.tip {
		return nil, ErrBlockNotFound
	}
	return c.coinbases[height], nil
}

func (c *fakeChain) IsCurrent() bool {
	return true
}

func (c *fakeChain) addUtxo(op wire.OutPoint, amount int64, script []byte, height int64) {
	c.mtx.Lock()
	c.utxos[op] = &fakeUtxo{amount: amount, script: script, height: height}
	c.mtx.Unlock()
}

func (c *fakeChain) spend(op wire.OutPoint) {
	c.mtx.Lock()
	delete(c.utxos, op)
	c.mtx.Unlock()
}

// fakeSync implements SyncStatus.
type fakeSync struct {
	mtx        sync.Mutex
	blockchain bool
	list       bool
	payments   bool
	added      int
}

func (s *fakeSync) IsBlockchainSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.blockchain
}

func (s *fakeSync) IsListSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.list
}

func (s *fakeSync) IsPaymentsSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.payments
}

func (s *fakeSync) IsSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.blockchain && s.list && s.payments
}

func (s *fakeSync) AddedListItem() {
	s.mtx.Lock()
	s.added++
	s.mtx.Unlock()
}

// fakeNet implements Network.
type fakeNet struct {
	mtx  sync.Mutex
	invs []*wire.InvVect
}

func (n *fakeNet) RelayInventory(iv *wire.InvVect) {
	n.mtx.Lock()
	n.invs = append(n.invs, iv)
	n.mtx.Unlock()
}

func (n *fakeNet) relayed(invType wire.InvType) []*wire.InvVect {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var invs []*wire.InvVect
	for _, iv := range n.invs {
		if iv.Type == invType {
			invs = append(invs, iv)
		}
	}
	return invs
}

// fakePeer implements Peer and records everything queued to it.
type fakePeer struct {
	id      int32
	addr    netip.AddrPort
	inbound bool

	mtx  sync.Mutex
	msgs []wire.Message
	invs []*wire.InvVect
}

func newFakePeer(addr string) *fakePeer {
	return &fakePeer{addr: netip.MustParseAddrPort(addr)}
}

func (p *fakePeer) ID() int32            { return p.id }
func (p *fakePeer) Addr() netip.AddrPort { return p.addr }
func (p *fakePeer) Inbound() bool        { return p.inbound }

func (p *fakePeer) QueueMessage(msg wire.Message) {
	p.mtx.Lock()
	p.msgs = append(p.msgs, msg)
	p.mtx.Unlock()
}

func (p *fakePeer) PushInventory(iv *wire.InvVect) {
	p.mtx.Lock()
	p.invs = append(p.invs, iv)
	p.mtx.Unlock()
}

func (p *fakePeer) messages() []wire.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]wire.Message(nil), p.msgs...)
}

// fakeDialer implements Dialer by handing out fake peers.
type fakeDialer struct {
	mtx   sync.Mutex
	peers map[netip.AddrPort]*fakePeer
	fail  map[netip.AddrPort]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		peers: make(map[netip.AddrPort]*fakePeer),
		fail:  make(map[netip.AddrPort]bool),
	}
}

func (d *fakeDialer) ConnectMasternode(ctx context.Context, addr netip.AddrPort) (Peer, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.fail[addr] {
		return nil, errors.New("connection refused")
	}
	p, ok := d.peers[addr]
	if !ok {
		p = &fakePeer{addr: addr}
		d.peers[addr] = p
	}
	return p, nil
}

// fakeFulfilled implements Fulfilled without expiry.
type fakeFulfilled struct {
	mtx sync.Mutex
	m   map[string]struct{}
}

func newFakeFulfilled() *fakeFulfilled {
	return &fakeFulfilled{m: make(map[string]struct{})}
}

func (f *fakeFulfilled) Add(addr netip.AddrPort, name string) {
	f.mtx.Lock()
	f.m[addr.String()+"/"+name] = struct{}{}
	f.mtx.Unlock()
}

func (f *fakeFulfilled) Has(addr netip.AddrPort, name string) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	_, ok := f.m[addr.String()+"/"+name]
	return ok
}

func (f *fakeFulfilled) Remove(addr netip.AddrPort, name string) {
	f.mtx.Lock()
	delete(f.m, addr.String()+"/"+name)
	f.mtx.Unlock()
}

// fakeLocal implements LocalMasternode.
type fakeLocal struct {
	key      *secp256k1.PrivateKey
	outpoint wire.OutPoint
	started  bool
	service  netip.AddrPort
}

func (l *fakeLocal) OperatorKey() *secp256k1.PrivateKey { return l.key }
func (l *fakeLocal) Outpoint() (wire.OutPoint, bool)    { return l.outpoint, l.started }
func (l *fakeLocal) Service() netip.AddrPort            { return l.service }

// fakePayments implements PaymentTracker.
type fakePayments struct {
	votes     map[int64]map[string]int
	scheduled map[string]bool
	limit     int64
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		votes:     make(map[int64]map[string]int),
		scheduled: make(map[string]bool),
		limit:     5000,
	}
}

func (p *fakePayments) HasPayeeWithVotes(height int64, payee []byte, votes int) bool {
	return p.votes[height][string(payee)] >= votes
}

func (p *fakePayments) IsScheduled(payee []byte, notHeight int64) bool {
	return p.scheduled[string(payee)]
}

func (p *fakePayments) StorageLimit() int64 {
	return p.limit
}

func (p *fakePayments) addVotes(height int64, payee []byte, votes int) {
	if p.votes[height] == nil {
		p.votes[height] = make(map[string]int)
	}
	p.votes[height][string(payee)] += votes
}

// testClock is an adjustable clock.
type testClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mtx.Lock()
	c.now = c.now.Add(d)
	c.mtx.Unlock()
}

// testMasternode holds the keys and identity of a masternode used in tests.
type testMasternode struct {
	collateralKey *secp256k1.PrivateKey
	operatorKey   *secp256k1.PrivateKey
	outpoint      wire.OutPoint
	addr          netip.AddrPort
}

// testPrivKey returns a deterministic private key for the seed.
func testPrivKey(seed byte, kind byte) *secp256k1.PrivateKey {
	var b [32]byte
	b[0] = 0x01
	b[1] = kind
	b[31] = seed
	return secp256k1.PrivKeyFromBytes(b[:])
}

// newTestMasternode returns a masternode with keys and outpoint derived from
// the seed.
func newTestMasternode(seed byte, addr string) *testMasternode {
	return &testMasternode{
		collateralKey: testPrivKey(seed, 1),
		operatorKey:   testPrivKey(seed, 2),
		outpoint: wire.OutPoint{
			Hash:  chainhash.HashH([]byte{seed}),
			Index: uint32(seed % 3),
		},
		addr: netip.MustParseAddrPort(addr),
	}
}

// ping returns a signed ping referencing the block PingBlockDepth below the
// tip of the chain.
func (m *testMasternode) ping(chain ChainView, sigTime int64) *mnwire.MsgMNPing {
	ping, err := NewPing(m.outpoint, chain, sigTime)
	if err != nil {
		panic(err)
	}
	SignPing(ping, m.operatorKey)
	return ping
}

// announce returns a signed announcement with an embedded ping.  No ping is
// embedded when pingTime is zero.
func (m *testMasternode) announce(chain ChainView, sigTime, pingTime int64) *mnwire.MsgMNAnnounce {
	msg := &mnwire.MsgMNAnnounce{
		Outpoint:         m.outpoint,
		Addr:             m.addr,
		CollateralPubKey: m.collateralKey.PubKey().SerializeCompressed(),
		OperatorPubKey:   m.operatorKey.PubKey().SerializeCompressed(),
		SigTime:          sigTime,
		ProtocolVersion:  mnwire.ProtocolVersion,
	}
	if pingTime != 0 {
		msg.LastPing = *m.ping(chain, pingTime)
	}
	SignAnnounce(msg, m.collateralKey)
	return msg
}

// payeeScript returns the script the masternode is paid to.
func (m *testMasternode) payeeScript(params *Params) []byte {
	return payeeScript(m.collateralKey.PubKey().SerializeCompressed(), params.Net)
}

// local returns the masternode as the started local masternode.
func (m *testMasternode) local() *fakeLocal {
	return &fakeLocal{
		key:      m.operatorKey,
		outpoint: m.outpoint,
		started:  true,
		service:  m.addr,
	}
}

// testHarness bundles a registry with its fake collaborators.
type testHarness struct {
	t         *testing.T
	params    *Params
	chain     *fakeChain
	sync      *fakeSync
	net       *fakeNet
	fulfilled *fakeFulfilled
	clock     *testClock
	reg       *Registry
}

// newTestHarness returns a synced regression test network registry.  The
// local masternode may be nil.
func newTestHarness(t *testing.T, local LocalMasternode) *testHarness {
	return newTestHarnessParams(t, NewParams(chaincfg.RegNetParams()), local)
}

func newTestHarnessParams(t *testing.T, params *Params, local LocalMasternode) *testHarness {
	h := &testHarness{
		t:         t,
		params:    params,
		chain:     newFakeChain(testTip),
		sync:      &fakeSync{blockchain: true, list: true, payments: true},
		net:       &fakeNet{},
		fulfilled: newFakeFulfilled(),
		clock:     &testClock{now: time.Unix(testNow, 0)},
	}
	h.reg = New(&Config{
		Params:    params,
		Chain:     h.chain,
		Sync:      h.sync,
		Net:       h.net,
		Fulfilled: h.fulfilled,
		Local:     local,
		Now:       h.clock.Now,
	})
	h.chain.reg = h.reg
	t.Cleanup(func() {
		if _, locked := h.chain.lookupCounts(); locked != 0 {
			t.Errorf("%d chain backend lookups were made with the registry "+
				"lock held", locked)
		}
	})
	return h
}

// now returns the current time of the harness clock in seconds.
func (h *testHarness) now() int64 {
	return h.clock.Now().Unix()
}

// fund creates the collateral output of the masternode at height 1.
func (h *testHarness) fund(m *testMasternode) {
	h.chain.addUtxo(m.outpoint, int64(h.params.CollateralAmount),
		m.payeeScript(h.params), 1)
}

// addMasternode funds and announces the masternode so that it ends up
// enabled.
func (h *testHarness) addMasternode(m *testMasternode) *mnwire.MsgMNAnnounce {
	h.t.Helper()
	now := h.now()
	return h.addMasternodeAt(m, now-2000, now-1000)
}

// addMasternodeAt funds and announces the masternode with the provided
// announcement and ping times.
func (h *testHarness) addMasternodeAt(m *testMasternode, sigTime, pingTime int64) *mnwire.MsgMNAnnounce {
	h.t.Helper()
	h.fund(m)
	msg := m.announce(h.chain, sigTime, pingTime)
	if err := h.reg.ProcessAnnounce(nil, msg); err != nil {
		h.t.Fatalf("unexpected error adding masternode %v: %v", m.outpoint,
			err)
	}
	if !h.reg.Has(m.outpoint) {
		h.t.Fatalf("masternode %v was not added", m.outpoint)
	}
	h.reg.Check(m.outpoint, true)
	return msg
}

// qualify returns whether the masternode qualifies for payment at height.
func (h *testHarness) qualify(op wire.OutPoint, height int64, filterSigTime bool) Qualification {
	h.reg.mtx.Lock()
	defer h.reg.mtx.Unlock()
	rec, ok := h.reg.records[op]
	if !ok {
		return Qualification{Reason: NotValidForPayment, Detail: "unknown masternode"}
	}
	enabled := h.reg.countEnabled(mnwire.MinPaymentsProtoVersion)
	return h.reg.qualify(rec, height, filterSigTime, enabled, h.reg.now())
}

// watchdogVote records a watchdog vote by the masternode at the current
// harness time.
func (h *testHarness) watchdogVote(op wire.OutPoint) {
	h.reg.mtx.Lock()
	defer h.reg.mtx.Unlock()
	rec, ok := h.reg.records[op]
	if !ok {
		return
	}
	now := h.now()
	rec.LastWatchdogVote = now
	h.reg.lastWatchdogVoteTime = now
}

// record returns the live record of the outpoint.
func (h *testHarness) record(op wire.OutPoint) *Record {
	h.t.Helper()
	h.reg.mtx.RLock()
	defer h.reg.mtx.RUnlock()
	rec, ok := h.reg.records[op]
	if !ok {
		h.t.Fatalf("no record for %v", op)
	}
	return rec
}

// testMasternodes returns n masternodes with distinct addresses.
func testMasternodes(n int) []*testMasternode {
	mns := make([]*testMasternode, 0, n)
	for i := 0; i < n; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)}),
			19108)
		mns = append(mns, newTestMasternode(byte(i+1), addr.String()))
	}
	return mns
}
