// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/mnwire"
)

// testTip is the default height of the fake chain tip.  It is high enough for
// the whole minimum storage window to be below it.
const testTip = 6000

// testBlockHash returns the deterministic hash of the fake block at height.
func testBlockHash(height int64) chainhash.Hash {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(height))
	return chainhash.HashH(b[:])
}

// fakeChain implements masternode.ChainView with deterministic blocks.
type fakeChain struct {
	mtx sync.Mutex
	tip int64
}

func (c *fakeChain) BestHeight() int64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.tip
}

func (c *fakeChain) BlockByHeight(height int64) (masternode.BlockInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if height < 0 || height > c.tip {
		return masternode.BlockInfo{}, masternode.ErrBlockNotFound
	}
	return masternode.BlockInfo{
		Hash:      testBlockHash(height),
		Height:    height,
		Timestamp: 1700000000 + height,
	}, nil
}

func (c *fakeChain) BlockByHash(hash *chainhash.Hash) (masternode.BlockInfo, error) {
	tip := c.BestHeight()
	for height := tip; height >= 0; height-- {
		if testBlockHash(height) == *hash {
			return c.BlockByHeight(height)
		}
	}
	return masternode.BlockInfo{}, masternode.ErrBlockNotFound
}

func (c *fakeChain) FetchUtxoEntry(wire.OutPoint) (masternode.UtxoEntry, error) {
	return nil, nil
}

func (c *fakeChain) CoinbaseOutputs(int64) ([]*wire.TxOut, error) {
	return nil, nil
}

func (c *fakeChain) IsCurrent() bool {
	return true
}

// fakeRegistry implements Masternodes.
type fakeRegistry struct {
	mtx     sync.Mutex
	records map[wire.OutPoint]masternode.Record
	ranks   map[wire.OutPoint]int
	next    *masternode.Record
	size    int
	asked   []wire.OutPoint
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		records: make(map[wire.OutPoint]masternode.Record),
		ranks:   make(map[wire.OutPoint]int),
	}
}

func (r *fakeRegistry) Find(outpoint wire.OutPoint) (masternode.Record, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rec, ok := r.records[outpoint]
	return rec, ok
}

func (r *fakeRegistry) Rank(outpoint wire.OutPoint, height int64, minProto uint32, onlyActive bool) (int, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rank, ok := r.ranks[outpoint]
	return rank, ok
}

func (r *fakeRegistry) NextInQueue(height int64, filterSigTime bool) (masternode.Record, int, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.next == nil {
		return masternode.Record{}, 0, false
	}
	return *r.next, len(r.records), true
}

func (r *fakeRegistry) AskForMN(peer masternode.Peer, outpoint wire.OutPoint) {
	r.mtx.Lock()
	r.asked = append(r.asked, outpoint)
	r.mtx.Unlock()
}

func (r *fakeRegistry) Size() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.size != 0 {
		return r.size
	}
	return len(r.records)
}

func (r *fakeRegistry) add(v *testVoter, rank int) {
	r.mtx.Lock()
	r.records[v.rec.Outpoint] = v.rec
	r.ranks[v.rec.Outpoint] = rank
	r.mtx.Unlock()
}

func (r *fakeRegistry) askedFor() []wire.OutPoint {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]wire.OutPoint(nil), r.asked...)
}

// fakeSync implements SyncStatus.
type fakeSync struct {
	mtx      sync.Mutex
	list     bool
	payments bool
	synced   bool
	added    int
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
	return s.synced
}

func (s *fakeSync) AddedPaymentVote() {
	s.mtx.Lock()
	s.added++
	s.mtx.Unlock()
}

// fakeNet implements masternode.Network.
type fakeNet struct {
	mtx  sync.Mutex
	invs []*wire.InvVect
}

func (n *fakeNet) RelayInventory(iv *wire.InvVect) {
	n.mtx.Lock()
	n.invs = append(n.invs, iv)
	n.mtx.Unlock()
}

func (n *fakeNet) relayed() []*wire.InvVect {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]*wire.InvVect(nil), n.invs...)
}

// fakePeer implements masternode.Peer and records everything queued to it.
type fakePeer struct {
	addr netip.AddrPort

	mtx  sync.Mutex
	msgs []wire.Message
	invs []*wire.InvVect
}

func newFakePeer(addr string) *fakePeer {
	return &fakePeer{addr: netip.MustParseAddrPort(addr)}
}

func (p *fakePeer) ID() int32            { return 1 }
func (p *fakePeer) Addr() netip.AddrPort { return p.addr }
func (p *fakePeer) Inbound() bool        { return true }

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

// fakeFulfilled implements masternode.Fulfilled without expiry.
type fakeFulfilled struct {
	mtx sync.Mutex
	m   map[string]struct{}
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

// fakeLocal implements masternode.LocalMasternode.
type fakeLocal struct {
	key      *secp256k1.PrivateKey
	outpoint wire.OutPoint
}

func (l *fakeLocal) OperatorKey() *secp256k1.PrivateKey { return l.key }
func (l *fakeLocal) Outpoint() (wire.OutPoint, bool)    { return l.outpoint, true }
func (l *fakeLocal) Service() netip.AddrPort            { return netip.AddrPort{} }

// testPrivKey returns a deterministic private key for the seed.
func testPrivKey(seed byte, kind byte) *secp256k1.PrivateKey {
	var b [32]byte
	b[0] = 0x01
	b[1] = kind
	b[31] = seed
	return secp256k1.PrivKeyFromBytes(b[:])
}

// testVoter is a masternode casting payment votes in tests.
type testVoter struct {
	key *secp256k1.PrivateKey
	rec masternode.Record
}

// newTestVoter returns an enabled masternode with keys and outpoint derived
// from the seed.
func newTestVoter(seed byte) *testVoter {
	key := testPrivKey(seed, 2)
	return &testVoter{
		key: key,
		rec: masternode.Record{
			Outpoint:         wire.OutPoint{Hash: chainhash.HashH([]byte{seed})},
			CollateralPubKey: testPrivKey(seed, 1).PubKey().SerializeCompressed(),
			OperatorPubKey:   key.PubKey().SerializeCompressed(),
			ProtocolVersion:  mnwire.ProtocolVersion,
			State:            masternode.StateEnabled,
		},
	}
}

// vote returns a signed vote for the payee of height.
func (v *testVoter) vote(height int64, payee []byte) *mnwire.MsgPaymentVote {
	vote := &mnwire.MsgPaymentVote{
		Voter:       v.rec.Outpoint,
		BlockHeight: height,
		Payee:       payee,
	}
	vote.Signature = masternode.SignMessage(v.key, vote)
	return vote
}

// local returns the voter as the local masternode.
func (v *testVoter) local() *fakeLocal {
	return &fakeLocal{key: v.key, outpoint: v.rec.Outpoint}
}

// testVoters returns n voters with distinct seeds starting at 1.
func testVoters(n int) []*testVoter {
	voters := make([]*testVoter, 0, n)
	for i := 0; i < n; i++ {
		voters = append(voters, newTestVoter(byte(i+1)))
	}
	return voters
}

// testHarness bundles a ledger with its fake collaborators.
type testHarness struct {
	t         *testing.T
	params    *masternode.Params
	chain     *fakeChain
	reg       *fakeRegistry
	sync      *fakeSync
	net       *fakeNet
	fulfilled *fakeFulfilled
	sporks    *StaticSporks
	ledger    *Ledger
}

// newTestHarness returns a synced regression test network ledger.  The local
// masternode may be nil.
func newTestHarness(t *testing.T, local masternode.LocalMasternode) *testHarness {
	return newTestHarnessParams(t, chaincfg.RegNetParams(), local)
}

func newTestHarnessParams(t *testing.T, net *chaincfg.Params, local masternode.LocalMasternode) *testHarness {
	h := &testHarness{
		t:         t,
		params:    masternode.NewParams(net),
		chain:     &fakeChain{tip: testTip},
		reg:       newFakeRegistry(),
		sync:      &fakeSync{list: true, payments: true, synced: true},
		net:       &fakeNet{},
		fulfilled: &fakeFulfilled{m: make(map[string]struct{})},
		sporks:    &StaticSporks{Started: true, Enforced: true},
	}
	h.ledger = New(&Config{
		Params:      h.params,
		Chain:       h.chain,
		Masternodes: h.reg,
		Sync:        h.sync,
		Sporks:      h.sporks,
		Net:         h.net,
		Fulfilled:   h.fulfilled,
		Local:       local,
	})
	return h
}

// payee returns the payee script of the voter.
func (h *testHarness) payee(v *testVoter) []byte {
	return v.rec.PayeeScript(h.params.Net)
}

// addVotes counts one vote of each voter for the payee of height.
func (h *testHarness) addVotes(height int64, payee []byte, voters []*testVoter) {
	h.t.Helper()
	for _, v := range voters {
		if !h.ledger.AddPaymentVote(v.vote(height, payee)) {
			h.t.Fatalf("vote of %v for height %d was not added",
				v.rec.Outpoint, height)
		}
	}
}
