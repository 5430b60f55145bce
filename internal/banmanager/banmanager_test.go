// Copyright (c) 2021 The Decred developers
// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmanager

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

// testPeer implements the Peer interface for the tests.
type testPeer struct {
	id           int32
	addr         netip.AddrPort
	inbound      bool
	disconnected atomic.Bool
}

func newTestPeer(id int32, addr string) *testPeer {
	return &testPeer{id: id, addr: netip.MustParseAddrPort(addr)}
}

func (p *testPeer) ID() int32            { return p.id }
func (p *testPeer) Addr() netip.AddrPort { return p.addr }
func (p *testPeer) Inbound() bool        { return p.inbound }
func (p *testPeer) Disconnect()          { p.disconnected.Store(true) }

// TestBanPeer tests ban manager peer banning functionality.
func TestBanPeer(t *testing.T) {
	bcfg := &Config{
		DisableBanning: false,
		BanThreshold:   100,
		BanDuration:    time.Millisecond * 500,
		MaxPeers:       10,
	}

	bmgr := NewBanManager(bcfg)

	// Add peer A, B and C.
	pA := newTestPeer(1, "10.0.0.1:9108")
	if err := bmgr.AddPeer(pA); err != nil {
		t.Fatalf("unexpected err -%v\n", err)
	}
	pB := newTestPeer(2, "10.0.0.2:9108")
	if err := bmgr.AddPeer(pB); err != nil {
		t.Fatalf("unexpected err -%v\n", err)
	}
	pC := newTestPeer(3, "10.0.0.3:9108")
	if err := bmgr.AddPeer(pC); err != nil {
		t.Fatalf("unexpected err -%v\n", err)
	}

	if len(bmgr.peers) != 3 {
		t.Fatalf("expected 3 tracked peers, got %d", len(bmgr.peers))
	}

	// Remove disconnected peer C.
	bmgr.RemovePeer(pC)

	bmgr.mtx.Lock()
	if len(bmgr.peers) != 2 {
		bmgr.mtx.Unlock()
		t.Fatalf("expected 2 tracked peers, got %d", len(bmgr.peers))
	}
	bmgr.mtx.Unlock()

	// Ensure the ban manager updates the correct peer's ban score.
	if score := bmgr.BanScore(pB); score != 0 {
		t.Fatalf("expected an unchanged ban score for peer B, got %d", score)
	}

	expectedABanScore := uint32(50)
	if bmgr.AddBanScore(pA, expectedABanScore, 0, "testing") {
		t.Fatal("peer A banned below the threshold")
	}
	if score := bmgr.BanScore(pA); score != expectedABanScore {
		t.Fatalf("expected a ban score of %d for peer A, got %d",
			expectedABanScore, score)
	}

	// Ban peer A by exceeding the ban threshold.
	if !bmgr.AddBanScore(pA, 120, 0, "testing") {
		t.Fatal("peer A not banned above the threshold")
	}
	if bmgr.lookupPeer(pA) != nil {
		t.Fatal("peer A still exists in the manager")
	}
	if !pA.disconnected.Load() {
		t.Fatal("banned peer A was not disconnected")
	}

	// Outrightly ban peer B.
	bmgr.BanPeer(pB)
	if bmgr.lookupPeer(pB) != nil {
		t.Fatal("peer B still exists in the manager")
	}

	bmgr.mtx.Lock()
	if len(bmgr.peers) != 0 {
		bmgr.mtx.Unlock()
		t.Fatalf("expected no tracked peers, got %d", len(bmgr.peers))
	}
	bmgr.mtx.Unlock()

	// Ensure there are two banned peers being tracked by the manager.
	bmgr.mtx.Lock()
	if len(bmgr.banned) != 2 {
		bmgr.mtx.Unlock()
		t.Fatalf("expected two tracked banned peers, got %d", len(bmgr.banned))
	}
	bmgr.mtx.Unlock()
	if !bmgr.IsBanned(pA.addr.Addr()) {
		t.Fatal("peer A host is not reported as banned")
	}

	// Ensure re-adding a banned peer fails if it is before the ban period
	// ends, including from another port.
	pA2 := newTestPeer(4, "10.0.0.1:19108")
	if err := bmgr.AddPeer(pA2); err == nil {
		t.Fatalf("expected a ban error \n")
	}
	if !pA2.disconnected.Load() {
		t.Fatal("peer from a banned host was not disconnected")
	}

	// Wait for the ban period to end.
	time.Sleep(time.Millisecond * 500)

	// Ensure re-adding a banned peer succeeds if it is after the ban period.
	pA3 := newTestPeer(5, "10.0.0.1:9108")
	if err := bmgr.AddPeer(pA3); err != nil {
		t.Fatalf("unexpected err -%v\n", err)
	}
	if bmgr.IsBanned(pA3.addr.Addr()) {
		t.Fatal("peer A host is still reported as banned")
	}

	bmgr.mtx.Lock()
	if len(bmgr.peers) != 1 {
		bmgr.mtx.Unlock()
		t.Fatalf("expected a tracked peer, got %d", len(bmgr.peers))
	}
	bmgr.mtx.Unlock()
}

// TestPeerWhitelist ensures whitelisted peers are identified and never
// banned.
func TestPeerWhitelist(t *testing.T) {
	whitelist := []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}
	bcfg := &Config{
		DisableBanning: false,
		BanThreshold:   100,
		BanDuration:    time.Hour,
		MaxPeers:       10,
		WhiteList:      whitelist,
	}

	bmgr := NewBanManager(bcfg)

	pA := newTestPeer(1, "10.0.0.1:9108")
	bmgr.AddPeer(pA)
	pB := newTestPeer(2, "10.0.0.2:9108")
	bmgr.AddPeer(pB)
	pC := newTestPeer(3, "[::ffff:10.0.0.1]:9108")
	bmgr.AddPeer(pC)
	pD := newTestPeer(4, "10.0.0.4:9108")

	tests := []struct {
		name string
		peer Peer
		want bool
	}{
		{"whitelisted", pA, true},
		{"not whitelisted", pB, false},
		{"mapped whitelisted", pC, true},
		{"unknown peer", pD, false},
	}
	for _, test := range tests {
		if got := bmgr.IsPeerWhitelisted(test.peer); got != test.want {
			t.Errorf("%q: unexpected whitelist status -- got %v, want %v",
				test.name, got, test.want)
		}
	}

	// Ensure whitelisted peers are never banned.
	if bmgr.AddBanScore(pA, 200, 0, "testing") {
		t.Fatal("whitelisted peer banned")
	}
	bmgr.BanPeer(pA)
	if pA.disconnected.Load() || bmgr.IsBanned(pA.addr.Addr()) {
		t.Fatal("whitelisted peer banned")
	}
}

// TestDisableBanning ensures no scores are tracked when banning is disabled.
func TestDisableBanning(t *testing.T) {
	bmgr := NewBanManager(&Config{
		DisableBanning: true,
		BanThreshold:   100,
		BanDuration:    time.Hour,
		MaxPeers:       10,
	})

	p := newTestPeer(1, "10.0.0.1:9108")
	if err := bmgr.AddPeer(p); err != nil {
		t.Fatalf("unexpected err -%v\n", err)
	}
	if bmgr.AddBanScore(p, 200, 0, "testing") {
		t.Fatal("peer banned with banning disabled")
	}
	bmgr.BanPeer(p)
	if p.disconnected.Load() || bmgr.BanScore(p) != 0 {
		t.Fatal("peer penalized with banning disabled")
	}
}
