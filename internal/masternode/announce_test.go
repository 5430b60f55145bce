// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// TestProcessAnnounceErrors ensures invalid announcements are rejected with
// the expected error kinds and ban scores.
func TestProcessAnnounceErrors(t *testing.T) {
	t.Parallel()

	other := newTestMasternode(99, "10.0.9.9:19108")
	tests := []struct {
		name    string
		mutate  func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce)
		fund    bool
		resign  bool
		wantErr ErrorKind
		wantBan uint32
	}{{
		name: "invalid address",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.Addr = netip.AddrPort{}
		},
		resign:  true,
		wantErr: ErrInvalidAddress,
	}, {
		name: "sig time too far in the future",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.SigTime = h.now() + maxFutureSeconds + 1
		},
		resign:  true,
		wantErr: ErrFutureTimestamp,
		wantBan: 1,
	}, {
		name: "old protocol",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.ProtocolVersion = mnwire.MinPaymentsProtoVersion - 1
		},
		resign:  true,
		wantErr: ErrOldProtocol,
	}, {
		name: "short operator key",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.OperatorPubKey = msg.OperatorPubKey[:20]
		},
		resign:  true,
		wantErr: ErrInvalidPubKeySize,
		wantBan: 100,
	}, {
		name: "non-empty signature script",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.SigScript = []byte{0x51}
		},
		resign:  true,
		wantErr: ErrNonEmptySigScript,
		wantBan: 100,
	}, {
		name: "mainnet port on regnet",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.Addr = netip.AddrPortFrom(msg.Addr.Addr(), h.params.MainNetPort)
		},
		resign:  true,
		wantErr: ErrBadPort,
	}, {
		name: "bad signature",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			msg.Addr = netip.MustParseAddrPort("10.0.0.3:19108")
		},
		fund:    true,
		wantErr: ErrBadSignature,
		wantBan: 100,
	}, {
		name:    "missing collateral",
		mutate:  func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {},
		wantErr: ErrUtxoMissing,
	}, {
		name: "wrong collateral amount",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			h.chain.addUtxo(m.outpoint, int64(h.params.CollateralAmount)-1,
				m.payeeScript(h.params), 1)
		},
		wantErr: ErrWrongCollateral,
	}, {
		name: "collateral not confirmed",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			h.chain.addUtxo(m.outpoint, int64(h.params.CollateralAmount),
				m.payeeScript(h.params), testTip+1)
		},
		wantErr: ErrInsufficientConfs,
	}, {
		name: "collateral paying another key",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			h.chain.addUtxo(m.outpoint, int64(h.params.CollateralAmount),
				other.payeeScript(h.params), 1)
		},
		wantErr: ErrSignerMismatch,
		wantBan: 33,
	}, {
		name: "signed before collateral confirmation",
		mutate: func(h *testHarness, m *testMasternode, msg *mnwire.MsgMNAnnounce) {
			h.chain.addUtxo(m.outpoint, int64(h.params.CollateralAmount),
				m.payeeScript(h.params), 150)
			msg.SigTime = testBaseTime + 100
		},
		resign:  true,
		wantErr: ErrTimeBeforeConfirmation,
	}}

	for _, test := range tests {
		h := newTestHarness(t, nil)
		m := newTestMasternode(1, "10.0.0.1:19108")
		if test.fund {
			h.fund(m)
		}
		now := h.now()
		msg := m.announce(h.chain, now-2000, now-1000)
		test.mutate(h, m, msg)
		if test.resign {
			SignAnnounce(msg, m.collateralKey)
		}

		err := h.reg.ProcessAnnounce(nil, msg)
		if !errors.Is(err, test.wantErr) {
			t.Errorf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.wantErr)
			continue
		}
		if score := BanScore(err); score != test.wantBan {
			t.Errorf("%q: unexpected ban score -- got %d, want %d",
				test.name, score, test.wantBan)
		}
		if h.reg.Has(m.outpoint) {
			t.Errorf("%q: rejected announcement was added", test.name)
		}
	}
}

// TestRejectedAnnounceFilter ensures announcements with an invalid signature
// are remembered as rejected while announcements whose collateral is not yet
// confirmed may be retried.
func TestRejectedAnnounceFilter(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	h.fund(m)
	now := h.now()
	msg := m.announce(h.chain, now-2000, now-1000)
	msg.Signature[10] ^= 0x55
	hash := msg.Hash()

	err := h.reg.ProcessAnnounce(nil, msg)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrBadSignature)
	}
	iv := wire.NewInvVect(mnwire.InvTypeMNAnnounce, &hash)
	if !h.reg.HaveInventory(iv) {
		t.Fatal("rejected announcement is not known")
	}
	if err := h.reg.ProcessAnnounce(nil, msg); err != nil {
		t.Fatalf("rejected announcement was validated again: %v", err)
	}

	// An announcement whose collateral lacks confirmations is forgotten.
	m2 := newTestMasternode(2, "10.0.0.2:19108")
	h.chain.addUtxo(m2.outpoint, int64(h.params.CollateralAmount),
		m2.payeeScript(h.params), testTip+1)
	msg2 := m2.announce(h.chain, now-2000, now-1000)
	err = h.reg.ProcessAnnounce(nil, msg2)
	if !errors.Is(err, ErrInsufficientConfs) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrInsufficientConfs)
	}
	hash2 := msg2.Hash()
	if h.reg.HaveInventory(wire.NewInvVect(mnwire.InvTypeMNAnnounce, &hash2)) {
		t.Fatal("announcement with unconfirmed collateral is still known")
	}
	h.fund(m2)
	if err := h.reg.ProcessAnnounce(nil, msg2); err != nil {
		t.Fatalf("unexpected error retrying announcement: %v", err)
	}
	if !h.reg.Has(m2.outpoint) {
		t.Fatal("retried announcement was not added")
	}
}

// TestAnnounceWithoutPing ensures an announcement without a ping is accepted
// with the record expired.
func TestAnnounceWithoutPing(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	h.fund(m)
	msg := m.announce(h.chain, h.now()-2000, 0)
	if err := h.reg.ProcessAnnounce(nil, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, ok := h.reg.Find(m.outpoint)
	if !ok {
		t.Fatal("announcement was not added")
	}
	if rec.State != StateExpired {
		t.Fatalf("unexpected state -- got %v, want %v", rec.State,
			StateExpired)
	}
	if invs := h.net.relayed(mnwire.InvTypeMNAnnounce); len(invs) != 1 {
		t.Fatalf("unexpected number of relayed announcements -- got %d, "+
			"want 1", len(invs))
	}
}

// TestUpdateFromAnnounce ensures newer announcements update known records
// and that recovery announcements bypass the identical sig time check.
func TestUpdateFromAnnounce(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	now := h.now()
	orig := h.addMasternodeAt(m, now-5000, now-4000)

	// A mismatched collateral key is rejected.
	fake := newTestMasternode(2, m.addr.String())
	bad := fake.announce(h.chain, now-1000, now-500)
	bad.Outpoint = m.outpoint
	SignAnnounce(bad, fake.collateralKey)
	err := h.reg.ProcessAnnounce(nil, bad)
	if !errors.Is(err, ErrKeyMismatch) || BanScore(err) != 33 {
		t.Fatalf("unexpected error -- got %v (ban %d), want %v (ban 33)",
			err, BanScore(err), ErrKeyMismatch)
	}

	// An older announcement is rejected.
	older := m.announce(h.chain, now-6000, now-1000)
	err = h.reg.ProcessAnnounce(nil, older)
	if !errors.Is(err, ErrBadSigTimeOrder) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrBadSigTimeOrder)
	}

	// The same announcement with a newer ping is a no-op unless it is a
	// recovery announcement.
	same := m.announce(h.chain, orig.SigTime, now-100)
	rec := h.record(m.outpoint)
	h.reg.mtx.Lock()
	err = h.reg.updateFromAnnounce(rec, same, false)
	h.reg.mtx.Unlock()
	if !errors.Is(err, ErrStaleSigTime) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrStaleSigTime)
	}
	if got := h.record(m.outpoint).LastPing.SigTime; got != orig.LastPing.SigTime {
		t.Fatalf("ping was updated by a stale announcement -- got %d, want %d",
			got, orig.LastPing.SigTime)
	}
	if err := h.reg.processAnnounce(nil, same, true); err != nil {
		t.Fatalf("unexpected error processing recovery announcement: %v", err)
	}
	if got := h.record(m.outpoint).LastPing.SigTime; got != now-100 {
		t.Fatalf("recovery announcement did not update the ping -- got %d, "+
			"want %d", got, now-100)
	}

	// A newer announcement updates the record and is relayed.
	newer := m.announce(h.chain, now-50, now-10)
	newer.Addr = netip.MustParseAddrPort("10.0.0.7:19108")
	SignAnnounce(newer, m.collateralKey)
	relayed := len(h.net.relayed(mnwire.InvTypeMNAnnounce))
	if err := h.reg.ProcessAnnounce(nil, newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec = h.record(m.outpoint)
	if rec.Addr != newer.Addr || rec.SigTime != newer.SigTime {
		t.Fatalf("record was not updated: %v", rec)
	}
	if got := len(h.net.relayed(mnwire.InvTypeMNAnnounce)); got != relayed+1 {
		t.Fatalf("updated announcement was not relayed")
	}
	origHash := orig.Hash()
	if _, ok := h.reg.SeenAnnounce(&origHash); ok {
		t.Fatal("replaced announcement is still in the seen cache")
	}
}
