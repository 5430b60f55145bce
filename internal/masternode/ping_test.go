// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/mnd/mnwire"
)

// TestPingAcceptance ensures pings are only accepted once the minimum ping
// interval since the last accepted ping has passed.
func TestPingAcceptance(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	now := h.now()
	msg := h.addMasternodeAt(m, now-5000, now-1000)
	last := msg.LastPing.SigTime

	tests := []struct {
		name    string
		sigTime int64
		wantErr error
	}{{
		name:    "one second inside the early window",
		sigTime: last + MinPingSeconds - 61,
		wantErr: ErrPingTooEarly,
	}, {
		name:    "right after the early window",
		sigTime: last + MinPingSeconds - 60,
		wantErr: nil,
	}, {
		name:    "right after the accepted ping",
		sigTime: last + MinPingSeconds,
		wantErr: ErrPingTooEarly,
	}, {
		name:    "minimum interval after the accepted ping",
		sigTime: last + 2*MinPingSeconds - 60,
		wantErr: nil,
	}}

	peer := newFakePeer("10.0.0.9:19108")
	for _, test := range tests {
		err := h.reg.ProcessPing(peer, m.ping(h.chain, test.sigTime))
		if !errors.Is(err, test.wantErr) {
			t.Fatalf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.wantErr)
		}
	}
	rec, _ := h.reg.Find(m.outpoint)
	if want := last + 2*MinPingSeconds - 60; rec.LastPing.SigTime != want {
		t.Fatalf("unexpected last ping -- got %d, want %d",
			rec.LastPing.SigTime, want)
	}
	if rec.State != StateEnabled {
		t.Fatalf("unexpected state -- got %v, want %v", rec.State,
			StateEnabled)
	}
	if got := len(h.net.relayed(mnwire.InvTypeMNPing)); got != 2 {
		t.Fatalf("unexpected number of relayed pings -- got %d, want 2", got)
	}
}

// TestPingErrors ensures invalid pings are rejected with the expected error
// kinds and ban scores.
func TestPingErrors(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	now := h.now()
	h.addMasternodeAt(m, now-20000, now-5000)
	other := newTestMasternode(2, "10.0.0.2:19108")

	tests := []struct {
		name    string
		ping    func() *mnwire.MsgMNPing
		wantErr ErrorKind
		wantBan uint32
	}{{
		name: "future sig time",
		ping: func() *mnwire.MsgMNPing {
			return m.ping(h.chain, now+maxFutureSeconds+1)
		},
		wantErr: ErrFutureTimestamp,
		wantBan: 1,
	}, {
		name: "unknown block",
		ping: func() *mnwire.MsgMNPing {
			ping := m.ping(h.chain, now-10)
			ping.BlockHash = chainhash.Hash{0x01}
			SignPing(ping, m.operatorKey)
			return ping
		},
		wantErr: ErrUnknownBlockHash,
	}, {
		name: "block too old",
		ping: func() *mnwire.MsgMNPing {
			ping := m.ping(h.chain, now-20)
			ping.BlockHash = testBlockHash(testTip - PingMaxBlockAge - 1)
			SignPing(ping, m.operatorKey)
			return ping
		},
		wantErr: ErrPingTooOld,
	}, {
		name: "bad signature",
		ping: func() *mnwire.MsgMNPing {
			ping := m.ping(h.chain, now-30)
			SignPing(ping, other.operatorKey)
			return ping
		},
		wantErr: ErrBadSignature,
		wantBan: 33,
	}, {
		name: "unknown masternode",
		ping: func() *mnwire.MsgMNPing {
			return other.ping(h.chain, now-40)
		},
		wantErr: ErrUnknownMasternode,
	}}

	for _, test := range tests {
		peer := newFakePeer("10.0.0.9:19108")
		err := h.reg.ProcessPing(peer, test.ping())
		if !errors.Is(err, test.wantErr) {
			t.Errorf("%q: unexpected error -- got %v, want %v", test.name,
				err, test.wantErr)
			continue
		}
		if score := BanScore(err); score != test.wantBan {
			t.Errorf("%q: unexpected ban score -- got %d, want %d",
				test.name, score, test.wantBan)
		}
	}
}

// TestPingUnknownMasternode ensures the entry of an unknown masternode is
// requested from the peer relaying its ping, but only once per interval.
func TestPingUnknownMasternode(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	peer := newFakePeer("10.0.0.9:19108")
	now := h.now()

	for i := int64(0); i < 3; i++ {
		err := h.reg.ProcessPing(peer, m.ping(h.chain, now-i))
		if !errors.Is(err, ErrUnknownMasternode) {
			t.Fatalf("unexpected error -- got %v, want %v", err,
				ErrUnknownMasternode)
		}
	}
	msgs := peer.messages()
	if len(msgs) != 1 {
		t.Fatalf("unexpected number of messages -- got %d, want 1", len(msgs))
	}
	dseg, ok := msgs[0].(*mnwire.MsgDseg)
	if !ok || dseg.Outpoint != m.outpoint {
		t.Fatalf("unexpected message %v", msgs[0])
	}

	h.clock.advance(DsegUpdateSeconds * time.Second)
	h.reg.ProcessPing(peer, m.ping(h.chain, h.now()))
	if got := len(peer.messages()); got != 2 {
		t.Fatalf("entry was not requested again -- got %d messages, want 2",
			got)
	}
}

// TestPingNewStartRequired ensures pings for masternodes that require a new
// start are ignored.
func TestPingNewStartRequired(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	m := newTestMasternode(1, "10.0.0.1:19108")
	now := h.now()
	h.addMasternodeAt(m, now-30000, now-NewStartRequiredSeconds-10)
	if state := h.reg.Check(m.outpoint, true); state != StateNewStartRequired {
		t.Fatalf("unexpected state -- got %v, want %v", state,
			StateNewStartRequired)
	}
	if err := h.reg.ProcessPing(nil, m.ping(h.chain, now)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, _ := h.reg.Find(m.outpoint)
	if rec.LastPing.SigTime == now {
		t.Fatal("ping for masternode requiring a new start was applied")
	}
}
