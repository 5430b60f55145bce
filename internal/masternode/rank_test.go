// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
)

// TestCalculateScore ensures scores are deterministic and depend on both the
// outpoint and the block hash.
func TestCalculateScore(t *testing.T) {
	t.Parallel()

	op1 := wire.OutPoint{Hash: chainhash.HashH([]byte{1})}
	op2 := wire.OutPoint{Hash: chainhash.HashH([]byte{1}), Index: 1}
	block1 := testBlockHash(1)
	block2 := testBlockHash(2)

	s1 := CalculateScore(&op1, &block1)
	if again := CalculateScore(&op1, &block1); !s1.Eq(&again) {
		t.Fatalf("score is not deterministic: %v != %v", s1, again)
	}
	if s := CalculateScore(&op2, &block1); s1.Eq(&s) {
		t.Fatal("score does not depend on the output index")
	}
	if s := CalculateScore(&op1, &block2); s1.Eq(&s) {
		t.Fatal("score does not depend on the block hash")
	}
}

// rankedOutpoints returns the outpoints of the ranked records in rank order.
func rankedOutpoints(ranks []RankedRecord) []wire.OutPoint {
	ops := make([]wire.OutPoint, len(ranks))
	for i := range ranks {
		ops[i] = ranks[i].Record.Outpoint
	}
	return ops
}

// TestRankDeterminism ensures ranking and payment queue selection are the
// same across repeated calls and independently constructed registries.
func TestRankDeterminism(t *testing.T) {
	t.Parallel()

	mns := testMasternodes(20)
	h1 := newTestHarness(t, nil)
	h2 := newTestHarness(t, nil)
	for i := range mns {
		h1.addMasternode(mns[i])
		h2.addMasternode(mns[len(mns)-1-i])
	}

	for _, height := range []int64{testTip - 10, testTip - 1, testTip} {
		ranks1 := rankedOutpoints(h1.reg.ranks(height, 0))
		ranks2 := rankedOutpoints(h2.reg.ranks(height, 0))
		if len(ranks1) != len(mns) {
			t.Fatalf("unexpected number of ranks -- got %d, want %d",
				len(ranks1), len(mns))
		}
		if spew.Sdump(ranks1) != spew.Sdump(ranks2) {
			t.Fatalf("ranks at height %d differ:\n%s\n%s", height,
				spew.Sdump(ranks1), spew.Sdump(ranks2))
		}
		for i, op := range ranks1 {
			rank, ok := h2.reg.Rank(op, height, 0, true)
			if !ok || rank != i+1 {
				t.Fatalf("unexpected rank of %v -- got %d (%v), want %d", op,
					rank, ok, i+1)
			}
		}

		next1, count1, ok1 := h1.reg.NextInQueue(height+1, true)
		for i := 0; i < 3; i++ {
			next2, count2, ok2 := h2.reg.NextInQueue(height+1, true)
			if !ok1 || !ok2 || next1.Outpoint != next2.Outpoint ||
				count1 != count2 {

				t.Fatalf("queue selection at height %d differs: %v/%d/%v "+
					"vs %v/%d/%v", height+1, next1.Outpoint, count1, ok1,
					next2.Outpoint, count2, ok2)
			}
		}
		if count1 != len(mns) {
			t.Fatalf("unexpected number of qualified masternodes -- got %d, "+
				"want %d", count1, len(mns))
		}
	}
}

// TestNextInQueueLastPaid ensures the payment queue only considers the tenth
// of the network paid the longest time ago.
func TestNextInQueueLastPaid(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	mns := testMasternodes(20)
	for _, m := range mns {
		h.addMasternode(m)
	}
	// Every masternode except the first two was paid recently.
	for _, m := range mns[2:] {
		h.record(m.outpoint).LastPaidHeight = testTip - 5
	}
	next, _, ok := h.reg.NextInQueue(testTip+1, true)
	if !ok {
		t.Fatal("no masternode selected")
	}
	if next.Outpoint != mns[0].outpoint && next.Outpoint != mns[1].outpoint {
		t.Fatalf("selected masternode %v was paid recently", next.Outpoint)
	}
}

// TestNextInQueueFallback ensures the announcement age filter is dropped when
// too few masternodes pass it.
func TestNextInQueueFallback(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	mns := testMasternodes(6)
	now := h.now()
	for _, m := range mns {
		// Announced too recently for six enabled masternodes.
		h.addMasternodeAt(m, now-700, now-50)
	}
	for _, m := range mns {
		q := h.qualify(m.outpoint, testTip+1, true)
		if q.Reason != TooNew {
			t.Fatalf("unexpected qualification -- got %v, want %v", q, TooNew)
		}
	}
	_, count, ok := h.reg.NextInQueue(testTip+1, true)
	if !ok || count != len(mns) {
		t.Fatalf("unexpected queue selection -- got count %d (%v), want %d",
			count, ok, len(mns))
	}
}

// TestQualify ensures the reasons a masternode does not qualify for payment
// are reported.
func TestQualify(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	mns := testMasternodes(3)
	for _, m := range mns {
		h.addMasternode(m)
	}
	payments := newFakePayments()
	h.reg.SetPaymentTracker(payments)

	tests := []struct {
		name  string
		setup func(rec *Record)
		want  QualifyReason
	}{{
		name:  "qualified",
		setup: func(rec *Record) {},
		want:  Qualified,
	}, {
		name:  "not enabled",
		setup: func(rec *Record) { rec.State = StateExpired },
		want:  NotValidForPayment,
	}, {
		name:  "old protocol",
		setup: func(rec *Record) { rec.ProtocolVersion = 1 },
		want:  OldProtocol,
	}, {
		name: "scheduled",
		setup: func(rec *Record) {
			payments.scheduled[string(rec.PayeeScript(h.params.Net))] = true
		},
		want: Scheduled,
	}, {
		name:  "too new",
		setup: func(rec *Record) { rec.SigTime = h.now() },
		want:  TooNew,
	}, {
		name: "collateral too young",
		setup: func(rec *Record) {
			rec.CollateralConfHeight = testTip - 1
		},
		want: CollateralTooYoung,
	}}

	for _, test := range tests {
		m := mns[0]
		rec := h.record(m.outpoint)
		saved := *rec
		test.setup(rec)
		q := h.qualify(m.outpoint, testTip+1, true)
		*rec = saved
		clear(payments.scheduled)
		if q.Reason != test.want {
			t.Errorf("%q: unexpected qualification -- got %v, want %v",
				test.name, q, test.want)
		}
		if q.Qualified() != (test.want == Qualified) {
			t.Errorf("%q: unexpected qualified flag %v", test.name,
				q.Qualified())
		}
	}
}
