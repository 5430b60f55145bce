// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// tooNewSecondsPerNode is how long a newly announced masternode waits
// before it qualifies for payment, per enabled masternode.
const tooNewSecondsPerNode = 156

// CalculateScore returns the deterministic score of the masternode with the
// collateral outpoint for the block hash.  The score is the distance between
// the hash of the block hash and the hash of the block hash committed
// together with the outpoint, interpreted as 256-bit little endian integers.
func CalculateScore(outpoint *wire.OutPoint, blockHash *chainhash.Hash) uint256.Uint256 {
	var aux uint256.Uint256
	aux.SetBytesLE((*[32]byte)(&outpoint.Hash))
	aux.AddUint64(uint64(outpoint.Index))

	var buf [2 * chainhash.HashSize]byte
	copy(buf[:], blockHash[:])
	auxBytes := (*[32]byte)(buf[chainhash.HashSize:])
	aux.PutBytesLE(auxBytes)

	blockOnly := chainhash.HashH(blockHash[:])
	withAux := chainhash.HashH(buf[:])

	var hash2, hash3 uint256.Uint256
	hash2.SetBytesLE((*[32]byte)(&blockOnly))
	hash3.SetBytesLE((*[32]byte)(&withAux))
	if hash3.Gt(&hash2) {
		return *hash3.Sub(&hash2)
	}
	return *hash2.Sub(&hash3)
}

// compareOutpoints orders outpoints by hash, index, and tree.
func compareOutpoints(a, b *wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return cmp.Compare(a.Tree, b.Tree)
}

// scoredRecord pairs a record with its score for a block.
type scoredRecord struct {
	score uint256.Uint256
	rec   *Record
}

// sortByScore sorts the records by descending score.  Equal scores are
// ordered by outpoint so the result never depends on map iteration order.
func sortByScore(scored []scoredRecord) {
	slices.SortFunc(scored, func(a, b scoredRecord) int {
		if c := b.score.Cmp(&a.score); c != 0 {
			return c
		}
		return compareOutpoints(&a.rec.Outpoint, &b.rec.Outpoint)
	})
}

// scoreRecords returns the records accepted by the filter with their scores
// for the block at height sorted by rank.  It returns false when the block is
// not known.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) scoreRecords(height int64, minProto uint32, filter func(*Record) bool) ([]scoredRecord, bool) {
	block, err := r.chain.BlockByHeight(height)
	if err != nil {
		log.Debugf("Unable to rank masternodes at height %d: %v", height, err)
		return nil, false
	}
	scored := make([]scoredRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.ProtocolVersion < minProto || !filter(rec) {
			continue
		}
		scored = append(scored, scoredRecord{
			score: CalculateScore(&rec.Outpoint, &block.Hash),
			rec:   rec,
		})
	}
	sortByScore(scored)
	return scored, true
}

// RankedRecord is a copy of a record along with its rank for a block.  Rank 1
// is the highest.
type RankedRecord struct {
	Rank   int
	Record Record
}

// ranks returns the enabled records ranked for the block at height.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) ranks(height int64, minProto uint32) []RankedRecord {
	scored, ok := r.scoreRecords(height, minProto, (*Record).IsEnabled)
	if !ok {
		return nil
	}
	ranked := make([]RankedRecord, len(scored))
	for i := range scored {
		ranked[i] = RankedRecord{Rank: i + 1, Record: *scored[i].rec}
	}
	return ranked
}

// rank returns the rank of the outpoint for the block at height.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) rank(outpoint wire.OutPoint, height int64, minProto uint32, onlyActive bool) (int, bool) {
	filter := (*Record).IsValidForPayment
	if onlyActive {
		filter = (*Record).IsEnabled
	}
	scored, ok := r.scoreRecords(height, minProto, filter)
	if !ok {
		return 0, false
	}
	for i := range scored {
		if scored[i].rec.Outpoint == outpoint {
			return i + 1, true
		}
	}
	return 0, false
}

// Rank returns the rank of the masternode with the outpoint among the
// masternodes with at least the protocol version for the block at height.
// Only enabled masternodes are ranked when onlyActive is set and only those
// valid for payment otherwise.  It returns false when the block or the
// masternode is unknown.
func (r *Registry) Rank(outpoint wire.OutPoint, height int64, minProto uint32, onlyActive bool) (int, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.rank(outpoint, height, minProto, onlyActive)
}

// QualifyReason describes why a masternode does not qualify for payment.
type QualifyReason int

// These constants define the reasons a masternode does not qualify for
// payment.
const (
	Qualified QualifyReason = iota
	NotValidForPayment
	OldProtocol
	Scheduled
	TooNew
	CollateralTooYoung
)

var qualifyReasonStrings = map[QualifyReason]string{
	Qualified:          "qualified",
	NotValidForPayment: "not valid for payment",
	OldProtocol:        "invalid protocol version",
	Scheduled:          "is scheduled",
	TooNew:             "too new",
	CollateralTooYoung: "collateral age below masternode count",
}

// String returns the reason in human-readable form.
func (q QualifyReason) String() string {
	if s, ok := qualifyReasonStrings[q]; ok {
		return s
	}
	return fmt.Sprintf("unknown reason (%d)", int(q))
}

// Qualification is the result of checking whether a masternode qualifies for
// payment.
type Qualification struct {
	Reason QualifyReason
	Detail string
}

// Qualified returns whether the masternode qualifies.
func (q Qualification) Qualified() bool {
	return q.Reason == Qualified
}

// String returns the qualification in human-readable form.
func (q Qualification) String() string {
	if q.Detail == "" {
		return q.Reason.String()
	}
	return q.Reason.String() + ": " + q.Detail
}

// collateralAge returns the number of blocks since the collateral of the
// record was mined.  The collateral height is recorded when the record is
// added or when its collateral is looked up.
//
// This function MUST be called with the registry lock held (for reads).
func (r *Registry) collateralAge(rec *Record) (int64, bool) {
	if rec.CollateralConfHeight == 0 {
		return 0, false
	}
	return r.chain.BestHeight() - rec.CollateralConfHeight, true
}

// qualify returns whether the record qualifies for payment at height given
// the number of enabled masternodes.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) qualify(rec *Record, height int64, filterSigTime bool, enabled int, now int64) Qualification {
	if !rec.IsValidForPayment() {
		return Qualification{Reason: NotValidForPayment}
	}
	if rec.ProtocolVersion < mnwire.MinPaymentsProtoVersion {
		return Qualification{
			Reason: OldProtocol,
			Detail: fmt.Sprintf("protocol version %d", rec.ProtocolVersion),
		}
	}
	if r.payments != nil && r.payments.IsScheduled(rec.PayeeScript(r.params.Net), height) {
		return Qualification{Reason: Scheduled}
	}
	if filterSigTime {
		qualifiesAt := rec.SigTime + int64(enabled)*tooNewSecondsPerNode
		if qualifiesAt > now {
			return Qualification{
				Reason: TooNew,
				Detail: fmt.Sprintf("sig time %d, qualifies after %d",
					rec.SigTime, qualifiesAt),
			}
		}
	}
	age, ok := r.collateralAge(rec)
	if !ok || age < int64(enabled) {
		return Qualification{
			Reason: CollateralTooYoung,
			Detail: fmt.Sprintf("collateral age %d, masternode count %d", age,
				enabled),
		}
	}
	return Qualification{Reason: Qualified}
}

// queueCandidates returns the records that qualify for payment at height
// sorted by last paid height.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) queueCandidates(height int64, filterSigTime bool, enabled int, now int64) []*Record {
	var candidates []*Record
	for _, rec := range r.records {
		q := r.qualify(rec, height, filterSigTime, enabled, now)
		if !q.Qualified() {
			log.Tracef("Masternode %v does not qualify for payment: %v",
				rec.Outpoint, q)
			continue
		}
		candidates = append(candidates, rec)
	}
	slices.SortFunc(candidates, func(a, b *Record) int {
		if c := cmp.Compare(a.LastPaidHeight, b.LastPaidHeight); c != 0 {
			return c
		}
		return compareOutpoints(&a.Outpoint, &b.Outpoint)
	})
	return candidates
}

// nextInQueue implements NextInQueue.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) nextInQueue(height int64, filterSigTime bool) (*Record, int) {
	now := r.now()
	enabled := r.countEnabled(mnwire.MinPaymentsProtoVersion)
	candidates := r.queueCandidates(height, filterSigTime, enabled, now)

	// Do not penalize masternodes that recently restarted while the network
	// is upgrading.
	if filterSigTime && len(candidates) < enabled/3 {
		candidates = r.queueCandidates(height, false, enabled, now)
	}
	count := len(candidates)

	block, err := r.chain.BlockByHeight(height - PaymentBlockOffset)
	if err != nil {
		log.Debugf("Unable to select next masternode in queue for height "+
			"%d: %v", height, err)
		return nil, count
	}

	// Score the tenth of the network that was paid the longest time ago and
	// pick the highest.
	tenth := max(enabled/10, 1)
	var best *Record
	var highest uint256.Uint256
	for i, rec := range candidates {
		if i >= tenth {
			break
		}
		score := CalculateScore(&rec.Outpoint, &block.Hash)
		if score.Gt(&highest) {
			highest = score
			best = rec
		}
	}
	return best, count
}

// NextInQueue deterministically selects the masternode to be paid at height.
// Masternodes announced too recently are skipped when filterSigTime is set
// unless fewer than a third of the enabled masternodes would qualify.  It
// also returns the number of qualifying masternodes.
func (r *Registry) NextInQueue(height int64, filterSigTime bool) (Record, int, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	best, count := r.nextInQueue(height, filterSigTime)
	if best == nil {
		return Record{}, count, false
	}
	return *best, count, true
}
