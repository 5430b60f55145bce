// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"github.com/decred/dcrd/wire"
)

// outpointIndex assigns small sequential integers to collateral outpoints.
// Indexes are never reused within a session so removed outpoints leave gaps
// until the index is rebuilt.
type outpointIndex struct {
	indexes   map[wire.OutPoint]int
	outpoints []wire.OutPoint
}

func newOutpointIndex() *outpointIndex {
	return &outpointIndex{indexes: make(map[wire.OutPoint]int)}
}

// add assigns the next index to the outpoint unless it already has one.
func (x *outpointIndex) add(op wire.OutPoint) {
	if _, ok := x.indexes[op]; ok {
		return
	}
	x.indexes[op] = len(x.outpoints)
	x.outpoints = append(x.outpoints, op)
}

func (x *outpointIndex) indexOf(op wire.OutPoint) (int, bool) {
	i, ok := x.indexes[op]
	return i, ok
}

func (x *outpointIndex) outpoint(i int) (wire.OutPoint, bool) {
	if i < 0 || i >= len(x.outpoints) {
		return wire.OutPoint{}, false
	}
	return x.outpoints[i], true
}

func (x *outpointIndex) size() int {
	return len(x.outpoints)
}

// rebuildIndex compacts the index when it grew well beyond the number of
// records.  The previous index is kept so that indexes handed out before the
// rebuild can still be resolved.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) rebuildIndex() {
	now := r.now()
	if now-r.lastIndexRebuild < MinIndexRebuildTime {
		return
	}
	if r.index.size() <= MaxExpectedIndexSize {
		return
	}
	if r.index.size() <= len(r.records) {
		return
	}

	index := newOutpointIndex()
	for _, op := range r.index.outpoints {
		if _, ok := r.records[op]; ok {
			index.add(op)
		}
	}
	log.Infof("Rebuilt masternode index (%d -> %d entries)", r.index.size(),
		index.size())
	r.oldIndex = r.index
	r.index = index
	r.lastIndexRebuild = now
}
