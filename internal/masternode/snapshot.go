// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/mnwire"
)

// snapshotVersion identifies the serialization format of registry
// snapshots.  Snapshots carrying any other tag are discarded.
const snapshotVersion = "MasternodeRegistry-Version-1"

// maxSnapshotEntries bounds the number of entries of every collection read
// from a snapshot.
const maxSnapshotEntries = 1 << 20

// ErrSnapshotVersion is returned when a snapshot was written with an
// unrecognized format.  The registry is reset to empty in that case.
var ErrSnapshotVersion = errors.New("unrecognized snapshot version")

// recordStats is the fixed size bookkeeping part of a serialized record.
type recordStats struct {
	LastChecked          int64
	LastPaidHeight       int64
	LastPaidTime         int64
	LastWatchdogVote     int64
	CollateralConfHeight int64
	PoSeBanScore         int32
	PoSeBanHeight        int64
	State                uint8
}

func writeRecord(w io.Writer, rec *Record) error {
	if err := rec.Announce().BtcEncode(w, mnwire.ProtocolVersion); err != nil {
		return err
	}
	stats := recordStats{
		LastChecked:          rec.LastChecked,
		LastPaidHeight:       rec.LastPaidHeight,
		LastPaidTime:         rec.LastPaidTime,
		LastWatchdogVote:     rec.LastWatchdogVote,
		CollateralConfHeight: rec.CollateralConfHeight,
		PoSeBanScore:         int32(rec.PoSeBanScore),
		PoSeBanHeight:        rec.PoSeBanHeight,
		State:                uint8(rec.State),
	}
	return binary.Write(w, binary.LittleEndian, &stats)
}

func readRecord(r io.Reader) (*Record, error) {
	var msg mnwire.MsgMNAnnounce
	if err := msg.BtcDecode(r, mnwire.ProtocolVersion); err != nil {
		return nil, err
	}
	var stats recordStats
	if err := binary.Read(r, binary.LittleEndian, &stats); err != nil {
		return nil, err
	}
	rec := newRecord(&msg, State(stats.State))
	rec.LastChecked = stats.LastChecked
	rec.LastPaidHeight = stats.LastPaidHeight
	rec.LastPaidTime = stats.LastPaidTime
	rec.LastWatchdogVote = stats.LastWatchdogVote
	rec.CollateralConfHeight = stats.CollateralConfHeight
	rec.PoSeBanScore = int(stats.PoSeBanScore)
	rec.PoSeBanHeight = stats.PoSeBanHeight
	return rec, nil
}

func readCount(r io.Reader, what string) (int, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return 0, err
	}
	if n > maxSnapshotEntries {
		return 0, fmt.Errorf("too many %s in snapshot [count %d, max %d]",
			what, n, maxSnapshotEntries)
	}
	return int(n), nil
}

func writeAskedMap(w io.Writer, m map[netip.Addr]int64) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(m))); err != nil {
		return err
	}
	for addr, next := range m {
		if err := mnwire.WriteServiceAddr(w, netip.AddrPortFrom(addr, 0)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, next); err != nil {
			return err
		}
	}
	return nil
}

func readAskedMap(r io.Reader) (map[netip.Addr]int64, error) {
	n, err := readCount(r, "addresses")
	if err != nil {
		return nil, err
	}
	m := make(map[netip.Addr]int64, n)
	for i := 0; i < n; i++ {
		addr, err := mnwire.ReadServiceAddr(r)
		if err != nil {
			return nil, err
		}
		var next int64
		if err := binary.Read(r, binary.LittleEndian, &next); err != nil {
			return nil, err
		}
		m[addr.Addr()] = next
	}
	return m, nil
}

// Serialize returns a snapshot of the records, the list request bookkeeping,
// and the outpoint index.
func (r *Registry) Serialize() ([]byte, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, snapshotVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, r.lastWatchdogVoteTime); err != nil {
		return nil, err
	}

	// Records are written in index order so snapshots of the same registry
	// are identical.
	if err := wire.WriteVarInt(&buf, 0, uint64(len(r.records))); err != nil {
		return nil, err
	}
	for _, op := range r.index.outpoints {
		rec, ok := r.records[op]
		if !ok {
			continue
		}
		if err := writeRecord(&buf, rec); err != nil {
			return nil, err
		}
	}

	if err := writeAskedMap(&buf, r.askedUsForList); err != nil {
		return nil, err
	}
	if err := writeAskedMap(&buf, r.weAskedForList); err != nil {
		return nil, err
	}
	if err := wire.WriteVarInt(&buf, 0, uint64(len(r.weAskedForEntry))); err != nil {
		return nil, err
	}
	for op, asked := range r.weAskedForEntry {
		if err := mnwire.WriteOutPoint(&buf, &op); err != nil {
			return nil, err
		}
		if err := writeAskedMap(&buf, asked); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Deserialize replaces the contents of the registry with the snapshot.  The
// registry is left empty when the snapshot cannot be decoded or was written
// with a different format version.
func (r *Registry) Deserialize(b []byte) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.clear()
	if err := r.deserialize(bytes.NewReader(b)); err != nil {
		r.clear()
		return err
	}
	log.Infof("Loaded %d masternode %s from snapshot", len(r.records),
		pickNoun(len(r.records), "record", "records"))
	return nil
}

// deserialize decodes the snapshot into the empty registry.
//
// This function MUST be called with the registry lock held (for writes).
func (r *Registry) deserialize(rd io.Reader) error {
	version, err := wire.ReadVarString(rd, 0)
	if err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("%w %q", ErrSnapshotVersion, version)
	}
	if err := binary.Read(rd, binary.LittleEndian, &r.lastWatchdogVoteTime); err != nil {
		return err
	}

	n, err := readCount(rd, "records")
	if err != nil {
		return err
	}
	now := r.now()
	for i := 0; i < n; i++ {
		rec, err := readRecord(rd)
		if err != nil {
			return err
		}
		if !r.add(rec) {
			return fmt.Errorf("duplicate masternode %v in snapshot",
				rec.Outpoint)
		}
		msg := rec.Announce()
		r.seenAnnounces[msg.Hash()] = &seenAnnounce{lastSeen: now, msg: msg}
		if !rec.LastPing.IsZero() {
			ping := rec.LastPing
			r.seenPings[ping.Hash()] = &ping
		}
	}

	if r.askedUsForList, err = readAskedMap(rd); err != nil {
		return err
	}
	if r.weAskedForList, err = readAskedMap(rd); err != nil {
		return err
	}
	if n, err = readCount(rd, "requested entries"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var op wire.OutPoint
		if err := mnwire.ReadOutPoint(rd, &op); err != nil {
			return err
		}
		asked, err := readAskedMap(rd)
		if err != nil {
			return err
		}
		r.weAskedForEntry[op] = asked
	}
	return nil
}
