// Copyright (c) 2021-2022 The Decred developers
// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	// currentStoreVersion indicates the current checkpoint database version.
	currentStoreVersion = 1

	// dbName is the name of the checkpoint database.
	dbName = "mncache"
)

// These keys identify the snapshots kept by the store.
const (
	KeyRegistry = "registry"
	KeyPayments = "payments"
)

// versionKey is the key of the database version.
var versionKey = []byte("version")

// Snapshotter is implemented by the structures whose contents are
// checkpointed.
type Snapshotter interface {
	// Serialize returns a snapshot of the contents.
	Serialize() ([]byte, error)

	// Deserialize replaces the contents with the snapshot.  The contents are
	// left empty when the snapshot cannot be decoded.
	Deserialize(b []byte) error
}

// Store is a leveldb database of snapshots.
type Store struct {
	db   *leveldb.DB
	path string
}

// convertLdbErr converts the passed leveldb error into an Error with an
// equivalent error kind and the passed description.
func convertLdbErr(ldbErr error, desc string) Error {
	var kind = ErrStore
	switch {
	case ldberrors.IsCorrupted(ldbErr):
		kind = ErrStoreCorruption
	case errors.Is(ldbErr, leveldb.ErrClosed):
		kind = ErrStoreNotOpen
	}

	err := storeError(kind, fmt.Sprintf("%s: %v", desc, ldbErr))
	err.RawErr = ldbErr
	return err
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// Open loads (or creates when needed) the checkpoint database under the data
// directory.  The regression test network always starts with an empty
// database.
func Open(net wire.CurrencyNet, dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, dbName)
	if net == wire.RegNet && fileExists(dbPath) {
		log.Infof("Removing regression test checkpoint database from '%s'",
			dbPath)
		if err := os.RemoveAll(dbPath); err != nil {
			return nil, err
		}
	}

	dbExists := fileExists(dbPath)
	if !dbExists {
		// The error can be ignored here since the call to leveldb.OpenFile
		// will fail if the directory couldn't be created.
		_ = os.MkdirAll(dataDir, 0700)
	}

	log.Infof("Loading checkpoint database from '%s'", dbPath)
	opts := opt.Options{
		ErrorIfExist: !dbExists,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open checkpoint database")
	}
	s := &Store{db: db, path: dbPath}
	if err := s.checkVersion(!dbExists); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkVersion writes the current version to a new database and ensures an
// existing database was not created by a newer version.
func (s *Store) checkVersion(created bool) error {
	if created {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], currentStoreVersion)
		if err := s.db.Put(versionKey, b[:], nil); err != nil {
			return convertLdbErr(err, "failed to store database version")
		}
		return nil
	}

	b, err := s.db.Get(versionKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			str := "checkpoint database has no version"
			return storeError(ErrStoreCorruption, str)
		}
		return convertLdbErr(err, "failed to load database version")
	}
	if len(b) != 4 {
		str := fmt.Sprintf("malformed checkpoint database version %x", b)
		return storeError(ErrStoreCorruption, str)
	}
	if v := binary.LittleEndian.Uint32(b); v > currentStoreVersion {
		str := fmt.Sprintf("checkpoint database version %d is newer than "+
			"the supported version %d", v, currentStoreVersion)
		return storeError(ErrStoreVersion, str)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return convertLdbErr(err, "failed to close checkpoint database")
	}
	return nil
}

// Load returns the snapshot stored under the key.  It returns nil for both
// the snapshot and the error if the database does not contain the key.
func (s *Store) Load(key string) ([]byte, error) {
	b, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		str := fmt.Sprintf("failed to load %s snapshot", key)
		return nil, convertLdbErr(err, str)
	}
	return b, nil
}

// Save stores the snapshot under the key.
func (s *Store) Save(key string, b []byte) error {
	if err := s.db.Put([]byte(key), b, nil); err != nil {
		str := fmt.Sprintf("failed to save %s snapshot", key)
		return convertLdbErr(err, str)
	}
	return nil
}

// SaveSnapshots serializes every structure and stores all of the snapshots
// atomically.  Nothing is stored when any of them fails to serialize.
func (s *Store) SaveSnapshots(snaps map[string]Snapshotter) error {
	var batch leveldb.Batch
	for key, snap := range snaps {
		b, err := snap.Serialize()
		if err != nil {
			return fmt.Errorf("failed to serialize %s snapshot: %w", key, err)
		}
		batch.Put([]byte(key), b)
		log.Debugf("Saving %d byte %s snapshot", len(b), key)
	}
	if err := s.db.Write(&batch, nil); err != nil {
		return convertLdbErr(err, "failed to save snapshots")
	}
	log.Infof("Saved %d %s to '%s'", len(snaps),
		pickNoun(len(snaps), "snapshot", "snapshots"), s.path)
	return nil
}

// LoadSnapshot replaces the contents of the structure with the snapshot
// stored under the key and returns whether one was loaded.  A snapshot that
// fails to decode is discarded and only logged, leaving the structure empty.
func (s *Store) LoadSnapshot(key string, snap Snapshotter) (bool, error) {
	b, err := s.Load(key)
	if err != nil {
		return false, err
	}
	if b == nil {
		log.Debugf("No %s snapshot found", key)
		return false, nil
	}
	if err := snap.Deserialize(b); err != nil {
		log.Warnf("Discarding %s snapshot: %v", key, err)
		if err := s.db.Delete([]byte(key), nil); err != nil {
			str := fmt.Sprintf("failed to remove %s snapshot", key)
			return false, convertLdbErr(err, str)
		}
		return false, nil
	}
	return true, nil
}

// pickNoun returns the singular or plural form of a noun depending on the count
// n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
