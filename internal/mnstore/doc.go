// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mnstore persists checkpoints of the masternode registry and the
payment ledger in a leveldb database.

Each checkpoint is an opaque snapshot produced by the structure it describes
and is stored under a fixed key.  Snapshots are written when the daemon shuts
down and loaded when it starts.  A snapshot that can no longer be decoded, for
example because it was written with a different format version, leaves the
structure empty so it is rebuilt from the network.
*/
package mnstore
