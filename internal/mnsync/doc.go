// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mnsync implements the bootstrap synchronizer that brings a freshly
started node from having no masternode data to being fully synced.

The synchronizer works through a fixed sequence of stages.  It first asks every
peer for its network feature flags, then requests the masternode list and
finally the payment votes for the upcoming blocks.  Each stage is given a fixed
amount of time to make progress.  A stage that times out without a single
request having been made fails the whole sync, which is retried after a cooldown.

The decision of what to request from whom is made by Step, which only updates
the synchronizer state and returns the actions to perform.  Tick gathers the
connected peers, calls Step, and carries out the returned actions.  At most one
list or payment vote request is issued per tick to spread the load across peers.

The registry and the payment ledger query the current stage through the methods
of Orchestrator.  Those queries never block on the synchronizer lock, so they
are safe to call while holding the locks of the calling subsystem.
*/
package mnsync
