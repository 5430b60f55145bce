// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package masternode implements the masternode registry.

The registry is the authoritative table of masternodes known to the node,
keyed by collateral outpoint.  Records enter the table through signed
announcements whose collateral is validated against the chain, stay alive
through signed pings, and are removed once their collateral is spent.  The
state of every record is re-derived from the record and the chain each time
it is checked rather than stored as a sequence of transitions.

The registry additionally provides the deterministic scoring used to rank
masternodes for a block, selects the next masternode in the payment queue,
verifies that masternodes actually serve their advertised address (proof of
service), bans duplicate addresses, and recovers records that require a new
start by asking a quorum of top ranked masternodes for a fresh announcement.

# Errors

Validation failures are returned as RuleError values which wrap an ErrorKind
and carry the ban score the offending peer should receive.  Callers use
errors.Is to test for a specific kind and BanScore to obtain the score.

# Concurrency

All exported methods of Registry are safe for concurrent use.  The registry
may call into its PaymentTracker while holding its own lock, so the tracker
must never call back into the registry while holding its lock.
*/
package masternode
