// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package activemn drives the masternode operated by the local node.

The activation state machine is evaluated periodically.  Once the chain is
synced it checks the network configuration of the node and decides whether the
node merely operates a masternode announced from elsewhere (remote mode) or
also holds the collateral key in its wallet (local mode).  A remote masternode
is started as soon as the registry knows it with matching settings.  A local
masternode that is not known yet is announced by the node itself.  Started
masternodes are pinged on every evaluation unless a recent ping exists.

The state machine is re-entrant.  Failures leave it in the not capable state
with a reason, and every later evaluation retries.
*/
package activemn
