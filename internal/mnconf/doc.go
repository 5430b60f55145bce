// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mnconf reads the masternode definition file.

Each non-empty line that does not start with a '#' defines one masternode
controlled by the local wallet:

	alias IP:port operator_privkey collateral_txid collateral_output_index

The operator private key is encoded in the wallet import format of the
network.  The service port must be the main network port on the main network
and any other port elsewhere.  A file with a commented header describing the
format is created when it does not exist.
*/
package mnconf
