// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
mnd is a masternode registry and payment consensus daemon written in Go.

It tracks the masternodes announced on the network, verifies their collateral
against a dcrd instance reachable over RPC, votes on and tallies the masternode
payees of upcoming blocks, and optionally operates a local masternode.

The long form of all of the options below (except -C) can be specified in a
configuration file that is automatically parsed when mnd starts up.  By
default, the configuration file is located at ~/.mnd/mnd.conf on POSIX-style
operating systems and %LOCALAPPDATA%\mnd\mnd.conf on Windows.  The -C
(--configfile) flag can be used to override this location.

Usage:

	mnd [OPTIONS]

Application Options:

	-V, --version             Display version information and exit
	-A, --appdata=            Path to application home directory
	-C, --configfile=         Path to configuration file
	-b, --datadir=            Directory to store data
	    --logdir=             Directory to log output
	    --nofilelogging       Disable file logging
	-d, --debuglevel=         Logging level for all subsystems {trace, debug,
	                          info, warn, error, critical} -- You may also
	                          specify <subsystem>=<level>,<subsystem2>=<level>,...
	                          to set the log level for individual subsystems --
	                          Use show to list available subsystems (info)
	    --testnet             Use the test network
	    --regnet              Use the regression test network
	    --simnet              Use the simulation test network
	    --listen=             Add an interface/port to listen for connections
	                          (default all interfaces port: 9108, testnet: 19108)
	    --nolisten            Disable listening for incoming connections
	-a, --addpeer=            Add a peer to connect with at startup
	    --connect=            Connect only to the specified peers at startup
	    --maxpeers=           Max number of inbound and outbound peers (125)
	    --nobanning           Disable banning of misbehaving peers
	    --banduration=        How long to ban misbehaving peers (24h0m0s)
	    --banthreshold=       Maximum allowed ban score before disconnecting and
	                          banning misbehaving peers (100)
	    --whitelist=          Add an IP network or IP that will not be banned
	    --proxy=              Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=          Username for proxy server
	    --proxypass=          Password for proxy server
	    --rpcserver=          Hostname/IP and port of the dcrd RPC server
	-u, --rpcuser=            Username for the dcrd RPC server
	-P, --rpcpass=            Password for the dcrd RPC server
	    --rpccert=            File containing the certificate of the dcrd RPC
	                          server
	    --norpctls            Connect to the dcrd RPC server without TLS
	    --masternode          Run a masternode
	    --mnprivkey=          Operator private key of the masternode
	    --mnconf=             Path to the masternode definition file
	    --mnalias=            Alias of the masternode definition to run
	    --externalip=         Address the masternode is reachable at
	    --collateral=         Collateral outpoint held by this node in the form
	                          <txid>:<index>
	    --collateralkey=      Private key of the collateral output held by this
	                          node
	    --nomnpayments        Do not check blocks for masternode payments
	    --enforcemnpayments   Reject blocks missing the required masternode
	                          payment

Help Options:

	-h, --help                Show this help message
*/
package main
