// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package masternode

import (
	"strconv"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/wire"
)

// Timing, reputation, and bookkeeping constants.  Durations are in seconds to
// match the signature times carried on the wire.
const (
	CheckSeconds            = 5
	MinAnnounceSeconds      = 5 * 60
	MinPingSeconds          = 10 * 60
	ExpirationSeconds       = 65 * 60
	WatchdogMaxSeconds      = 120 * 60
	NewStartRequiredSeconds = 180 * 60

	// PoSeBanMaxScore bounds the proof of service score in both directions.
	// A score at +PoSeBanMaxScore bans the masternode and a score at
	// -PoSeBanMaxScore marks it verified.
	PoSeBanMaxScore = 5

	// CollateralCoins is the exact amount locked by a masternode collateral
	// output.
	CollateralCoins = 45000

	MaxExpectedIndexSize = 30000
	MinIndexRebuildTime  = 3600
	DsegUpdateSeconds    = 3 * 60 * 60
	LastPaidScanBlocks   = 100

	MaxPoSeConnections = 10
	MaxPoSeRank        = 10
	MaxPoSeBlocks      = 10

	RecoveryQuorumTotal    = 10
	RecoveryQuorumRequired = 6
	RecoveryMaxAskEntries  = 10
	RecoveryWaitSeconds    = 60
	RecoveryRetrySeconds   = 3 * 60 * 60

	// PaymentBlockOffset is how far below the paid height the block used to
	// seed the payment queue score is.
	PaymentBlockOffset = 101

	// PingBlockDepth is how far below the tip the block referenced by a new
	// ping is and PingMaxBlockAge is the oldest referenced block accepted.
	PingBlockDepth  = 12
	PingMaxBlockAge = 24

	// maxFutureSeconds is how far in the future a signature time may be.
	maxFutureSeconds = 60 * 60
)

// Params houses the network dependent masternode parameters.
type Params struct {
	// Net is the network the masternode subsystem operates on.
	Net *chaincfg.Params

	// CollateralAmount is the exact value of a collateral output.
	CollateralAmount dcrutil.Amount

	// MinConfirmations is the number of confirmations the collateral must
	// have before an announcement referencing it is accepted.
	MinConfirmations int64

	// MainNetPort is the only port allowed on the main network and the one
	// port not allowed anywhere else.
	MainNetPort uint16

	// AllowUnroutable permits service addresses that are not publicly
	// routable.  It is set on the local test networks.
	AllowUnroutable bool

	subsidy *standalone.SubsidyCache
}

// NewParams returns the masternode parameters for the provided network.
func NewParams(net *chaincfg.Params) *Params {
	mainPort, _ := strconv.ParseUint(chaincfg.MainNetParams().DefaultPort, 10, 16)
	p := &Params{
		Net:              net,
		CollateralAmount: dcrutil.Amount(CollateralCoins * dcrutil.AtomsPerCoin),
		MinConfirmations: 15,
		MainNetPort:      uint16(mainPort),
		subsidy:          standalone.NewSubsidyCache(net),
	}
	if p.IsLocalTestNet() {
		p.MinConfirmations = 1
		p.AllowUnroutable = true
	}
	return p
}

// IsMainNet returns whether the parameters are for the main network.
func (p *Params) IsMainNet() bool {
	return p.Net.Net == wire.MainNet
}

// IsLocalTestNet returns whether the parameters are for one of the networks
// intended to run on a single machine.
func (p *Params) IsLocalTestNet() bool {
	return p.Net.Net == wire.RegNet || p.Net.Net == wire.SimNet
}

// ValidPort returns whether port is acceptable for a masternode service on
// the network.
func (p *Params) ValidPort(port uint16) bool {
	if p.IsMainNet() {
		return port == p.MainNetPort
	}
	return port != p.MainNetPort
}

// PaymentAmount returns the amount a block at height must pay to the elected
// masternode.  It is half of the block subsidy.
func (p *Params) PaymentAmount(height int64) dcrutil.Amount {
	return dcrutil.Amount(p.subsidy.CalcBlockSubsidy(height) / 2)
}
