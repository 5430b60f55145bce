// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mnwire

import "github.com/decred/dcrd/wire"

const (
	// ProtocolVersion is the latest masternode protocol version this package
	// supports.
	ProtocolVersion uint32 = 70210

	// MinPaymentsProtoVersion is the minimum protocol version a masternode
	// must advertise to take part in payment voting.
	MinPaymentsProtoVersion uint32 = 70208

	// MinPoSeProtoVersion is the minimum protocol version a peer must run to
	// be asked for address verification.
	MinPoSeProtoVersion uint32 = 70203
)

// Inventory vector types for masternode data.  They share the dcrd
// wire.InvVect encoding and are only meaningful on masternode connections.
const (
	InvTypePaymentVote  wire.InvType = 7
	InvTypePaymentBlock wire.InvType = 8
	InvTypeMNAnnounce   wire.InvType = 14
	InvTypeMNPing       wire.InvType = 15
	InvTypeMNVerify     wire.InvType = 19
)

// Sync stage identifiers reported by MsgSyncStatusCount.
const (
	SyncItemList         int32 = 2
	SyncItemPaymentVotes int32 = 3
)

// InvTypeString returns a human readable name for the masternode inventory
// vector types and falls back to the dcrd names for everything else.
func InvTypeString(t wire.InvType) string {
	switch t {
	case InvTypePaymentVote:
		return "MSG_PAYMENT_VOTE"
	case InvTypePaymentBlock:
		return "MSG_PAYMENT_BLOCK"
	case InvTypeMNAnnounce:
		return "MSG_MN_ANNOUNCE"
	case InvTypeMNPing:
		return "MSG_MN_PING"
	case InvTypeMNVerify:
		return "MSG_MN_VERIFY"
	}
	return t.String()
}
