// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/connmgr/v3"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/wire"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/internal/payments"
	"github.com/decred/mnd/internal/version"
	"github.com/decred/mnd/mnwire"
)

const (
	// negotiateTimeout is the duration of inactivity before we timeout a
	// peer that hasn't completed the initial version negotiation.
	negotiateTimeout = 30 * time.Second

	// trickleInterval is the interval at which queued inventory is
	// announced to a peer.
	trickleInterval = 500 * time.Millisecond

	// maxKnownInventory is the maximum number of items to keep in the known
	// inventory cache of a peer.
	maxKnownInventory = 5000

	// malformedMsgBanScore is the ban score of a message that fails to
	// decode.
	malformedMsgBanScore = 20
)

var (
	// errSelfConnection is returned when the nonce of a remote version
	// message is one sent by this node.
	errSelfConnection = errors.New("disconnecting peer connected to self")

	// errObsoletePeer is returned when the remote peer advertises a
	// protocol version older than the minimum supported one.
	errObsoletePeer = errors.New("protocol version is too old")
)

// serverPeer is a connected peer speaking the masternode protocol.  It
// implements masternode.Peer, mnsync.Peer, and banmanager.Peer.
type serverPeer struct {
	server  *server
	conn    net.Conn
	id      int32
	addr    netip.AddrPort
	inbound bool
	mnConn  bool
	connReq *connmgr.ConnReq

	protocolVersion atomic.Uint32
	userAgent       string
	reportedAddr    netip.AddrPort

	knownInventory *lru.Set[wire.InvVect]

	sendMtx    sync.Mutex
	sendQueue  []wire.Message
	sendSignal chan struct{}

	invMtx   sync.Mutex
	invQueue []*wire.InvVect

	quit           chan struct{}
	disconnectOnce sync.Once
}

// newServerPeer returns a new serverPeer instance for the connection.  The
// peer is not usable before the version negotiation completes.
func newServerPeer(s *server, conn net.Conn, addr netip.AddrPort, inbound bool) *serverPeer {
	sp := &serverPeer{
		server:         s,
		conn:           conn,
		id:             s.nextPeerID.Add(1),
		addr:           netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		inbound:        inbound,
		knownInventory: lru.NewSet[wire.InvVect](maxKnownInventory),
		sendSignal:     make(chan struct{}, 1),
		quit:           make(chan struct{}),
	}
	sp.protocolVersion.Store(mnwire.ProtocolVersion)
	return sp
}

// ID returns the unique id of the peer.
func (sp *serverPeer) ID() int32 {
	return sp.id
}

// Addr returns the remote address of the peer.
func (sp *serverPeer) Addr() netip.AddrPort {
	return sp.addr
}

// Inbound returns whether the peer connected to us.
func (sp *serverPeer) Inbound() bool {
	return sp.inbound
}

// ProtocolVersion returns the negotiated protocol version.
func (sp *serverPeer) ProtocolVersion() uint32 {
	return sp.protocolVersion.Load()
}

// MasternodeConn returns whether the connection was made for a masternode
// verification or broadcast recovery.
func (sp *serverPeer) MasternodeConn() bool {
	return sp.mnConn
}

// String returns the remote address and direction of the peer.
func (sp *serverPeer) String() string {
	direction := "outbound"
	if sp.inbound {
		direction = "inbound"
	}
	return fmt.Sprintf("%s (%s)", sp.addr, direction)
}

// Disconnect closes the connection.  It is safe to call multiple times.
func (sp *serverPeer) Disconnect() {
	sp.disconnectOnce.Do(func() {
		close(sp.quit)
		sp.conn.Close()
	})
}

// isDisconnected returns whether Disconnect was called.
func (sp *serverPeer) isDisconnected() bool {
	select {
	case <-sp.quit:
		return true
	default:
		return false
	}
}

// QueueMessage adds the message to the send queue of the peer.  It never
// blocks.
//
// This function is safe for concurrent access.
func (sp *serverPeer) QueueMessage(msg wire.Message) {
	if sp.isDisconnected() {
		return
	}
	sp.sendMtx.Lock()
	sp.sendQueue = append(sp.sendQueue, msg)
	sp.sendMtx.Unlock()
	select {
	case sp.sendSignal <- struct{}{}:
	default:
	}
}

// PushInventory queues the inventory vector for the next trickled inventory
// announcement unless the peer is already known to have it.
//
// This function is safe for concurrent access.
func (sp *serverPeer) PushInventory(iv *wire.InvVect) {
	if sp.knownInventory.Contains(*iv) {
		return
	}
	sp.knownInventory.Put(*iv)
	sp.invMtx.Lock()
	sp.invQueue = append(sp.invQueue, iv)
	sp.invMtx.Unlock()
}

// readMessage reads the next message from the peer.
func (sp *serverPeer) readMessage() (wire.Message, error) {
	_, msg, _, err := mnwire.ReadMessageN(sp.conn, sp.ProtocolVersion(),
		sp.server.params.Net)
	return msg, err
}

// writeMessage writes the message to the peer.
func (sp *serverPeer) writeMessage(msg wire.Message) error {
	_, err := mnwire.WriteMessageN(sp.conn, msg, sp.ProtocolVersion(),
		sp.server.params.Net)
	return err
}

// localVersionMsg creates a version message advertising the local node to
// the peer.
func (sp *serverPeer) localVersionMsg() (*wire.MsgVersion, error) {
	s := sp.server
	theirNA := wire.NewNetAddressIPPort(net.IP(sp.addr.Addr().AsSlice()),
		sp.addr.Port(), 0)
	ourNA := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	if ext, ok := s.ExternalAddr(); ok {
		ourNA = wire.NewNetAddressIPPort(net.IP(ext.Addr().AsSlice()),
			ext.Port(), 0)
	}

	nonce := rand.Uint64()
	s.sentNonces.Put(nonce)

	msg := wire.NewMsgVersion(ourNA, theirNA, nonce,
		int32(s.chain.BestHeight()))
	msg.ProtocolVersion = int32(mnwire.ProtocolVersion)
	if err := msg.AddUserAgent(version.AppName, version.String()); err != nil {
		return nil, err
	}
	return msg, nil
}

// handleRemoteVersion validates the version message of the peer and
// negotiates the protocol version.
func (sp *serverPeer) handleRemoteVersion(msg *wire.MsgVersion) error {
	if sp.server.sentNonces.Contains(msg.Nonce) {
		return errSelfConnection
	}
	if msg.ProtocolVersion < int32(mnwire.MinPoSeProtoVersion) {
		return fmt.Errorf("%w: %d", errObsoletePeer, msg.ProtocolVersion)
	}
	pver := uint32(msg.ProtocolVersion)
	if pver > mnwire.ProtocolVersion {
		pver = mnwire.ProtocolVersion
	}
	sp.protocolVersion.Store(pver)
	sp.userAgent = msg.UserAgent

	if ip := msg.AddrYou.IP; len(ip) > 0 {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addr = addr.Unmap()
			if addr.IsGlobalUnicast() && !addr.IsPrivate() {
				sp.reportedAddr = netip.AddrPortFrom(addr, msg.AddrYou.Port)
			}
		}
	}
	return nil
}

// expectMessage reads the next message and returns an error when it is not
// of the expected command.
func (sp *serverPeer) expectMessage(command string) (wire.Message, error) {
	msg, err := sp.readMessage()
	if err != nil {
		return nil, err
	}
	if msg.Command() != command {
		return nil, fmt.Errorf("received %s message before %s", msg.Command(),
			command)
	}
	return msg, nil
}

// negotiate performs the version handshake.  Outbound peers send their
// version first while inbound peers wait for the version of the remote peer.
// The local version nonces are remembered to detect connections to self.
func (sp *serverPeer) negotiate() error {
	if err := sp.conn.SetDeadline(time.Now().Add(negotiateTimeout)); err != nil {
		return err
	}
	defer sp.conn.SetDeadline(time.Time{})

	readVersion := func() error {
		msg, err := sp.expectMessage(mnwire.CmdVersion)
		if err != nil {
			return err
		}
		return sp.handleRemoteVersion(msg.(*wire.MsgVersion))
	}
	writeVersion := func() error {
		msg, err := sp.localVersionMsg()
		if err != nil {
			return err
		}
		return sp.writeMessage(msg)
	}

	// Inbound peers answer the version with their own version and a verack
	// right away.  Outbound peers acknowledge it after receiving the verack.
	verAck := func() error {
		return sp.writeMessage(wire.NewMsgVerAck())
	}
	readVerAck := func() error {
		_, err := sp.expectMessage(mnwire.CmdVerAck)
		return err
	}
	steps := []func() error{readVersion, writeVersion, verAck, readVerAck}
	if !sp.inbound {
		steps = []func() error{writeVersion, readVersion, readVerAck, verAck}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// flushInventory announces the queued inventory in as few messages as
// possible.
func (sp *serverPeer) flushInventory() error {
	sp.invMtx.Lock()
	queue := sp.invQueue
	sp.invQueue = nil
	sp.invMtx.Unlock()

	for len(queue) > 0 {
		n := len(queue)
		if n > wire.MaxInvPerMsg {
			n = wire.MaxInvPerMsg
		}
		invMsg := wire.NewMsgInvSizeHint(uint(n))
		for _, iv := range queue[:n] {
			invMsg.AddInvVect(iv)
		}
		if err := sp.writeMessage(invMsg); err != nil {
			return err
		}
		queue = queue[n:]
	}
	return nil
}

// outHandler writes queued messages and trickles inventory to the peer until
// it disconnects.
func (sp *serverPeer) outHandler() {
	ticker := time.NewTicker(trickleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sp.sendSignal:
			sp.sendMtx.Lock()
			queue := sp.sendQueue
			sp.sendQueue = nil
			sp.sendMtx.Unlock()

			for _, msg := range queue {
				if err := sp.writeMessage(msg); err != nil {
					peerWriteFailed(sp, err)
					return
				}
			}

		case <-ticker.C:
			if err := sp.flushInventory(); err != nil {
				peerWriteFailed(sp, err)
				return
			}

		case <-sp.quit:
			return
		}
	}
}

// peerWriteFailed logs the write error and disconnects the peer.
func peerWriteFailed(sp *serverPeer, err error) {
	if !sp.isDisconnected() {
		srvrLog.Debugf("Failed to send message to %s: %v", sp, err)
	}
	sp.Disconnect()
}

// inHandler reads and dispatches messages from the peer until it
// disconnects.
func (sp *serverPeer) inHandler() {
	for {
		msg, err := sp.readMessage()
		if errors.Is(err, mnwire.ErrUnknownCmd) {
			srvrLog.Tracef("Ignoring message from %s: %v", sp, err)
			continue
		}
		if err != nil {
			if !sp.isDisconnected() && !errors.Is(err, net.ErrClosed) {
				srvrLog.Debugf("Unable to read message from %s: %v", sp,
					err)
				var msgErr mnwire.MessageError
				if errors.As(err, &msgErr) {
					sp.addBanScore(malformedMsgBanScore, 0,
						"malformed "+msgErr.Func)
				}
			}
			break
		}
		sp.handleMessage(msg)
	}
	sp.Disconnect()
}

// addBanScore increases the ban score of the peer and returns whether it was
// banned as a result.
func (sp *serverPeer) addBanScore(persistent, transient uint32, reason string) bool {
	return sp.server.banMgr.AddBanScore(sp, persistent, transient, reason)
}

// handleRuleError penalizes the peer for a message that broke a rule of the
// masternode subsystems.
func (sp *serverPeer) handleRuleError(cmd string, err error) {
	score := masternode.BanScore(err)
	if score == 0 {
		score = payments.BanScore(err)
	}
	if score == 0 {
		srvrLog.Debugf("Rejected %s message from %s: %v", cmd, sp, err)
		return
	}
	sp.addBanScore(score, 0, fmt.Sprintf("%s: %v", cmd, err))
}

// markKnown notes that the peer has the inventory item.
func (sp *serverPeer) markKnown(invType wire.InvType, msg interface {
	Hash() chainhash.Hash
}) {
	sp.knownInventory.Put(wire.InvVect{Type: invType, Hash: msg.Hash()})
}

// handleMessage dispatches a message received after the handshake.
func (sp *serverPeer) handleMessage(msg wire.Message) {
	s := sp.server
	var err error
	switch m := msg.(type) {
	case *wire.MsgVersion, *wire.MsgVerAck:
		sp.addBanScore(1, 0, "duplicate "+msg.Command())

	case *wire.MsgInv:
		sp.onInv(m)

	case *wire.MsgGetData:
		sp.onGetData(m)

	case *mnwire.MsgMNAnnounce:
		sp.markKnown(mnwire.InvTypeMNAnnounce, m)
		err = s.registry.ProcessAnnounce(sp, m)

	case *mnwire.MsgMNPing:
		sp.markKnown(mnwire.InvTypeMNPing, m)
		err = s.registry.ProcessPing(sp, m)

	case *mnwire.MsgMNVerify:
		sp.markKnown(mnwire.InvTypeMNVerify, m)
		err = s.registry.ProcessVerify(sp, m)

	case *mnwire.MsgDseg:
		err = s.registry.ProcessDseg(sp, m)

	case *mnwire.MsgPaymentSync:
		err = s.ledger.ProcessPaymentSync(sp, m)

	case *mnwire.MsgPaymentVote:
		sp.markKnown(mnwire.InvTypePaymentVote, m)
		err = s.ledger.ProcessPaymentVote(sp, m)

	case *mnwire.MsgSyncStatusCount:
		s.sync.ProcessSyncStatusCount(sp, m)

	case *mnwire.MsgGetSporks:
		// Sporks are fixed by configuration, so there is nothing to send.

	default:
		srvrLog.Tracef("Ignoring %s message from %s", msg.Command(), sp)
	}
	if err != nil {
		sp.handleRuleError(msg.Command(), err)
	}
}

// onInv requests the announced masternode inventory that is not already
// known.
func (sp *serverPeer) onInv(msg *wire.MsgInv) {
	if len(msg.InvList) == 0 {
		srvrLog.Debugf("Banning peer %s for sending an empty inventory "+
			"message", sp)
		sp.server.banMgr.BanPeer(sp)
		return
	}

	s := sp.server
	getData := wire.NewMsgGetData()
	for _, iv := range msg.InvList {
		sp.knownInventory.Put(*iv)
		switch iv.Type {
		case mnwire.InvTypeMNAnnounce, mnwire.InvTypeMNPing,
			mnwire.InvTypeMNVerify:

			if s.registry.HaveInventory(iv) {
				continue
			}
		case mnwire.InvTypePaymentVote:
			if s.ledger.HaveInventory(iv) {
				continue
			}
		default:
			continue
		}
		if err := getData.AddInvVect(iv); err != nil {
			break
		}
	}
	if len(getData.InvList) > 0 {
		sp.QueueMessage(getData)
	}
}

// onGetData serves the requested masternode inventory from the caches of the
// registry and the payment ledger.
func (sp *serverPeer) onGetData(msg *wire.MsgGetData) {
	if len(msg.InvList) == 0 {
		srvrLog.Debugf("Banning peer %s for sending an empty getdata "+
			"message", sp)
		sp.server.banMgr.BanPeer(sp)
		return
	}

	// Ban peers sending repeated large requests.  The transient score decays
	// over time and only large requests bursts trigger a ban.
	numReqs := uint32(len(msg.InvList))
	if sp.addBanScore(0, numReqs*99/wire.MaxInvPerMsg, "getdata") {
		return
	}

	s := sp.server
	for _, iv := range msg.InvList {
		switch iv.Type {
		case mnwire.InvTypeMNAnnounce:
			if m, ok := s.registry.SeenAnnounce(&iv.Hash); ok {
				sp.QueueMessage(m)
			}
		case mnwire.InvTypeMNPing:
			if m, ok := s.registry.SeenPing(&iv.Hash); ok {
				sp.QueueMessage(m)
			}
		case mnwire.InvTypeMNVerify:
			if m, ok := s.registry.SeenVerification(&iv.Hash); ok {
				sp.QueueMessage(m)
			}
		case mnwire.InvTypePaymentVote:
			if m, ok := s.ledger.PaymentVote(&iv.Hash); ok {
				sp.QueueMessage(m)
			}
		case mnwire.InvTypePaymentBlock:
			for _, m := range s.ledger.PaymentBlockVotes(&iv.Hash) {
				sp.QueueMessage(m)
			}
		default:
			srvrLog.Tracef("Unable to serve %v requested by %s", iv.Type,
				sp)
		}
	}
}
