// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/connmgr/v3"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/wire"
	"github.com/decred/go-socks/socks"
	"github.com/decred/mnd/internal/activemn"
	"github.com/decred/mnd/internal/banmanager"
	"github.com/decred/mnd/internal/masternode"
	"github.com/decred/mnd/internal/mnstore"
	"github.com/decred/mnd/internal/mnsync"
	"github.com/decred/mnd/internal/netfulfilled"
	"github.com/decred/mnd/internal/payments"
	"golang.org/x/sync/errgroup"
)

const (
	// connectionRetryInterval is the base amount of time to wait in between
	// retries when connecting to persistent peers.  It is adjusted by the
	// number of retries such that there is a retry backoff.
	connectionRetryInterval = time.Second * 5

	// defaultDialTimeout is the default duration to wait for an outbound
	// connection to complete.
	defaultDialTimeout = time.Second * 30

	// maxSentNonces is the number of version nonces remembered to detect
	// connections to self.
	maxSentNonces = 50
)

// simpleAddr implements the net.Addr interface with two struct fields
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// Ensure simpleAddr implements the net.Addr interface.
var _ net.Addr = simpleAddr{}

// server provides a masternode protocol server for handling communications to
// and from peers along with the masternode subsystems.
type server struct {
	params    *params
	mnParams  *masternode.Params
	chain     *rpcChain
	store     *mnstore.Store
	fulfilled *netfulfilled.Manager
	banMgr    *banmanager.BanManager
	registry  *masternode.Registry
	ledger    *payments.Ledger
	sync      *mnsync.Orchestrator
	active    *activemn.Active

	connManager *connmgr.ConnManager
	nextPeerID  atomic.Int32
	sentNonces  *lru.Set[uint64]

	// externalAddr is the configured address the node is reachable at.  It
	// is invalid when not configured.
	externalAddr netip.AddrPort

	peerMtx sync.RWMutex
	peers   map[int32]*serverPeer
	peerWg  sync.WaitGroup
}

// syncBackend adapts the registry and the payment ledger of the server to
// the synchronizer.  The subsystems are created after the synchronizer since
// they report their progress to it.
type syncBackend struct {
	s *server
}

// Count returns the number of masternodes supporting payments.
func (b syncBackend) Count() int {
	return b.s.registry.Count()
}

// DsegUpdate asks the peer for the full masternode list.
func (b syncBackend) DsegUpdate(peer masternode.Peer) bool {
	return b.s.registry.DsegUpdate(peer)
}

// IsEnoughData returns whether the ledger holds enough votes.
func (b syncBackend) IsEnoughData() bool {
	return b.s.ledger.IsEnoughData()
}

// StorageLimit returns how many heights of votes the ledger retains.
func (b syncBackend) StorageLimit() int64 {
	return b.s.ledger.StorageLimit()
}

// RequestLowDataPaymentBlocks asks the peer for votes the ledger lacks.
func (b syncBackend) RequestLowDataPaymentBlocks(peer masternode.Peer) {
	b.s.ledger.RequestLowDataPaymentBlocks(peer)
}

// dial connects to the address on the named network, through the proxy when
// one is configured.
func dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		return proxy.DialContext(ctx, network, addr)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, addr)
}

// lookup resolves the host, through the proxy when one is configured.
func lookup(ctx context.Context, host string) ([]net.IP, error) {
	if strings.HasSuffix(host, ".onion") {
		return nil, fmt.Errorf("attempt to resolve tor address %s", host)
	}
	if cfg.Proxy != "" {
		return connmgr.TorLookupIP(ctx, host, cfg.Proxy)
	}
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// addrStringToNetAddr takes an address in the form of 'host:port' and returns
// a net.Addr which maps to the original address with any host names resolved
// to IP addresses.
func addrStringToNetAddr(ctx context.Context, addr string) (net.Addr, error) {
	host, strPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(strPort)
	if err != nil {
		return nil, err
	}

	// Skip if host is already an IP address.
	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: port}, nil
	}

	ips, err := lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return &net.TCPAddr{IP: ips[0], Port: port}, nil
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP. It also
// properly detects addresses which apply to "all interfaces" and adds the
// address as both IPv4 and IPv6.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * on plan9 is both IPv4 and IPv6.
		if host == "" || (host == "*" && runtime.GOOS == "plan9") {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		// Strip IPv6 zone id if present since netip.ParseAddr does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip, err := netip.ParseAddr(host)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}
		if ip.Unmap().Is4() {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		}
	}
	return netAddrs, nil
}

// initListeners opens the listeners for the passed addresses.  Addresses that
// can't be listened on are skipped with a warning.
func initListeners(ctx context.Context, listenAddrs []string) ([]net.Listener, error) {
	netAddrs, err := parseListeners(listenAddrs)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		var listenConfig net.ListenConfig
		listener, err := listenConfig.Listen(ctx, addr.Network(), addr.String())
		if err != nil {
			srvrLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

// connAddr returns the remote address of the connection.  The address of the
// connection request is preferred since connections made through a proxy
// report the address of the proxy.
func connAddr(c *connmgr.ConnReq, conn net.Conn) (netip.AddrPort, error) {
	if c != nil {
		if addr, err := netip.ParseAddrPort(c.Addr.String()); err == nil {
			return addr, nil
		}
	}
	return netip.ParseAddrPort(conn.RemoteAddr().String())
}

// inboundPeerConnected is invoked by the connection manager when a new inbound
// connection is established.
func (s *server) inboundPeerConnected(conn net.Conn) {
	addr, err := connAddr(nil, conn)
	if err != nil {
		srvrLog.Debugf("Cannot determine address of inbound peer: %v", err)
		conn.Close()
		return
	}
	if s.banMgr.IsBanned(addr.Addr().Unmap()) {
		srvrLog.Debugf("Rejecting inbound connection from banned peer %s",
			addr)
		conn.Close()
		return
	}
	if s.ConnectedCount() >= cfg.MaxPeers {
		srvrLog.Infof("Max peers reached [%d] - disconnecting peer %s",
			cfg.MaxPeers, addr)
		conn.Close()
		return
	}

	sp := newServerPeer(s, conn, addr, true)
	s.peerWg.Add(1)
	go func() {
		defer s.peerWg.Done()
		if err := sp.negotiate(); err != nil {
			srvrLog.Debugf("Negotiation with inbound peer %s failed: %v",
				sp, err)
			sp.Disconnect()
			return
		}
		s.runPeer(sp)
	}()
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.
func (s *server) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	addr, err := connAddr(c, conn)
	if err != nil {
		srvrLog.Debugf("Cannot determine address of outbound peer %s: %v",
			c.Addr, err)
		conn.Close()
		s.connManager.Disconnect(c.ID())
		return
	}

	sp := newServerPeer(s, conn, addr, false)
	sp.connReq = c
	s.peerWg.Add(1)
	go func() {
		defer s.peerWg.Done()
		if err := sp.negotiate(); err != nil {
			srvrLog.Debugf("Negotiation with outbound peer %s failed: %v",
				sp, err)
			sp.Disconnect()
			s.connManager.Disconnect(c.ID())
			return
		}
		s.runPeer(sp)
	}()
}

// addPeer registers a peer that completed the handshake.  It returns false
// when the peer was rejected.
func (s *server) addPeer(sp *serverPeer) bool {
	if err := s.banMgr.AddPeer(sp); err != nil {
		srvrLog.Debugf("Rejecting peer %s: %v", sp, err)
		return false
	}

	s.peerMtx.Lock()
	s.peers[sp.ID()] = sp
	s.peerMtx.Unlock()
	srvrLog.Debugf("New peer %s (%s, protocol %d)", sp, sp.userAgent,
		sp.ProtocolVersion())
	return true
}

// donePeer removes a disconnected peer from the server.
func (s *server) donePeer(sp *serverPeer) {
	s.peerMtx.Lock()
	delete(s.peers, sp.ID())
	s.peerMtx.Unlock()
	s.banMgr.RemovePeer(sp)

	if sp.connReq != nil {
		s.connManager.Disconnect(sp.connReq.ID())
	}
	srvrLog.Debugf("Removed peer %s", sp)
}

// runPeer serves a peer that completed the handshake until it disconnects.
func (s *server) runPeer(sp *serverPeer) {
	if !s.addPeer(sp) {
		sp.Disconnect()
		if sp.connReq != nil {
			s.connManager.Disconnect(sp.connReq.ID())
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		sp.outHandler()
		wg.Done()
	}()
	sp.inHandler()
	wg.Wait()
	s.donePeer(sp)
}

// connectedPeers returns the peers that completed the handshake.
//
// This function is safe for concurrent access.
func (s *server) connectedPeers() []*serverPeer {
	s.peerMtx.RLock()
	peers := make([]*serverPeer, 0, len(s.peers))
	for _, sp := range s.peers {
		peers = append(peers, sp)
	}
	s.peerMtx.RUnlock()
	return peers
}

// syncPeers returns the connected peers as synchronizer peers.
func (s *server) syncPeers() []mnsync.Peer {
	peers := s.connectedPeers()
	syncPeers := make([]mnsync.Peer, 0, len(peers))
	for _, sp := range peers {
		syncPeers = append(syncPeers, sp)
	}
	return syncPeers
}

// RelayInventory queues the inventory vector for announcement to all
// connected peers.
//
// This function is safe for concurrent access.
func (s *server) RelayInventory(iv *wire.InvVect) {
	for _, sp := range s.connectedPeers() {
		sp.PushInventory(iv)
	}
}

// ConnectedCount returns the number of currently connected peers.
//
// This function is safe for concurrent access.
func (s *server) ConnectedCount() int {
	s.peerMtx.RLock()
	n := len(s.peers)
	s.peerMtx.RUnlock()
	return n
}

// ExternalAddr returns the configured external address, or else the address
// most connected peers report to see the node at.
//
// This function is safe for concurrent access.
func (s *server) ExternalAddr() (netip.AddrPort, bool) {
	if s.externalAddr.IsValid() {
		return s.externalAddr, true
	}

	counts := make(map[netip.AddrPort]int)
	for _, sp := range s.connectedPeers() {
		if sp.reportedAddr.IsValid() {
			counts[sp.reportedAddr]++
		}
	}
	if len(counts) == 0 {
		return netip.AddrPort{}, false
	}
	addrs := make([]netip.AddrPort, 0, len(counts))
	for addr := range counts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if counts[addrs[i]] != counts[addrs[j]] {
			return counts[addrs[i]] > counts[addrs[j]]
		}
		return addrs[i].Compare(addrs[j]) < 0
	})

	// Peers report the port they connected from for inbound connections,
	// so only the host is taken from them.
	port, _ := strconv.ParseUint(s.params.DefaultPort, 10, 16)
	return netip.AddrPortFrom(addrs[0].Addr(), uint16(port)), true
}

// CheckInbound makes sure the address accepts connections by connecting to
// it.
func (s *server) CheckInbound(ctx context.Context, addr netip.AddrPort) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, err := dial(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}
	return conn.Close()
}

// ConnectMasternode opens a dedicated connection to the masternode at the
// address and returns the peer once the handshake completes.  The peer is
// served until it disconnects.
func (s *server) ConnectMasternode(ctx context.Context, addr netip.AddrPort) (masternode.Peer, error) {
	for _, sp := range s.connectedPeers() {
		if sp.Addr() == addr {
			return sp, nil
		}
	}

	conn, err := dial(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	sp := newServerPeer(s, conn, addr, false)
	sp.mnConn = true
	if err := sp.negotiate(); err != nil {
		sp.Disconnect()
		return nil, err
	}

	s.peerWg.Add(1)
	go func() {
		defer s.peerWg.Done()
		s.runPeer(sp)
	}()
	return sp, nil
}

// saveSnapshots writes the registry and the payment ledger to the store.
func (s *server) saveSnapshots() {
	snaps := map[string]mnstore.Snapshotter{
		mnstore.KeyRegistry: s.registry,
		mnstore.KeyPayments: s.ledger,
	}
	if err := s.store.SaveSnapshots(snaps); err != nil {
		srvrLog.Errorf("Unable to save masternode data: %v", err)
	}
}

// loadSnapshots restores the registry and the payment ledger from the store.
func (s *server) loadSnapshots() error {
	for _, key := range []string{mnstore.KeyRegistry, mnstore.KeyPayments} {
		var snap mnstore.Snapshotter = s.registry
		if key == mnstore.KeyPayments {
			snap = s.ledger
		}
		if _, err := s.store.LoadSnapshot(key, snap); err != nil {
			return err
		}
	}
	srvrLog.Infof("Loaded %s", s.registry)
	srvrLog.Infof("Loaded %s", s.ledger)
	return nil
}

// Run starts the server and blocks until the provided context is cancelled.
// This entails accepting connections from peers along with running the
// masternode subsystems.
func (s *server) Run(ctx context.Context) {
	srvrLog.Trace("Starting server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.connManager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.chain.pollTip(gctx, s.sync, s.registry, s.ledger)
		return nil
	})
	g.Go(func() error {
		s.sync.Run(gctx, s.syncPeers)
		return nil
	})
	g.Go(func() error {
		s.registry.Run(gctx, s)
		return nil
	})
	if s.active != nil {
		g.Go(func() error {
			s.active.Run(gctx)
			return nil
		})
	}

	// Shutdown the server when the context is cancelled.
	<-ctx.Done()
	srvrLog.Warnf("Server shutting down")
	g.Wait()

	// Disconnect all peers and wait for them to finish.
	for _, sp := range s.connectedPeers() {
		sp.Disconnect()
	}
	s.peerWg.Wait()

	s.saveSnapshots()
	srvrLog.Trace("Server stopped")
}

// newServer returns a new server configured to listen on addr for the network
// type specified by chainParams.  Use Run to begin accepting connections from
// peers.
func newServer(ctx context.Context, chain *rpcChain, store *mnstore.Store, wallet activemn.Wallet) (*server, error) {
	s := &server{
		params:       cfg.params,
		mnParams:     masternode.NewParams(cfg.params.Params),
		chain:        chain,
		store:        store,
		fulfilled:    netfulfilled.NewDefault(),
		sentNonces:   lru.NewSet[uint64](maxSentNonces),
		externalAddr: cfg.externalAddr,
		peers:        make(map[int32]*serverPeer, cfg.MaxPeers),
	}
	s.banMgr = banmanager.NewBanManager(&banmanager.Config{
		DisableBanning: cfg.DisableBanning,
		BanThreshold:   cfg.BanThreshold,
		BanDuration:    cfg.BanDuration,
		MaxPeers:       cfg.MaxPeers,
		WhiteList:      cfg.whitelists,
	})

	backend := syncBackend{s: s}
	s.sync = mnsync.New(&mnsync.Config{
		Params:       s.mnParams,
		Chain:        chain,
		Masternodes:  backend,
		Payments:     backend,
		Fulfilled:    s.fulfilled,
		IsMasternode: cfg.Masternode,
	})

	// The local masternode must remain a nil interface when the node is
	// not a masternode.
	var local masternode.LocalMasternode
	if cfg.Masternode {
		s.active = activemn.New(&activemn.Config{
			Params:      s.mnParams,
			Chain:       chain,
			Sync:        s.sync,
			Net:         s,
			Wallet:      wallet,
			OperatorKey: cfg.operatorKey,
			Listen:      len(cfg.Listeners) > 0,
		})
		local = s.active
	}

	s.registry = masternode.New(&masternode.Config{
		Params:    s.mnParams,
		Chain:     chain,
		Sync:      s.sync,
		Net:       s,
		Fulfilled: s.fulfilled,
		Local:     local,
	})
	s.ledger = payments.New(&payments.Config{
		Params:      s.mnParams,
		Chain:       chain,
		Masternodes: s.registry,
		Sync:        s.sync,
		Sporks: payments.StaticSporks{
			Started:  !cfg.NoMNPayments,
			Enforced: cfg.EnforceMNPayments,
		},
		Net:       s,
		Fulfilled: s.fulfilled,
		Local:     local,
	})
	s.registry.SetPaymentTracker(s.ledger)
	if s.active != nil {
		s.active.SetRegistry(s.registry)
	}

	if err := s.loadSnapshots(); err != nil {
		return nil, err
	}

	var listeners []net.Listener
	if len(cfg.Listeners) > 0 {
		var err error
		listeners, err = initListeners(ctx, cfg.Listeners)
		if err != nil {
			return nil, err
		}
		if len(listeners) == 0 {
			return nil, errors.New("no valid listen address")
		}
	}

	// Outbound connections are only made to the configured peers, so no
	// address source is provided.
	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:     listeners,
		OnAccept:      s.inboundPeerConnected,
		RetryDuration: connectionRetryInterval,
		Dial:          dial,
		Timeout:       defaultDialTimeout,
		OnConnection:  s.outboundPeerConnected,
	})
	if err != nil {
		return nil, err
	}
	s.connManager = cmgr

	// Start up persistent peers.  The connect option takes precedence over
	// addpeer.
	permanentPeers := cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = cfg.AddPeers
	}
	for _, addr := range permanentPeers {
		tcpAddr, err := addrStringToNetAddr(ctx, addr)
		if err != nil {
			return nil, err
		}

		go s.connManager.Connect(ctx,
			&connmgr.ConnReq{
				Addr:      tcpAddr,
				Permanent: true,
			})
	}

	return s, nil
}
