// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v2"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/turnalloc/internal/proto"
)

// ManagerConfig a bag of config params for Manager.
type ManagerConfig struct {
	LeveledLogger logging.LeveledLogger

	// AllocatePacketConn opens the UDP relay socket of one address family.
	AllocatePacketConn func(network string, requestedPort int) (net.PacketConn, net.Addr, error)
	// AllocateListener opens the TCP relay listener of one address family.
	AllocateListener func(network string, requestedPort int) (net.Listener, net.Addr, error)

	// Net dials peers for Connect. Defaults to the host network.
	Net transport.Net

	// ServerID is the high byte of every connection id handed out by this manager.
	ServerID uint8
	// Rand draws connection ids. Defaults to a time seeded generator.
	Rand randutil.MathRandomGenerator

	PeerConnectTimeout    time.Duration
	ConnectionBindTimeout time.Duration

	// Allocation is the template every allocation of the manager is created with.
	Allocation Config
}

// Manager is used to hold active allocations.
type Manager struct {
	lock        sync.RWMutex
	log         logging.LeveledLogger
	allocations map[FiveTupleFingerprint]*Allocation
	tcpConns    *TCPConnectionMap
	closed      bool
	wg          sync.WaitGroup

	allocatePacketConn    func(network string, requestedPort int) (net.PacketConn, net.Addr, error)
	allocateListener      func(network string, requestedPort int) (net.Listener, net.Addr, error)
	net                   transport.Net
	peerConnectTimeout    time.Duration
	connectionBindTimeout time.Duration
	config                Config
	clock                 clock.Clock
}

// NewManager creates a new instance of Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	switch {
	case config.AllocatePacketConn == nil:
		return nil, errAllocatePacketConnMustBeSet
	case config.AllocateListener == nil:
		return nil, errAllocateListenerMustBeSet
	}

	if config.LeveledLogger == nil {
		config.LeveledLogger = logging.NewDefaultLoggerFactory().NewLogger("allocation")
	}
	if config.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, err
		}
		config.Net = n
	}
	if config.PeerConnectTimeout <= 0 {
		config.PeerConnectTimeout = DefaultPeerConnectTimeout
	}
	if config.ConnectionBindTimeout <= 0 {
		config.ConnectionBindTimeout = DefaultConnectionBindTimeout
	}
	if config.Allocation.LeveledLogger == nil {
		config.Allocation.LeveledLogger = config.LeveledLogger
	}
	allocConfig := config.Allocation.withDefaults()

	return &Manager{
		log:                   config.LeveledLogger,
		allocations:           make(map[FiveTupleFingerprint]*Allocation, 64),
		tcpConns:              NewTCPConnectionMap(config.ServerID, config.Rand),
		allocatePacketConn:    config.AllocatePacketConn,
		allocateListener:      config.AllocateListener,
		net:                   config.Net,
		peerConnectTimeout:    config.PeerConnectTimeout,
		connectionBindTimeout: config.ConnectionBindTimeout,
		config:                allocConfig,
		clock:                 allocConfig.Clock,
	}, nil
}

// TCPConnections returns the connection id map shared by the allocations of the manager.
func (m *Manager) TCPConnections() *TCPConnectionMap {
	return m.tcpConns
}

// GetAllocation fetches the allocation matching the passed FiveTuple.
func (m *Manager) GetAllocation(fiveTuple *FiveTuple) *Allocation {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.allocations[fiveTuple.Fingerprint()]
}

// AllocationCount returns the number of allocations.
func (m *Manager) AllocationCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.allocations)
}

// Close closes the manager and clears all allocations it manages.
func (m *Manager) Close() error {
	m.lock.Lock()
	allocations := m.allocations
	m.allocations = map[FiveTupleFingerprint]*Allocation{}
	m.closed = true
	m.lock.Unlock()

	for _, a := range allocations {
		a.Clear(socketTypeOf(a.fiveTuple))
	}
	m.wg.Wait()
	return nil
}

// CreateAllocation creates a new allocation with one relay per requested address family.
// A family whose relay cannot be allocated is marked failed and the others keep serving.
// The allocation fails only if no family could be allocated.
func (m *Manager) CreateAllocation(
	fiveTuple *FiveTuple,
	relayProtocol proto.Protocol,
	families []Family,
	requestedPort int,
	lifetime time.Duration,
) (*Allocation, error) {
	switch {
	case fiveTuple == nil:
		return nil, errNilFiveTuple
	case fiveTuple.SrcAddr == nil:
		return nil, errNilFiveTupleSrcAddr
	case fiveTuple.DstAddr == nil:
		return nil, errNilFiveTupleDstAddr
	case lifetime == 0:
		return nil, errLifetimeZero
	case len(families) == 0:
		return nil, errNoFamilies
	}

	if a := m.GetAllocation(fiveTuple); a != nil {
		return nil, fmt.Errorf("%w: %v", errDupeFiveTuple, fiveTuple)
	}

	a := NewAllocation(fiveTuple, m.tcpConns, m.config)

	var relayAddrs []net.Addr
	var allocated []Family
	for _, family := range families {
		socket, relayAddr, err := m.allocateRelay(family.Network(relayProtocol), requestedPort)
		if err != nil {
			m.log.Warnf("Failed to allocate %s relay for %v: %s", family, fiveTuple, err)
			a.SetRelaySessionFailure(family)
			continue
		}
		a.SetRelaySocket(family, socket, relayAddr)
		relayAddrs = append(relayAddrs, relayAddr)
		allocated = append(allocated, family)
	}

	if len(relayAddrs) == 0 {
		a.Clear(socketTypeOf(fiveTuple))
		return nil, errAllFamiliesFailed
	}

	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		a.Clear(socketTypeOf(fiveTuple))
		return nil, errManagerClosed
	}
	if _, ok := m.allocations[fiveTuple.Fingerprint()]; ok {
		m.lock.Unlock()
		a.Clear(socketTypeOf(fiveTuple))
		return nil, fmt.Errorf("%w: %v", errDupeFiveTuple, fiveTuple)
	}
	m.allocations[fiveTuple.Fingerprint()] = a
	m.lock.Unlock()

	// A Close or DeleteAllocation may clear the allocation as soon as it is published.
	if !a.activate(allocated, lifetime, relayAddrs, func(Family) { m.familyExpired(a) }) {
		return nil, fmt.Errorf("%w: %v", errAllocationDeleted, fiveTuple)
	}

	m.log.Debugf("Allocation for %v created with relays %v", fiveTuple, relayAddrs)
	return a, nil
}

func (m *Manager) allocateRelay(network string, requestedPort int) (io.Closer, net.Addr, error) {
	if network[:3] == "tcp" {
		return m.allocateListener(network, requestedPort)
	}
	return m.allocatePacketConn(network, requestedPort)
}

// familyExpired deletes the allocation once its last relay session is gone.
func (m *Manager) familyExpired(a *Allocation) {
	if a.HasRelaySession() {
		return
	}
	m.lock.Lock()
	fp := a.fiveTuple.Fingerprint()
	if m.allocations[fp] != a {
		m.lock.Unlock()
		return
	}
	delete(m.allocations, fp)
	m.lock.Unlock()

	m.log.Debugf("Allocation for %v expired", a.fiveTuple)
	a.Clear(socketTypeOf(a.fiveTuple))
}

// Refresh re-arms the lifetime of every relay session of the allocation. A lifetime
// of zero deletes the allocation, RFC 5766 Section 7.3.
func (m *Manager) Refresh(fiveTuple *FiveTuple, lifetime time.Duration) error {
	a := m.GetAllocation(fiveTuple)
	if a == nil {
		return fmt.Errorf("%w: %v", errAllocationNotFound, fiveTuple)
	}
	if lifetime == 0 {
		m.DeleteAllocation(fiveTuple, socketTypeOf(fiveTuple))
		return nil
	}

	for i := 0; i < familyCount; i++ {
		family := familyOfIndex(i)
		if a.RelaySocket(family) != nil {
			a.ArmLifetime(family, lifetime, func(Family) { m.familyExpired(a) })
		}
	}
	return nil
}

// DeleteAllocation removes an allocation and clears it.
func (m *Manager) DeleteAllocation(fiveTuple *FiveTuple, socketType SocketType) bool {
	fp := fiveTuple.Fingerprint()

	m.lock.Lock()
	a, ok := m.allocations[fp]
	if ok {
		delete(m.allocations, fp)
	}
	m.lock.Unlock()

	if !ok {
		return false
	}
	a.Clear(socketType)
	return true
}

// Connect opens a TCP connection from the relay to the peer, RFC 6062 Section 5.2.
// The connection is registered right away. The dial runs in the background and its
// outcome is reported to onResult; the connection is deleted if the dial fails or the
// peer-connect timeout fires first.
func (m *Manager) Connect(
	a *Allocation,
	transactionID [stun.TransactionIDSize]byte,
	peer net.Addr,
	serverRelay bool,
	onResult func(*TCPConnection, error),
) (*TCPConnection, error) {
	if !a.IsValid() {
		return nil, ErrAllocationInvalid
	}
	if !serverRelay && a.GetPermission(peer) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPermission, peer)
	}
	family, ok := FamilyOf(peer)
	if !ok {
		return nil, errInvalidPeerAddress
	}

	c, err := a.CreateTCPConnection(transactionID, peer)
	if err != nil {
		return nil, err
	}
	c.StartPeerConnectTimeout(m.peerConnectTimeout)

	dialer := m.net.CreateDialer(&net.Dialer{Timeout: m.peerConnectTimeout})
	network := family.Network(proto.ProtoTCP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		conn, err := dialer.Dial(network, peer.String())
		if err == nil {
			if err = c.peerConnected(conn, m.connectionBindTimeout); err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			m.log.Debugf("Failed to connect to %s for %v: %s", peer, a.fiveTuple, err)
			c.Delete()
			if onResult != nil {
				onResult(c, fmt.Errorf("%w: %s", ErrTCPConnectionTimeoutOrFailure, err))
			}
			return
		}

		if onResult != nil {
			onResult(c, nil)
		}
	}()

	return c, nil
}

// AcceptPeerConnection registers a connection the peer opened to the relay listener,
// RFC 6062 Section 5.3. The caller sends the ConnectionAttempt indication carrying the
// returned connection id.
func (m *Manager) AcceptPeerConnection(a *Allocation, conn net.Conn, serverRelay bool) (*TCPConnection, error) {
	peer := conn.RemoteAddr()
	if !a.IsValid() {
		return nil, ErrAllocationInvalid
	}
	if !a.CanAcceptTCPConnectionFromPeer(peer, serverRelay) {
		return nil, fmt.Errorf("%w: %s", ErrNoPermission, peer)
	}

	var transactionID [stun.TransactionIDSize]byte
	c, err := a.CreateTCPConnection(transactionID, peer)
	if err != nil {
		return nil, err
	}
	if err := c.peerConnected(conn, m.connectionBindTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// BindConnection claims the connection with the id for the client data connection,
// RFC 6062 Section 5.4. Data the peer sent before the bind is delivered first.
func (m *Manager) BindConnection(id proto.ConnectionID, clientConn net.Conn) (*TCPConnection, error) {
	c := m.tcpConns.GetAndRemove(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", errConnectionNotFound, id)
	}
	if err := c.SetClientConn(clientConn); err != nil {
		return nil, err
	}
	c.StopConnectionBindTimeout()

	if err := c.DeliverUnsent(clientConn); err != nil {
		c.Delete()
		return nil, err
	}
	return c, nil
}

func socketTypeOf(fiveTuple *FiveTuple) SocketType {
	if fiveTuple != nil && fiveTuple.Protocol == proto.ProtoTCP {
		return SocketTypeTCP
	}
	return SocketTypeUDP
}
