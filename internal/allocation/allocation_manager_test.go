// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package allocation

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/transport/v3/test"
	"github.com/pion/turnalloc/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoIPv6 = errors.New("no IPv6 relay")

func randomFiveTuple() *FiveTuple {
	// nolint
	return &FiveTuple{
		Protocol: proto.ProtoUDP,
		SrcAddr:  &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 1 + rand.Intn(65534)},
		DstAddr:  &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 3478},
	}
}

type testManager struct {
	*Manager
	clock  *clock.Mock
	events *eventLog
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()

	n, err := stdnet.NewNet()
	require.NoError(t, err)

	events := &eventLog{}
	mock := clock.NewMock()
	m, err := NewManager(ManagerConfig{
		LeveledLogger: logging.NewDefaultLoggerFactory().NewLogger("test"),
		AllocatePacketConn: func(network string, port int) (net.PacketConn, net.Addr, error) {
			if network != "udp4" {
				return nil, nil, errNoIPv6
			}
			conn, err := n.ListenPacket(network, "127.0.0.1:0")
			if err != nil {
				return nil, nil, err
			}
			return conn, conn.LocalAddr(), nil
		},
		AllocateListener: func(network string, port int) (net.Listener, net.Addr, error) {
			if network != "tcp4" {
				return nil, nil, errNoIPv6
			}
			addr, err := n.ResolveTCPAddr(network, "127.0.0.1:0")
			if err != nil {
				return nil, nil, err
			}
			l, err := n.ListenTCP(network, addr)
			if err != nil {
				return nil, nil, err
			}
			return l, l.Addr(), nil
		},
		Net:                n,
		ServerID:           9,
		PeerConnectTimeout: time.Second,
		Allocation: Config{
			Clock:        mock,
			EventHandler: events.handler(),
		},
	})
	require.NoError(t, err)

	return &testManager{Manager: m, clock: mock, events: events}
}

func isClose(conn io.Closer) bool {
	closeErr := conn.Close()
	return closeErr != nil && strings.Contains(closeErr.Error(), "use of closed network connection")
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.ErrorIs(t, err, errAllocatePacketConnMustBeSet)

	_, err = NewManager(ManagerConfig{
		AllocatePacketConn: func(string, int) (net.PacketConn, net.Addr, error) { return nil, nil, nil },
	})
	assert.ErrorIs(t, err, errAllocateListenerMustBeSet)
}

// Test invalid Allocation creations.
func TestCreateInvalidAllocation(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	families := []Family{FamilyIPv4}

	_, err := m.CreateAllocation(nil, proto.ProtoUDP, families, 0, time.Minute)
	assert.ErrorIs(t, err, errNilFiveTuple)

	_, err = m.CreateAllocation(&FiveTuple{DstAddr: udpAddr("192.0.2.1:3478")}, proto.ProtoUDP, families, 0, time.Minute)
	assert.ErrorIs(t, err, errNilFiveTupleSrcAddr)

	_, err = m.CreateAllocation(&FiveTuple{SrcAddr: udpAddr("192.0.2.1:3478")}, proto.ProtoUDP, families, 0, time.Minute)
	assert.ErrorIs(t, err, errNilFiveTupleDstAddr)

	_, err = m.CreateAllocation(randomFiveTuple(), proto.ProtoUDP, families, 0, 0)
	assert.ErrorIs(t, err, errLifetimeZero)

	_, err = m.CreateAllocation(randomFiveTuple(), proto.ProtoUDP, nil, 0, time.Minute)
	assert.ErrorIs(t, err, errNoFamilies)

	_, err = m.CreateAllocation(randomFiveTuple(), proto.ProtoUDP, []Family{FamilyIPv6}, 0, time.Minute)
	assert.ErrorIs(t, err, errAllFamiliesFailed)
	assert.Equal(t, 0, m.AllocationCount())
}

// Test valid Allocation creations.
func TestCreateAllocation(t *testing.T) {
	m := newTestManager(t)

	fiveTuple := randomFiveTuple()
	a, err := m.CreateAllocation(fiveTuple, proto.ProtoUDP, []Family{FamilyIPv4, FamilyIPv6}, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, a.IsValid())
	assert.Same(t, a, m.GetAllocation(fiveTuple))

	// The IPv6 relay failed, the IPv4 one serves.
	assert.True(t, a.RelaySessionFailure(FamilyIPv6))
	assert.Nil(t, a.RelaySocket(FamilyIPv6))
	relay := a.RelaySocket(FamilyIPv4)
	require.NotNil(t, relay)
	assert.Equal(t, m.clock.Now().Add(time.Minute), a.RelaySession(FamilyIPv4).ExpirationTime)
	assert.Equal(t, []string{"allocation+ 1"}, m.events.list())

	_, err = m.CreateAllocation(fiveTuple, proto.ProtoUDP, []Family{FamilyIPv4}, 0, time.Minute)
	assert.ErrorIs(t, err, errDupeFiveTuple, "Was able to create allocation with same FiveTuple twice")

	assert.NoError(t, m.Close())
	assert.True(t, isClose(relay), "Manager's allocations should be closed")
	assert.False(t, a.IsValid())

	_, err = m.CreateAllocation(randomFiveTuple(), proto.ProtoUDP, []Family{FamilyIPv4}, 0, time.Minute)
	assert.ErrorIs(t, err, errManagerClosed)
}

func TestDeleteAllocation(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	fiveTuple := randomFiveTuple()
	a, err := m.CreateAllocation(fiveTuple, proto.ProtoUDP, []Family{FamilyIPv4}, 0, time.Minute)
	require.NoError(t, err)
	relay := a.RelaySocket(FamilyIPv4)
	m.events.reset()

	assert.True(t, m.DeleteAllocation(fiveTuple, SocketTypeUDP))
	assert.Nilf(t, m.GetAllocation(fiveTuple), "Failed to delete allocation %v", fiveTuple)
	assert.True(t, isClose(relay))
	assert.Equal(t, []string{"allocation- UDP", "relay- IPv4"}, m.events.list())

	assert.False(t, m.DeleteAllocation(fiveTuple, SocketTypeUDP))
}

// Test that allocation should be closed if timeout.
func TestAllocationTimeout(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	allocations := make([]*Allocation, 5)
	relays := make([]io.Closer, 5)
	for i := range allocations {
		a, err := m.CreateAllocation(randomFiveTuple(), proto.ProtoUDP, []Family{FamilyIPv4}, 0, time.Minute)
		require.NoError(t, err)
		allocations[i] = a
		relays[i] = a.RelaySocket(FamilyIPv4)
	}

	m.clock.Add(time.Minute)
	assert.Eventually(t, func() bool { return m.AllocationCount() == 0 }, time.Second, 5*time.Millisecond)
	for i, a := range allocations {
		assert.False(t, a.IsValid())
		assert.True(t, isClose(relays[i]), "Allocation relay socket should be closed if lifetime timeout")
	}
}

func TestRefresh(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	fiveTuple := randomFiveTuple()
	a, err := m.CreateAllocation(fiveTuple, proto.ProtoUDP, []Family{FamilyIPv4}, 0, time.Minute)
	require.NoError(t, err)

	m.clock.Add(50 * time.Second)
	require.NoError(t, m.Refresh(fiveTuple, time.Minute))
	m.clock.Add(50 * time.Second)
	assert.Never(t, func() bool { return m.GetAllocation(fiveTuple) == nil }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, m.Refresh(fiveTuple, 0))
	assert.Nil(t, m.GetAllocation(fiveTuple))
	assert.False(t, a.IsValid())

	err = m.Refresh(fiveTuple, time.Minute)
	assert.ErrorIs(t, err, errAllocationNotFound)
	code, _ := ErrorCode(err)
	assert.Equal(t, stun.CodeAllocMismatch, code)
}

func TestConnect(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	peerListener, err := net.Listen("tcp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	defer func() { assert.NoError(t, peerListener.Close()) }()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := peerListener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	a, err := m.CreateAllocation(randomFiveTuple(), proto.ProtoTCP, []Family{FamilyIPv4}, 0, time.Minute)
	require.NoError(t, err)
	peer := peerListener.Addr()
	tid := [stun.TransactionIDSize]byte{7}

	_, err = m.Connect(a, tid, peer, false, nil)
	assert.ErrorIs(t, err, ErrNoPermission)

	_, err = a.AddPermission(peer, 0)
	require.NoError(t, err)

	result := make(chan error, 1)
	c, err := m.Connect(a, tid, peer, false, func(_ *TCPConnection, err error) { result <- err })
	require.NoError(t, err)
	assert.Equal(t, uint8(9), c.ID.ServerID())
	assert.Equal(t, tid, c.TransactionID)

	_, err = m.Connect(a, tid, peer, false, nil)
	assert.ErrorIs(t, err, ErrDupeTCPConnection)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "connect did not complete")
	}
	require.NotNil(t, c.PeerConn())

	peerSide := <-accepted
	defer func() { _ = peerSide.Close() }()

	// Data from the peer waits for the client data connection.
	c.PushUnsent(newTestBuffer("hello"))

	clientConn, clientSide := net.Pipe()
	defer func() { _ = clientSide.Close() }()
	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := io.ReadFull(clientSide, buf)
		received <- string(buf[:n])
	}()

	bound, err := m.BindConnection(c.ID, clientConn)
	require.NoError(t, err)
	assert.Same(t, c, bound)
	assert.Equal(t, "hello", <-received)

	_, err = m.BindConnection(c.ID, clientConn)
	assert.ErrorIs(t, err, errConnectionNotFound)

	// The bind timeout was stopped by the bind.
	m.clock.Add(DefaultConnectionBindTimeout)
	assert.Never(t, c.Done, 50*time.Millisecond, 5*time.Millisecond)

	c.Delete()
	_, err = clientSide.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "client data connection should be closed")
}

func TestConnectFailure(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	// Grab a free port and close it again so nothing listens there.
	l, err := net.Listen("tcp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	peer := l.Addr()
	require.NoError(t, l.Close())

	a, err := m.CreateAllocation(randomFiveTuple(), proto.ProtoTCP, []Family{FamilyIPv4}, 0, time.Minute)
	require.NoError(t, err)

	result := make(chan error, 1)
	c, err := m.Connect(a, [stun.TransactionIDSize]byte{}, peer, true, func(_ *TCPConnection, err error) { result <- err })
	require.NoError(t, err)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTCPConnectionTimeoutOrFailure)
		code, _ := ErrorCode(err)
		assert.Equal(t, stun.CodeConnTimeoutOrFailure, code)
	case <-time.After(5 * time.Second):
		require.Fail(t, "connect did not fail")
	}
	assert.True(t, c.Done())
	assert.Equal(t, 0, a.TCPConnectionCount())
}

func TestAcceptPeerConnection(t *testing.T) {
	m := newTestManager(t)
	defer func() { assert.NoError(t, m.Close()) }()

	a, err := m.CreateAllocation(randomFiveTuple(), proto.ProtoTCP, []Family{FamilyIPv4}, 0, time.Minute)
	require.NoError(t, err)

	relayConn, peerSide := net.Pipe()
	defer func() { _ = peerSide.Close() }()
	conn := &addrConn{Conn: relayConn, remote: tcpAddr("10.0.0.5:4000")}

	_, err = m.AcceptPeerConnection(a, conn, false)
	assert.ErrorIs(t, err, ErrNoPermission)

	_, err = a.AddPermission(conn.remote, 0)
	require.NoError(t, err)
	c, err := m.AcceptPeerConnection(a, conn, false)
	require.NoError(t, err)
	assert.Same(t, conn, c.PeerConn())
	assert.Same(t, c, m.TCPConnections().Get(c.ID))

	// Without a ConnectionBind the connection is torn down.
	m.clock.Add(DefaultConnectionBindTimeout)
	assert.Eventually(t, c.Done, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.TCPConnections().Get(c.ID))
}

// addrConn overrides the remote address of a net.Pipe end.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr {
	return c.remote
}
