// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/stun/v2"
	"github.com/pion/turnalloc/internal/proto"
)

const (
	// DefaultPeerConnectTimeout bounds how long a Connect may wait for the peer, RFC 6062 Section 5.2.
	DefaultPeerConnectTimeout = 30 * time.Second
	// DefaultConnectionBindTimeout bounds how long an established peer connection waits
	// for the client's ConnectionBind, RFC 6062 Section 5.2 and 5.3.
	DefaultConnectionBindTimeout = 30 * time.Second

	connectionIDMask       = 0x00FFFFFF
	maxConnectionIDRetries = 1 << 16
)

// TCPConnection is one RFC 6062 relayed TCP connection of an allocation.
type TCPConnection struct {
	ID            proto.ConnectionID
	PeerAddr      net.Addr
	TransactionID [stun.TransactionIDSize]byte

	peer          netip.AddrPort
	allocation    *Allocation
	clientConn    net.Conn
	peerConn      net.Conn
	peerConnTimer Timer
	connBindTimer Timer
	unsent        UnsentBuffer
	done          bool
}

// Allocation returns the allocation the connection belongs to.
func (c *TCPConnection) Allocation() *Allocation {
	return c.allocation
}

// Done reports whether the connection has been deleted.
func (c *TCPConnection) Done() bool {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.done
}

// Delete tears the connection down: queued buffers are released, both timeouts are
// cancelled, the connection is unregistered and both sockets are closed. Deleting an
// already deleted connection only logs.
func (c *TCPConnection) Delete() {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	c.allocation.deleteTCPConnection(c)
}

// SetPeerConn attaches the socket connected to the peer.
func (c *TCPConnection) SetPeerConn(conn net.Conn) error {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	if c.done {
		return errConnectionClosed
	}
	c.peerConn = conn
	return nil
}

// peerConnected attaches the peer socket, cancels the peer-connect timeout and arms the
// connection-bind timeout in one step. It fails if the connection was deleted first.
func (c *TCPConnection) peerConnected(conn net.Conn, bindTimeout time.Duration) error {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	if c.done {
		return errConnectionClosed
	}
	c.peerConn = conn
	stopTimer(c.peerConnTimer)
	c.peerConnTimer = nil
	c.allocation.armTCPTimeout(c, &c.connBindTimer, bindTimeout, "connection bind")
	return nil
}

// PeerConn returns the socket connected to the peer.
func (c *TCPConnection) PeerConn() net.Conn {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.peerConn
}

// SetClientConn attaches the client data connection from ConnectionBind.
func (c *TCPConnection) SetClientConn(conn net.Conn) error {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	if c.done {
		return errConnectionClosed
	}
	c.clientConn = conn
	return nil
}

// ClientConn returns the client data connection.
func (c *TCPConnection) ClientConn() net.Conn {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.clientConn
}

// StartPeerConnectTimeout arms the peer-connect timeout. The connection is deleted
// if it fires before StopPeerConnectTimeout is called.
func (c *TCPConnection) StartPeerConnectTimeout(d time.Duration) {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	c.allocation.armTCPTimeout(c, &c.peerConnTimer, d, "peer connect")
}

// StopPeerConnectTimeout cancels the peer-connect timeout.
func (c *TCPConnection) StopPeerConnectTimeout() {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	stopTimer(c.peerConnTimer)
	c.peerConnTimer = nil
}

// StartConnectionBindTimeout arms the connection-bind timeout. The connection is
// deleted if it fires before StopConnectionBindTimeout is called.
func (c *TCPConnection) StartConnectionBindTimeout(d time.Duration) {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	c.allocation.armTCPTimeout(c, &c.connBindTimer, d, "connection bind")
}

// StopConnectionBindTimeout cancels the connection-bind timeout.
func (c *TCPConnection) StopConnectionBindTimeout() {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	stopTimer(c.connBindTimer)
	c.connBindTimer = nil
}

// PushUnsent queues data received from the peer before the client data connection is
// bound. It returns false if the buffer was dropped.
func (c *TCPConnection) PushUnsent(b Buffer) bool {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	if b == nil {
		return false
	}
	if c.done {
		b.Release()
		return false
	}
	if !c.unsent.Push(b) {
		c.allocation.log.Debugf("Dropping unsent buffer for tcp connection %s, queue is full", c.ID)
		if h := c.allocation.handler.OnUnsentBufferDropped; h != nil {
			src, dst, protocol := c.allocation.owner()
			h(src, dst, protocol, uint32(c.ID))
		}
		return false
	}
	return true
}

// UnsentLen returns the number of buffers waiting for the client data connection.
func (c *TCPConnection) UnsentLen() int {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.unsent.Len()
}

// DeliverUnsent drains the queued buffers to w in order, releasing each one once
// written. On a write error the remaining buffers are released as well.
func (c *TCPConnection) DeliverUnsent(w io.Writer) error {
	c.allocation.mu.Lock()
	bufs := c.unsent.take()
	c.allocation.mu.Unlock()

	var err error
	for _, b := range bufs {
		if err == nil {
			_, err = w.Write(b.Bytes())
		}
		b.Release()
	}
	return err
}

// TCPConnectionMap indexes the TCP connections of every allocation of a server shard by
// connection id. The high byte of every id is the shard's server id.
type TCPConnectionMap struct {
	mu       sync.RWMutex
	serverID uint8
	rand     randutil.MathRandomGenerator
	conns    map[proto.ConnectionID]*TCPConnection
}

// NewTCPConnectionMap creates an empty map for the shard with the given server id.
func NewTCPConnectionMap(serverID uint8, rand randutil.MathRandomGenerator) *TCPConnectionMap {
	if rand == nil {
		rand = randutil.NewMathRandomGenerator()
	}
	return &TCPConnectionMap{
		serverID: serverID,
		rand:     rand,
		conns:    map[proto.ConnectionID]*TCPConnection{},
	}
}

// Get returns the connection with the given id.
func (m *TCPConnectionMap) Get(id proto.ConnectionID) *TCPConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

// GetAndRemove returns the connection with the given id and unregisters the id, so a
// ConnectionBind can claim a connection only once.
func (m *TCPConnectionMap) GetAndRemove(id proto.ConnectionID) *TCPConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	return c
}

// Len returns the number of registered connections.
func (m *TCPConnectionMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *TCPConnectionMap) register(c *TCPConnection) (proto.ConnectionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := newConnectionID(m.serverID, m.rand, func(id proto.ConnectionID) bool {
		_, ok := m.conns[id]
		return ok
	})
	if err != nil {
		return 0, err
	}
	m.conns[id] = c
	return id, nil
}

// remove unregisters id only while it still maps to c.
func (m *TCPConnectionMap) remove(id proto.ConnectionID, c *TCPConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[id] == c {
		delete(m.conns, id)
	}
}

// newConnectionID draws random non-zero 24 bit ids prefixed with the server id until one
// is not taken.
func newConnectionID(serverID uint8, rand randutil.MathRandomGenerator, taken func(proto.ConnectionID) bool) (proto.ConnectionID, error) {
	sid := uint32(serverID) << 24
	for try := 0; try < maxConnectionIDRetries; try++ {
		low := rand.Uint32() & connectionIDMask
		if low == 0 {
			continue
		}
		if id := proto.ConnectionID(sid | low); !taken(id) {
			return id, nil
		}
	}
	return 0, errFailedToGenerateConnectionID
}
