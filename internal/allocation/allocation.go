// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package allocation contains the per-client relay state of a TURN server: the
// permissions, channel bindings and RFC 6062 TCP connections of an allocation,
// and the manager that creates and tears allocations down.
package allocation

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/turnalloc/internal/offload"
	"github.com/pion/turnalloc/internal/proto"
)

// Config sizes the tables of an allocation and provides its collaborators.
type Config struct {
	// PermissionBuckets and PermissionSlots shape the permission table: the number of
	// hash buckets (rounded up to a power of two) and in-place slots per bucket.
	PermissionBuckets int
	PermissionSlots   int
	// ChannelBuckets and ChannelSlots shape the channel map the same way.
	ChannelBuckets int
	ChannelSlots   int

	// MaxPermissions, MaxChannelBinds and MaxTCPConnections cap the tables. Zero means
	// unlimited.
	MaxPermissions    int
	MaxChannelBinds   int
	MaxTCPConnections int

	// PermissionTimeout is the lifetime of permissions installed by channel binds.
	PermissionTimeout time.Duration

	// Clock schedules every timer of the allocation.
	Clock clock.Clock
	// Offload receives the kernel fast-path entries of channel bindings. Offload is
	// disabled when nil.
	Offload       offload.Engine
	EventHandler  EventHandler
	LeveledLogger logging.LeveledLogger
}

func (c Config) withDefaults() Config {
	if c.PermissionBuckets <= 0 {
		c.PermissionBuckets = defaultPermissionBuckets
	}
	if c.PermissionSlots <= 0 {
		c.PermissionSlots = defaultPermissionSlots
	}
	if c.ChannelBuckets <= 0 {
		c.ChannelBuckets = defaultChannelBuckets
	}
	if c.ChannelSlots <= 0 {
		c.ChannelSlots = defaultChannelSlots
	}
	c.PermissionBuckets = roundPow2(c.PermissionBuckets)
	c.ChannelBuckets = roundPow2(c.ChannelBuckets)
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = DefaultPermissionTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.LeveledLogger == nil {
		c.LeveledLogger = logging.NewDefaultLoggerFactory().NewLogger("allocation")
	}
	return c
}

// RelaySession is the relay socket of one address family and its lifetime.
type RelaySession struct {
	Socket         io.Closer
	RelayAddr      net.Addr
	ExpirationTime time.Time

	lifetimeTimer Timer
}

// Allocation is tied to a FiveTuple and relays traffic for its owning client session.
// use NewAllocation and Clear to create and tear it down.
type Allocation struct {
	fiveTuple *FiveTuple
	tcpConns  *TCPConnectionMap

	mu             sync.Mutex
	relaySessions  [familyCount]RelaySession
	relayFailures  [familyCount]bool
	permissions    permissionTable
	channels       channelMap
	tcpConnections []*TCPConnection
	valid          bool
	cleared        bool

	config  Config
	clock   clock.Clock
	offload offload.Engine
	handler EventHandler
	log     logging.LeveledLogger
}

// NewAllocation creates an empty, not yet valid allocation owned by the session
// identified by fiveTuple. tcpConns is the connection id map shared by the server shard.
func NewAllocation(fiveTuple *FiveTuple, tcpConns *TCPConnectionMap, config Config) *Allocation {
	config = config.withDefaults()
	a := &Allocation{
		fiveTuple: fiveTuple,
		tcpConns:  tcpConns,
		config:    config,
		clock:     config.Clock,
		offload:   config.Offload,
		handler:   config.EventHandler,
		log:       config.LeveledLogger,
	}
	a.permissions = newPermissionTable(a, config.PermissionBuckets, config.PermissionSlots, config.MaxPermissions)
	a.channels = newChannelMap(a, config.ChannelBuckets, config.ChannelSlots, config.MaxChannelBinds)
	return a
}

// FiveTuple returns the five tuple of the owning session.
func (a *Allocation) FiveTuple() *FiveTuple {
	return a.fiveTuple
}

func (a *Allocation) owner() (net.Addr, net.Addr, string) {
	if a.fiveTuple == nil {
		return nil, nil, ""
	}
	return a.fiveTuple.SrcAddr, a.fiveTuple.DstAddr, a.fiveTuple.Protocol.String()
}

// IsValid reports whether the allocation is currently serving.
func (a *Allocation) IsValid() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

// SetValid marks the allocation as serving or not.
func (a *Allocation) SetValid(valid bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.valid = valid
}

// RelaySession returns a copy of the relay session of the family.
func (a *Allocation) RelaySession(family Family) RelaySession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relaySessions[family.index()]
}

// RelaySocket returns the relay socket of the family, or nil.
func (a *Allocation) RelaySocket(family Family) io.Closer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relaySessions[family.index()].Socket
}

// RelayAddr returns the relayed transport address of the family, or nil.
func (a *Allocation) RelayAddr(family Family) net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relaySessions[family.index()].RelayAddr
}

// SetRelaySocket installs the relay socket of the family. A socket already installed
// for the family is released first.
func (a *Allocation) SetRelaySocket(family Family, socket io.Closer, relayAddr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := family.index()
	if a.relaySessions[i].Socket != nil {
		a.releaseRelaySession(i)
	}
	a.relaySessions[i].Socket = socket
	a.relaySessions[i].RelayAddr = relayAddr
}

// HasRelaySession reports whether any family still has a relay socket.
func (a *Allocation) HasRelaySession() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.relaySessions {
		if a.relaySessions[i].Socket != nil {
			return true
		}
	}
	return false
}

// RelaySessionFailure reports whether allocating the relay of the family failed.
func (a *Allocation) RelaySessionFailure(family Family) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relayFailures[family.index()]
}

// SetRelaySessionFailure records that allocating the relay of the family failed.
func (a *Allocation) SetRelaySessionFailure(family Family) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relayFailures[family.index()] = true
}

// SetLifetimeTimer replaces the lifetime timer of the family's relay session,
// cancelling the previous one.
func (a *Allocation) SetLifetimeTimer(family Family, expiration time.Time, t Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &a.relaySessions[family.index()]
	stopTimer(s.lifetimeTimer)
	s.ExpirationTime = expiration
	s.lifetimeTimer = t
}

// Clear tears the allocation down: the deletion is reported if the allocation was
// valid, every TCP connection is deleted, every relay session is released and the
// permissions and channels are freed. The allocation is left invalid.
func (a *Allocation) Clear(socketType SocketType) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.valid {
		if h := a.handler.OnAllocationDeleted; h != nil {
			src, dst, protocol := a.owner()
			h(src, dst, protocol, socketType)
		}
	}

	for _, c := range a.tcpConnections {
		if c != nil {
			a.deleteTCPConnection(c)
		}
	}
	a.tcpConnections = nil

	for i := range a.relaySessions {
		a.releaseRelaySession(i)
	}

	// Permissions first: cleaning them tears down channels stored in the channel map.
	a.permissions.free(a.cleanPermission)
	a.channels.free(a.cleanChannel)

	a.valid = false
	a.cleared = true
}

// activate arms the lifetimes of the allocated families, marks the allocation valid
// and reports its creation. It returns false if the allocation was cleared first.
func (a *Allocation) activate(families []Family, lifetime time.Duration, relayAddrs []net.Addr, expired func(Family)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cleared {
		return false
	}

	for _, family := range families {
		a.armLifetime(family, lifetime, expired)
	}
	a.valid = true
	if h := a.handler.OnAllocationCreated; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, relayAddrs)
	}
	return true
}

// ArmLifetime (re)arms the lifetime timer of the family's relay session. When it fires
// the family is invalidated and expired is called with the allocation unlocked.
// Cleared allocations are left alone.
func (a *Allocation) ArmLifetime(family Family, lifetime time.Duration, expired func(Family)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cleared {
		return
	}
	a.armLifetime(family, lifetime, expired)
}

func (a *Allocation) armLifetime(family Family, lifetime time.Duration, expired func(Family)) {
	s := &a.relaySessions[family.index()]
	stopTimer(s.lifetimeTimer)
	s.ExpirationTime = a.clock.Now().Add(lifetime)

	var t Timer
	t = a.clock.AfterFunc(lifetime, func() {
		a.mu.Lock()
		if s.lifetimeTimer != t {
			a.mu.Unlock()
			return
		}
		a.log.Debugf("%s relay of %v expired", family, a.fiveTuple)
		a.setFamilyInvalid(family)
		a.mu.Unlock()

		if expired != nil {
			expired(family)
		}
	})
	s.lifetimeTimer = t
}

// SetFamilyInvalid tears down only the relay session of the family and the TCP
// connections to peers of that family. The other family keeps serving.
func (a *Allocation) SetFamilyInvalid(family Family) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setFamilyInvalid(family)
}

func (a *Allocation) setFamilyInvalid(family Family) {
	i := family.index()
	if a.relaySessions[i].Socket == nil {
		return
	}

	for _, c := range a.tcpConnections {
		if c == nil {
			continue
		}
		if f, ok := FamilyOf(c.PeerAddr); ok && f == family {
			a.deleteTCPConnection(c)
		}
	}

	a.releaseRelaySession(i)
}

func (a *Allocation) releaseRelaySession(i int) {
	s := &a.relaySessions[i]
	if s.Socket != nil {
		if h := a.handler.OnRelayReleased; h != nil {
			src, dst, protocol := a.owner()
			h(src, dst, protocol, familyOfIndex(i), s.RelayAddr)
		}
		if err := s.Socket.Close(); err != nil {
			a.log.Warnf("Failed to close %s relay socket of %v: %s", familyOfIndex(i), a.fiveTuple, err)
		}
	}
	stopTimer(s.lifetimeTimer)
	*s = RelaySession{}
}

// AddPermission installs a permission for the peer address, or refreshes the existing
// one, and (re)arms its lifetime timer. A lifetime of zero uses the configured default.
func (a *Allocation) AddPermission(peer net.Addr, lifetime time.Duration) (*Permission, error) {
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil, errInvalidPeerAddress
	}
	if lifetime <= 0 {
		lifetime = a.config.PermissionTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.permissions.get(ap.Addr())
	if p == nil {
		var err error
		if p, err = a.addPermission(ap.Addr(), peer); err != nil {
			return nil, err
		}
	}
	a.armPermission(p, lifetime)
	return p, nil
}

// GetPermission returns the permission covering the peer address, ignoring its port.
func (a *Allocation) GetPermission(peer net.Addr) *Permission {
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permissions.get(ap.Addr())
}

// RemovePermission removes the permission covering the peer address together with
// every channel bound through it.
func (a *Allocation) RemovePermission(peer net.Addr) bool {
	ap, ok := addrPortOf(peer)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.permissions.get(ap.Addr())
	if p == nil {
		return false
	}
	a.cleanPermission(p)
	return true
}

// Permissions returns a snapshot of the live permissions.
func (a *Allocation) Permissions() []*Permission {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Permission, 0, a.permissions.size)
	a.permissions.forEach(func(p *Permission) bool {
		out = append(out, p)
		return true
	})
	return out
}

// PermissionCount returns the number of live permissions.
func (a *Allocation) PermissionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permissions.size
}

func (a *Allocation) addPermission(ip netip.Addr, peer net.Addr) (*Permission, error) {
	p := a.permissions.add(ip, peer)
	if p == nil {
		return nil, fmt.Errorf("%w: %d permissions", ErrPermissionTableFull, a.permissions.size)
	}
	a.log.Tracef("Permission for %s added to %v", ip, a.fiveTuple)
	if h := a.handler.OnPermissionCreated; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, net.IP(ip.AsSlice()))
	}
	return p, nil
}

func (a *Allocation) armPermission(p *Permission, lifetime time.Duration) {
	stopTimer(p.lifetimeTimer)
	p.expiresAt = a.clock.Now().Add(lifetime)

	var t Timer
	t = a.clock.AfterFunc(lifetime, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		// Refreshed or recycled since this timer was armed.
		if !p.allocated || p.lifetimeTimer != t {
			return
		}
		a.log.Debugf("Permission for %s of %v expired", p.ip, a.fiveTuple)
		a.cleanPermission(p)
	})
	p.lifetimeTimer = t
}

// cleanPermission cancels the permission's timer, tears down every channel bound
// through it and frees its slot.
func (a *Allocation) cleanPermission(p *Permission) {
	if !p.allocated {
		return
	}

	if p.lifetimeTimer == nil {
		a.log.Errorf("Cleaning permission for %s of %v that has no lifetime timer", p.ip, a.fiveTuple)
	}
	stopTimer(p.lifetimeTimer)

	for port, c := range p.channels {
		if !c.Number.Valid() {
			a.log.Errorf("Cleaning channel %d bound to port %d of %s: invalid channel number", c.Number, port, p.ip)
		}
		a.cleanChannel(c)
	}

	ip := p.ip
	p.reset()
	a.permissions.size--
	a.log.Debugf("Permission for %s of %v deleted", ip, a.fiveTuple)

	if h := a.handler.OnPermissionDeleted; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, net.IP(ip.AsSlice()))
	}
}

// AddChannelBind binds the channel number to the peer transport address, or refreshes
// an existing identical binding. A permission for the peer is installed if missing and
// refreshed otherwise. A lifetime of zero uses DefaultChannelBindTimeout.
func (a *Allocation) AddChannelBind(number proto.ChannelNumber, peer net.Addr, lifetime time.Duration) (*ChannelBind, error) {
	if !number.Valid() {
		return nil, fmt.Errorf("%w: %d", proto.ErrInvalidChannelNumber, number)
	}
	ap, ok := addrPortOf(peer)
	if !ok || ap.Port() == 0 {
		return nil, errInvalidPeerAddress
	}
	if lifetime <= 0 {
		lifetime = DefaultChannelBindTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Check that this channel number isn't bound to another transport address, and
	// that this transport address isn't bound to another channel number.
	byNumber := a.channels.get(number, false)
	var byPeer *ChannelBind
	if p := a.permissions.get(ap.Addr()); p != nil {
		byPeer = p.channels[ap.Port()]
	}
	if byNumber != byPeer {
		if byNumber != nil {
			return nil, ErrSameChannelDifferentPeer
		}
		return nil, ErrSamePeerDifferentChannel
	}

	if byNumber != nil {
		a.armChannel(byNumber, lifetime)
		a.armPermission(byNumber.owner, a.config.PermissionTimeout)
		return byNumber, nil
	}

	c, err := a.newChannel(number, ap, peer)
	if err != nil {
		return nil, err
	}
	a.armChannel(c, lifetime)

	if h := a.handler.OnChannelCreated; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, peer, uint16(number))
	}
	return c, nil
}

// newChannel reserves a channel slot for the number and links it to the permission of
// the peer, installing that permission if needed. Nothing is left behind on failure.
func (a *Allocation) newChannel(number proto.ChannelNumber, ap netip.AddrPort, peer net.Addr) (*ChannelBind, error) {
	p := a.permissions.get(ap.Addr())
	created := false
	if p == nil {
		var err error
		if p, err = a.addPermission(ap.Addr(), peer); err != nil {
			return nil, err
		}
		created = true
	}

	c := a.channels.get(number, true)
	if c == nil {
		if created {
			a.cleanPermission(p)
		}
		return nil, fmt.Errorf("%w: %d channels", ErrChannelMapFull, a.channels.size)
	}
	a.armPermission(p, a.config.PermissionTimeout)

	c.allocated = true
	c.Number = number
	c.Peer = peer
	c.peer = ap
	c.owner = p
	a.channels.size++

	if p.channels == nil {
		p.channels = map[uint16]*ChannelBind{}
	}
	p.channels[ap.Port()] = c

	a.log.Tracef("Channel %d bound to %s on %v", number, ap, a.fiveTuple)
	return c, nil
}

func (a *Allocation) armChannel(c *ChannelBind, lifetime time.Duration) {
	stopTimer(c.lifetimeTimer)
	c.expiresAt = a.clock.Now().Add(lifetime)

	var t Timer
	t = a.clock.AfterFunc(lifetime, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !c.allocated || c.lifetimeTimer != t {
			return
		}
		a.log.Debugf("Channel %d of %v expired", c.Number, a.fiveTuple)
		a.deleteChannel(c)
	})
	c.lifetimeTimer = t
}

// GetChannelByNumber returns the channel bound with the number.
func (a *Allocation) GetChannelByNumber(number proto.ChannelNumber) *ChannelBind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels.get(number, false)
}

// GetChannelByAddr returns the channel bound to the peer transport address.
func (a *Allocation) GetChannelByAddr(peer net.Addr) *ChannelBind {
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.permissions.get(ap.Addr()); p != nil {
		return p.channel(peer)
	}
	return nil
}

// GetChannelNumber returns the number of the channel bound to the peer transport
// address, or 0.
func (a *Allocation) GetChannelNumber(peer net.Addr) proto.ChannelNumber {
	if c := a.GetChannelByAddr(peer); c != nil {
		return c.Number
	}
	return 0
}

// RemoveChannelBind unbinds the channel with the number. Its permission stays.
func (a *Allocation) RemoveChannelBind(number proto.ChannelNumber) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.channels.get(number, false)
	if c == nil {
		return false
	}
	a.deleteChannel(c)
	return true
}

// Channels returns a snapshot of the live channel bindings.
func (a *Allocation) Channels() []*ChannelBind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*ChannelBind, 0, a.channels.size)
	a.channels.forEach(func(c *ChannelBind) bool {
		out = append(out, c)
		return true
	})
	return out
}

// ChannelCount returns the number of live channel bindings.
func (a *Allocation) ChannelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels.size
}

// SetChannelOffload installs a kernel fast-path entry for the channel. The entry is
// removed when the channel goes away.
func (a *Allocation) SetChannelOffload(c *ChannelBind, client, peer offload.Connection) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.offload == nil {
		return errOffloadDisabled
	}
	if !c.allocated {
		return errChannelNotBound
	}

	a.removeChannelOffload(c)
	client.ChannelID = uint32(c.Number)
	if err := a.offload.Upsert(client, peer); err != nil {
		return err
	}
	c.offload = &offloadHandle{client: client, peer: peer}
	return nil
}

func (a *Allocation) removeChannelOffload(c *ChannelBind) {
	if c.offload == nil {
		return
	}
	if a.offload != nil {
		if err := a.offload.Remove(c.offload.client, c.offload.peer); err != nil {
			a.log.Errorf("Failed to remove offload of channel %d: %s", c.Number, err)
		}
	}
	c.offload = nil
}

// deleteChannel unlinks the channel from its permission and frees it.
func (a *Allocation) deleteChannel(c *ChannelBind) {
	port := c.peer.Port()
	if port < 1 {
		a.log.Errorf("Deleting channel %d with an empty peer port: %v", c.Number, c.Peer)
	}

	if p := c.owner; p != nil {
		if p.channels[port] == c {
			delete(p.channels, port)
		}
	} else {
		a.log.Errorf("Deleting channel %d of %v that has no permission", c.Number, a.fiveTuple)
	}

	a.cleanChannel(c)
}

// cleanChannel releases the channel's offload entry and timer and frees its slot.
func (a *Allocation) cleanChannel(c *ChannelBind) {
	if !c.allocated {
		return
	}

	a.removeChannelOffload(c)
	stopTimer(c.lifetimeTimer)

	peer, number := c.Peer, c.Number
	c.reset()
	a.channels.size--

	if h := a.handler.OnChannelDeleted; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, peer, uint16(number))
	}
}

// CreateTCPConnection registers a new RFC 6062 connection to the peer transport address.
// A second connection to the same peer fails with ErrDupeTCPConnection (446).
func (a *Allocation) CreateTCPConnection(transactionID [stun.TransactionIDSize]byte, peer net.Addr) (*TCPConnection, error) {
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil, errInvalidPeerAddress
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tcpConns == nil {
		return nil, errNilTCPConnectionMap
	}

	n := 0
	for _, o := range a.tcpConnections {
		if o == nil {
			continue
		}
		if o.peer == ap {
			return nil, fmt.Errorf("%w: %s", ErrDupeTCPConnection, ap)
		}
		n++
	}
	if a.config.MaxTCPConnections > 0 && n >= a.config.MaxTCPConnections {
		return nil, fmt.Errorf("%w: %d connections", ErrTCPConnectionListFull, n)
	}

	c := &TCPConnection{
		PeerAddr:      peer,
		TransactionID: transactionID,
		peer:          ap,
		allocation:    a,
	}
	id, err := a.tcpConns.register(c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	reused := false
	for i, o := range a.tcpConnections {
		if o == nil {
			a.tcpConnections[i] = c
			reused = true
			break
		}
	}
	if !reused {
		a.tcpConnections = append(a.tcpConnections, c)
	}

	a.log.Tracef("Tcp connection %s to %s created on %v", id, ap, a.fiveTuple)
	if h := a.handler.OnTCPConnectionCreated; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, peer, uint32(id))
	}
	return c, nil
}

// GetTCPConnectionByPeer returns the live connection to the peer transport address.
func (a *Allocation) GetTCPConnectionByPeer(peer net.Addr) *TCPConnection {
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.tcpConnections {
		if c != nil && c.peer == ap {
			return c
		}
	}
	return nil
}

// TCPConnections returns a snapshot of the live TCP connections.
func (a *Allocation) TCPConnections() []*TCPConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*TCPConnection, 0, len(a.tcpConnections))
	for _, c := range a.tcpConnections {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// TCPConnectionCount returns the number of live TCP connections.
func (a *Allocation) TCPConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.tcpConnections {
		if c != nil {
			n++
		}
	}
	return n
}

// CanAcceptTCPConnectionFromPeer reports whether the peer may open a TCP connection to
// the relay: always when the server relays for itself, otherwise only with a permission.
func (a *Allocation) CanAcceptTCPConnectionFromPeer(peer net.Addr, serverRelay bool) bool {
	if serverRelay {
		return true
	}
	ap, ok := addrPortOf(peer)
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permissions.get(ap.Addr()) != nil
}

func (a *Allocation) deleteTCPConnection(c *TCPConnection) {
	if c.done {
		a.log.Infof("Check on already closed tcp data connection %s", c.ID)
		return
	}
	c.done = true

	c.unsent.Clear()
	stopTimer(c.peerConnTimer)
	stopTimer(c.connBindTimer)
	c.peerConnTimer, c.connBindTimer = nil, nil

	if a.tcpConns != nil {
		a.tcpConns.remove(c.ID, c)
	}
	for i, o := range a.tcpConnections {
		if o == c {
			a.tcpConnections[i] = nil
			break
		}
	}

	a.closeConn(c.clientConn, c.ID, "client")
	a.closeConn(c.peerConn, c.ID, "peer")

	a.log.Tracef("Tcp connection %s to %s deleted", c.ID, c.peer)
	if h := a.handler.OnTCPConnectionDeleted; h != nil {
		src, dst, protocol := a.owner()
		h(src, dst, protocol, c.PeerAddr, uint32(c.ID))
	}
}

func (a *Allocation) closeConn(conn net.Conn, id proto.ConnectionID, side string) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		a.log.Debugf("Failed to close %s socket of tcp connection %s: %s", side, id, err)
	}
}

// armTCPTimeout replaces the timer in field with one that deletes the connection.
func (a *Allocation) armTCPTimeout(c *TCPConnection, field *Timer, d time.Duration, what string) {
	stopTimer(*field)

	var t Timer
	t = a.clock.AfterFunc(d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c.done || *field != t {
			return
		}
		a.log.Infof("Tcp connection %s to %s: %s timeout", c.ID, c.peer, what)
		a.deleteTCPConnection(c)
	})
	*field = t
}
