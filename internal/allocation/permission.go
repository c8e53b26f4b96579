// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/turnalloc/internal/proto"
)

// DefaultPermissionTimeout is the lifetime of a permission, fixed by RFC 5766 Section 8.
const DefaultPermissionTimeout = time.Duration(5) * time.Minute

// Permission represents a TURN permission. TURN permissions mimic the address-restricted
// filtering mechanism of NATs that comply with [RFC4787]. A permission covers every port
// of the peer address.
// https://tools.ietf.org/html/rfc5766#section-2.3
type Permission struct {
	// Addr is the peer address the permission was installed for. Its port is irrelevant.
	Addr net.Addr

	ip            netip.Addr
	allocation    *Allocation
	lifetimeTimer Timer
	expiresAt     time.Time

	// channels indexes the channels bound to this peer by peer port.
	channels map[uint16]*ChannelBind

	allocated bool
}

// IP returns the peer address of the permission.
func (p *Permission) IP() net.IP {
	p.allocation.mu.Lock()
	defer p.allocation.mu.Unlock()
	return net.IP(p.ip.AsSlice())
}

// ExpiresAt returns when the permission expires unless refreshed.
func (p *Permission) ExpiresAt() time.Time {
	p.allocation.mu.Lock()
	defer p.allocation.mu.Unlock()
	return p.expiresAt
}

// Valid reports whether the permission slot still holds a live permission.
func (p *Permission) Valid() bool {
	p.allocation.mu.Lock()
	defer p.allocation.mu.Unlock()
	return p.allocated
}

// ChannelNumber returns the number of the channel bound to the peer transport
// address, or 0 if none is bound.
func (p *Permission) ChannelNumber(peer net.Addr) proto.ChannelNumber {
	p.allocation.mu.Lock()
	defer p.allocation.mu.Unlock()
	if c := p.channel(peer); c != nil {
		return c.Number
	}
	return 0
}

// Channel returns the channel bound to the peer transport address.
func (p *Permission) Channel(peer net.Addr) *ChannelBind {
	p.allocation.mu.Lock()
	defer p.allocation.mu.Unlock()
	return p.channel(peer)
}

func (p *Permission) channel(peer net.Addr) *ChannelBind {
	if !p.allocated {
		return nil
	}
	ap, ok := addrPortOf(peer)
	if !ok {
		return nil
	}
	c := p.channels[ap.Port()]
	// Zeroed or recycled entries are not channels.
	if c == nil || !c.Number.Valid() {
		return nil
	}
	return c
}

// reset returns the slot to the unallocated state. The slot keeps belonging to
// its allocation.
func (p *Permission) reset() {
	*p = Permission{allocation: p.allocation}
}
