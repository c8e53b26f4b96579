// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/turnalloc/internal/offload"
	"github.com/pion/turnalloc/internal/proto"
)

// DefaultChannelBindTimeout is the lifetime of a channel binding, RFC 5766 Section 11.
const DefaultChannelBindTimeout = time.Duration(10) * time.Minute

// ChannelBind represents a TURN Channel
// https://tools.ietf.org/html/rfc5766#section-2.5
type ChannelBind struct {
	Peer   net.Addr
	Number proto.ChannelNumber

	peer          netip.AddrPort
	owner         *Permission
	allocation    *Allocation
	lifetimeTimer Timer
	expiresAt     time.Time
	offload       *offloadHandle

	allocated bool
}

// offloadHandle is the kernel fast-path entry installed for a channel.
type offloadHandle struct {
	client, peer offload.Connection
}

// Permission returns the permission that owns the channel.
func (c *ChannelBind) Permission() *Permission {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.owner
}

// ExpiresAt returns when the channel binding expires unless refreshed.
func (c *ChannelBind) ExpiresAt() time.Time {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.expiresAt
}

// Offloaded reports whether the channel has a kernel fast-path entry.
func (c *ChannelBind) Offloaded() bool {
	c.allocation.mu.Lock()
	defer c.allocation.mu.Unlock()
	return c.offload != nil
}

func (c *ChannelBind) reset() {
	*c = ChannelBind{allocation: c.allocation}
}
