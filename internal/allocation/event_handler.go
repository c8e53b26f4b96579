// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
)

// SocketType describes the client transport of the session that owns an allocation.
// It is reported when the allocation is deleted.
type SocketType uint8

// Client transports.
const (
	SocketTypeUDP SocketType = iota + 1
	SocketTypeTCP
	SocketTypeTLS
	SocketTypeDTLS
)

func (s SocketType) String() string {
	switch s {
	case SocketTypeUDP:
		return "UDP"
	case SocketTypeTCP:
		return "TCP"
	case SocketTypeTLS:
		return "TLS"
	case SocketTypeDTLS:
		return "DTLS"
	default:
		return "unknown"
	}
}

// EventHandler is a set of callbacks called at certain hook points during an allocation's
// lifecycle. All events are reported with the context that identifies the allocation
// triggering the event (source and destination address and protocol of the owning
// session), plus additional callback specific parameters. It is OK to handle only a
// subset of the callbacks.
//
// Callbacks run while the allocation is locked and must not call back into it.
type EventHandler struct {
	// OnAllocationCreated is called after a new allocation has been made with the relay
	// addresses of every address family that could be allocated.
	OnAllocationCreated func(srcAddr, dstAddr net.Addr, protocol string, relayAddrs []net.Addr)
	// OnAllocationDeleted is called when a valid allocation is cleared.
	OnAllocationDeleted func(srcAddr, dstAddr net.Addr, protocol string, socketType SocketType)
	// OnRelayReleased is called right before the relay socket of one address family
	// is closed, so the owning session can detach from it.
	OnRelayReleased func(srcAddr, dstAddr net.Addr, protocol string, family Family, relayAddr net.Addr)
	// OnPermissionCreated is called after a new permission has been made to an IP address.
	OnPermissionCreated func(srcAddr, dstAddr net.Addr, protocol string, peer net.IP)
	// OnPermissionDeleted is called after a permission for a given IP address has been
	// removed.
	OnPermissionDeleted func(srcAddr, dstAddr net.Addr, protocol string, peer net.IP)
	// OnChannelCreated is called after a new channel has been bound.
	OnChannelCreated func(srcAddr, dstAddr net.Addr, protocol string, peer net.Addr, channelNumber uint16)
	// OnChannelDeleted is called after a channel has been removed.
	OnChannelDeleted func(srcAddr, dstAddr net.Addr, protocol string, peer net.Addr, channelNumber uint16)
	// OnTCPConnectionCreated is called after an RFC 6062 connection has been registered.
	OnTCPConnectionCreated func(srcAddr, dstAddr net.Addr, protocol string, peer net.Addr, connectionID uint32)
	// OnTCPConnectionDeleted is called after an RFC 6062 connection has been torn down.
	OnTCPConnectionDeleted func(srcAddr, dstAddr net.Addr, protocol string, peer net.Addr, connectionID uint32)
	// OnUnsentBufferDropped is called when a buffer queued for a connection that is
	// not bound yet had to be dropped because the queue is full.
	OnUnsentBufferDropped func(srcAddr, dstAddr net.Addr, protocol string, connectionID uint32)
}
