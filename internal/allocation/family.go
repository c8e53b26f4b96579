// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/pion/turnalloc/internal/proto"
)

// Family is the address family of a relay session.
type Family uint8

// Supported address families. An allocation holds at most one relay socket per family.
const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

const familyCount = 2

// index maps a family to its slot in the per-family relay session array.
func (f Family) index() int {
	if f == FamilyIPv6 {
		return 1
	}
	return 0
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}

// Network returns the network name passed to Listen/ListenPacket for a relay of this family.
func (f Family) Network(protocol proto.Protocol) string {
	suffix := "4"
	if f == FamilyIPv6 {
		suffix = "6"
	}
	if protocol == proto.ProtoTCP {
		return "tcp" + suffix
	}
	return "udp" + suffix
}

func familyOfIndex(i int) Family {
	if i == 1 {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// FamilyOf returns the address family of a UDP or TCP address, and false for anything else.
func FamilyOf(addr net.Addr) (Family, bool) {
	ap, ok := addrPortOf(addr)
	if !ok {
		return 0, false
	}
	if ap.Addr().Is4() {
		return FamilyIPv4, true
	}
	return FamilyIPv6, true
}

// addrPortOf normalizes a net.Addr so that IPv4 and IPv4-mapped IPv6 forms compare equal.
func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil {
			return ap, false
		}
		ap = a.AddrPort()
	case *net.TCPAddr:
		if a == nil {
			return ap, false
		}
		ap = a.AddrPort()
	default:
		return ap, false
	}
	if !ap.Addr().IsValid() {
		return ap, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

// addrHashNoPort hashes the peer address with the port masked out.
func addrHashNoPort(ip netip.Addr) uint32 {
	b := ip.As16()
	h := xxhash.Sum64(b[:])
	return uint32(h ^ h>>32) //nolint:gosec
}

// roundPow2 returns the smallest power of two that is >= n.
func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
