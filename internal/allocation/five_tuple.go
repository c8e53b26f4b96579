// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/pion/turnalloc/internal/proto"
)

// FiveTuple is the combination (client IP address and port, server IP
// address and port, and transport protocol) used to communicate between the
// client and the server. The 5-tuple uniquely identifies the client session
// that owns an allocation.
type FiveTuple struct {
	Protocol         proto.Protocol
	SrcAddr, DstAddr net.Addr
}

// Equal asserts if two FiveTuples are equal
func (f *FiveTuple) Equal(b *FiveTuple) bool {
	return f.Fingerprint() == b.Fingerprint()
}

func (f *FiveTuple) String() string {
	return fmt.Sprintf("%s %s->%s", f.Protocol, addrString(f.SrcAddr), addrString(f.DstAddr))
}

// FiveTupleFingerprint is a comparable representation of a FiveTuple
type FiveTupleFingerprint struct {
	src, dst netip.AddrPort
	protocol proto.Protocol
}

// Fingerprint is the identity of a FiveTuple
func (f *FiveTuple) Fingerprint() FiveTupleFingerprint {
	src, _ := addrPortOf(f.SrcAddr)
	dst, _ := addrPortOf(f.DstAddr)
	return FiveTupleFingerprint{src: src, dst: dst, protocol: f.Protocol}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
