// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package offload implements kernel-offload engines that take over relaying
// ChannelData for a bound channel from the user-space relay loop.
package offload

import (
	"fmt"
	"net"

	"github.com/pion/turnalloc/internal/proto"
)

// Engine provides a general interface for offloading techniques (e.g., eBPF maps consumed by XDP).
type Engine interface {
	Init() error
	Shutdown()
	Upsert(client, peer Connection) error
	Remove(client, peer Connection) error
	List() (map[Connection]Connection, error)
}

// Connection combines offload engine identifiers required for uniquely identifying
// allocation channel bindings. Depending on the engine, some values are not required.
// For example, the SocketFd has no role for an eBPF map offload.
type Connection struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	Protocol   proto.Protocol
	SocketFd   uintptr
	ChannelID  uint32
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s:local:%s-remote:%s-chan:%d",
		c.Protocol, addrString(c.LocalAddr), addrString(c.RemoteAddr),
		c.ChannelID)
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
