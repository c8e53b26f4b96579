// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turnalloc provides the relay socket allocation and kernel offload setup
// used by the allocation manager of a TURN server.
package turnalloc

import (
	"context"
	"net"
	"strconv"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// RelayAddressGenerator is used to generate a RelayAddress when creating an allocation.
// You can use one of the provided ones or provide your own.
type RelayAddressGenerator interface {
	// Validate confirms that the RelayAddressGenerator is properly initialized
	Validate() error

	// AllocatePacketConn allocates a PacketConn (UDP) RelayAddress
	AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error)

	// AllocateListener allocates a Listener (TCP) RelayAddress, RFC 6062
	AllocateListener(network string, requestedPort int) (net.Listener, net.Addr, error)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// listenPacket opens a UDP relay socket and reports relayIP (when set) as its address.
func listenPacket(n transport.Net, network, address string, relayIP net.IP) (net.PacketConn, net.Addr, error) {
	conn, err := n.ListenPacket(network, address)
	if err != nil {
		return nil, nil, err
	}

	relayAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()
		return nil, nil, errNilConn
	}
	if relayIP != nil {
		relayAddr = &net.UDPAddr{IP: relayIP, Port: relayAddr.Port, Zone: relayAddr.Zone}
	}
	return conn, relayAddr, nil
}

// listen opens a TCP relay listener and reports relayIP (when set) as its address.
// Listeners on the host network get address reuse enabled, so connections to peers
// can be bound to the relay address later.
func listen(n transport.Net, network, address string, relayIP net.IP) (net.Listener, net.Addr, error) {
	var ln net.Listener
	if _, host := n.(*stdnet.Net); host {
		listenConfig := &net.ListenConfig{Control: reuseAddrControl}
		l, err := listenConfig.Listen(context.TODO(), network, address)
		if err != nil {
			return nil, nil, err
		}
		ln = l
	} else {
		tcpAddr, err := n.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, nil, err
		}
		l, err := n.ListenTCP(network, tcpAddr)
		if err != nil {
			return nil, nil, err
		}
		ln = l
	}

	relayAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil, nil, errNilConn
	}
	if relayIP != nil {
		relayAddr = &net.TCPAddr{IP: relayIP, Port: relayAddr.Port, Zone: relayAddr.Zone}
	}
	return ln, relayAddr, nil
}
