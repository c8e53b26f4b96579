// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package proto holds the TURN protocol values shared by the relay state
// packages: channel numbers, RFC 6062 connection ids and transport protocols.
package proto

import "strconv"

// Protocol is IANA assigned protocol number.
type Protocol byte

const (
	// ProtoTCP is IANA assigned protocol number for TCP.
	ProtoTCP Protocol = 6
	// ProtoUDP is IANA assigned protocol number for UDP.
	ProtoUDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return strconv.Itoa(int(p))
	}
}
