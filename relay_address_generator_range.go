// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnalloc

import (
	"fmt"
	"net"

	"github.com/pion/randutil"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

const defaultPortRangeRetries = 10

// RelayAddressGeneratorPortRange can be used to only allocate connections inside a defined port range.
// Similar to the RelayAddressGeneratorStatic a static ip address can be set.
type RelayAddressGeneratorPortRange struct {
	// RelayAddress is the IP returned to the user when the relay is created
	RelayAddress net.IP

	// MinPort the minimum port to allocate
	MinPort uint16
	// MaxPort the maximum (inclusive) port to allocate
	MaxPort uint16

	// MaxRetries the amount of tries to allocate a random port in the defined range
	MaxRetries int

	// Rand the random source of numbers
	Rand randutil.MathRandomGenerator

	// Address is passed to Listen/ListenPacket when creating the Relay
	Address string

	Net transport.Net
}

// Validate is called on server startup and confirms the RelayAddressGenerator is properly configured.
func (r *RelayAddressGeneratorPortRange) Validate() error {
	if r.Net == nil {
		var err error
		r.Net, err = stdnet.NewNet()
		if err != nil {
			return fmt.Errorf("failed to create network: %w", err)
		}
	}

	if r.Rand == nil {
		r.Rand = randutil.NewMathRandomGenerator()
	}

	if r.MaxRetries == 0 {
		r.MaxRetries = defaultPortRangeRetries
	}

	switch {
	case r.MinPort == 0:
		return errMinPortNotZero
	case r.MaxPort == 0:
		return errMaxPortNotZero
	case r.MinPort > r.MaxPort:
		return errMinPortAboveMaxPort
	case r.RelayAddress == nil:
		return errRelayAddressInvalid
	case r.Address == "":
		return errListeningAddressInvalid
	default:
		return nil
	}
}

// AllocatePacketConn generates a new PacketConn to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorPortRange) AllocatePacketConn(network string, requestedPort int) (net.PacketConn, net.Addr, error) {
	if requestedPort != 0 {
		return listenPacket(r.Net, network, hostPort(r.Address, requestedPort), r.RelayAddress)
	}

	for try := 0; try < r.MaxRetries; try++ {
		conn, addr, err := listenPacket(r.Net, network, hostPort(r.Address, r.randomPort()), r.RelayAddress)
		if err == nil {
			return conn, addr, nil
		}
	}
	return nil, nil, errMaxRetriesExceeded
}

// AllocateListener generates a new Listener to receive traffic on and the IP/Port
// to populate the allocation response with.
func (r *RelayAddressGeneratorPortRange) AllocateListener(network string, requestedPort int) (net.Listener, net.Addr, error) {
	if requestedPort != 0 {
		return listen(r.Net, network, hostPort(r.Address, requestedPort), r.RelayAddress)
	}

	for try := 0; try < r.MaxRetries; try++ {
		ln, addr, err := listen(r.Net, network, hostPort(r.Address, r.randomPort()), r.RelayAddress)
		if err == nil {
			return ln, addr, nil
		}
	}
	return nil, nil, errMaxRetriesExceeded
}

func (r *RelayAddressGeneratorPortRange) randomPort() int {
	return int(r.MinPort) + r.Rand.Intn(int(r.MaxPort)-int(r.MinPort)+1)
}
