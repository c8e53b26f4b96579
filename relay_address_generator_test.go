// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

//go:build !js
// +build !js

package turnalloc

import (
	"net"
	"testing"

	"github.com/pion/transport/v3/stdnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayAddressGeneratorStatic(t *testing.T) {
	n, err := stdnet.NewNet()
	require.NoError(t, err)

	assert.ErrorIs(t, (&RelayAddressGeneratorStatic{Net: n, Address: "127.0.0.1"}).Validate(), errRelayAddressInvalid)
	assert.ErrorIs(t, (&RelayAddressGeneratorStatic{Net: n, RelayAddress: net.IPv4(1, 2, 3, 4)}).Validate(), errListeningAddressInvalid)

	gen := &RelayAddressGeneratorStatic{RelayAddress: net.IPv4(203, 0, 113, 1), Address: "127.0.0.1"}
	require.NoError(t, gen.Validate())

	t.Run("PacketConn", func(t *testing.T) {
		conn, addr, err := gen.AllocatePacketConn("udp4", 0)
		require.NoError(t, err)
		defer func() { assert.NoError(t, conn.Close()) }()

		udpAddr, ok := addr.(*net.UDPAddr)
		require.True(t, ok)
		assert.True(t, udpAddr.IP.Equal(net.IPv4(203, 0, 113, 1)))
		assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, udpAddr.Port) //nolint:forcetypeassert
		assert.True(t, conn.LocalAddr().(*net.UDPAddr).IP.IsLoopback(), "listening address must stay untouched") //nolint:forcetypeassert
	})

	t.Run("Listener", func(t *testing.T) {
		ln, addr, err := gen.AllocateListener("tcp4", 0)
		require.NoError(t, err)
		defer func() { assert.NoError(t, ln.Close()) }()

		tcpAddr, ok := addr.(*net.TCPAddr)
		require.True(t, ok)
		assert.True(t, tcpAddr.IP.Equal(net.IPv4(203, 0, 113, 1)))
		assert.Equal(t, ln.Addr().(*net.TCPAddr).Port, tcpAddr.Port) //nolint:forcetypeassert
	})
}

func TestRelayAddressGeneratorPortRange(t *testing.T) {
	t.Run("Validate", func(t *testing.T) {
		for _, tc := range []struct {
			gen *RelayAddressGeneratorPortRange
			err error
		}{
			{&RelayAddressGeneratorPortRange{MaxPort: 2, RelayAddress: net.IPv4zero, Address: "127.0.0.1"}, errMinPortNotZero},
			{&RelayAddressGeneratorPortRange{MinPort: 1, RelayAddress: net.IPv4zero, Address: "127.0.0.1"}, errMaxPortNotZero},
			{&RelayAddressGeneratorPortRange{MinPort: 3, MaxPort: 2, RelayAddress: net.IPv4zero, Address: "127.0.0.1"}, errMinPortAboveMaxPort},
			{&RelayAddressGeneratorPortRange{MinPort: 1, MaxPort: 2, Address: "127.0.0.1"}, errRelayAddressInvalid},
			{&RelayAddressGeneratorPortRange{MinPort: 1, MaxPort: 2, RelayAddress: net.IPv4zero}, errListeningAddressInvalid},
		} {
			assert.ErrorIs(t, tc.gen.Validate(), tc.err)
		}
	})

	// Find a free port to use as a one port range.
	probe, err := net.ListenPacket("udp4", "127.0.0.1:0") // nolint: noctx
	require.NoError(t, err)
	port := uint16(probe.LocalAddr().(*net.UDPAddr).Port) //nolint:forcetypeassert,gosec
	require.NoError(t, probe.Close())

	gen := &RelayAddressGeneratorPortRange{
		RelayAddress: net.IPv4(203, 0, 113, 1),
		MinPort:      port,
		MaxPort:      port,
		Address:      "127.0.0.1",
	}
	require.NoError(t, gen.Validate())
	assert.Equal(t, defaultPortRangeRetries, gen.MaxRetries)

	conn, addr, err := gen.AllocatePacketConn("udp4", 0)
	require.NoError(t, err)
	assert.Equal(t, int(port), addr.(*net.UDPAddr).Port) //nolint:forcetypeassert

	// The only port of the range is taken now.
	_, _, err = gen.AllocatePacketConn("udp4", 0)
	assert.ErrorIs(t, err, errMaxRetriesExceeded)
	require.NoError(t, conn.Close())

	// A requested port bypasses the range.
	ln, addr, err := gen.AllocateListener("tcp4", int(port))
	if err == nil {
		assert.Equal(t, int(port), addr.(*net.TCPAddr).Port) //nolint:forcetypeassert
		assert.NoError(t, ln.Close())
	}
}

func TestRelayAddressGeneratorNone(t *testing.T) {
	gen := &RelayAddressGeneratorNone{}
	assert.ErrorIs(t, gen.Validate(), errListeningAddressInvalid)

	gen.Address = "127.0.0.1"
	require.NoError(t, gen.Validate())

	conn, addr, err := gen.AllocatePacketConn("udp4", 0)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().String(), addr.String())
	assert.NoError(t, conn.Close())

	ln, addr, err := gen.AllocateListener("tcp4", 0)
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), addr.String())
	assert.NoError(t, ln.Close())
}
