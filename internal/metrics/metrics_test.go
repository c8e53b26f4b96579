// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package metrics

import (
	"net"
	"net/netip"
	"testing"

	"github.com/pion/stun/v2"
	"github.com/pion/turnalloc/internal/allocation"
	"github.com/pion/turnalloc/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func udpAddr(s string) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

func TestEventHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	var deleted []string
	handler := m.EventHandler(allocation.EventHandler{
		OnPermissionDeleted: func(_, _ net.Addr, _ string, peer net.IP) {
			deleted = append(deleted, peer.String())
		},
	})

	a := allocation.NewAllocation(&allocation.FiveTuple{
		Protocol: proto.ProtoUDP,
		SrcAddr:  udpAddr("192.0.2.10:50000"),
		DstAddr:  udpAddr("192.0.2.1:3478"),
	}, allocation.NewTCPConnectionMap(1, nil), allocation.Config{EventHandler: handler})
	a.SetRelaySocket(allocation.FamilyIPv4, nopCloser{}, udpAddr("192.0.2.1:49152"))
	a.SetValid(true)
	handler.OnAllocationCreated(nil, nil, "UDP", []net.Addr{udpAddr("192.0.2.1:49152")})

	_, err := a.AddChannelBind(0x4001, udpAddr("10.0.0.5:7000"), 0)
	require.NoError(t, err)
	_, err = a.AddPermission(udpAddr("10.0.0.6:1"), 0)
	require.NoError(t, err)
	c, err := a.CreateTCPConnection([stun.TransactionIDSize]byte{}, udpAddr("10.0.0.6:80"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Allocations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelaySessions.WithLabelValues("IPv4")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Permissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Channels))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TCPConnections))

	for i := 0; i <= allocation.MaxUnsentBuffers; i++ {
		c.PushUnsent(&testBuffer{})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnsentDroppedTotal))

	a.Clear(allocation.SocketTypeUDP)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Allocations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RelaySessions.WithLabelValues("IPv4")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Permissions))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Channels))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TCPConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeletedTotal.WithLabelValues("UDP")))
	assert.ElementsMatch(t, []string{"10.0.0.5", "10.0.0.6"}, deleted)

	count, err := testutil.GatherAndCount(reg, "turnalloc_allocations_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type testBuffer struct{}

func (testBuffer) Bytes() []byte { return nil }
func (testBuffer) Release()      {}
