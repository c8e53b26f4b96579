// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package metrics exports allocation state as prometheus metrics.
package metrics

import (
	"net"

	"github.com/pion/turnalloc/internal/allocation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnalloc"

// Metrics tracks the number of live allocation objects.
type Metrics struct {
	Allocations        prometheus.Gauge
	RelaySessions      *prometheus.GaugeVec
	Permissions        prometheus.Gauge
	Channels           prometheus.Gauge
	TCPConnections     prometheus.Gauge
	UnsentDroppedTotal prometheus.Counter
	AllocationsTotal   prometheus.Counter
	DeletedTotal       *prometheus.CounterVec
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Allocations:        f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "allocations", Help: "Current valid allocations"}),
		RelaySessions:      f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "relay_sessions", Help: "Current relay sockets by address family"}, []string{"family"}),
		Permissions:        f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "permissions", Help: "Current permissions"}),
		Channels:           f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "channels", Help: "Current channel bindings"}),
		TCPConnections:     f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tcp_connections", Help: "Current RFC 6062 tcp connections"}),
		UnsentDroppedTotal: f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "unsent_buffers_dropped_total", Help: "Peer data dropped before the client data connection was bound"}),
		AllocationsTotal:   f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "allocations_created_total", Help: "Allocations created"}),
		DeletedTotal:       f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "allocations_deleted_total", Help: "Allocations deleted by client transport"}, []string{"socket_type"}),
	}
}

// EventHandler returns allocation callbacks that keep the metrics current. next, if
// set, is called after each metric update.
func (m *Metrics) EventHandler(next allocation.EventHandler) allocation.EventHandler {
	return allocation.EventHandler{
		OnAllocationCreated: func(src, dst net.Addr, protocol string, relayAddrs []net.Addr) {
			m.Allocations.Inc()
			m.AllocationsTotal.Inc()
			for _, addr := range relayAddrs {
				if f, ok := allocation.FamilyOf(addr); ok {
					m.RelaySessions.WithLabelValues(f.String()).Inc()
				}
			}
			if next.OnAllocationCreated != nil {
				next.OnAllocationCreated(src, dst, protocol, relayAddrs)
			}
		},
		OnAllocationDeleted: func(src, dst net.Addr, protocol string, socketType allocation.SocketType) {
			m.Allocations.Dec()
			m.DeletedTotal.WithLabelValues(socketType.String()).Inc()
			if next.OnAllocationDeleted != nil {
				next.OnAllocationDeleted(src, dst, protocol, socketType)
			}
		},
		OnRelayReleased: func(src, dst net.Addr, protocol string, family allocation.Family, relayAddr net.Addr) {
			m.RelaySessions.WithLabelValues(family.String()).Dec()
			if next.OnRelayReleased != nil {
				next.OnRelayReleased(src, dst, protocol, family, relayAddr)
			}
		},
		OnPermissionCreated: func(src, dst net.Addr, protocol string, peer net.IP) {
			m.Permissions.Inc()
			if next.OnPermissionCreated != nil {
				next.OnPermissionCreated(src, dst, protocol, peer)
			}
		},
		OnPermissionDeleted: func(src, dst net.Addr, protocol string, peer net.IP) {
			m.Permissions.Dec()
			if next.OnPermissionDeleted != nil {
				next.OnPermissionDeleted(src, dst, protocol, peer)
			}
		},
		OnChannelCreated: func(src, dst net.Addr, protocol string, peer net.Addr, number uint16) {
			m.Channels.Inc()
			if next.OnChannelCreated != nil {
				next.OnChannelCreated(src, dst, protocol, peer, number)
			}
		},
		OnChannelDeleted: func(src, dst net.Addr, protocol string, peer net.Addr, number uint16) {
			m.Channels.Dec()
			if next.OnChannelDeleted != nil {
				next.OnChannelDeleted(src, dst, protocol, peer, number)
			}
		},
		OnTCPConnectionCreated: func(src, dst net.Addr, protocol string, peer net.Addr, id uint32) {
			m.TCPConnections.Inc()
			if next.OnTCPConnectionCreated != nil {
				next.OnTCPConnectionCreated(src, dst, protocol, peer, id)
			}
		},
		OnTCPConnectionDeleted: func(src, dst net.Addr, protocol string, peer net.Addr, id uint32) {
			m.TCPConnections.Dec()
			if next.OnTCPConnectionDeleted != nil {
				next.OnTCPConnectionDeleted(src, dst, protocol, peer, id)
			}
		},
		OnUnsentBufferDropped: func(src, dst net.Addr, protocol string, id uint32) {
			m.UnsentDroppedTotal.Inc()
			if next.OnUnsentBufferDropped != nil {
				next.OnUnsentBufferDropped(src, dst, protocol, id)
			}
		},
	}
}
