// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package main runs an allocation manager with real relay sockets and exports its
// state as prometheus metrics. Synthetic clients exercise the allocation tables.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/stdnet"
	"github.com/pion/turnalloc"
	"github.com/pion/turnalloc/internal/allocation"
	"github.com/pion/turnalloc/internal/metrics"
	"github.com/pion/turnalloc/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	publicIP := flag.String("public-ip", "127.0.0.1", "IP Address reported as relay address.")
	address := flag.String("address", "0.0.0.0", "Address relay sockets listen on.")
	minPort := flag.Int("min-port", 0, "Lower bound of the relay port range (0 disables the range).")
	maxPort := flag.Int("max-port", 0, "Upper bound of the relay port range.")
	metricsAddr := flag.String("metrics", ":9100", "Address serving /metrics.")
	mechanisms := flag.String("offload", "ebpf,null", "Offload mechanisms to probe, in order.")
	clients := flag.Int("clients", 4, "Number of synthetic clients to allocate for.")
	lifetime := flag.Duration("lifetime", 10*time.Minute, "Allocation lifetime.")
	serverID := flag.Int("server-id", 1, "Server id prefixed to tcp connection ids.")
	flag.Parse()

	loggerFactory := logging.NewDefaultLoggerFactory()
	logger := loggerFactory.NewLogger("relaystate")

	n, err := stdnet.NewNet()
	if err != nil {
		log.Fatalf("Failed to create network: %s", err)
	}

	generator, err := newGenerator(*publicIP, *address, *minPort, *maxPort)
	if err != nil {
		log.Fatalf("Invalid relay configuration: %s", err)
	}

	engine, err := turnalloc.NewOffloadEngine(turnalloc.OffloadConfig{
		Log:        loggerFactory.NewLogger("offload"),
		Mechanisms: strings.Split(*mechanisms, ","),
	})
	if err != nil {
		log.Fatalf("Failed to init offload: %s", err)
	}
	defer engine.Shutdown()

	m := metrics.New(prometheus.DefaultRegisterer)
	manager, err := allocation.NewManager(allocation.ManagerConfig{
		LeveledLogger:      loggerFactory.NewLogger("allocation"),
		AllocatePacketConn: generator.AllocatePacketConn,
		AllocateListener:   generator.AllocateListener,
		Net:                n,
		ServerID:           uint8(*serverID), //nolint:gosec
		Allocation: allocation.Config{
			Offload: engine,
			EventHandler: m.EventHandler(allocation.EventHandler{
				OnAllocationDeleted: func(src, _ net.Addr, _ string, socketType allocation.SocketType) {
					logger.Infof("Allocation of %s deleted (%s)", src, socketType)
				},
			}),
		},
	})
	if err != nil {
		log.Fatalf("Failed to create allocation manager: %s", err)
	}

	for i := 0; i < *clients; i++ {
		if err := runClient(manager, i, *lifetime); err != nil {
			logger.Warnf("Synthetic client %d: %s", i, err)
		}
	}
	logger.Infof("%d allocations serving", manager.AllocationCount())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server: %s", err)
		}
	}()

	// Block until user sends SIGINT or SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	if err := srv.Close(); err != nil {
		logger.Warnf("Failed to close metrics server: %s", err)
	}
	if err := manager.Close(); err != nil {
		log.Panic(err)
	}
}

func newGenerator(publicIP, address string, minPort, maxPort int) (turnalloc.RelayAddressGenerator, error) {
	relayIP := net.ParseIP(publicIP)
	var generator turnalloc.RelayAddressGenerator = &turnalloc.RelayAddressGeneratorStatic{
		RelayAddress: relayIP,
		Address:      address,
	}
	if minPort != 0 || maxPort != 0 {
		generator = &turnalloc.RelayAddressGeneratorPortRange{
			RelayAddress: relayIP,
			Address:      address,
			MinPort:      uint16(minPort), //nolint:gosec
			MaxPort:      uint16(maxPort), //nolint:gosec
		}
	}
	return generator, generator.Validate()
}

// runClient allocates a relay for a synthetic client and binds a channel to a peer
// in the documentation range.
func runClient(manager *allocation.Manager, i int, lifetime time.Duration) error {
	fiveTuple := &allocation.FiveTuple{
		Protocol: proto.ProtoUDP,
		SrcAddr:  &net.UDPAddr{IP: net.IPv4(198, 51, 100, byte(i+1)), Port: 40000 + i},
		DstAddr:  &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 3478},
	}
	a, err := manager.CreateAllocation(fiveTuple, proto.ProtoUDP,
		[]allocation.Family{allocation.FamilyIPv4, allocation.FamilyIPv6}, 0, lifetime)
	if err != nil {
		return err
	}

	peer := &net.UDPAddr{IP: net.IPv4(203, 0, 113, byte(i+1)), Port: 5000}
	if _, err := a.AddChannelBind(proto.MinChannelNumber+proto.ChannelNumber(i), peer, 0); err != nil {
		code, _ := allocation.ErrorCode(err)
		return fmt.Errorf("channel bind failed with %d: %w", int(code), err)
	}
	return nil
}
