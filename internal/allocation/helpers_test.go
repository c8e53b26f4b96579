// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/turnalloc/internal/proto"
)

func udpAddr(s string) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

func tcpAddr(s string) *net.TCPAddr {
	return net.TCPAddrFromAddrPort(netip.MustParseAddrPort(s))
}

func testFiveTuple() *FiveTuple {
	return &FiveTuple{
		Protocol: proto.ProtoUDP,
		SrcAddr:  udpAddr("192.0.2.10:50000"),
		DstAddr:  udpAddr("192.0.2.1:3478"),
	}
}

// eventLog records the callbacks of an EventHandler in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

func (l *eventLog) handler() EventHandler {
	return EventHandler{
		OnAllocationCreated: func(_, _ net.Addr, _ string, relayAddrs []net.Addr) {
			l.add("allocation+ %d", len(relayAddrs))
		},
		OnAllocationDeleted: func(_, _ net.Addr, _ string, socketType SocketType) {
			l.add("allocation- %s", socketType)
		},
		OnRelayReleased: func(_, _ net.Addr, _ string, family Family, _ net.Addr) {
			l.add("relay- %s", family)
		},
		OnPermissionCreated: func(_, _ net.Addr, _ string, peer net.IP) {
			l.add("permission+ %s", peer)
		},
		OnPermissionDeleted: func(_, _ net.Addr, _ string, peer net.IP) {
			l.add("permission- %s", peer)
		},
		OnChannelCreated: func(_, _ net.Addr, _ string, peer net.Addr, number uint16) {
			l.add("channel+ 0x%04x %s", number, peer)
		},
		OnChannelDeleted: func(_, _ net.Addr, _ string, peer net.Addr, number uint16) {
			l.add("channel- 0x%04x %s", number, peer)
		},
		OnTCPConnectionCreated: func(_, _ net.Addr, _ string, peer net.Addr, _ uint32) {
			l.add("tcp+ %s", peer)
		},
		OnTCPConnectionDeleted: func(_, _ net.Addr, _ string, peer net.Addr, _ uint32) {
			l.add("tcp- %s", peer)
		},
		OnUnsentBufferDropped: func(_, _ net.Addr, _ string, _ uint32) {
			l.add("unsent dropped")
		},
	}
}

// closeRecorder is a relay socket that logs when it is closed.
type closeRecorder struct {
	name string
	log  *eventLog
}

func (c *closeRecorder) Close() error {
	c.log.add("close %s", c.name)
	return nil
}

// countingConn counts Close calls on a net.Pipe end.
type countingConn struct {
	net.Conn
	mu     sync.Mutex
	closes int
}

func (c *countingConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *countingConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func newPipeConns(t *testing.T) (*countingConn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return &countingConn{Conn: a}, b
}

// testBuffer is a Buffer that records its release.
type testBuffer struct {
	data     []byte
	mu       sync.Mutex
	released int
}

func newTestBuffer(s string) *testBuffer {
	return &testBuffer{data: []byte(s)}
}

func (b *testBuffer) Bytes() []byte {
	return b.data
}

func (b *testBuffer) Release() {
	b.mu.Lock()
	b.released++
	b.mu.Unlock()
}

func (b *testBuffer) releaseCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// seqRand is a randutil.MathRandomGenerator replaying fixed Uint32 values. The last
// value repeats once the sequence is exhausted.
type seqRand struct {
	values []uint32
	next   int
}

func (r *seqRand) Uint32() uint32 {
	v := r.values[r.next]
	if r.next < len(r.values)-1 {
		r.next++
	}
	return v
}

func (r *seqRand) Intn(n int) int                        { return int(r.Uint32()) % n }
func (r *seqRand) Int63() int64                          { return int64(r.Uint32()) }
func (r *seqRand) Int63n(n int64) int64                  { return int64(r.Uint32()) % n }
func (r *seqRand) Uint64() uint64                        { return uint64(r.Uint32()) }
func (r *seqRand) GenerateString(n int, _ string) string { return fmt.Sprintf("%0*d", n, 0) }

type testAllocation struct {
	*Allocation
	clock  *clock.Mock
	events *eventLog
}

func newTestAllocation(t *testing.T, config Config) *testAllocation {
	t.Helper()

	events := &eventLog{}
	mock := clock.NewMock()
	config.Clock = mock
	config.EventHandler = events.handler()
	if config.LeveledLogger == nil {
		config.LeveledLogger = logging.NewDefaultLoggerFactory().NewLogger("test")
	}

	a := NewAllocation(testFiveTuple(), NewTCPConnectionMap(7, nil), config)
	t.Cleanup(func() { a.Clear(SocketTypeUDP) })

	return &testAllocation{Allocation: a, clock: mock, events: events}
}

// addrsInBucket returns n distinct IPv4 peer addresses that hash into bucket of a
// permission table with the given bucket count.
func addrsInBucket(buckets, bucket, n int) []netip.Addr {
	var out []netip.Addr
	for i := 0; len(out) < n; i++ {
		ip := netip.AddrFrom4([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
		if int(addrHashNoPort(ip)&uint32(buckets-1)) == bucket { //nolint:gosec
			out = append(out, ip)
		}
	}
	return out
}
