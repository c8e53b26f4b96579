// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package offload

import (
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pion/logging"
	"github.com/pion/turnalloc/internal/proto"
)

const (
	upstreamMapName   = "turn_upstream"
	downstreamMapName = "turn_downstream"

	defaultMapEntries = 4096
)

// fourTuple is the key of the downstream map and the value of the upstream map.
// The layout has no implicit padding so that it can be handed to the kernel as-is.
type fourTuple struct {
	RemoteIP   [16]byte
	LocalIP    [16]byte
	RemotePort uint16
	LocalPort  uint16
}

type fourTupleWithChannelID struct {
	FourTuple fourTuple
	ChannelID uint32
}

// MapEngineConfig configures a MapEngine.
type MapEngineConfig struct {
	// PinPath is a bpffs directory the maps are pinned into, so that an XDP
	// program loaded by another process can pick them up. Maps are not pinned
	// when empty.
	PinPath string
	// MaxEntries bounds each map; defaults to 4096.
	MaxEntries uint32
}

// MapEngine keeps channel bindings in a pair of kernel BPF hash maps: the
// upstream map resolves a client 4-tuple and channel to the peer 4-tuple, the
// downstream map resolves a peer 4-tuple to the client 4-tuple and channel.
// The forwarding program itself is attached out of band.
type MapEngine struct {
	mu            sync.Mutex
	config        MapEngineConfig
	upstreamMap   *ebpf.Map
	downstreamMap *ebpf.Map
	log           logging.LeveledLogger
}

// NewMapEngine creates an uninitialized eBPF map offload engine
func NewMapEngine(config MapEngineConfig, log logging.LeveledLogger) (*MapEngine, error) {
	if config.MaxEntries == 0 {
		config.MaxEntries = defaultMapEntries
	}
	return &MapEngine{config: config, log: log}, nil
}

// Init creates the kernel maps. It fails without CAP_BPF (or root).
func (o *MapEngine) Init() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.upstreamMap != nil {
		return ErrMapEngineAlreadyInitialized
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return err
	}

	upstream, err := o.newMap(upstreamMapName, binary.Size(fourTupleWithChannelID{}), binary.Size(fourTuple{}))
	if err != nil {
		return err
	}
	downstream, err := o.newMap(downstreamMapName, binary.Size(fourTuple{}), binary.Size(fourTupleWithChannelID{}))
	if err != nil {
		_ = upstream.Close()
		return err
	}
	o.upstreamMap, o.downstreamMap = upstream, downstream

	o.log.Infof("(MapOffload) Init done, pin path %q", o.config.PinPath)
	return nil
}

func (o *MapEngine) newMap(name string, keySize, valueSize int) (*ebpf.Map, error) {
	spec := &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Hash,
		KeySize:    uint32(keySize),   //nolint:gosec
		ValueSize:  uint32(valueSize), //nolint:gosec
		MaxEntries: o.config.MaxEntries,
	}
	m, err := ebpf.NewMap(spec)
	if err != nil {
		return nil, err
	}
	if o.config.PinPath != "" {
		if err := m.Pin(filepath.Join(o.config.PinPath, name)); err != nil {
			_ = m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Shutdown unpins and closes the kernel maps
func (o *MapEngine) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, m := range []*ebpf.Map{o.upstreamMap, o.downstreamMap} {
		if m == nil {
			continue
		}
		if o.config.PinPath != "" {
			if err := m.Unpin(); err != nil {
				o.log.Errorf("Error during shutdown: %s", err.Error())
			}
		}
		if err := m.Close(); err != nil {
			o.log.Errorf("Error during shutdown: %s", err.Error())
		}
	}
	o.upstreamMap, o.downstreamMap = nil, nil

	o.log.Info("(MapOffload) Shutdown done")
}

// Upsert creates a new offload between a client and a peer
func (o *MapEngine) Upsert(client, peer Connection) error {
	p, c, err := o.tuples(client, peer)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.upstreamMap == nil {
		return ErrMapEngineNotInitialized
	}

	if err := o.downstreamMap.Put(p, c); err != nil {
		o.log.Errorf("Error in upsert (downstream map): %s", err.Error())
		return err
	}
	if err := o.upstreamMap.Put(c, p); err != nil {
		o.log.Errorf("Error in upsert (upstream map): %s", err.Error())
		_ = o.downstreamMap.Delete(p)
		return err
	}

	o.log.Debugf("Create offload between client: %s and peer: %s", client.String(), peer.String())
	return nil
}

// Remove removes an offload between a client and a peer
func (o *MapEngine) Remove(client, peer Connection) error {
	p, c, err := o.tuples(client, peer)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.upstreamMap == nil {
		return ErrMapEngineNotInitialized
	}

	if err := o.downstreamMap.Delete(p); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return ErrConnectionNotFound
		}
		return err
	}
	if err := o.upstreamMap.Delete(c); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}

	o.log.Debugf("Remove offload between client: %s and peer: %s", client.String(), peer.String())
	return nil
}

// List returns all upstream offloads stored in the kernel, keyed by client connection
func (o *MapEngine) List() (map[Connection]Connection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.upstreamMap == nil {
		return nil, ErrMapEngineNotInitialized
	}

	var (
		c fourTupleWithChannelID
		p fourTuple
	)
	r := make(map[Connection]Connection)
	iter := o.upstreamMap.Iterate()
	for iter.Next(&c, &p) {
		k := c.FourTuple.connection()
		k.ChannelID = c.ChannelID
		r[k] = p.connection()
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func (o *MapEngine) tuples(client, peer Connection) (fourTuple, fourTupleWithChannelID, error) {
	if client.Protocol != proto.ProtoUDP || peer.Protocol != proto.ProtoUDP {
		o.log.Warn(ErrUnsupportedProtocol.Error())
		return fourTuple{}, fourTupleWithChannelID{}, ErrUnsupportedProtocol
	}
	p, err := newFourTuple(peer)
	if err != nil {
		return fourTuple{}, fourTupleWithChannelID{}, err
	}
	if err := checkLocalRedirect(peer); err != nil {
		o.log.Warn(err.Error())
		return fourTuple{}, fourTupleWithChannelID{}, err
	}
	cft, err := newFourTuple(client)
	if err != nil {
		return fourTuple{}, fourTupleWithChannelID{}, err
	}
	return p, fourTupleWithChannelID{FourTuple: cft, ChannelID: client.ChannelID}, nil
}

// checkLocalRedirect refuses peers that are one of our own non-loopback interface addresses.
func checkLocalRedirect(peer Connection) error {
	p, ok := peer.RemoteAddr.(*net.UDPAddr)
	if !ok {
		return ErrUnsupportedProtocol
	}
	if p.IP.IsLoopback() {
		return nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(p.IP) {
			return ErrLocalRedirectProhibited
		}
	}
	return nil
}

func newFourTuple(c Connection) (fourTuple, error) {
	l, lok := c.LocalAddr.(*net.UDPAddr)
	r, rok := c.RemoteAddr.(*net.UDPAddr)
	if !lok || !rok {
		return fourTuple{}, ErrUnsupportedProtocol
	}
	t := fourTuple{
		RemotePort: hostToNetShort(uint16(r.Port)), //nolint:gosec
		LocalPort:  hostToNetShort(uint16(l.Port)), //nolint:gosec
	}
	copy(t.RemoteIP[:], r.IP.To16())
	copy(t.LocalIP[:], l.IP.To16())
	return t, nil
}

func (t fourTuple) connection() Connection {
	return Connection{
		RemoteAddr: &net.UDPAddr{IP: net.IP(t.RemoteIP[:]), Port: int(netToHostShort(t.RemotePort))},
		LocalAddr:  &net.UDPAddr{IP: net.IP(t.LocalIP[:]), Port: int(netToHostShort(t.LocalPort))},
		Protocol:   proto.ProtoUDP,
	}
}

func hostToNetShort(i uint16) uint16 {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, i)
	return binary.BigEndian.Uint16(b)
}

func netToHostShort(i uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return binary.LittleEndian.Uint16(b)
}
