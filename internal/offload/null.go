// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package offload

import (
	"sync"

	"github.com/pion/logging"
)

// NullEngine is a null offload engine. It keeps a conntrack table so that callers
// can observe what would have been offloaded.
type NullEngine struct {
	mu        sync.Mutex
	conntrack map[string]conntrackEntry
	log       logging.LeveledLogger
}

type conntrackEntry struct {
	client, peer Connection
}

// NewNullEngine creates an uninitialized null offload engine
func NewNullEngine(log logging.LeveledLogger) (*NullEngine, error) {
	return &NullEngine{conntrack: map[string]conntrackEntry{}, log: log}, nil
}

// Init initializes the Null engine
func (o *NullEngine) Init() error {
	o.log.Info("(NullOffload) Init done")
	return nil
}

// Shutdown stops the null offloading engine
func (o *NullEngine) Shutdown() {
	if o.log == nil {
		return
	}
	o.log.Info("(NullOffload) Shutdown done")
}

// Upsert imitates an offload creation between a client and a peer
func (o *NullEngine) Upsert(client, peer Connection) error {
	o.log.Debugf("Would create offload between client: %s and peer: %s", client.String(), peer.String())

	o.mu.Lock()
	o.conntrack[client.String()] = conntrackEntry{client: client, peer: peer}
	o.mu.Unlock()
	return nil
}

// Remove imitates offload deletion between a client and a peer
func (o *NullEngine) Remove(client, peer Connection) error {
	o.log.Debugf("Would remove offload between client: %s and peer: %s", client.String(), peer.String())

	o.mu.Lock()
	defer o.mu.Unlock()
	key := client.String()
	if _, ok := o.conntrack[key]; !ok {
		return ErrConnectionNotFound
	}
	delete(o.conntrack, key)

	return nil
}

// List returns a copy of the internal conntrack map, which keeps track of all
// the connections through the proxy
func (o *NullEngine) List() (map[Connection]Connection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r := make(map[Connection]Connection, len(o.conntrack))
	for _, e := range o.conntrack {
		r[e.client] = e.peer
	}

	return r, nil
}
