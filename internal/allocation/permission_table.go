// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"net"
	"net/netip"
)

const (
	defaultPermissionBuckets = 8
	defaultPermissionSlots   = 3
)

// permissionBucket holds a fixed number of in-place slots and an overflow list
// that grows by one slot at a time once they are all taken.
type permissionBucket struct {
	main  []Permission
	extra []*Permission
}

// permissionTable maps a peer address (port ignored) to its permission.
type permissionTable struct {
	owner   *Allocation
	buckets []permissionBucket
	slots   int
	mask    uint32
	limit   int
	size    int
}

func newPermissionTable(owner *Allocation, buckets, slots, limit int) permissionTable {
	t := permissionTable{
		owner:   owner,
		buckets: make([]permissionBucket, buckets),
		slots:   slots,
		mask:    uint32(buckets - 1), //nolint:gosec
		limit:   limit,
	}
	for i := range t.buckets {
		t.buckets[i].main = make([]Permission, slots)
		for j := range t.buckets[i].main {
			t.buckets[i].main[j].allocation = owner
		}
	}
	return t
}

func (t *permissionTable) bucket(ip netip.Addr) *permissionBucket {
	return &t.buckets[addrHashNoPort(ip)&t.mask]
}

// get returns the live permission for ip, nil otherwise.
func (t *permissionTable) get(ip netip.Addr) *Permission {
	b := t.bucket(ip)
	for i := range b.main {
		if p := &b.main[i]; p.allocated && p.ip == ip {
			return p
		}
	}
	for _, p := range b.extra {
		if p.allocated && p.ip == ip {
			return p
		}
	}
	return nil
}

// add stores a new permission for ip in the first free slot of its bucket. The caller
// must have checked that no live permission exists for ip. It returns nil when the
// table is at its capacity limit.
func (t *permissionTable) add(ip netip.Addr, addr net.Addr) *Permission {
	if t.limit > 0 && t.size >= t.limit {
		return nil
	}

	b := t.bucket(ip)
	var slot *Permission
	for i := range b.main {
		if !b.main[i].allocated {
			slot = &b.main[i]
			break
		}
	}
	if slot == nil {
		for _, p := range b.extra {
			if !p.allocated {
				slot = p
				break
			}
		}
	}
	if slot == nil {
		slot = &Permission{allocation: t.owner}
		b.extra = append(b.extra, slot)
	}

	slot.allocated = true
	slot.ip = ip
	slot.Addr = addr
	t.size++
	return slot
}

// forEach calls f for every live permission until f returns false.
func (t *permissionTable) forEach(f func(*Permission) bool) {
	for i := range t.buckets {
		b := &t.buckets[i]
		for j := range b.main {
			if p := &b.main[j]; p.allocated && !f(p) {
				return
			}
		}
		for _, p := range b.extra {
			if p.allocated && !f(p) {
				return
			}
		}
	}
}

// free cleans every live permission and drops the overflow slots.
func (t *permissionTable) free(clean func(*Permission)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		for j := range b.main {
			if b.main[j].allocated {
				clean(&b.main[j])
			}
		}
		for j, p := range b.extra {
			if p.allocated {
				clean(p)
			}
			b.extra[j] = nil
		}
		b.extra = nil
	}
	t.size = 0
}
