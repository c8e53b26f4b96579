// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import "github.com/pion/turnalloc/internal/proto"

const (
	defaultChannelBuckets = 8
	defaultChannelSlots   = 3
)

type channelBucket struct {
	main  []ChannelBind
	extra []*ChannelBind
}

// channelMap indexes the channels of an allocation by channel number. It uses the
// same in-place plus overflow layout as permissionTable, with the channel number
// masked by the bucket count as the hash.
type channelMap struct {
	owner   *Allocation
	buckets []channelBucket
	mask    uint16
	limit   int
	size    int
}

func newChannelMap(owner *Allocation, buckets, slots, limit int) channelMap {
	m := channelMap{
		owner:   owner,
		buckets: make([]channelBucket, buckets),
		mask:    uint16(buckets - 1), //nolint:gosec
		limit:   limit,
	}
	for i := range m.buckets {
		m.buckets[i].main = make([]ChannelBind, slots)
		for j := range m.buckets[i].main {
			m.buckets[i].main[j].allocation = owner
		}
	}
	return m
}

// get looks up the live channel with the given number. With create set it instead
// returns the first free slot of the number's bucket, growing the overflow list by one
// if needed, without marking it allocated: the caller populates it. It returns nil
// when the map is at its capacity limit.
func (m *channelMap) get(number proto.ChannelNumber, create bool) *ChannelBind {
	if create && m.limit > 0 && m.size >= m.limit {
		return nil
	}

	b := &m.buckets[uint16(number)&m.mask]
	for i := range b.main {
		c := &b.main[i]
		if c.allocated {
			if !create && c.Number == number {
				return c
			}
		} else if create {
			return c
		}
	}
	for _, c := range b.extra {
		if c.allocated {
			if !create && c.Number == number {
				return c
			}
		} else if create {
			return c
		}
	}

	if !create {
		return nil
	}
	c := &ChannelBind{allocation: m.owner}
	b.extra = append(b.extra, c)
	return c
}

func (m *channelMap) forEach(f func(*ChannelBind) bool) {
	for i := range m.buckets {
		b := &m.buckets[i]
		for j := range b.main {
			if c := &b.main[j]; c.allocated && !f(c) {
				return
			}
		}
		for _, c := range b.extra {
			if c.allocated && !f(c) {
				return
			}
		}
	}
}

// free cleans whatever channels are still live and drops the overflow slots.
func (m *channelMap) free(clean func(*ChannelBind)) {
	for i := range m.buckets {
		b := &m.buckets[i]
		for j := range b.main {
			if b.main[j].allocated {
				clean(&b.main[j])
			}
		}
		for j, c := range b.extra {
			if c.allocated {
				clean(c)
			}
			b.extra[j] = nil
		}
		b.extra = nil
	}
	m.size = 0
}
