// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

// MaxUnsentBuffers bounds the number of buffers queued for a TCP connection
// that is not bound to a client data connection yet.
const MaxUnsentBuffers = 16

// Buffer is an outbound network buffer. Release returns it to its allocator.
type Buffer interface {
	Bytes() []byte
	Release()
}

// UnsentBuffer is a bounded FIFO of buffers waiting for a connection to complete.
// Popped slots are nilled rather than compacted and keep counting against the
// bound until the queue drains completely. The zero value is an empty queue.
type UnsentBuffer struct {
	bufs []Buffer
	head int
}

// Push appends b to the queue. If the queue is full, b is released immediately and
// Push returns false.
func (u *UnsentBuffer) Push(b Buffer) bool {
	if b == nil {
		return false
	}
	if len(u.bufs) >= MaxUnsentBuffers {
		b.Release()
		return false
	}
	u.bufs = append(u.bufs, b)
	return true
}

// Front returns the oldest queued buffer without removing it.
func (u *UnsentBuffer) Front() Buffer {
	for i := u.head; i < len(u.bufs); i++ {
		if u.bufs[i] != nil {
			return u.bufs[i]
		}
	}
	return nil
}

// Pop removes the oldest queued buffer and hands its ownership to the caller.
func (u *UnsentBuffer) Pop() Buffer {
	for ; u.head < len(u.bufs); u.head++ {
		if b := u.bufs[u.head]; b != nil {
			u.bufs[u.head] = nil
			u.head++
			u.compact()
			return b
		}
	}
	u.compact()
	return nil
}

// Len returns the number of queued buffers.
func (u *UnsentBuffer) Len() int {
	n := 0
	for i := u.head; i < len(u.bufs); i++ {
		if u.bufs[i] != nil {
			n++
		}
	}
	return n
}

// Clear releases every queued buffer.
func (u *UnsentBuffer) Clear() {
	for i := u.head; i < len(u.bufs); i++ {
		if u.bufs[i] != nil {
			u.bufs[i].Release()
			u.bufs[i] = nil
		}
	}
	u.bufs = nil
	u.head = 0
}

// compact resets the storage once every slot has been popped.
func (u *UnsentBuffer) compact() {
	if u.head >= len(u.bufs) {
		u.bufs = u.bufs[:0]
		u.head = 0
	}
}

// take pops every queued buffer at once.
func (u *UnsentBuffer) take() []Buffer {
	var out []Buffer
	for b := u.Pop(); b != nil; b = u.Pop() {
		out = append(out, b)
	}
	return out
}
