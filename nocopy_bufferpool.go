// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package udspoll

// bufferPool caches direct buffers used to stage heap buffers during one
// vectored I/O call. It is a bounded ring and is not safe for concurrent use,
// each IOVec owns its own.
type bufferPool struct {
	ring  []*ByteBuffer // len(ring) is a power of two
	mask  int
	max   int
	head  int
	count int
}

func newBufferPool(max int) *bufferPool {
	if max < 1 {
		max = IOVMax
	}
	size := 1
	for size < max {
		size <<= 1
	}
	return &bufferPool{
		ring: make([]*ByteBuffer, size),
		mask: size - 1,
		max:  max,
	}
}

// search returns a direct buffer with capacity >= size, trimmed to [0, size).
// The pool is scanned from its head. A large enough entry is swapped into the
// head slot and taken out. If none fits, the smallest entry seen is released so
// the pool does not keep growing with undersized regions, and a new one is allocated.
func (p *bufferPool) search(size int) (*ByteBuffer, error) {
	if p.count == 0 {
		return AllocateDirect(size)
	}
	if b := p.ring[p.head]; b.Capacity() >= size {
		return trim(p.pollFirst(), size), nil
	}
	minIdx := p.head
	for i := 1; i < p.count; i++ {
		idx := (p.head + i) & p.mask
		b := p.ring[idx]
		if b.Capacity() >= size {
			p.ring[idx], p.ring[p.head] = p.ring[p.head], b
			return trim(p.pollFirst(), size), nil
		}
		if b.Capacity() < p.ring[minIdx].Capacity() {
			minIdx = idx
		}
	}
	evicted := p.ring[minIdx]
	p.ring[minIdx] = p.ring[p.head]
	p.pollFirst()
	evicted.Release()
	return AllocateDirect(size)
}

// offerFirst returns b to the head of the ring, b is released if the pool is full.
func (p *bufferPool) offerFirst(b *ByteBuffer) {
	if p.count == p.max {
		b.Release()
		return
	}
	p.head = (p.head - 1) & p.mask
	p.ring[p.head] = b
	p.count++
}

// offerLast returns b to the tail of the ring, b is released if the pool is full.
func (p *bufferPool) offerLast(b *ByteBuffer) {
	if p.count == p.max {
		b.Release()
		return
	}
	p.ring[(p.head+p.count)&p.mask] = b
	p.count++
}

func (p *bufferPool) pollFirst() *ByteBuffer {
	b := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) & p.mask
	p.count--
	return b
}

// clear releases every buffer held by the pool.
func (p *bufferPool) clear() {
	for p.count > 0 {
		p.pollFirst().Release()
	}
	p.head = 0
}

func (p *bufferPool) length() int {
	return p.count
}

func trim(b *ByteBuffer, size int) *ByteBuffer {
	b.pos, b.lim = 0, size
	return b
}
