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

import (
	"testing"
)

func mustDirect(t *testing.T, size int) *ByteBuffer {
	t.Helper()
	b, err := AllocateDirect(size)
	MustNil(t, err)
	return b
}

func TestBufferPoolSearchEmpty(t *testing.T) {
	p := newBufferPool(4)
	defer p.clear()
	for _, size := range []int{1, 7, 4096} {
		b, err := p.search(size)
		MustNil(t, err)
		Equal(t, b.Capacity(), size)
		MustTrue(t, b.IsDirect())
		Equal(t, p.length(), 0)
		b.Release()
	}
}

func TestBufferPoolRoundTrip(t *testing.T) {
	p := newBufferPool(4)
	defer p.clear()
	p.offerLast(mustDirect(t, 64))
	p.offerLast(mustDirect(t, 128))
	Equal(t, p.length(), 2)

	b, err := p.search(100)
	MustNil(t, err)
	MustTrue(t, b.Capacity() >= 100)
	Equal(t, b.Position(), 0)
	Equal(t, b.Limit(), 100)
	Equal(t, p.length(), 1)

	// the head fits at once
	p.offerFirst(b)
	b, err = p.search(128)
	MustNil(t, err)
	Equal(t, b.Capacity(), 128)
	Equal(t, p.length(), 1)
	b.Release()
}

func TestBufferPoolBounded(t *testing.T) {
	p := newBufferPool(2)
	defer p.clear()
	p.offerLast(mustDirect(t, 8))
	p.offerFirst(mustDirect(t, 8))
	Equal(t, p.length(), 2)

	extra := mustDirect(t, 8)
	p.offerLast(extra)
	Equal(t, p.length(), 2)
	// the offered buffer has been released
	Equal(t, extra.Capacity(), 0)

	extra = mustDirect(t, 8)
	p.offerFirst(extra)
	Equal(t, p.length(), 2)
	Equal(t, extra.Capacity(), 0)
}

func TestBufferPoolEvictsSmallest(t *testing.T) {
	p := newBufferPool(4)
	defer p.clear()
	small, large := mustDirect(t, 1), mustDirect(t, 2)
	p.offerLast(small)
	p.offerLast(large)

	b, err := p.search(3)
	MustNil(t, err)
	Equal(t, b.Capacity(), 3)
	Equal(t, p.length(), 1)
	Equal(t, small.Capacity(), 0)
	Equal(t, large.Capacity(), 2)
	Equal(t, p.pollFirst(), large)
	b.Release()
	large.Release()
}

func TestBufferPoolWrapsAround(t *testing.T) {
	p := newBufferPool(3)
	defer p.clear()
	for i := 0; i < 10; i++ {
		p.offerLast(mustDirect(t, 16))
		p.offerFirst(mustDirect(t, 32))
		b, err := p.search(32)
		MustNil(t, err)
		Equal(t, b.Capacity(), 32)
		b.Release()
		MustTrue(t, p.length() <= 3)
	}
	p.clear()
	Equal(t, p.length(), 0)
}
