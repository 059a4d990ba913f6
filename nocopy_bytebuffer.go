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
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sys/unix"
)

// mallocMax is 8MB
const mallocMax = 8 * 1024 * 1024

type bufferKind int32

const (
	// heapBuffer memory is owned by the Go heap, through mcache when possible.
	heapBuffer bufferKind = iota
	// wrappedBuffer memory belongs to the caller.
	wrappedBuffer
	// directBuffer memory is an anonymous mapping outside the Go heap.
	directBuffer
)

// ByteBuffer is a fixed capacity byte region with a position and a limit.
// Bytes between position and limit are the remaining ones: the data to be
// written by a write, or the free room to be filled by a read.
//
// Direct buffers live outside the Go heap and are handed to the kernel as is.
// Heap buffers are staged through a native region during vectored I/O.
type ByteBuffer struct {
	buf      []byte
	raw      []byte // backing memory to free, cap(buf) may be smaller
	pos, lim int
	kind     bufferKind
	released int32
}

// Allocate returns a heap buffer with the given capacity, position 0 and limit capacity.
func Allocate(capacity int) *ByteBuffer {
	if capacity < 0 {
		panic(fmt.Sprintf("udspoll: negative capacity %d", capacity))
	}
	raw := malloc(capacity)
	return &ByteBuffer{buf: raw[:capacity:capacity], raw: raw, lim: capacity, kind: heapBuffer}
}

// AllocateDirect returns a buffer backed by an anonymous memory mapping.
// It should be released by Release, a finalizer unmaps it otherwise.
func AllocateDirect(capacity int) (*ByteBuffer, error) {
	if capacity < 0 {
		return nil, Exception(ErrInvalidArgument, fmt.Sprintf("capacity=%d", capacity))
	}
	b := &ByteBuffer{lim: capacity, kind: directBuffer}
	if capacity == 0 {
		b.buf = []byte{}
		return b, nil
	}
	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, Exception(err, "when mmap")
	}
	b.buf, b.raw = mem, mem
	runtime.SetFinalizer(b, (*ByteBuffer).Release)
	return b, nil
}

// Wrap returns a heap buffer over p, Release leaves p untouched.
func Wrap(p []byte) *ByteBuffer {
	return &ByteBuffer{buf: p[:len(p):len(p)], lim: len(p), kind: wrappedBuffer}
}

// IsDirect reports whether the buffer memory can be passed to the kernel without staging.
func (b *ByteBuffer) IsDirect() bool {
	return b.kind == directBuffer
}

func (b *ByteBuffer) Capacity() int {
	return len(b.buf)
}

func (b *ByteBuffer) Position() int {
	return b.pos
}

// SetPosition panics if pos is outside [0, limit].
func (b *ByteBuffer) SetPosition(pos int) {
	if pos < 0 || pos > b.lim {
		panic(fmt.Sprintf("udspoll: position %d out of [0, %d]", pos, b.lim))
	}
	b.pos = pos
}

func (b *ByteBuffer) Limit() int {
	return b.lim
}

// SetLimit panics if lim is outside [0, capacity], the position is clamped to lim.
func (b *ByteBuffer) SetLimit(lim int) {
	if lim < 0 || lim > len(b.buf) {
		panic(fmt.Sprintf("udspoll: limit %d out of [0, %d]", lim, len(b.buf)))
	}
	b.lim = lim
	if b.pos > lim {
		b.pos = lim
	}
}

func (b *ByteBuffer) Remaining() int {
	return b.lim - b.pos
}

func (b *ByteBuffer) HasRemaining() bool {
	return b.pos < b.lim
}

// Clear makes the whole capacity available for a read.
func (b *ByteBuffer) Clear() *ByteBuffer {
	b.pos, b.lim = 0, len(b.buf)
	return b
}

// Flip turns the bytes read so far into the remaining bytes for a write.
func (b *ByteBuffer) Flip() *ByteBuffer {
	b.lim, b.pos = b.pos, 0
	return b
}

// Bytes returns the remaining bytes without copying.
func (b *ByteBuffer) Bytes() []byte {
	return b.buf[b.pos:b.lim]
}

// Put copies p into the remaining room and advances the position.
func (b *ByteBuffer) Put(p []byte) (n int) {
	n = copy(b.buf[b.pos:b.lim], p)
	b.pos += n
	return n
}

// Get copies the remaining bytes into p and advances the position.
func (b *ByteBuffer) Get(p []byte) (n int) {
	n = copy(p, b.buf[b.pos:b.lim])
	b.pos += n
	return n
}

// skip advances the position by n, which must not exceed Remaining.
func (b *ByteBuffer) skip(n int) {
	b.pos += n
}

// Release returns the memory of the buffer, it's safe to call more than once.
// A released buffer must not be used again.
func (b *ByteBuffer) Release() (err error) {
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return nil
	}
	raw := b.raw
	b.buf, b.raw, b.pos, b.lim = nil, nil, 0, 0
	switch b.kind {
	case heapBuffer:
		free(raw)
	case directBuffer:
		runtime.SetFinalizer(b, nil)
		if cap(raw) > 0 {
			err = unix.Munmap(raw)
		}
	}
	return err
}

func (b *ByteBuffer) String() string {
	return fmt.Sprintf("[pos=%d lim=%d cap=%d direct=%t]", b.pos, b.lim, len(b.buf), b.IsDirect())
}

// malloc limits the cap of the buffer from mcache.
func malloc(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	if size > mallocMax {
		return make([]byte, size)
	}
	return mcache.Malloc(size)
}

// free limits the cap of the buffer from mcache.
func free(buf []byte) {
	if cap(buf) == 0 || cap(buf) > mallocMax {
		return
	}
	mcache.Free(buf)
}
