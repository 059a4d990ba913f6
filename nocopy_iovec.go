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
	"sync"
)

// IOVec is the scratch state of vectored I/O calls: the iovec array handed to
// readv/writev and the pool of direct regions used to stage heap buffers.
// An IOVec must not be used by two calls at the same time. Callers that run
// many calls from one goroutine can keep their own and pass it to the *With
// methods of a channel, the other methods borrow one from a shared cache.
type IOVec struct {
	ivs    []iovec
	staged []*ByteBuffer
	used   int
	pool   *bufferPool
}

// NewIOVec returns an IOVec for up to IOVMax buffers per call.
func NewIOVec() *IOVec {
	return newIOVec(IOVMax)
}

func newIOVec(max int) *IOVec {
	return &IOVec{
		ivs:    make([]iovec, max),
		staged: make([]*ByteBuffer, max),
		pool:   newBufferPool(max),
	}
}

// Release frees the staging regions cached by v.
func (v *IOVec) Release() {
	v.reset()
	v.pool.clear()
}

// gather fills the iovec array with the remaining bytes of bufs, ready for writev.
// Heap buffers are copied out into staged regions.
func (v *IOVec) gather(bufs []*ByteBuffer) (ivs []iovec, err error) {
	if err = v.check(bufs); err != nil {
		return nil, err
	}
	for i, b := range bufs {
		v.used = i + 1
		rem := b.Remaining()
		if b.IsDirect() || rem == 0 {
			setIovec(&v.ivs[i], b.Bytes())
			continue
		}
		region, err := v.pool.search(rem)
		if err != nil {
			return nil, err
		}
		v.staged[i] = region
		copy(region.buf[:rem], b.Bytes())
		setIovec(&v.ivs[i], region.buf[:rem])
	}
	return v.ivs[:len(bufs)], nil
}

// scatter fills the iovec array with the free room of bufs, ready for readv.
// Heap buffers get an empty staged region of the same size.
func (v *IOVec) scatter(bufs []*ByteBuffer) (ivs []iovec, err error) {
	if err = v.check(bufs); err != nil {
		return nil, err
	}
	for i, b := range bufs {
		v.used = i + 1
		rem := b.Remaining()
		if b.IsDirect() || rem == 0 {
			setIovec(&v.ivs[i], b.Bytes())
			continue
		}
		region, err := v.pool.search(rem)
		if err != nil {
			return nil, err
		}
		v.staged[i] = region
		setIovec(&v.ivs[i], region.buf[:rem])
	}
	return v.ivs[:len(bufs)], nil
}

// written advances the positions of bufs over the n bytes taken by writev.
func (v *IOVec) written(bufs []*ByteBuffer, n int) {
	for i := 0; i < len(bufs) && n > 0; i++ {
		take := int(v.ivs[i].Len)
		if take > n {
			take = n
		}
		bufs[i].skip(take)
		n -= take
	}
}

// filled copies the n bytes returned by readv back into bufs and advances their positions.
func (v *IOVec) filled(bufs []*ByteBuffer, n int) {
	for i := 0; i < len(bufs) && n > 0; i++ {
		take := int(v.ivs[i].Len)
		if take > n {
			take = n
		}
		if region := v.staged[i]; region != nil {
			b := bufs[i]
			copy(b.buf[b.pos:b.pos+take], region.buf[:take])
		}
		bufs[i].skip(take)
		n -= take
	}
}

// reset gives every staged region back to the pool and clears the used slots.
func (v *IOVec) reset() {
	for i := 0; i < v.used; i++ {
		if region := v.staged[i]; region != nil {
			v.staged[i] = nil
			v.pool.offerLast(region)
		}
	}
	resetIovecs(v.ivs[:v.used])
	v.used = 0
}

func (v *IOVec) check(bufs []*ByteBuffer) error {
	if len(bufs) > len(v.ivs) {
		return Exception(ErrTooManyBuffers, fmt.Sprintf("buffers=%d max=%d", len(bufs), len(v.ivs)))
	}
	return nil
}

// iovecCache keeps one IOVec per P for the callers that don't bring their own.
var iovecCache = sync.Pool{
	New: func() interface{} {
		return NewIOVec()
	},
}

func acquireIOVec() *IOVec {
	return iovecCache.Get().(*IOVec)
}

func releaseIOVec(v *IOVec) {
	v.reset()
	iovecCache.Put(v)
}
