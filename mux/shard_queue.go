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

package mux

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cloudwego/udspoll"
)

// ShardQueue merges the buffers of many goroutines and sends them with gathering writes.
// The Data Flush is passively triggered by ShardQueue.Add and does not require user operations.
// If there is an error in the data transmission, the connection will be closed.

// Conn is the stream a ShardQueue writes to, *udspoll.ClientChannel implements it.
type Conn interface {
	WriteBuffersWith(v *udspoll.IOVec, bufs []*udspoll.ByteBuffer) (n int64, err error)
	// WaitWritable parks until a non-blocking write can make progress.
	WaitWritable(timeout time.Duration) error
	Close() error
}

// DefaultWriteTimeout bounds how long a flush waits on a full socket.
const DefaultWriteTimeout = 5 * time.Second

// NewShardQueue create a queue with conn
func NewShardQueue(shardsize int, conn Conn) (queue *ShardQueue) {
	queue = &ShardQueue{
		conn:         conn,
		iov:          udspoll.NewIOVec(),
		writeTimeout: DefaultWriteTimeout,
		shardsize:    uint32(shardsize),
		shards:       make([][]BufferGetter, shardsize),
		locks:        make([]int32, shardsize),
	}
	for i := range queue.shards {
		queue.shards[i] = make([]BufferGetter, 0, 64)
	}
	queue.shard = make([]BufferGetter, 0, 64)
	return queue
}

// BufferGetter is used to get a buffer to send, the queue releases it once sent.
type BufferGetter func() (buf *udspoll.ByteBuffer, isNil bool)

// ShardQueue uses gathering writes to merge and send data.
// The Data Flush is passively triggered by ShardQueue.Add and does not require user operations.
// If there is an error in the data transmission, the connection will be closed.
// ShardQueue.Add: add the data to be sent.
type ShardQueue struct {
	// state definition:
	// active  : only active state can allow user Add new task
	// closing : ShardQueue.Close is called and try to close gracefully, cannot Add new data
	// closed  : Gracefully shutdown finished
	state int32

	conn         Conn
	writeTimeout time.Duration         // zero waits without bound
	iov          *udspoll.IOVec        // scratch of the triggering goroutine
	pending      []*udspoll.ByteBuffer // buffers dealt and not yet flushed
	size         uint32                // the size of all getters in all shards
	shardsize    uint32                // the size of shards
	shards       [][]BufferGetter      // the shards of getters, len(shards) = shardsize
	shard        []BufferGetter        // the shard is dealing, use shard to swap
	locks        []int32               // the locks of shards, len(locks) = shardsize
	// trigger used to avoid triggering function re-enter twice.
	// trigger == 0: nothing to do
	// trigger == 1: we should start a new triggering()
	// trigger >= 2: triggering() already started
	trigger int32
}

const (
	// ShardQueue state
	active  = 0
	closing = 1
	closed  = 2
)

var idgen uint32

// SetWriteTimeout sets how long a flush waits for a full socket to drain
// before closing the conn, zero waits without bound. Call it before the first Add.
func (q *ShardQueue) SetWriteTimeout(timeout time.Duration) {
	q.writeTimeout = timeout
}

// Add adds gts to ShardQueue
func (q *ShardQueue) Add(gts ...BufferGetter) bool {
	size := uint32(len(gts))
	if size == 0 || atomic.LoadInt32(&q.state) != active {
		return false
	}

	// get current shard id
	shardid := atomic.AddUint32(&idgen, 1) % q.shardsize
	// add new shards into shard
	q.lock(shardid)
	q.shards[shardid] = append(q.shards[shardid], gts...)
	// size update should happen in lock, because we should make sure when q.shards unlock, worker can get the correct size
	_ = atomic.AddUint32(&q.size, size)
	q.unlock(shardid)

	if atomic.AddInt32(&q.trigger, 1) == 1 {
		go q.triggering(shardid)
	}
	return true
}

// Close graceful shutdown the ShardQueue and will flush all data added first
func (q *ShardQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.state, active, closing) {
		return fmt.Errorf("shardQueue has been closed")
	}
	// wait for all tasks finished
	for atomic.LoadInt32(&q.state) != closed {
		if atomic.LoadInt32(&q.trigger) == 0 {
			atomic.StoreInt32(&q.state, closed)
			break
		}
		runtime.Gosched()
	}
	q.iov.Release()
	return nil
}

// triggering shard.
func (q *ShardQueue) triggering(shardid uint32) {
WORKER:
	for atomic.LoadUint32(&q.size) > 0 {
		// lock & shard
		q.lock(shardid)
		shard := q.shards[shardid]
		q.shards[shardid] = q.shard[:0]
		q.shard = shard[:0] // reuse current shard's space for next round
		q.unlock(shardid)

		if len(shard) > 0 {
			// collect shard
			q.deal(shard)
			// only decrease q.size when the shard dealt
			atomic.AddUint32(&q.size, -uint32(len(shard)))
		}
		// if there have any new data, the next shard must not be empty
		shardid = (shardid + 1) % q.shardsize
	}
	// flush connection
	q.flush()

	// [IMPORTANT] Atomic Double Check:
	// ShardQueue.Add will ensure it will always update 'size' and 'trigger'.
	// - If CAS(q.trigger, oldTrigger, 0) = true, it means there is no triggering() call during size check,
	// so it's safe to exit triggering(). And any new Add() call will start triggering() successfully.
	// - If CAS failed, there may have a failed triggering() call during Load(q.trigger) and CAS(q.trigger),
	// so we should re-check q.size again from beginning.
	oldTrigger := atomic.LoadInt32(&q.trigger)
	if atomic.LoadUint32(&q.size) > 0 {
		goto WORKER
	}
	if !atomic.CompareAndSwapInt32(&q.trigger, oldTrigger, 0) {
		goto WORKER
	}

	// if state is closing, change it to closed
	atomic.CompareAndSwapInt32(&q.state, closing, closed)
}

// deal collects the buffers of gts
func (q *ShardQueue) deal(gts []BufferGetter) {
	for _, gt := range gts {
		buf, isNil := gt()
		if !isNil && buf != nil {
			q.pending = append(q.pending, buf)
		}
	}
}

// flush sends the pending buffers, at most IOVMax of them per writev.
func (q *ShardQueue) flush() {
	defer q.release()
	sent := 0
	for sent < len(q.pending) {
		for sent < len(q.pending) && !q.pending[sent].HasRemaining() {
			sent++
		}
		if sent == len(q.pending) {
			return
		}
		chunk := q.pending[sent:]
		if len(chunk) > udspoll.IOVMax {
			chunk = chunk[:udspoll.IOVMax]
		}
		n, err := q.conn.WriteBuffersWith(q.iov, chunk)
		if err != nil {
			q.conn.Close()
			return
		}
		if n == 0 {
			// a non-blocking conn is full, park until the peer reads
			if err = q.conn.WaitWritable(q.writeTimeout); err != nil {
				q.conn.Close()
				return
			}
		}
	}
}

func (q *ShardQueue) release() {
	for i, buf := range q.pending {
		buf.Release()
		q.pending[i] = nil
	}
	q.pending = q.pending[:0]
}

// lock shard.
func (q *ShardQueue) lock(shard uint32) {
	for !atomic.CompareAndSwapInt32(&q.locks[shard], 0, 1) {
		runtime.Gosched()
	}
}

// unlock shard.
func (q *ShardQueue) unlock(shard uint32) {
	atomic.StoreInt32(&q.locks[shard], 0)
}
