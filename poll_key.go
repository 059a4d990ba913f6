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
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Ops is a set of operations a channel can be selected for.
type Ops uint32

const (
	OpRead Ops = 1 << iota
	OpWrite
	OpConnect
	OpAccept
)

func (ops Ops) String() string {
	var names []string
	if ops&OpRead != 0 {
		names = append(names, "OP_READ")
	}
	if ops&OpWrite != 0 {
		names = append(names, "OP_WRITE")
	}
	if ops&OpConnect != 0 {
		names = append(names, "OP_CONNECT")
	}
	if ops&OpAccept != 0 {
		names = append(names, "OP_ACCEPT")
	}
	return "[" + strings.Join(names, ",") + "]"
}

// nativeEvents translates an interest set into epoll flags.
// Read and accept wait for EPOLLIN, write and connect for EPOLLOUT. A
// registration is edge-triggered as soon as read, accept or write is in it,
// only a connect-only registration is level-triggered.
func nativeEvents(ops Ops) uint32 {
	var events uint32
	if ops&(OpRead|OpAccept) != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops&(OpWrite|OpConnect) != 0 {
		events |= unix.EPOLLOUT
	}
	if ops&(OpRead|OpAccept|OpWrite) != 0 {
		events |= unix.EPOLLET
	}
	return events
}

// readyOps resolves epoll flags against the registered interest.
// Errors and hang-ups make every interested operation ready, so the failure
// surfaces on the next call.
func readyOps(events uint32, interest Ops) (ready Ops) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return interest
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ready |= interest & (OpRead | OpAccept)
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= interest & (OpWrite | OpConnect)
	}
	return ready
}

const (
	keyValid int32 = iota
	keyCancelled
	keyRemoved
)

// SelectionKey is the registration of one channel with one Reactor.
type SelectionKey struct {
	ch       *channel
	reactor  *Reactor
	fd       int
	state    int32
	interest uint32 // Ops, written under the reactor poll lock
	ready    uint32 // Ops, written under the selected set lock
	attached atomic.Value
}

func newSelectionKey(ch *channel, r *Reactor) *SelectionKey {
	return &SelectionKey{ch: ch, reactor: r, fd: ch.fd}
}

// Reactor returns the reactor the key is registered with.
func (k *SelectionKey) Reactor() *Reactor {
	return k.reactor
}

// FD returns the file descriptor of the registered channel.
func (k *SelectionKey) FD() int {
	return k.fd
}

// Channel returns the registered channel.
func (k *SelectionKey) Channel() Selectable {
	return k.ch.self
}

// IsValid reports whether the key is neither cancelled nor removed.
func (k *SelectionKey) IsValid() bool {
	return atomic.LoadInt32(&k.state) == keyValid
}

// Cancel requests the removal of the key, it takes effect at the start of the next poll.
// Cancelling twice is a no-op.
func (k *SelectionKey) Cancel() {
	if !atomic.CompareAndSwapInt32(&k.state, keyValid, keyCancelled) {
		return
	}
	k.reactor.cancel(k)
}

func (k *SelectionKey) InterestOps() Ops {
	return Ops(atomic.LoadUint32(&k.interest))
}

// SetInterestOps replaces the interest set, an empty set removes the key.
func (k *SelectionKey) SetInterestOps(ops Ops) error {
	if !k.IsValid() {
		return Exception(ErrCancelledKey, "when set interest")
	}
	if ops&^k.ch.validOps != 0 {
		return Exception(ErrInvalidArgument, fmt.Sprintf("ops %s not in %s", ops, k.ch.validOps))
	}
	return k.reactor.update(k, ops)
}

// ReadyOps returns the operations observed ready since the key was last taken
// out of the selected set.
func (k *SelectionKey) ReadyOps() Ops {
	return Ops(atomic.LoadUint32(&k.ready))
}

func (k *SelectionKey) IsReadable() bool {
	return k.ReadyOps()&OpRead != 0
}

func (k *SelectionKey) IsWritable() bool {
	return k.ReadyOps()&OpWrite != 0
}

func (k *SelectionKey) IsConnectable() bool {
	return k.ReadyOps()&OpConnect != 0
}

func (k *SelectionKey) IsAcceptable() bool {
	return k.ReadyOps()&OpAccept != 0
}

// Attach replaces the attachment and returns the previous one.
func (k *SelectionKey) Attach(v interface{}) (prev interface{}) {
	if a, ok := k.attached.Swap(attachment{v}).(attachment); ok {
		return a.v
	}
	return nil
}

func (k *SelectionKey) Attachment() interface{} {
	if a, ok := k.attached.Load().(attachment); ok {
		return a.v
	}
	return nil
}

// attachment boxes values so atomic.Value accepts nil and mixed types.
type attachment struct {
	v interface{}
}

func (k *SelectionKey) String() string {
	return fmt.Sprintf("fd:%d, interest:%s, ready:%s, valid:%t", k.fd, k.InterestOps(), k.ReadyOps(), k.IsValid())
}
