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

package udspoll

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

type who int32

const (
	none who = iota
	user
	poller
)

type key int32

/* State Diagram
+--------------+         +--------------+
|   inputShut  |         |  outputShut  |
+-------+------+         +-------+------+
        |                        |
        |    +--------------+    |
        +--->|   closing    |<---+
             +--------------+

- "inputShut" and "outputShut" are one-way latches of a half-closed stream.
- "closing" is taken exactly once, by the user or by the server poller on shutdown.
*/

const (
	closing key = iota
	inputShut
	outputShut
	// total must be at the bottom.
	total
)

const (
	cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
)

type padKey struct {
	key int32
	_   [cacheLineSize - unsafe.Sizeof(int32(0))]byte
}

type locker struct {
	// keychain use for latch/close operation by who.
	// 0 means unset, otherwise set.
	keychain [total]padKey
}

func (l *locker) closeBy(w who) (success bool) {
	return atomic.CompareAndSwapInt32(&l.keychain[closing].key, 0, int32(w))
}

func (l *locker) isCloseBy(w who) (yes bool) {
	return atomic.LoadInt32(&l.keychain[closing].key) == int32(w)
}

func (l *locker) isClosed() bool {
	return atomic.LoadInt32(&l.keychain[closing].key) != int32(none)
}

// latch sets k once, only the first caller succeeds.
func (l *locker) latch(k key) (success bool) {
	return atomic.CompareAndSwapInt32(&l.keychain[k].key, 0, 1)
}

func (l *locker) isSet(k key) bool {
	return atomic.LoadInt32(&l.keychain[k].key) != 0
}
