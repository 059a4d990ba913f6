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
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Reactor multiplexes the readiness of registered channels over one epoll instance.
//
// A Reactor is driven by one goroutine at a time calling Poll. Register,
// SetInterestOps, Cancel and Wakeup may be called from any goroutine: a
// registration made while another goroutine is parked in Poll wakes it up,
// so it takes effect before or after that wait, never in the middle of it.
type Reactor struct {
	epfd    int
	wfd     int    // eventfd, wake epoll_wait
	trigger uint32 // a wakeup is pending on wfd
	closed  int32
	events  []epollevent

	// pollMu serializes table mutation, cancellation draining and epoll_wait.
	pollMu     sync.Mutex
	regWaiters int32

	// keysMu guards table against the readers outside of pollMu.
	keysMu sync.RWMutex
	table  map[int]*SelectionKey

	cancelMu  sync.Mutex
	cancelled *queue.Queue
	pending   []*SelectionKey

	selected *SelectedKeySet

	// wmu keeps Wakeup away from a closed eventfd.
	wmu sync.RWMutex
}

// OpenReactor creates a Reactor which collects up to capacity events per poll.
func OpenReactor(capacity int) (*Reactor, error) {
	if capacity <= 0 {
		return nil, Exception(ErrInvalidArgument, fmt.Sprintf("capacity=%d", capacity))
	}
	epfd, err := EpollCreate(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, Exception(err, "when epoll_create")
	}
	wfd, err := eventfdOpen()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, Exception(err, "when eventfd")
	}
	if err = EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(epfd)
		return nil, Exception(err, "when epoll_ctl add eventfd")
	}
	r := &Reactor{
		epfd:      epfd,
		wfd:       wfd,
		events:    make([]epollevent, capacity),
		table:     make(map[int]*SelectionKey),
		cancelled: queue.New(),
		selected:  newSelectedKeySet(),
	}
	logger.Debugf("UDSPOLL: reactor opened, epfd=%d wakeup=%d capacity=%d", epfd, wfd, capacity)
	return r, nil
}

// NewReactor creates a Reactor with the configured event buffer size.
func NewReactor() (*Reactor, error) {
	return OpenReactor(eventBufferSize)
}

// Register registers ch for ops and returns its key. Registering a channel
// twice updates the interest of its key in place, and an empty interest set
// removes it.
func (r *Reactor) Register(ch Selectable, ops Ops, attachment interface{}) (*SelectionKey, error) {
	c := ch.base()
	if ops&^c.validOps != 0 {
		return nil, Exception(ErrInvalidArgument, fmt.Sprintf("ops %s not in %s", ops, c.validOps))
	}
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if !c.IsOpen() {
		return nil, Exception(ErrChannelClosed, "when register")
	}
	if c.IsBlocking() {
		return nil, Exception(ErrIllegalBlockingMode, "when register")
	}
	if k := c.keyFor(r); k != nil {
		if !k.IsValid() {
			return nil, Exception(ErrCancelledKey, "when register")
		}
		k.Attach(attachment)
		if err := r.update(k, ops); err != nil {
			return nil, err
		}
		return k, nil
	}
	k := newSelectionKey(c, r)
	k.Attach(attachment)
	if err := r.add(k, ops); err != nil {
		return nil, err
	}
	if !c.addKey(k) {
		// closed in between, drop it on the next poll
		k.Cancel()
		return nil, Exception(ErrChannelClosed, "when register")
	}
	return k, nil
}

// Poll waits for registered channels to become ready.
// msec: 0 returns immediately, negative blocks until an event or a wakeup.
// It returns the number of keys newly added to the selected set.
func (r *Reactor) Poll(msec int) (n int, err error) {
	if r.isClosed() {
		return 0, Exception(ErrReactorClosed, "when poll")
	}
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.isClosed() {
		return 0, Exception(ErrReactorClosed, "when poll")
	}
	r.drainCancelled()
	if msec != 0 && atomic.LoadInt32(&r.regWaiters) > 0 {
		msec = 0
	}
	nev, err := EpollWait(r.epfd, r.events, msec)
	if r.isClosed() {
		return 0, Exception(ErrReactorClosed, "when poll")
	}
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, Exception(err, "when epoll_wait")
	}
	return r.handle(r.events[:nev]), nil
}

// Select blocks until at least one channel is selected or the reactor is woken up.
func (r *Reactor) Select() (int, error) {
	return r.Poll(-1)
}

// PollNow selects whatever is ready without blocking.
func (r *Reactor) PollNow() (int, error) {
	return r.Poll(0)
}

// SelectTimeout waits at most timeout, zero waits without bound.
func (r *Reactor) SelectTimeout(timeout time.Duration) (int, error) {
	if timeout < 0 {
		return 0, Exception(ErrInvalidArgument, fmt.Sprintf("timeout=%s", timeout))
	}
	if timeout == 0 {
		return r.Poll(-1)
	}
	msec := int((timeout + time.Millisecond - 1) / time.Millisecond)
	return r.Poll(msec)
}

// Wakeup makes the current or the next Poll return promptly.
func (r *Reactor) Wakeup() error {
	r.wmu.RLock()
	defer r.wmu.RUnlock()
	if r.wfd < 0 {
		return nil
	}
	if !atomic.CompareAndSwapUint32(&r.trigger, 0, 1) {
		return nil
	}
	if err := eventfdWrite(r.wfd, 1); err != nil {
		atomic.StoreUint32(&r.trigger, 0)
		return Exception(err, "when wakeup")
	}
	return nil
}

// Keys returns a snapshot of the registered keys.
func (r *Reactor) Keys() ([]*SelectionKey, error) {
	if r.isClosed() {
		return nil, Exception(ErrReactorClosed, "when keys")
	}
	r.keysMu.RLock()
	defer r.keysMu.RUnlock()
	keys := make([]*SelectionKey, 0, len(r.table))
	for _, k := range r.table {
		keys = append(keys, k)
	}
	return keys, nil
}

// SelectedKeys returns the set of keys found ready.
func (r *Reactor) SelectedKeys() (*SelectedKeySet, error) {
	if r.isClosed() {
		return nil, Exception(ErrReactorClosed, "when selected keys")
	}
	return r.selected, nil
}

func (r *Reactor) IsOpen() bool {
	return !r.isClosed()
}

// Close invalidates every key and releases the epoll instance.
// A goroutine parked in Poll returns ErrReactorClosed. Closing twice is a no-op.
func (r *Reactor) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	// write past the trigger gate, the parked Poll must return whatever trigger says
	r.wmu.RLock()
	if err := eventfdWrite(r.wfd, 1); err != nil {
		logger.Warnf("UDSPOLL: wakeup fd=%d on close failed: %v", r.wfd, err)
	}
	r.wmu.RUnlock()
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	r.keysMu.Lock()
	table := r.table
	r.table = make(map[int]*SelectionKey)
	r.keysMu.Unlock()
	for _, k := range table {
		r.invalidate(k)
	}
	r.cancelMu.Lock()
	for r.cancelled.Length() > 0 {
		r.invalidate(r.cancelled.Remove().(*SelectionKey))
	}
	r.cancelMu.Unlock()
	r.selected.clear()

	r.wmu.Lock()
	defer r.wmu.Unlock()
	err := multierr.Append(unix.Close(r.wfd), unix.Close(r.epfd))
	r.wfd, r.epfd = -1, -1
	logger.Debugf("UDSPOLL: reactor closed, keys=%d", len(table))
	if err != nil {
		return Exception(err, "when close reactor")
	}
	return nil
}

func (r *Reactor) isClosed() bool {
	return atomic.LoadInt32(&r.closed) != 0
}

// lockPoll takes the poll lock, waking up a parked Poll when it is held.
func (r *Reactor) lockPoll() {
	if r.pollMu.TryLock() {
		return
	}
	atomic.AddInt32(&r.regWaiters, 1)
	r.Wakeup()
	r.pollMu.Lock()
	atomic.AddInt32(&r.regWaiters, -1)
}

// add inserts a new key, a row left by a closed channel on the same fd is evicted first.
func (r *Reactor) add(k *SelectionKey, ops Ops) error {
	r.lockPoll()
	defer r.pollMu.Unlock()
	if r.isClosed() {
		return Exception(ErrReactorClosed, "when register")
	}
	if old, ok := r.table[k.fd]; ok {
		r.remove(old)
	}
	events := nativeEvents(ops)
	err := EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, k.fd, events)
	if err == unix.EEXIST {
		err = EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, k.fd, events)
	}
	if err != nil {
		return Exception(err, "when epoll_ctl add")
	}
	atomic.StoreUint32(&k.interest, uint32(ops))
	r.keysMu.Lock()
	r.table[k.fd] = k
	r.keysMu.Unlock()
	logger.Debugf("UDSPOLL: register fd=%d interest=%s", k.fd, ops)
	return nil
}

// update changes the interest of a live key, or removes it when ops is empty.
func (r *Reactor) update(k *SelectionKey, ops Ops) error {
	r.lockPoll()
	defer r.pollMu.Unlock()
	if r.isClosed() {
		return Exception(ErrReactorClosed, "when update interest")
	}
	if !k.IsValid() {
		return Exception(ErrCancelledKey, "when update interest")
	}
	if ops == 0 {
		r.remove(k)
		return nil
	}
	if err := EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, k.fd, nativeEvents(ops)); err != nil {
		return Exception(err, "when epoll_ctl mod")
	}
	atomic.StoreUint32(&k.interest, uint32(ops))
	logger.Debugf("UDSPOLL: modify fd=%d interest=%s", k.fd, ops)
	return nil
}

// remove must be called with pollMu held.
func (r *Reactor) remove(k *SelectionKey) {
	r.invalidate(k)
	if r.table[k.fd] != k {
		// the fd was closed and registered again by another channel
		return
	}
	r.keysMu.Lock()
	delete(r.table, k.fd)
	r.keysMu.Unlock()
	err := EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, k.fd, 0)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		logger.Warnf("UDSPOLL: epoll_ctl del fd=%d failed: %v", k.fd, err)
	}
	logger.Debugf("UDSPOLL: deregister fd=%d", k.fd)
}

func (r *Reactor) invalidate(k *SelectionKey) {
	atomic.StoreInt32(&k.state, keyRemoved)
	r.selected.Remove(k)
	k.ch.removeKey(k)
}

// cancel queues k for removal at the start of the next poll.
func (r *Reactor) cancel(k *SelectionKey) {
	r.cancelMu.Lock()
	r.cancelled.Add(k)
	r.cancelMu.Unlock()
}

func (r *Reactor) drainCancelled() {
	r.cancelMu.Lock()
	for r.cancelled.Length() > 0 {
		r.pending = append(r.pending, r.cancelled.Remove().(*SelectionKey))
	}
	r.cancelMu.Unlock()
	for i, k := range r.pending {
		r.remove(k)
		r.pending[i] = nil
	}
	r.pending = r.pending[:0]
}

// drainWakeup consumes the wakeup fd before resetting trigger, so trigger is
// never 1 over an empty eventfd. A Wakeup landing in between fails its CAS and
// is absorbed by the Poll that is returning.
func (r *Reactor) drainWakeup() {
	if _, err := eventfdRead(r.wfd); err != nil && err != unix.EAGAIN {
		logger.Warnf("UDSPOLL: drain wakeup fd=%d failed: %v", r.wfd, err)
	}
	atomic.StoreUint32(&r.trigger, 0)
}

// handle must be called with pollMu held, the table is only written under it.
func (r *Reactor) handle(events []epollevent) (n int) {
	for i := range events {
		fd := int(events[i].Fd)
		if fd == r.wfd {
			r.drainWakeup()
			continue
		}
		k := r.table[fd]
		if k == nil || !k.IsValid() {
			continue
		}
		ready := readyOps(events[i].Events, k.InterestOps())
		if ready == 0 {
			continue
		}
		if r.selected.merge(k, ready) {
			n++
		}
	}
	return n
}
