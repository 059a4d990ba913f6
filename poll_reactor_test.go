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
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := OpenReactor(64)
	MustNil(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// newTestPair returns a connected pair, a is non-blocking.
func newTestPair(t *testing.T) (a, b *ClientChannel) {
	t.Helper()
	a, b, err := Pair()
	MustNil(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	MustNil(t, a.SetBlocking(false))
	return a, b
}

func TestOpenReactor(t *testing.T) {
	_, err := OpenReactor(0)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))
	_, err = OpenReactor(-1)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))

	r, err := NewReactor()
	MustNil(t, err)
	Equal(t, len(r.events), eventBufferSize)
	MustTrue(t, r.IsOpen())
	MustNil(t, r.Close())
	MustTrue(t, !r.IsOpen())
	// closing twice is a no-op
	MustNil(t, r.Close())
}

func TestRegisterIdempotent(t *testing.T) {
	useTestLogger(t)
	r := newTestReactor(t)
	a, _ := newTestPair(t)

	k1, err := r.Register(a, OpRead, "first")
	MustNil(t, err)
	k2, err := r.Register(a, OpRead|OpWrite, "second")
	MustNil(t, err)
	MustTrue(t, k1 == k2)
	Equal(t, k2.InterestOps(), OpRead|OpWrite)
	Equal(t, k2.Attachment(), "second")
	MustTrue(t, a.KeyFor(r) == k1)
	MustTrue(t, k1.Channel() == Selectable(a))
	MustTrue(t, k1.Reactor() == r)
	Equal(t, k1.FD(), a.FD())

	keys, err := r.Keys()
	MustNil(t, err)
	Equal(t, len(keys), 1)
	Equal(t, len(r.table), 1)
}

func TestRegisterEmptyInterest(t *testing.T) {
	r := newTestReactor(t)
	a, _ := newTestPair(t)

	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	_, err = r.Register(a, 0, nil)
	MustNil(t, err)
	MustTrue(t, !k.IsValid())
	MustTrue(t, a.KeyFor(r) == nil)
	MustTrue(t, !a.IsRegistered())
	keys, err := r.Keys()
	MustNil(t, err)
	Equal(t, len(keys), 0)

	// a fresh key may be registered afterwards
	k2, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	MustTrue(t, k2 != k && k2.IsValid())

	// and an empty interest on the key itself removes it too
	MustNil(t, k2.SetInterestOps(0))
	MustTrue(t, !k2.IsValid())
	err = k2.SetInterestOps(OpRead)
	MustTrue(t, errors.Is(err, ErrCancelledKey))
}

func TestRegisterValidation(t *testing.T) {
	r := newTestReactor(t)
	a, b, err := Pair()
	MustNil(t, err)
	defer a.Close()
	defer b.Close()

	// blocking channels cannot be registered
	_, err = r.Register(a, OpRead, nil)
	MustTrue(t, errors.Is(err, ErrIllegalBlockingMode))

	MustNil(t, a.SetBlocking(false))
	_, err = r.Register(a, OpAccept, nil)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))

	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	err = k.SetInterestOps(OpAccept)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))

	// a registered channel stays non-blocking
	err = a.SetBlocking(true)
	MustTrue(t, errors.Is(err, ErrIllegalBlockingMode))
	MustTrue(t, !a.IsBlocking())

	MustNil(t, a.Close())
	_, err = r.Register(a, OpRead, nil)
	MustTrue(t, errors.Is(err, ErrChannelClosed))
}

func TestPollReadable(t *testing.T) {
	r := newTestReactor(t)
	a, b := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)

	n, err := r.PollNow()
	MustNil(t, err)
	Equal(t, n, 0)

	_, err = b.Write([]byte("ping"))
	MustNil(t, err)
	n, err = r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)
	selected, err := r.SelectedKeys()
	MustNil(t, err)
	MustTrue(t, selected.Contains(k))
	MustTrue(t, k.IsReadable())
	MustTrue(t, !k.IsWritable())

	buf := make([]byte, 8)
	rn, err := a.Read(buf)
	MustNil(t, err)
	Equal(t, string(buf[:rn]), "ping")
	// drained, a non-blocking read would block
	rn, err = a.Read(buf)
	MustNil(t, err)
	Equal(t, rn, 0)
}

func TestPollLatching(t *testing.T) {
	r := newTestReactor(t)
	a, b := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)

	_, err = b.Write([]byte("x"))
	MustNil(t, err)
	n, err := r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)

	// no new event, the key stays selected with its ready set
	n, err = r.PollNow()
	MustNil(t, err)
	Equal(t, n, 0)
	selected, _ := r.SelectedKeys()
	MustTrue(t, selected.Contains(k))
	Equal(t, k.ReadyOps(), OpRead)

	// a new event merges into the selected key
	MustNil(t, k.SetInterestOps(OpRead|OpWrite))
	n, err = r.PollNow()
	MustNil(t, err)
	Equal(t, n, 0)
	Equal(t, k.ReadyOps(), OpRead|OpWrite)
	Equal(t, selected.Len(), 1)

	// consumed keys come back only with new events
	keys := selected.Drain()
	Equal(t, len(keys), 1)
	Equal(t, selected.Len(), 0)
	n, err = r.PollNow()
	MustNil(t, err)
	Equal(t, n, 0)
}

func TestPollWritable(t *testing.T) {
	r := newTestReactor(t)
	a, _ := newTestPair(t)
	k, err := r.Register(a, OpWrite, nil)
	MustNil(t, err)
	n, err := r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)
	MustTrue(t, k.IsWritable())
	MustTrue(t, !k.IsReadable())
	Equal(t, k.String(), fmt.Sprintf("fd:%d, interest:[OP_WRITE], ready:[OP_WRITE], valid:true", a.FD()))
}

func TestPollPeerClosed(t *testing.T) {
	r := newTestReactor(t)
	a, b := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	MustNil(t, b.Close())
	n, err := r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)
	MustTrue(t, k.IsReadable())
	_, err = a.Read(make([]byte, 4))
	Equal(t, err, io.EOF)
}

func TestWakeup(t *testing.T) {
	r := newTestReactor(t)

	// a pending wakeup is consumed by the next poll
	MustNil(t, r.Wakeup())
	MustNil(t, r.Wakeup())
	n, err := r.Poll(-1)
	MustNil(t, err)
	Equal(t, n, 0)

	done := make(chan error, 1)
	go func() {
		_, err := r.Select()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	MustNil(t, r.Wakeup())
	select {
	case err = <-done:
		MustNil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("wakeup did not unblock poll")
	}
}

// wakeupUnblocks parks a Select on r and checks that one Wakeup returns it.
func wakeupUnblocks(t *testing.T, r *Reactor) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := r.Select()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	MustNil(t, r.Wakeup())
	select {
	case err := <-done:
		MustNil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("wakeup did not unblock poll, trigger=%d", atomic.LoadUint32(&r.trigger))
	}
}

func TestWakeupRacingDrain(t *testing.T) {
	r := newTestReactor(t)

	// a Wakeup signalled right before the drain is consumed by it
	MustNil(t, r.Wakeup())
	r.drainWakeup()
	Equal(t, atomic.LoadUint32(&r.trigger), uint32(0))
	wakeupUnblocks(t, r)

	// a Wakeup between the read and the reset leaves nothing behind
	MustNil(t, r.Wakeup())
	_, err := eventfdRead(r.wfd)
	MustNil(t, err)
	MustNil(t, r.Wakeup())
	atomic.StoreUint32(&r.trigger, 0)
	wakeupUnblocks(t, r)

	// many cycles racing with wakeups keep the reactor wakeable
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				r.Wakeup()
			}
		}
	}()
	for i := 0; i < 2000; i++ {
		_, err = r.Poll(1)
		MustNil(t, err)
	}
	close(stop)
	wakeupUnblocks(t, r)
}

func TestCloseUnblocksPollWithStaleTrigger(t *testing.T) {
	r, err := OpenReactor(8)
	MustNil(t, err)
	atomic.StoreUint32(&r.trigger, 1)

	done := make(chan error, 1)
	go func() {
		_, err := r.Select()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()
	select {
	case err = <-closed:
		MustNil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("close hangs behind a parked poll")
	}
	err = <-done
	Assert(t, errors.Is(err, ErrReactorClosed), err)
}

func TestRegisterWhilePolling(t *testing.T) {
	r := newTestReactor(t)
	a, b := newTestPair(t)

	stop := make(chan struct{})
	found := make(chan *SelectionKey, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := r.Select(); err != nil {
				return
			}
			selected, err := r.SelectedKeys()
			if err != nil {
				return
			}
			for _, k := range selected.Drain() {
				found <- k
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)

	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	_, err = b.Write([]byte("ping"))
	MustNil(t, err)
	select {
	case got := <-found:
		MustTrue(t, got == k)
	case <-time.After(3 * time.Second):
		t.Fatal("registration did not reach the parked poll")
	}
	close(stop)
}

func TestCancel(t *testing.T) {
	r := newTestReactor(t)
	a, b := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)

	k.Cancel()
	k.Cancel()
	MustTrue(t, !k.IsValid())
	_, err = r.Register(a, OpRead, nil)
	MustTrue(t, errors.Is(err, ErrCancelledKey))

	// the cancelled key is dropped at the start of the next poll
	_, err = b.Write([]byte("x"))
	MustNil(t, err)
	n, err := r.PollNow()
	MustNil(t, err)
	Equal(t, n, 0)
	keys, _ := r.Keys()
	Equal(t, len(keys), 0)
	MustTrue(t, a.KeyFor(r) == nil)

	k2, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	MustTrue(t, k2 != k)
	n, err = r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)
}

func TestChannelCloseCancelsKeys(t *testing.T) {
	r1 := newTestReactor(t)
	r2 := newTestReactor(t)
	a, _ := newTestPair(t)
	k1, err := r1.Register(a, OpRead, nil)
	MustNil(t, err)
	k2, err := r2.Register(a, OpWrite, nil)
	MustNil(t, err)

	MustNil(t, a.Close())
	MustTrue(t, !k1.IsValid())
	MustTrue(t, !k2.IsValid())
	_, err = r1.PollNow()
	MustNil(t, err)
	keys, _ := r1.Keys()
	Equal(t, len(keys), 0)
}

func TestFdReuseAfterCancel(t *testing.T) {
	r := newTestReactor(t)
	a, _ := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	fd := a.FD()
	MustNil(t, a.Close())

	// the next socket may get the same fd before the cancelled key is drained
	c, d := newTestPair(t)
	k2, err := r.Register(c, OpRead, nil)
	MustNil(t, err)
	MustTrue(t, !k.IsValid())
	t.Logf("closed fd=%d, new fd=%d", fd, c.FD())
	_, err = d.Write([]byte("x"))
	MustNil(t, err)
	n, err := r.Poll(1000)
	MustNil(t, err)
	Equal(t, n, 1)
	MustTrue(t, k2.IsReadable())
	keys, _ := r.Keys()
	Equal(t, len(keys), 1)
}

func TestReactorClose(t *testing.T) {
	r, err := OpenReactor(8)
	MustNil(t, err)
	a, _ := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Poll(-1)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	MustNil(t, r.Close())
	select {
	case err = <-done:
		MustTrue(t, errors.Is(err, ErrReactorClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("close did not unblock poll")
	}

	MustTrue(t, !k.IsValid())
	MustTrue(t, a.KeyFor(r) == nil)
	_, err = r.Keys()
	MustTrue(t, errors.Is(err, ErrReactorClosed))
	_, err = r.SelectedKeys()
	MustTrue(t, errors.Is(err, ErrReactorClosed))
	_, err = r.Register(a, OpRead, nil)
	MustTrue(t, errors.Is(err, ErrReactorClosed))
	_, err = r.PollNow()
	MustTrue(t, errors.Is(err, ErrReactorClosed))
	MustNil(t, r.Wakeup())
	MustNil(t, r.Close())
}

func TestSelectTimeout(t *testing.T) {
	r := newTestReactor(t)
	_, err := r.SelectTimeout(-time.Millisecond)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))

	begin := time.Now()
	n, err := r.SelectTimeout(10 * time.Millisecond)
	MustNil(t, err)
	Equal(t, n, 0)
	MustTrue(t, time.Since(begin) >= 5*time.Millisecond)
}

func TestNativeEvents(t *testing.T) {
	Equal(t, nativeEvents(OpRead), uint32(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLET))
	Equal(t, nativeEvents(OpAccept), uint32(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLET))
	Equal(t, nativeEvents(OpWrite), uint32(unix.EPOLLOUT|unix.EPOLLET))
	Equal(t, nativeEvents(OpConnect), uint32(unix.EPOLLOUT))
	// edge-triggering wins over a connect interest
	Equal(t, nativeEvents(OpRead|OpConnect), uint32(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLOUT|unix.EPOLLET))
	Equal(t, nativeEvents(OpWrite|OpConnect), uint32(unix.EPOLLOUT|unix.EPOLLET))
	Equal(t, nativeEvents(0), uint32(0))

	// writable readiness resolves against the stored interest
	Equal(t, readyOps(unix.EPOLLOUT, OpConnect), OpConnect)
	Equal(t, readyOps(unix.EPOLLOUT, OpWrite), OpWrite)
	Equal(t, readyOps(unix.EPOLLOUT, OpRead), Ops(0))
	Equal(t, readyOps(unix.EPOLLIN, OpAccept), OpAccept)
	Equal(t, readyOps(unix.EPOLLRDHUP, OpRead|OpWrite), OpRead)
	Equal(t, readyOps(unix.EPOLLERR, OpRead|OpWrite), OpRead|OpWrite)
	Equal(t, readyOps(unix.EPOLLHUP, OpConnect), OpConnect)

	Equal(t, (OpRead | OpAccept).String(), "[OP_READ,OP_ACCEPT]")
	Equal(t, Ops(0).String(), "[]")
}

func TestAttach(t *testing.T) {
	r := newTestReactor(t)
	a, _ := newTestPair(t)
	k, err := r.Register(a, OpRead, nil)
	MustNil(t, err)
	MustNil(t, k.Attachment())
	Equal(t, k.Attach(1), nil)
	Equal(t, k.Attach("two"), 1)
	Equal(t, k.Attachment(), "two")
}
