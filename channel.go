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
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

// Selectable is a channel that can be registered with a Reactor.
type Selectable interface {
	// FD returns the socket file descriptor, it must not be closed by the caller.
	FD() int
	// ValidOps returns the operations the channel can be registered for.
	ValidOps() Ops
	IsOpen() bool
	IsBlocking() bool
	// SetBlocking fails with ErrIllegalBlockingMode when switching a registered channel to blocking.
	SetBlocking(block bool) error
	// KeyFor returns the key of the channel on r, or nil.
	KeyFor(r *Reactor) *SelectionKey
	Close() error

	base() *channel
}

// channel owns one socket file descriptor.
//
// The descriptor itself is always non-blocking and registered with the Go
// runtime poller through socket.Conn. A channel in blocking mode parks the
// calling goroutine on that poller until the operation can proceed, and Close
// unparks it. A channel in non-blocking mode returns a would-block result.
type channel struct {
	locker
	self     Selectable
	conn     *socket.Conn
	rc       syscall.RawConn
	fd       int
	validOps Ops
	blocking int32

	// stateMu guards the check-then-act sequences of the state machines.
	stateMu   sync.Mutex
	localAddr *UnixAddr

	// regMu serializes registration against blocking mode changes.
	regMu  sync.Mutex
	keysMu sync.Mutex
	keys   []*SelectionKey
}

// openSocket creates a non-blocking close-on-exec AF_UNIX socket.
func openSocket(sotype int) (*socket.Conn, error) {
	conn, err := socket.Socket(unix.AF_UNIX, sotype, 0, "unix", nil)
	if err != nil {
		return nil, ioException(err, "socket")
	}
	return conn, nil
}

// wrapSocket takes the ownership of fd, the fd is closed on failure.
func wrapSocket(fd int) (*socket.Conn, error) {
	conn, err := socket.New(fd, "unix")
	if err != nil {
		_ = unix.Close(fd)
		return nil, ioException(err, "wrap fd")
	}
	return conn, nil
}

func newChannel(self Selectable, conn *socket.Conn, validOps Ops) (*channel, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, ioException(err, "syscall conn")
	}
	c := &channel{
		self:     self,
		conn:     conn,
		rc:       rc,
		validOps: validOps,
		blocking: 1,
	}
	if err = rc.Control(func(fd uintptr) { c.fd = int(fd) }); err != nil {
		_ = conn.Close()
		return nil, ioException(err, "syscall conn")
	}
	return c, nil
}

func (c *channel) base() *channel {
	return c
}

func (c *channel) FD() int {
	return c.fd
}

func (c *channel) ValidOps() Ops {
	return c.validOps
}

func (c *channel) IsOpen() bool {
	return !c.isClosed()
}

func (c *channel) IsBlocking() bool {
	return atomic.LoadInt32(&c.blocking) == 1
}

func (c *channel) SetBlocking(block bool) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.isClosed() {
		return Exception(ErrChannelClosed, "when set blocking")
	}
	if block && c.hasValidKeys() {
		return Exception(ErrIllegalBlockingMode, "channel is registered")
	}
	var v int32
	if block {
		v = 1
	}
	atomic.StoreInt32(&c.blocking, v)
	return nil
}

// IsRegistered reports whether the channel holds a key on any reactor.
func (c *channel) IsRegistered() bool {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	return len(c.keys) > 0
}

func (c *channel) KeyFor(r *Reactor) *SelectionKey {
	return c.keyFor(r)
}

func (c *channel) keyFor(r *Reactor) *SelectionKey {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for _, k := range c.keys {
		if k.reactor == r {
			return k
		}
	}
	return nil
}

// addKey fails if the channel has been closed, its keys were cancelled already.
func (c *channel) addKey(k *SelectionKey) bool {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	if c.isClosed() {
		return false
	}
	c.keys = append(c.keys, k)
	return true
}

func (c *channel) removeKey(k *SelectionKey) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for i := range c.keys {
		if c.keys[i] == k {
			last := len(c.keys) - 1
			c.keys[i], c.keys[last] = c.keys[last], nil
			c.keys = c.keys[:last]
			return
		}
	}
}

func (c *channel) hasValidKeys() bool {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for _, k := range c.keys {
		if k.IsValid() {
			return true
		}
	}
	return false
}

// Close cancels every key of the channel, shuts the socket down and closes it.
// Only the first call does the work, the others return nil.
func (c *channel) Close() error {
	return c.close(user)
}

func (c *channel) close(w who) error {
	if !c.closeBy(w) {
		return nil
	}
	c.keysMu.Lock()
	keys := append([]*SelectionKey(nil), c.keys...)
	c.keysMu.Unlock()
	for _, k := range keys {
		k.Cancel()
	}
	if err := c.conn.Shutdown(unix.SHUT_RDWR); err != nil && !errors.Is(err, unix.ENOTCONN) {
		logger.Debugf("UDSPOLL: shutdown fd=%d failed: %v", c.fd, err)
	}
	if err := c.conn.Close(); err != nil {
		return ioException(err, "close")
	}
	return nil
}

// LocalAddr returns the address the socket is bound to, it's empty for an unnamed socket.
func (c *channel) LocalAddr() (*UnixAddr, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.isClosed() {
		return nil, Exception(ErrChannelClosed, "when local addr")
	}
	if c.localAddr != nil {
		return c.localAddr, nil
	}
	sa, err := c.conn.Getsockname()
	if err != nil {
		return nil, ioException(err, "getsockname")
	}
	addr := addrFromSockaddr(sa)
	if addr.Path != "" {
		c.localAddr = addr
	}
	return addr, nil
}

// doRead runs f until it stops failing with EINTR. In blocking mode EAGAIN
// parks the goroutine until the socket is readable and f runs again.
// The returned error is the raw one of f, EAGAIN included.
func (c *channel) doRead(op string, f func(fd int) error) error {
	return c.do(op, c.rc.Read, c.IsBlocking(), f)
}

// doWrite is doRead for writability.
func (c *channel) doWrite(op string, f func(fd int) error) error {
	return c.do(op, c.rc.Write, c.IsBlocking(), f)
}

// doControl runs f once, it never parks.
func (c *channel) doControl(op string, f func(fd int) error) error {
	return c.do(op, c.rc.Write, false, f)
}

func (c *channel) do(op string, rw func(func(fd uintptr) bool) error, park bool, f func(fd int) error) (err error) {
	if c.isClosed() {
		return Exception(ErrChannelClosed, "when "+op)
	}
	perr := rw(func(fd uintptr) bool {
		for {
			err = f(int(fd))
			if err != unix.EINTR {
				break
			}
		}
		return !park || err != unix.EAGAIN
	})
	if perr != nil || c.isClosed() {
		// the poller only fails once the file is closing, a shutdown by Close may wake f first
		return Exception(ErrChannelClosed, "when "+op)
	}
	return err
}

// ioException unwraps the errno from the errors of socket.Conn and attaches op.
func ioException(err error, op string) error {
	var se *os.SyscallError
	if errors.As(err, &se) {
		err = se.Err
	}
	return Exception(err, "when "+op)
}

// errnoException attaches op to a raw errno, other errors already carry their context.
func errnoException(err error, op string) error {
	if no, ok := err.(syscall.Errno); ok {
		return Exception(no, "when "+op)
	}
	return err
}

// isWouldBlock reports the results that mean "try again after the next readiness".
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN
}
