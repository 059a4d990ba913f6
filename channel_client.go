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
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/mdlayher/socket"
	"golang.org/x/sys/unix"
)

type clientState int32

const (
	stateInitial clientState = iota
	stateConnecting
	stateConnected
)

func (s clientState) String() string {
	switch s {
	case stateInitial:
		return "initial"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	}
	return "unknown"
}

// connectBackoff bounds the wait between two attempts of a blocking connect
// refused with EAGAIN because the backlog of the server is full.
var connectBackoff = [...]time.Duration{time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond}

// ClientChannel is a stream socket: created unconnected by OpenClientChannel,
// connected by Pair, or returned by ServerChannel.Accept.
//
// The connection state moves from initial to connecting to connected, and the
// input and output can each be shut down once.
type ClientChannel struct {
	ioChannel
	state  int32
	bound  bool
	remote *UnixAddr
	target unix.Sockaddr
}

// OpenClientChannel creates an unconnected stream channel in blocking mode.
func OpenClientChannel() (*ClientChannel, error) {
	conn, err := openSocket(unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	return newClientChannel(conn, OpRead|OpWrite|OpConnect, stateInitial)
}

// Pair returns two connected stream channels.
func Pair() (a, b *ClientChannel, err error) {
	fa, fb, err := getSysFdPairs(unix.SOCK_STREAM)
	if err != nil {
		return nil, nil, Exception(err, "when socketpair")
	}
	if a, err = newConnectedChannel(fa); err != nil {
		_ = unix.Close(fb)
		return nil, nil, err
	}
	if b, err = newConnectedChannel(fb); err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func newConnectedChannel(fd int) (*ClientChannel, error) {
	conn, err := wrapSocket(fd)
	if err != nil {
		return nil, err
	}
	return newClientChannel(conn, OpRead|OpWrite, stateConnected)
}

func newClientChannel(conn *socket.Conn, validOps Ops, state clientState) (*ClientChannel, error) {
	c := &ClientChannel{state: int32(state)}
	ch, err := newChannel(c, conn, validOps)
	if err != nil {
		return nil, err
	}
	c.ioChannel = ioChannel{channel: ch, zeroReadIsEOF: true}
	return c, nil
}

func (c *ClientChannel) getState() clientState {
	return clientState(atomic.LoadInt32(&c.state))
}

func (c *ClientChannel) setState(s clientState) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *ClientChannel) IsConnected() bool {
	return c.getState() == stateConnected
}

func (c *ClientChannel) IsConnectionPending() bool {
	return c.getState() == stateConnecting
}

// Bind binds the channel to addr, only before it connects and only once.
func (c *ClientChannel) Bind(addr *UnixAddr) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch {
	case c.isClosed():
		return Exception(ErrChannelClosed, "when bind")
	case c.bound:
		return Exception(ErrAlreadyBound, addr.Path)
	case c.getState() == stateConnected:
		return Exception(ErrAlreadyConnected, "when bind")
	case c.getState() == stateConnecting:
		return Exception(ErrConnectionPending, "when bind")
	}
	if err = c.conn.Bind(sa); err != nil {
		return ioException(err, "bind "+addr.Path)
	}
	c.bound = true
	c.localAddr = addr
	return nil
}

// Connect connects the channel to addr.
//
// In blocking mode it returns true once connected. In non-blocking mode it
// returns false when the connection could not be established at once, the
// caller then waits for OpConnect and calls FinishConnect.
func (c *ClientChannel) Connect(addr *UnixAddr) (connected bool, err error) {
	return c.ConnectContext(context.Background(), addr)
}

// ConnectContext is Connect, a blocking connect gives up once ctx is done.
func (c *ClientChannel) ConnectContext(ctx context.Context, addr *UnixAddr) (connected bool, err error) {
	sa, err := addr.sockaddr()
	if err != nil {
		return false, err
	}
	c.stateMu.Lock()
	switch {
	case c.isClosed():
		c.stateMu.Unlock()
		return false, Exception(ErrChannelClosed, "when connect")
	case c.getState() == stateConnected:
		c.stateMu.Unlock()
		return false, Exception(ErrAlreadyConnected, addr.Path)
	case c.getState() == stateConnecting:
		c.stateMu.Unlock()
		return false, Exception(ErrConnectionPending, addr.Path)
	}
	c.remote, c.target = addr, sa
	c.setState(stateConnecting)
	c.stateMu.Unlock()
	return c.connect(ctx)
}

// FinishConnect drives a pending connect. It returns true at once if the
// channel is connected already, and fails if Connect was never called.
func (c *ClientChannel) FinishConnect() (connected bool, err error) {
	c.stateMu.Lock()
	switch {
	case c.isClosed():
		c.stateMu.Unlock()
		return false, Exception(ErrChannelClosed, "when finish connect")
	case c.getState() == stateConnected:
		c.stateMu.Unlock()
		return true, nil
	case c.getState() == stateInitial:
		c.stateMu.Unlock()
		return false, Exception(ErrNoConnectionPending, "when finish connect")
	}
	c.stateMu.Unlock()
	return c.connect(context.Background())
}

func (c *ClientChannel) connect(ctx context.Context) (connected bool, err error) {
	for retry := 0; ; retry++ {
		err = c.doControl("connect", func(fd int) error {
			return unix.Connect(fd, c.target)
		})
		switch err {
		case nil, unix.EISCONN:
			c.setState(stateConnected)
			logger.Debugf("UDSPOLL: fd=%d connected to %s", c.fd, c.remote)
			return true, nil
		case unix.EINPROGRESS, unix.EALREADY, unix.EAGAIN:
			if !c.IsBlocking() {
				return false, nil
			}
		default:
			return false, errnoException(err, "connect "+c.remote.Path)
		}
		idx := retry
		if idx >= len(connectBackoff) {
			idx = len(connectBackoff) - 1
		}
		wait := connectBackoff[idx] + time.Duration(fastrand.Int63n(int64(time.Millisecond)))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ShutdownInput shuts the reading side down, further reads return io.EOF.
// It's a no-op the second time.
func (c *ClientChannel) ShutdownInput() error {
	return c.shutdown(inputShut, unix.SHUT_RD, "shutdown input")
}

// ShutdownOutput shuts the writing side down, further writes fail with ErrChannelClosed.
// It's a no-op the second time.
func (c *ClientChannel) ShutdownOutput() error {
	return c.shutdown(outputShut, unix.SHUT_WR, "shutdown output")
}

func (c *ClientChannel) shutdown(k key, how int, op string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	switch {
	case c.isClosed():
		return Exception(ErrChannelClosed, "when "+op)
	case !c.IsConnected():
		return Exception(ErrNotYetConnected, "when "+op)
	case c.isSet(k):
		return nil
	}
	if err := c.conn.Shutdown(how); err != nil && !errors.Is(err, unix.ENOTCONN) {
		return ioException(err, op)
	}
	c.latch(k)
	return nil
}

// IsInputShutdown reports whether ShutdownInput has been called.
func (c *ClientChannel) IsInputShutdown() bool {
	return c.isSet(inputShut)
}

// IsOutputShutdown reports whether ShutdownOutput has been called.
func (c *ClientChannel) IsOutputShutdown() bool {
	return c.isSet(outputShut)
}

// RemoteAddr returns the address of the peer, which is empty for an unnamed peer.
func (c *ClientChannel) RemoteAddr() (*UnixAddr, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.isClosed() {
		return nil, Exception(ErrChannelClosed, "when remote addr")
	}
	if !c.IsConnected() {
		return nil, nil
	}
	if c.remote != nil {
		return c.remote, nil
	}
	sa, err := c.conn.Getpeername()
	if err != nil {
		return nil, ioException(err, "getpeername")
	}
	c.remote = addrFromSockaddr(sa)
	return c.remote, nil
}

func (c *ClientChannel) checkRead() (eof bool, err error) {
	switch {
	case c.isClosed():
		return false, Exception(ErrChannelClosed, "when read")
	case !c.IsConnected():
		return false, Exception(ErrNotYetConnected, "when read")
	case c.isSet(inputShut):
		return true, nil
	}
	return false, nil
}

func (c *ClientChannel) checkWrite() error {
	switch {
	case c.isClosed():
		return Exception(ErrChannelClosed, "when write")
	case !c.IsConnected():
		return Exception(ErrNotYetConnected, "when write")
	case c.isSet(outputShut):
		return Exception(ErrChannelClosed, "output is shut down")
	}
	return nil
}

// Read reads into p. It returns 0 and a nil error when a non-blocking read
// would block, and io.EOF at the end of the stream.
func (c *ClientChannel) Read(p []byte) (n int, err error) {
	if eof, err := c.checkRead(); eof || err != nil {
		return 0, eofOr(err)
	}
	return c.read(p)
}

// Write writes p, possibly partially. It returns 0 and a nil error when a
// non-blocking write would block.
func (c *ClientChannel) Write(p []byte) (n int, err error) {
	if err = c.checkWrite(); err != nil {
		return 0, err
	}
	return c.write(p)
}

// ReadBuffer reads into the free room of b and advances its position.
func (c *ClientChannel) ReadBuffer(b *ByteBuffer) (n int, err error) {
	if eof, err := c.checkRead(); eof || err != nil {
		return 0, eofOr(err)
	}
	return c.readBuffer(b)
}

// WriteBuffer writes the remaining bytes of b and advances its position.
func (c *ClientChannel) WriteBuffer(b *ByteBuffer) (n int, err error) {
	if err = c.checkWrite(); err != nil {
		return 0, err
	}
	return c.writeBuffer(b)
}

// ReadBuffers is a scattering read over bufs, with at most IOVMax buffers.
func (c *ClientChannel) ReadBuffers(bufs []*ByteBuffer) (n int64, err error) {
	v := acquireIOVec()
	defer releaseIOVec(v)
	return c.ReadBuffersWith(v, bufs)
}

// ReadBuffersWith is ReadBuffers using the scratch state of v.
func (c *ClientChannel) ReadBuffersWith(v *IOVec, bufs []*ByteBuffer) (n int64, err error) {
	if eof, err := c.checkRead(); eof || err != nil {
		return 0, eofOr(err)
	}
	return c.readBuffers(v, bufs)
}

// WriteBuffers is a gathering write of bufs, with at most IOVMax buffers.
func (c *ClientChannel) WriteBuffers(bufs []*ByteBuffer) (n int64, err error) {
	v := acquireIOVec()
	defer releaseIOVec(v)
	return c.WriteBuffersWith(v, bufs)
}

// WriteBuffersWith is WriteBuffers using the scratch state of v.
func (c *ClientChannel) WriteBuffersWith(v *IOVec, bufs []*ByteBuffer) (n int64, err error) {
	if err = c.checkWrite(); err != nil {
		return 0, err
	}
	return c.writeBuffers(v, bufs)
}

func (c *ClientChannel) String() string {
	return fmt.Sprintf("ClientChannel[fd=%d, state=%s]", c.fd, c.getState())
}

func eofOr(err error) error {
	if err != nil {
		return err
	}
	return io.EOF
}
