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
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ioChannel moves bytes over a connected socket.
// Reads and writes are serialized separately, so one reader and one writer may run at the same time.
//
// All methods report a would-block result as zero bytes and a nil error.
// A stream reports the end of the input as io.EOF, a datagram socket reports
// an empty datagram as zero bytes.
type ioChannel struct {
	*channel
	rmu, wmu      sync.Mutex
	zeroReadIsEOF bool
}

func (c *ioChannel) read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	err = c.doRead("read", func(fd int) (err error) {
		n, err = sysRead(fd, p)
		return err
	})
	return c.readResult(n, err, "read")
}

func (c *ioChannel) write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err = c.doWrite("write", func(fd int) (err error) {
		n, err = sysWrite(fd, p)
		return err
	})
	return c.writeResult(n, err, "write")
}

func (c *ioChannel) readBuffer(b *ByteBuffer) (n int, err error) {
	n, err = c.read(b.Bytes())
	if n > 0 {
		b.skip(n)
	}
	return n, err
}

func (c *ioChannel) writeBuffer(b *ByteBuffer) (n int, err error) {
	n, err = c.write(b.Bytes())
	if n > 0 {
		b.skip(n)
	}
	return n, err
}

// readBuffers scatters one readv over the free room of bufs.
func (c *ioChannel) readBuffers(v *IOVec, bufs []*ByteBuffer) (n int64, err error) {
	if err = v.check(bufs); err != nil {
		return 0, err
	}
	if remaining(bufs) == 0 {
		return 0, nil
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	defer v.reset()
	ivs, err := v.scatter(bufs)
	if err != nil {
		return 0, err
	}
	var m int
	err = c.doRead("readv", func(fd int) (err error) {
		m, err = sysReadv(fd, ivs)
		return err
	})
	runtime.KeepAlive(bufs)
	m, err = c.readResult(m, err, "readv")
	if m > 0 {
		v.filled(bufs, m)
	}
	return int64(m), err
}

// writeBuffers gathers the remaining bytes of bufs into one writev.
func (c *ioChannel) writeBuffers(v *IOVec, bufs []*ByteBuffer) (n int64, err error) {
	if err = v.check(bufs); err != nil {
		return 0, err
	}
	if remaining(bufs) == 0 {
		return 0, nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	defer v.reset()
	ivs, err := v.gather(bufs)
	if err != nil {
		return 0, err
	}
	var m int
	err = c.doWrite("writev", func(fd int) (err error) {
		m, err = sysWritev(fd, ivs)
		return err
	})
	runtime.KeepAlive(bufs)
	m, err = c.writeResult(m, err, "writev")
	if m > 0 {
		v.written(bufs, m)
	}
	return int64(m), err
}

// WaitWritable parks until the socket accepts more bytes, in either blocking
// mode. A positive timeout bounds the wait and fails it with ErrWriteTimeout.
// It shares the write deadline with concurrent blocking writes.
func (c *ioChannel) WaitWritable(timeout time.Duration) error {
	if c.isClosed() {
		return Exception(ErrChannelClosed, "when wait writable")
	}
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return ioException(err, "set write deadline")
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	var err error
	perr := c.rc.Write(func(fd uintptr) bool {
		var ready bool
		ready, err = writable(int(fd))
		return ready || err != nil
	})
	switch {
	case errors.Is(perr, os.ErrDeadlineExceeded):
		return Exception(ErrWriteTimeout, timeout.String())
	case perr != nil || c.isClosed():
		return Exception(ErrChannelClosed, "when wait writable")
	case err != nil:
		return Exception(err, "when poll writable")
	}
	return nil
}

// writable polls fd without blocking.
func writable(fd int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && fds[0].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0, nil
	}
}

func (c *ioChannel) readResult(n int, err error, op string) (int, error) {
	switch {
	case err == nil && n == 0 && c.zeroReadIsEOF:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case isWouldBlock(err):
		return 0, nil
	}
	return 0, errnoException(err, op)
}

func (c *ioChannel) writeResult(n int, err error, op string) (int, error) {
	switch {
	case err == nil:
		return n, nil
	case isWouldBlock(err):
		return 0, nil
	}
	return 0, errnoException(err, op)
}

func remaining(bufs []*ByteBuffer) (n int) {
	for _, b := range bufs {
		n += b.Remaining()
	}
	return n
}
