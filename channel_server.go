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

	"golang.org/x/sys/unix"
)

// ServerChannel is a listening stream socket.
type ServerChannel struct {
	*channel
	// acceptMu serializes Accept, which may park apart from the other state changes.
	acceptMu sync.Mutex
	bound    int32
}

// OpenServerChannel creates an unbound server channel in blocking mode.
func OpenServerChannel() (*ServerChannel, error) {
	conn, err := openSocket(unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	s := &ServerChannel{}
	if s.channel, err = newChannel(s, conn, OpAccept); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen opens a server channel bound to path with the default backlog.
func Listen(path string) (*ServerChannel, error) {
	addr, err := ResolveUnixAddr(path)
	if err != nil {
		return nil, err
	}
	s, err := OpenServerChannel()
	if err != nil {
		return nil, err
	}
	if err = s.Bind(addr, 0); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Bind binds the channel to addr and starts listening.
// A backlog below 1 selects the configured default.
// The socket file is left on the filesystem after Close.
func (s *ServerChannel) Bind(addr *UnixAddr, backlog int) error {
	sa, err := addr.sockaddr()
	if err != nil {
		return err
	}
	if backlog < 1 {
		backlog = listenBacklog
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch {
	case s.isClosed():
		return Exception(ErrChannelClosed, "when bind")
	case s.isBound():
		return Exception(ErrAlreadyBound, addr.Path)
	}
	if err = s.conn.Bind(sa); err != nil {
		return ioException(err, "bind "+addr.Path)
	}
	if err = s.conn.Listen(backlog); err != nil {
		return ioException(err, "listen "+addr.Path)
	}
	s.localAddr = addr
	atomic.StoreInt32(&s.bound, 1)
	logger.Debugf("UDSPOLL: fd=%d listening on %s, backlog=%d", s.fd, addr.Path, backlog)
	return nil
}

func (s *ServerChannel) isBound() bool {
	return atomic.LoadInt32(&s.bound) == 1
}

// Accept returns the next connection, in blocking mode. In non-blocking mode
// it returns nil and a nil error when no connection is pending.
// The accepted channel is in blocking mode with both addresses resolved.
func (s *ServerChannel) Accept() (*ClientChannel, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	switch {
	case s.isClosed():
		return nil, Exception(ErrChannelClosed, "when accept")
	case !s.isBound():
		return nil, Exception(ErrNotYetBound, "when accept")
	}
	var nfd int
	var sa unix.Sockaddr
	err := s.doRead("accept", func(fd int) (err error) {
		for {
			nfd, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err != unix.ECONNABORTED {
				return err
			}
		}
	})
	if isWouldBlock(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errnoException(err, "accept")
	}
	c, err := newConnectedChannel(nfd)
	if err != nil {
		return nil, err
	}
	c.remote = addrFromSockaddr(sa)
	if c.localAddr, err = c.LocalAddr(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (s *ServerChannel) String() string {
	return fmt.Sprintf("ServerChannel[fd=%d, bound=%t]", s.fd, s.isBound())
}
