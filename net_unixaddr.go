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
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

var _ net.Addr = &UnixAddr{}

// UnixAddr is the address of a unix domain socket.
// An empty Path stands for an unnamed socket, a leading '@' for the abstract namespace.
type UnixAddr struct {
	Path string
}

// ResolveUnixAddr validates path as a socket address.
func ResolveUnixAddr(path string) (*UnixAddr, error) {
	addr := &UnixAddr{Path: path}
	if err := addr.validate(); err != nil {
		return nil, err
	}
	return addr, nil
}

// Network implements net.Addr.
func (a *UnixAddr) Network() string {
	return "unix"
}

func (a *UnixAddr) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.Path
}

// Equal reports whether a and b name the same socket.
func (a *UnixAddr) Equal(b *UnixAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Path == b.Path
}

// validate fails if the path is empty, or if it would not fit into sun_path
// together with its terminating zero.
func (a *UnixAddr) validate() error {
	if a == nil || len(a.Path) == 0 {
		return Exception(ErrInvalidAddress, "path is empty")
	}
	if len(a.Path)+1 > maxPathLen {
		return Exception(ErrInvalidAddress, "path is too long: "+a.Path)
	}
	return nil
}

func (a *UnixAddr) sockaddr() (unix.Sockaddr, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &unix.SockaddrUnix{Name: a.Path}, nil
}

// addrFromSockaddr decodes a kernel address, unnamed sockets decode to an empty Path.
func addrFromSockaddr(sa unix.Sockaddr) *UnixAddr {
	su, ok := sa.(*unix.SockaddrUnix)
	if !ok {
		return &UnixAddr{}
	}
	// x/sys rewrites the leading zero of an empty sun_path into '@'
	if su.Name == "@" {
		return &UnixAddr{}
	}
	return &UnixAddr{Path: su.Name}
}

// connectUnspec connects fd to AF_UNSPEC, which dissolves the peer association of a datagram socket.
func connectUnspec(fd int) error {
	var raw unix.RawSockaddr
	raw.Family = unix.AF_UNSPEC
	_, _, e := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&raw)), unsafe.Sizeof(raw))
	if e != 0 {
		return e
	}
	return nil
}
