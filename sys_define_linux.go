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
	"golang.org/x/sys/unix"
)

// IOVMax is the maximum number of buffers accepted by one vectored I/O call.
// It matches UIO_MAXIOV on linux.
const IOVMax = 1024

const (
	// default capacity of the event buffer passed to epoll_wait
	defaultEventBufferSize = 1024
	// default backlog of a listening server channel
	defaultBacklog = 64
	// size of sockaddr_un.sun_path, including the terminating zero
	maxPathLen = len(unix.RawSockaddrUnix{}.Path)
)

type iovec = unix.Iovec

// getSysFdPairs creates and returns the fds of a pair of non-blocking sockets.
func getSysFdPairs(sotype int) (a, b int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
