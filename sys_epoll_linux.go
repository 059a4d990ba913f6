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
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type epollevent = unix.EpollEvent

// EpollCreate implements epoll_create1.
func EpollCreate(flag int) (fd int, err error) {
	return unix.EpollCreate1(flag)
}

// EpollCtl implements epoll_ctl.
func EpollCtl(epfd int, op int, fd int, events uint32) (err error) {
	// kernels before 2.6.9 require a non-nil event even for DEL
	var evt = epollevent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(epfd, op, fd, &evt)
}

// EpollWait implements epoll_wait.
// msec: 0 returns immediately, negative blocks without bound.
func EpollWait(epfd int, events []epollevent, msec int) (n int, err error) {
	if msec < 0 {
		msec = -1
	}
	return unix.EpollWait(epfd, events, msec)
}

// eventfdOpen creates the non-blocking eventfd used to wake epoll_wait.
func eventfdOpen() (fd int, err error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

// eventfdWrite adds val to the eventfd counter.
func eventfdWrite(fd int, val uint64) (err error) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], val)
	for {
		_, err = unix.Write(fd, buf[:])
		if err != unix.EINTR {
			return err
		}
	}
}

// eventfdRead drains the eventfd counter, EAGAIN means it was already zero.
func eventfdRead(fd int) (val uint64, err error) {
	var buf [8]byte
	for {
		_, err = unix.Read(fd, buf[:])
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}
