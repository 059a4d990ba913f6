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
	"unsafe"

	"golang.org/x/sys/unix"
)

// The syscalls below are variables so that tests can observe whether a call
// reached the kernel at all.
var (
	sysReadv  = readv
	sysWritev = writev
	sysRead   = unix.Read
	sysWrite  = unix.Write
	sysSendto = unix.Sendto
)

// readv wraps the readv syscall over an already filled iovec array.
// return value:
// - n: bytes read, 0 with a nil error means EOF
// - err: a raw errno, EAGAIN included
func readv(fd int, ivs []iovec) (n int, err error) {
	if len(ivs) == 0 {
		return 0, nil
	}
	r, _, e := unix.Syscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&ivs[0])), uintptr(len(ivs)))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

// writev wraps the writev syscall over an already filled iovec array.
func writev(fd int, ivs []iovec) (n int, err error) {
	if len(ivs) == 0 {
		return 0, nil
	}
	r, _, e := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(unsafe.Pointer(&ivs[0])), uintptr(len(ivs)))
	if e != 0 {
		return 0, e
	}
	return int(r), nil
}

// setIovec points iv at p, an empty p leaves a zero-length entry.
func setIovec(iv *iovec, p []byte) {
	if len(p) == 0 {
		iv.Base, iv.Len = nil, 0
		return
	}
	iv.Base = &p[0]
	iv.SetLen(len(p))
}

// resetIovecs drops every reference held by ivs.
func resetIovecs(ivs []iovec) {
	for i := range ivs {
		ivs[i].Base, ivs[i].Len = nil, 0
	}
}
