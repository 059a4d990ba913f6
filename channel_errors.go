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

package udspoll

import (
	"fmt"
	"syscall"
)

// extends syscall.Errno, the range is set to 0x100-0x1FF
const (
	// The channel is closed, or its direction has been shut down.
	ErrChannelClosed = syscall.Errno(0x101)
	// Bind was called on an already bound channel.
	ErrAlreadyBound = syscall.Errno(0x102)
	// Accept was called before Bind.
	ErrNotYetBound = syscall.Errno(0x103)
	// Connect was called on an already connected channel.
	ErrAlreadyConnected = syscall.Errno(0x104)
	// Connect was called while a non-blocking connect is in progress.
	ErrConnectionPending = syscall.Errno(0x105)
	// FinishConnect was called without a preceding Connect.
	ErrNoConnectionPending = syscall.Errno(0x106)
	// I/O was attempted on a channel which is not connected.
	ErrNotYetConnected = syscall.Errno(0x107)
	// The selection key has been cancelled.
	ErrCancelledKey = syscall.Errno(0x108)
	// The reactor is closed.
	ErrReactorClosed = syscall.Errno(0x109)
	// The channel is in the wrong blocking mode for the operation.
	ErrIllegalBlockingMode = syscall.Errno(0x10A)
	// Send target differs from the connected peer.
	ErrTargetMismatch = syscall.Errno(0x10B)
	// A vectored I/O request holds more than IOVMax buffers.
	ErrTooManyBuffers = syscall.Errno(0x10C)
	// The socket address is nil, empty or too long.
	ErrInvalidAddress = syscall.Errno(0x10D)
	// An argument is out of range.
	ErrInvalidArgument = syscall.Errno(0x10E)
	// The socket option is not supported.
	ErrUnsupportedOption = syscall.Errno(0x10F)
	// Serve was called on a server which is serving already.
	ErrServerRunning = syscall.Errno(0x110)
	// The channel did not become writable in time.
	ErrWriteTimeout = syscall.Errno(0x111)
)

const ErrnoMask = 0xFF

// Exception wraps err with suffix, keeping errors.Is working against both
// the extended codes above and native errnos.
func Exception(err error, suffix string) error {
	var no, ok = err.(syscall.Errno)
	if !ok {
		if suffix == "" {
			return err
		}
		return fmt.Errorf("%w %s", err, suffix)
	}
	return &exception{no: no, suffix: suffix}
}

type exception struct {
	no     syscall.Errno
	suffix string
}

func (e *exception) Error() string {
	var s string
	if idx := int(e.no) & ErrnoMask; int(e.no)&^ErrnoMask == 0x100 && idx < len(errnos) {
		s = errnos[idx]
	}
	if s == "" {
		s = e.no.Error()
	}
	if e.suffix != "" {
		s += " " + e.suffix
	}
	return s
}

func (e *exception) Is(target error) bool {
	if e == target {
		return true
	}
	if e.no == target {
		return true
	}
	return e.no.Is(target)
}

func (e *exception) Unwrap() error {
	return e.no
}

// Errno returns the wrapped code.
func (e *exception) Errno() syscall.Errno {
	return e.no
}

var errnos = [...]string{
	ErrnoMask & ErrChannelClosed:       "channel has been closed",
	ErrnoMask & ErrAlreadyBound:        "channel is already bound",
	ErrnoMask & ErrNotYetBound:         "channel is not yet bound",
	ErrnoMask & ErrAlreadyConnected:    "channel is already connected",
	ErrnoMask & ErrConnectionPending:   "connection is already pending",
	ErrnoMask & ErrNoConnectionPending: "no connection is pending",
	ErrnoMask & ErrNotYetConnected:     "channel is not yet connected",
	ErrnoMask & ErrCancelledKey:        "selection key has been cancelled",
	ErrnoMask & ErrReactorClosed:       "reactor has been closed",
	ErrnoMask & ErrIllegalBlockingMode: "illegal blocking mode",
	ErrnoMask & ErrTargetMismatch:      "target is not the connected address",
	ErrnoMask & ErrTooManyBuffers:      "too many buffers for one vectored call",
	ErrnoMask & ErrInvalidAddress:      "invalid unix socket address",
	ErrnoMask & ErrInvalidArgument:     "invalid argument",
	ErrnoMask & ErrUnsupportedOption:   "unsupported socket option",
	ErrnoMask & ErrServerRunning:       "server is already serving",
	ErrnoMask & ErrWriteTimeout:        "write timeout",
}
