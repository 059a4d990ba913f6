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

// SocketOption names an option of the socket surface.
type SocketOption int

const (
	// SendBuffer is SO_SNDBUF, in bytes.
	SendBuffer SocketOption = iota
	// PassCred is SO_PASSCRED, 0 or 1.
	PassCred
)

func (o SocketOption) String() string {
	switch o {
	case SendBuffer:
		return "SO_SNDBUF"
	case PassCred:
		return "SO_PASSCRED"
	}
	return "UNKNOWN"
}

func (o SocketOption) native() (int, bool) {
	switch o {
	case SendBuffer:
		return unix.SO_SNDBUF, true
	case PassCred:
		return unix.SO_PASSCRED, true
	}
	return 0, false
}

// SupportedOptions returns the options accepted by GetOption and SetOption.
func SupportedOptions() []SocketOption {
	return []SocketOption{SendBuffer, PassCred}
}

// GetOption reads opt from the socket.
func (c *channel) GetOption(opt SocketOption) (int, error) {
	name, ok := opt.native()
	if !ok {
		return 0, Exception(ErrUnsupportedOption, opt.String())
	}
	if c.isClosed() {
		return 0, Exception(ErrChannelClosed, "when getsockopt "+opt.String())
	}
	v, err := c.conn.GetsockoptInt(unix.SOL_SOCKET, name)
	if err != nil {
		return 0, ioException(err, "getsockopt "+opt.String())
	}
	return v, nil
}

// SetOption writes opt to the socket.
func (c *channel) SetOption(opt SocketOption, value int) error {
	name, ok := opt.native()
	if !ok {
		return Exception(ErrUnsupportedOption, opt.String())
	}
	if c.isClosed() {
		return Exception(ErrChannelClosed, "when setsockopt "+opt.String())
	}
	if err := c.conn.SetsockoptInt(unix.SOL_SOCKET, name, value); err != nil {
		return ioException(err, "setsockopt "+opt.String())
	}
	return nil
}

// SendBufferSize returns SO_SNDBUF. Linux reports twice the value that was set.
func (c *channel) SendBufferSize() (int, error) {
	return c.GetOption(SendBuffer)
}

func (c *channel) SetSendBufferSize(size int) error {
	if size <= 0 {
		return Exception(ErrInvalidArgument, "send buffer size must be positive")
	}
	return c.SetOption(SendBuffer, size)
}

// PassCred reports whether SO_PASSCRED is enabled.
func (c *channel) PassCred() (bool, error) {
	v, err := c.GetOption(PassCred)
	return v != 0, err
}

func (c *channel) SetPassCred(on bool) error {
	var v int
	if on {
		v = 1
	}
	return c.SetOption(PassCred, v)
}
