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
	"testing"
)

func TestSupportedOptions(t *testing.T) {
	opts := SupportedOptions()
	Equal(t, len(opts), 2)
	Equal(t, opts[0].String(), "SO_SNDBUF")
	Equal(t, opts[1].String(), "SO_PASSCRED")
	Equal(t, SocketOption(9).String(), "UNKNOWN")
}

func TestSendBufferSize(t *testing.T) {
	a, b, err := Pair()
	MustNil(t, err)
	defer a.Close()
	defer b.Close()

	MustTrue(t, errors.Is(a.SetSendBufferSize(0), ErrInvalidArgument))
	MustTrue(t, errors.Is(a.SetSendBufferSize(-1), ErrInvalidArgument))
	MustNil(t, a.SetSendBufferSize(64*1024))
	size, err := a.SendBufferSize()
	MustNil(t, err)
	MustTrue(t, size >= 64*1024)
}

func TestPassCred(t *testing.T) {
	d, err := OpenDatagramChannel()
	MustNil(t, err)
	defer d.Close()
	on, err := d.PassCred()
	MustNil(t, err)
	MustTrue(t, !on)
	MustNil(t, d.SetPassCred(true))
	on, err = d.PassCred()
	MustNil(t, err)
	MustTrue(t, on)
	v, err := d.GetOption(PassCred)
	MustNil(t, err)
	Equal(t, v, 1)
}

func TestOptionErrors(t *testing.T) {
	s, err := OpenServerChannel()
	MustNil(t, err)
	_, err = s.GetOption(SocketOption(9))
	MustTrue(t, errors.Is(err, ErrUnsupportedOption))
	err = s.SetOption(SocketOption(9), 1)
	MustTrue(t, errors.Is(err, ErrUnsupportedOption))

	MustNil(t, s.Close())
	_, err = s.SendBufferSize()
	MustTrue(t, errors.Is(err, ErrChannelClosed))
	MustTrue(t, errors.Is(s.SetPassCred(true), ErrChannelClosed))
}
