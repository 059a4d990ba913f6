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

	"github.com/stretchr/testify/require"
)

func TestByteBufferPositions(t *testing.T) {
	b := Allocate(8)
	defer b.Release()
	MustTrue(t, !b.IsDirect())
	Equal(t, b.Capacity(), 8)
	Equal(t, b.Position(), 0)
	Equal(t, b.Limit(), 8)
	Equal(t, b.Remaining(), 8)

	Equal(t, b.Put([]byte("hello")), 5)
	Equal(t, b.Position(), 5)
	b.Flip()
	Equal(t, b.Position(), 0)
	Equal(t, b.Limit(), 5)
	Equal(t, string(b.Bytes()), "hello")

	p := make([]byte, 3)
	Equal(t, b.Get(p), 3)
	Equal(t, string(p), "hel")
	Equal(t, b.Remaining(), 2)

	b.SetLimit(2)
	Equal(t, b.Position(), 2)
	MustTrue(t, !b.HasRemaining())

	b.Clear()
	Equal(t, b.Remaining(), 8)
	require.Panics(t, func() { b.SetPosition(9) })
	require.Panics(t, func() { b.SetLimit(-1) })
	require.Panics(t, func() { Allocate(-1) })
}

func TestByteBufferWrap(t *testing.T) {
	p := []byte("ping")
	b := Wrap(p)
	MustTrue(t, !b.IsDirect())
	Equal(t, string(b.Bytes()), "ping")
	b.Clear()
	b.Put([]byte("pong"))
	Equal(t, string(p), "pong")
	MustNil(t, b.Release())
	Equal(t, string(p), "pong")
}

func TestByteBufferDirect(t *testing.T) {
	b, err := AllocateDirect(4096)
	MustNil(t, err)
	MustTrue(t, b.IsDirect())
	Equal(t, b.Capacity(), 4096)
	b.Put([]byte("direct"))
	b.Flip()
	Equal(t, string(b.Bytes()), "direct")
	MustNil(t, b.Release())
	// released twice
	MustNil(t, b.Release())
	Equal(t, b.Capacity(), 0)

	empty, err := AllocateDirect(0)
	MustNil(t, err)
	Equal(t, empty.Capacity(), 0)
	MustNil(t, empty.Release())

	_, err = AllocateDirect(-1)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))
}
