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
	"time"
)

func TestLoadbalance(t *testing.T) {
	reactors := []*Reactor{{}, {}, {}}
	rr := newLoadbalance(RoundRobin, reactors)
	Equal(t, rr.LoadBalance(), RoundRobin)
	first := rr.Pick()
	MustTrue(t, rr.Pick() != first)
	MustTrue(t, rr.Pick() != first)
	MustTrue(t, rr.Pick() == first)

	random := newLoadbalance(Random, reactors)
	Equal(t, random.LoadBalance(), Random)
	for i := 0; i < 16; i++ {
		r := random.Pick()
		MustTrue(t, r == reactors[0] || r == reactors[1] || r == reactors[2])
	}
	random.Rebalance(reactors[:1])
	MustTrue(t, random.Pick() == reactors[0])
	rr.Rebalance(nil)
	MustTrue(t, rr.Pick() == nil)

	Equal(t, LoadBalance(5).String(), "LoadBalance(5)")
	MustTrue(t, errors.Is(validLoadBalance(LoadBalance(5)), ErrInvalidArgument))
}

func TestManager(t *testing.T) {
	_, err := newManager(0, RoundRobin, 0, nil)
	MustTrue(t, errors.Is(err, ErrInvalidArgument))

	served := make(chan *SelectionKey, 1)
	m, err := newManager(2, RoundRobin, 10*time.Millisecond, func(k *SelectionKey) {
		select {
		case served <- k:
		default:
		}
	})
	MustNil(t, err)
	Equal(t, len(m.reactors), 2)

	a, b := newTestPair(t)
	k, err := m.Pick().Register(a, OpRead, nil)
	MustNil(t, err)
	_, err = b.Write([]byte("x"))
	MustNil(t, err)
	select {
	case got := <-served:
		MustTrue(t, got == k)
	case <-time.After(3 * time.Second):
		t.Fatal("key was not served")
	}
	MustNil(t, m.Close())
	MustTrue(t, !k.IsValid())
}

func TestPollMillis(t *testing.T) {
	Equal(t, pollMillis(0), -1)
	Equal(t, pollMillis(-time.Second), -1)
	Equal(t, pollMillis(time.Microsecond), 1)
	Equal(t, pollMillis(1500*time.Microsecond), 2)
	Equal(t, pollMillis(time.Second), 1000)
}
