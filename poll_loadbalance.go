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
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/fastrand"
)

// LoadBalance sets the load balancing method.
type LoadBalance int

const (
	// RoundRobin requests that connections are distributed to a reactor
	// in a round-robin fashion.
	RoundRobin LoadBalance = iota
	// Random requests that connections are randomly distributed.
	Random
)

func (lb LoadBalance) String() string {
	switch lb {
	case RoundRobin:
		return "RoundRobin"
	case Random:
		return "Random"
	}
	return fmt.Sprintf("LoadBalance(%d)", int(lb))
}

func validLoadBalance(lb LoadBalance) error {
	switch lb {
	case RoundRobin, Random:
		return nil
	}
	return Exception(ErrInvalidArgument, "load balance "+lb.String())
}

// loadbalance picks the worker reactor of a new connection.
type loadbalance interface {
	LoadBalance() LoadBalance
	// Pick choose the most qualified reactor
	Pick() (r *Reactor)
	// Rebalance is used to refresh the reactor list
	Rebalance(reactors []*Reactor)
}

func newLoadbalance(lb LoadBalance, reactors []*Reactor) loadbalance {
	switch lb {
	case Random:
		return newRandomLB(reactors)
	}
	return newRoundRobinLB(reactors)
}

func newRandomLB(reactors []*Reactor) loadbalance {
	return &randomLB{reactors: reactors, size: len(reactors)}
}

type randomLB struct {
	reactors []*Reactor
	size     int
}

func (b *randomLB) LoadBalance() LoadBalance {
	return Random
}

func (b *randomLB) Pick() (r *Reactor) {
	if b.size == 0 {
		return nil
	}
	return b.reactors[fastrand.Intn(b.size)]
}

func (b *randomLB) Rebalance(reactors []*Reactor) {
	b.reactors, b.size = reactors, len(reactors)
}

func newRoundRobinLB(reactors []*Reactor) loadbalance {
	return &roundRobinLB{reactors: reactors, size: len(reactors)}
}

type roundRobinLB struct {
	reactors []*Reactor
	accepted uintptr // accept counter
	size     int
}

func (b *roundRobinLB) LoadBalance() LoadBalance {
	return RoundRobin
}

func (b *roundRobinLB) Pick() (r *Reactor) {
	if b.size == 0 {
		return nil
	}
	idx := int(atomic.AddUintptr(&b.accepted, 1)) % b.size
	return b.reactors[idx]
}

func (b *roundRobinLB) Rebalance(reactors []*Reactor) {
	b.reactors, b.size = reactors, len(reactors)
}
