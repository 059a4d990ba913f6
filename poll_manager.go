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
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// manager runs the worker reactors of a server, one goroutine each.
type manager struct {
	NumLoops int
	balance  loadbalance // load balancing method
	reactors []*Reactor  // all the reactors
	msec     int
	serve    func(k *SelectionKey)
	wg       sync.WaitGroup
}

// newManager opens numLoops reactors and starts polling them, serve is called
// by the polling goroutine for each selected key.
func newManager(numLoops int, lb LoadBalance, timeout time.Duration, serve func(k *SelectionKey)) (*manager, error) {
	if numLoops < 1 {
		return nil, Exception(ErrInvalidArgument, fmt.Sprintf("set invalid numLoops[%d]", numLoops))
	}
	m := &manager{
		NumLoops: numLoops,
		msec:     pollMillis(timeout),
		serve:    serve,
	}
	for idx := 0; idx < numLoops; idx++ {
		r, err := NewReactor()
		if err != nil {
			m.Close()
			return nil, err
		}
		m.reactors = append(m.reactors, r)
	}
	m.balance = newLoadbalance(lb, m.reactors)
	for _, r := range m.reactors {
		m.wg.Add(1)
		go m.loop(r)
	}
	return m, nil
}

// loop polls r until it is closed.
func (m *manager) loop(r *Reactor) {
	defer m.wg.Done()
	for {
		if _, err := r.Poll(m.msec); err != nil {
			if !errors.Is(err, ErrReactorClosed) {
				logger.Errorf("UDSPOLL: reactor poll failed: %v", err)
			}
			return
		}
		selected, err := r.SelectedKeys()
		if err != nil {
			return
		}
		for _, k := range selected.Drain() {
			m.serve(k)
		}
	}
}

// Pick will select the reactor for use each time based on the LoadBalance.
func (m *manager) Pick() *Reactor {
	return m.balance.Pick()
}

// Close release all resources and waits for the polling goroutines to exit.
func (m *manager) Close() (err error) {
	for _, r := range m.reactors {
		err = multierr.Append(err, r.Close())
	}
	m.wg.Wait()
	if err != nil {
		logger.Warnf("UDSPOLL: reactor close failed: %v", err)
	}
	return err
}

// pollMillis converts a poll timeout, a non-positive one blocks without bound.
func pollMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
