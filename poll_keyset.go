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
	"sync"
	"sync/atomic"
)

// SelectedKeySet holds the keys found ready by a Reactor.
// A key stays selected, and keeps accumulating ready operations, until the
// caller takes it out with Remove or Drain.
type SelectedKeySet struct {
	mu   sync.RWMutex
	keys map[*SelectionKey]struct{}
}

func newSelectedKeySet() *SelectedKeySet {
	return &SelectedKeySet{keys: make(map[*SelectionKey]struct{})}
}

// merge selects k with ready, or adds ready to k if it is selected already.
// It reports whether k is newly selected.
func (s *SelectedKeySet) merge(k *SelectionKey, ready Ops) (added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k]; ok {
		atomic.StoreUint32(&k.ready, atomic.LoadUint32(&k.ready)|uint32(ready))
		return false
	}
	atomic.StoreUint32(&k.ready, uint32(ready))
	s.keys[k] = struct{}{}
	return true
}

func (s *SelectedKeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *SelectedKeySet) Contains(k *SelectionKey) bool {
	s.mu.RLock()
	_, ok := s.keys[k]
	s.mu.RUnlock()
	return ok
}

// Keys returns a snapshot of the selected keys, they stay selected.
func (s *SelectedKeySet) Keys() []*SelectionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*SelectionKey, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Remove consumes k, its next selection starts from a fresh ready set.
func (s *SelectedKeySet) Remove(k *SelectionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k]; !ok {
		return false
	}
	delete(s.keys, k)
	return true
}

// Drain consumes and returns every selected key.
func (s *SelectedKeySet) Drain() []*SelectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*SelectionKey, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
		delete(s.keys, k)
	}
	return keys
}

func (s *SelectedKeySet) clear() {
	s.mu.Lock()
	s.keys = make(map[*SelectionKey]struct{})
	s.mu.Unlock()
}
