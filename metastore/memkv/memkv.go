// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package memkv

import (
	"bytes"
	"context"
	"strings"
	"sync"
)

// Store is a simple in-memory KV backend using a map. It is used in unit
// tests and in single-process deployments that do not need persistence.
type Store struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewStore creates a new in-memory Store.
func NewStore() *Store {
	return &Store{
		store: make(map[string][]byte),
	}
}

// Get implements metastore.KV.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, found := s.store[key]
	if !found {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

// Put implements metastore.KV.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.store[key] = cloneBytes(value)
	return nil
}

// Delete implements metastore.KV.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.store, key)
	return nil
}

// List implements metastore.KV.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make(map[string][]byte)
	for k, v := range s.store {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		ret[k] = cloneBytes(v)
	}
	return ret, nil
}

// CompareAndSwap implements metastore.KV. The map mutex gives the
// read-compare-write sequence SERIALIZABLE isolation.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected, desired []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.store[key]
	if expected == nil {
		if found {
			return false, nil
		}
	} else {
		if !found || !bytes.Equal(current, expected) {
			return false, nil
		}
	}

	s.store[key] = cloneBytes(desired)
	return true, nil
}

// Close implements metastore.KV.
func (s *Store) Close() error {
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	ret := make([]byte, len(b))
	copy(ret, b)
	return ret
}
