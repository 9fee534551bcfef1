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

package leveldbkv

import (
	"bytes"
	"context"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pingcap/dagbus/pkg/errors"
)

// Store is a goleveldb-backed KV store, so that an oracle can restart with
// job state intact. goleveldb serializes individual reads and writes, but
// CompareAndSwap needs a read-compare-write sequence, so a store-level
// mutex covers it.
type Store struct {
	casMu sync.Mutex
	db    *leveldb.DB
}

// Open opens or creates a store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, errors.ErrMetastoreUnavailable.Wrap(err).GenWithStackByArgs()
	}
	return &Store{db: db}, nil
}

// Get implements metastore.KV.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.ErrMetastoreUnavailable.Wrap(err).GenWithStackByArgs()
	}
	return value, true, nil
}

// Put implements metastore.KV.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		return errors.ErrMetastoreUnavailable.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// Delete implements metastore.KV.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return errors.ErrMetastoreUnavailable.Wrap(err).GenWithStackByArgs()
	}
	return nil
}

// List implements metastore.KV.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	ret := make(map[string][]byte)
	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		ret[string(iter.Key())] = value
	}
	if err := iter.Error(); err != nil {
		return nil, errors.ErrMetastoreUnavailable.Wrap(err).GenWithStackByArgs()
	}
	return ret, nil
}

// CompareAndSwap implements metastore.KV.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, desired []byte) (bool, error) {
	s.casMu.Lock()
	defer s.casMu.Unlock()

	current, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if expected == nil {
		if found {
			return false, nil
		}
	} else {
		if !found || !bytes.Equal(current, expected) {
			return false, nil
		}
	}

	if err := s.Put(ctx, key, desired); err != nil {
		return false, err
	}
	return true, nil
}

// Close implements metastore.KV.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}
