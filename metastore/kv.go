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

package metastore

import "context"

// KV is the narrow contract the state manager needs from a key-value
// backend: point reads, prefix scans and an atomic compare-and-swap.
// Implementations may be in-memory, on-disk or networked; none of them
// contains scheduling logic.
//
// CompareAndSwap semantics: the swap happens iff the current value of key is
// byte-equal to expected; expected == nil means "create iff absent". A lost
// race returns (false, nil) and MUST be distinguishable from an
// infrastructure failure, which returns a non-nil error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	CompareAndSwap(ctx context.Context, key string, expected, desired []byte) (swapped bool, err error)

	Close() error
}
