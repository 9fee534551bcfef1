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
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestPutGetList(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Put(ctx, "acme/j1", []byte("job")))
	require.NoError(t, store.Put(ctx, "acme/j1/a", []byte("t1")))
	require.NoError(t, store.Put(ctx, "acme/j2", []byte("other")))

	value, found, err := store.Get(ctx, "acme/j1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("job"), value)

	kvs, err := store.List(ctx, "acme/j1/")
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.Equal(t, []byte("t1"), kvs["acme/j1/a"])

	require.NoError(t, store.Delete(ctx, "acme/j1"))
	_, found, err = store.Get(ctx, "acme/j1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	swapped, err := store.CompareAndSwap(ctx, "k", nil, []byte("v1"))
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k", nil, []byte("v2"))
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, swapped)

	value, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), value)
}
