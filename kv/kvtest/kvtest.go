// Package kvtest provides a conformance suite run against every kv.Store
// implementation.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xoliver/couchmove/kv"
)

// StoreFactory constructs a clean store for one test and a function tearing
// it down.
type StoreFactory func(t *testing.T) (kv.Store, func())

// Store asserts the kv.Store contract against the stores produced by factory.
func Store(t *testing.T, factory StoreFactory) {
	t.Run("GetMissingKey", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()

		_, err := store.Bucket([]byte("changelog")).Get(ctx, []byte("absent"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
		require.True(t, kv.IsNotFound(err))
	})

	t.Run("InsertIsCreateIfAbsent", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		token, err := bkt.Insert(ctx, []byte("k"), []byte("v1"))
		require.NoError(t, err)
		require.NotZero(t, token)

		_, err = bkt.Insert(ctx, []byte("k"), []byte("v2"))
		require.ErrorIs(t, err, kv.ErrKeyExists)

		pair, err := bkt.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), pair.Value)
		require.Equal(t, token, pair.Token)
	})

	t.Run("UpsertCreatesAndReplaces", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		first, err := bkt.Upsert(ctx, []byte("k"), []byte("v1"))
		require.NoError(t, err)
		require.NotZero(t, first)

		second, err := bkt.Upsert(ctx, []byte("k"), []byte("v2"))
		require.NoError(t, err)
		require.NotEqual(t, first, second)

		pair, err := bkt.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), pair.Value)
		require.Equal(t, second, pair.Token)
	})

	t.Run("ReplaceChecksToken", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		_, err := bkt.Replace(ctx, []byte("k"), []byte("v"), kv.Token(42))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)

		token, err := bkt.Insert(ctx, []byte("k"), []byte("v1"))
		require.NoError(t, err)

		next, err := bkt.Replace(ctx, []byte("k"), []byte("v2"), token)
		require.NoError(t, err)
		require.NotEqual(t, token, next)

		// The original token is stale now.
		_, err = bkt.Replace(ctx, []byte("k"), []byte("v3"), token)
		require.ErrorIs(t, err, kv.ErrTokenMismatch)

		pair, err := bkt.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), pair.Value)
		require.Equal(t, next, pair.Token)
	})

	t.Run("RemoveDeletesKey", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		_, err := bkt.Insert(ctx, []byte("k"), []byte("v"))
		require.NoError(t, err)
		require.NoError(t, bkt.Remove(ctx, []byte("k")))

		_, err = bkt.Get(ctx, []byte("k"))
		require.ErrorIs(t, err, kv.ErrKeyNotFound)

		require.ErrorIs(t, bkt.Remove(ctx, []byte("k")), kv.ErrKeyNotFound)
	})

	t.Run("BucketsAreIsolated", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()

		_, err := store.Bucket([]byte("a")).Insert(ctx, []byte("k"), []byte("va"))
		require.NoError(t, err)
		_, err = store.Bucket([]byte("b")).Insert(ctx, []byte("k"), []byte("vb"))
		require.NoError(t, err)

		pair, err := store.Bucket([]byte("a")).Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("va"), pair.Value)
	})

	t.Run("ForwardCursorAscends", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		for _, k := range []string{"c", "a", "d", "b"} {
			_, err := bkt.Upsert(ctx, []byte(k), []byte("v-"+k))
			require.NoError(t, err)
		}

		cursor, err := bkt.ForwardCursor(ctx, nil)
		require.NoError(t, err)

		var keys []string
		err = kv.WalkCursor(ctx, cursor, func(k, v []byte) (bool, error) {
			keys = append(keys, string(k))
			require.Equal(t, "v-"+string(k), string(v))
			return true, nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c", "d"}, keys)
	})

	t.Run("ForwardCursorPrefix", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()
		bkt := store.Bucket([]byte("changelog"))

		for _, k := range []string{"changelog::1", "changelog::2", "changelog.lock", "other"} {
			_, err := bkt.Upsert(ctx, []byte(k), []byte("v"))
			require.NoError(t, err)
		}

		cursor, err := bkt.ForwardCursor(ctx, []byte("changelog::"))
		require.NoError(t, err)

		var keys []string
		err = kv.WalkCursor(ctx, cursor, func(k, v []byte) (bool, error) {
			keys = append(keys, string(k))
			return true, nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"changelog::1", "changelog::2"}, keys)
	})

	t.Run("CursorOnEmptyBucket", func(t *testing.T) {
		store, done := factory(t)
		defer done()
		ctx := context.Background()

		cursor, err := store.Bucket([]byte("empty")).ForwardCursor(ctx, nil)
		require.NoError(t, err)

		count := 0
		err = kv.WalkCursor(ctx, cursor, func(k, v []byte) (bool, error) {
			count++
			return true, nil
		})
		require.NoError(t, err)
		require.Zero(t, count)
	})
}
