package inmem

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/xoliver/couchmove/kv"
)

// KVStore is an in memory btree backed kv.Store.
type KVStore struct {
	mu      sync.RWMutex
	buckets map[string]*btree.BTree
	token   kv.Token
}

// NewKVStore creates an instance of a KVStore.
func NewKVStore() *KVStore {
	return &KVStore{
		buckets: map[string]*btree.BTree{},
	}
}

// Bucket returns the bucket stored under name. The bucket is materialized
// lazily on first write.
func (s *KVStore) Bucket(name []byte) kv.Bucket {
	return &bucket{kv: s, name: string(name)}
}

// tree returns the btree backing the named bucket, creating it when absent.
// Callers must hold the write lock.
func (s *KVStore) tree(name string) *btree.BTree {
	t, ok := s.buckets[name]
	if !ok {
		t = btree.New(2)
		s.buckets[name] = t
	}
	return t
}

// nextToken hands out the next mutation token. Callers must hold the
// write lock.
func (s *KVStore) nextToken() kv.Token {
	s.token++
	return s.token
}

type bucket struct {
	kv   *KVStore
	name string
}

type item struct {
	key   []byte
	value []byte
	token kv.Token
}

// Less is used to implement btree.Item.
func (i *item) Less(b btree.Item) bool {
	j, ok := b.(*item)
	if !ok {
		return false
	}

	return bytes.Compare(i.key, j.key) < 0
}

// Get retrieves the pair stored at the provided key.
func (b *bucket) Get(ctx context.Context, key []byte) (*kv.Pair, error) {
	b.kv.mu.RLock()
	defer b.kv.mu.RUnlock()

	tree, ok := b.kv.buckets[b.name]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}

	i := tree.Get(&item{key: key})
	if i == nil {
		return nil, kv.ErrKeyNotFound
	}

	j, ok := i.(*item)
	if !ok {
		return nil, fmt.Errorf("error item is type %T not *item", i)
	}

	return &kv.Pair{Key: j.key, Value: j.value, Token: j.token}, nil
}

// Insert stores the pair only when the key is absent.
func (b *bucket) Insert(ctx context.Context, key, value []byte) (kv.Token, error) {
	b.kv.mu.Lock()
	defer b.kv.mu.Unlock()

	tree := b.kv.tree(b.name)
	if tree.Get(&item{key: key}) != nil {
		return 0, kv.ErrKeyExists
	}

	token := b.kv.nextToken()
	tree.ReplaceOrInsert(&item{key: key, value: value, token: token})
	return token, nil
}

// Upsert stores the pair regardless of whether the key already exists.
func (b *bucket) Upsert(ctx context.Context, key, value []byte) (kv.Token, error) {
	b.kv.mu.Lock()
	defer b.kv.mu.Unlock()

	token := b.kv.nextToken()
	b.kv.tree(b.name).ReplaceOrInsert(&item{key: key, value: value, token: token})
	return token, nil
}

// Replace stores the pair only when token matches the stored token.
func (b *bucket) Replace(ctx context.Context, key, value []byte, token kv.Token) (kv.Token, error) {
	b.kv.mu.Lock()
	defer b.kv.mu.Unlock()

	tree := b.kv.tree(b.name)
	i := tree.Get(&item{key: key})
	if i == nil {
		return 0, kv.ErrKeyNotFound
	}

	j, ok := i.(*item)
	if !ok {
		return 0, fmt.Errorf("error item is type %T not *item", i)
	}

	if j.token != token {
		return 0, kv.ErrTokenMismatch
	}

	next := b.kv.nextToken()
	tree.ReplaceOrInsert(&item{key: key, value: value, token: next})
	return next, nil
}

// Remove deletes the key provided.
func (b *bucket) Remove(ctx context.Context, key []byte) error {
	b.kv.mu.Lock()
	defer b.kv.mu.Unlock()

	tree, ok := b.kv.buckets[b.name]
	if !ok {
		return kv.ErrKeyNotFound
	}

	if tree.Delete(&item{key: key}) == nil {
		return kv.ErrKeyNotFound
	}
	return nil
}

// ForwardCursor returns a cursor over a snapshot of the keys sharing prefix
// in ascending order.
func (b *bucket) ForwardCursor(ctx context.Context, prefix []byte) (kv.ForwardCursor, error) {
	b.kv.mu.RLock()
	defer b.kv.mu.RUnlock()

	tree, ok := b.kv.buckets[b.name]
	if !ok {
		return kv.NewStaticCursor(nil), nil
	}

	var (
		pairs []kv.Pair
		err   error
	)
	visit := func(i btree.Item) bool {
		j, ok := i.(*item)
		if !ok {
			err = fmt.Errorf("error item is type %T not *item", i)
			return false
		}

		if !bytes.HasPrefix(j.key, prefix) {
			return false
		}

		pairs = append(pairs, kv.Pair{Key: j.key, Value: j.value, Token: j.token})
		return true
	}

	if len(prefix) == 0 {
		tree.Ascend(visit)
	} else {
		tree.AscendGreaterOrEqual(&item{key: prefix}, visit)
	}
	if err != nil {
		return nil, err
	}

	return kv.NewStaticCursor(pairs), nil
}
