package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	bolt "go.etcd.io/bbolt"

	"github.com/xoliver/couchmove/kv"
)

// tokenLen is the number of bytes of the token envelope prepended to every
// stored value.
const tokenLen = 8

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path   string
	db     *bolt.DB
	logger *zap.Logger
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path.
func NewKVStore(path string) *KVStore {
	return &KVStore{
		path:   path,
		logger: zap.NewNop(),
	}
}

// Open creates the boltDB file if it doesn't exist and opens it otherwise.
func (s *KVStore) Open(ctx context.Context) error {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Open database file.
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	s.db = db

	s.logger.Info("Resources opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database.
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithLogger sets the logger on the store.
func (s *KVStore) WithLogger(l *zap.Logger) {
	s.logger = l
}

// Bucket returns the bucket stored under name. The bucket is materialized
// lazily on first write.
func (s *KVStore) Bucket(name []byte) kv.Bucket {
	return &bucket{db: s.db, name: name}
}

// bucket implements kv.Bucket. Every method runs in its own bolt
// transaction, the store's atomicity guarantees come from bolt's
// single writer model.
type bucket struct {
	db   *bolt.DB
	name []byte
}

// Get retrieves the pair stored at the provided key.
func (b *bucket) Get(ctx context.Context, key []byte) (*kv.Pair, error) {
	var pair *kv.Pair
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return kv.ErrKeyNotFound
		}

		raw := bkt.Get(key)
		if len(raw) == 0 {
			return kv.ErrKeyNotFound
		}

		token, value, err := decodeValue(raw)
		if err != nil {
			return err
		}

		// Bolt values are only valid for the life of the transaction.
		pair = &kv.Pair{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
			Token: token,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Insert stores the pair only when the key is absent.
func (b *bucket) Insert(ctx context.Context, key, value []byte) (kv.Token, error) {
	var token kv.Token
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(b.name)
		if err != nil {
			return err
		}

		if len(bkt.Get(key)) != 0 {
			return kv.ErrKeyExists
		}

		token, err = nextToken(bkt)
		if err != nil {
			return err
		}
		return bkt.Put(key, encodeValue(token, value))
	})
	if err != nil {
		return 0, err
	}
	return token, nil
}

// Upsert stores the pair regardless of whether the key already exists.
func (b *bucket) Upsert(ctx context.Context, key, value []byte) (kv.Token, error) {
	var token kv.Token
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(b.name)
		if err != nil {
			return err
		}

		token, err = nextToken(bkt)
		if err != nil {
			return err
		}
		return bkt.Put(key, encodeValue(token, value))
	})
	if err != nil {
		return 0, err
	}
	return token, nil
}

// Replace stores the pair only when token matches the stored token.
func (b *bucket) Replace(ctx context.Context, key, value []byte, token kv.Token) (kv.Token, error) {
	var next kv.Token
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return kv.ErrKeyNotFound
		}

		raw := bkt.Get(key)
		if len(raw) == 0 {
			return kv.ErrKeyNotFound
		}

		current, _, err := decodeValue(raw)
		if err != nil {
			return err
		}
		if current != token {
			return kv.ErrTokenMismatch
		}

		next, err = nextToken(bkt)
		if err != nil {
			return err
		}
		return bkt.Put(key, encodeValue(next, value))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Remove deletes the key provided.
func (b *bucket) Remove(ctx context.Context, key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return kv.ErrKeyNotFound
		}

		if len(bkt.Get(key)) == 0 {
			return kv.ErrKeyNotFound
		}
		return bkt.Delete(key)
	})
}

// ForwardCursor returns a cursor over a snapshot of the keys sharing prefix
// in ascending order.
func (b *bucket) ForwardCursor(ctx context.Context, prefix []byte) (kv.ForwardCursor, error) {
	var pairs []kv.Pair
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.name)
		if bkt == nil {
			return nil
		}

		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			token, value, err := decodeValue(v)
			if err != nil {
				return err
			}

			pairs = append(pairs, kv.Pair{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), value...),
				Token: token,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return kv.NewStaticCursor(pairs), nil
}

// nextToken draws a fresh token from the bucket sequence. Bolt sequences
// are monotonic per bucket, a token is therefore never reissued.
func nextToken(bkt *bolt.Bucket) (kv.Token, error) {
	seq, err := bkt.NextSequence()
	if err != nil {
		return 0, err
	}
	return kv.Token(seq), nil
}

// encodeValue prepends the big endian token envelope to value.
func encodeValue(token kv.Token, value []byte) []byte {
	buf := make([]byte, tokenLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(token))
	copy(buf[tokenLen:], value)
	return buf
}

// decodeValue splits a stored value into its token envelope and payload.
func decodeValue(raw []byte) (kv.Token, []byte, error) {
	if len(raw) < tokenLen {
		return 0, nil, fmt.Errorf("malformed value of %d bytes", len(raw))
	}
	return kv.Token(binary.BigEndian.Uint64(raw)), raw[tokenLen:], nil
}
