package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is the error returned when the key requested is not found.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is the error returned when an insert finds the key already
	// present. The store resolves insert races; the first writer wins.
	ErrKeyExists = errors.New("key already exists")
	// ErrTokenMismatch is the error returned when a replace is attempted with
	// a token that is no longer the key's current one.
	ErrTokenMismatch = errors.New("concurrency token mismatch")
)

// Token is an opaque compare-and-swap stamp a store hands out on every write.
// A replace succeeds only when presented with the token from the most recent
// read or write of the key. Zero is never a valid token.
type Token uint64

// Pair is a key/value pair together with the token of its current revision.
type Pair struct {
	Key   []byte
	Value []byte
	Token Token
}

// Store is an interface for a key value store addressing documents in named
// buckets with per-key compare-and-swap semantics. It is modeled after the
// boltdb database struct, with write concurrency resolved per key rather than
// per transaction.
type Store interface {
	// Bucket returns a handle on the named bucket. Buckets spring into
	// existence on first write; reading from an absent bucket behaves as an
	// empty one.
	Bucket(name []byte) Bucket
}

// Bucket is the abstraction used to perform token-checked operations against
// the keys of one bucket.
type Bucket interface {
	// Get returns the pair stored at key, including its current token.
	// Returns ErrKeyNotFound when absent.
	Get(ctx context.Context, key []byte) (*Pair, error)

	// Insert atomically creates key if and only if it is absent and returns
	// the new token. Returns ErrKeyExists when another writer got there first.
	Insert(ctx context.Context, key, value []byte) (Token, error)

	// Upsert writes key unconditionally, creating or replacing it, and
	// returns the new token.
	Upsert(ctx context.Context, key, value []byte) (Token, error)

	// Replace writes key only when token matches the key's current token and
	// returns the new one. Returns ErrTokenMismatch on a stale token and
	// ErrKeyNotFound when the key is absent.
	Replace(ctx context.Context, key, value []byte, token Token) (Token, error)

	// Remove deletes key. Returns ErrKeyNotFound when absent.
	Remove(ctx context.Context, key []byte) error

	// ForwardCursor returns a cursor over the bucket's keys with the given
	// prefix, in ascending key order. A nil prefix ranges over every key.
	ForwardCursor(ctx context.Context, prefix []byte) (ForwardCursor, error)
}

// ForwardCursor is an abstraction for iterating over the keys of a bucket in
// ascending order.
type ForwardCursor interface {
	// Next returns the next key/value pair, or nil keys when exhausted.
	Next() (k, v []byte)
	// Err returns a non-nil error when iteration stopped early.
	Err() error
	// Close releases the cursor.
	Close() error
}

// VisitFunc is called for each key/value pair visited by WalkCursor. Walking
// stops when it returns false or an error.
type VisitFunc func(k, v []byte) (bool, error)

// WalkCursor consumes the forward cursor and calls visit for each entry until
// the cursor is exhausted, visit stops the walk, or ctx is done.
func WalkCursor(ctx context.Context, cursor ForwardCursor, visit VisitFunc) (err error) {
	defer func() {
		if cerr := cursor.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		cont, err := visit(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return cursor.Err()
}

// IsNotFound returns true if the error reports an absent key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
