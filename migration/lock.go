package migration

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/kv"
)

// lockKey is the changelog bucket key under which the lock record lives.
const lockKey = "changelog.lock"

// lockRecord is the document stored while a process holds the lock.
type lockRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock serializes migration runs against a shared target store. Acquisition
// is a single atomic create-if-absent attempt, it never blocks waiting for
// another holder to finish.
type Lock struct {
	logger *zap.Logger
	bucket kv.Bucket
	holder string
	lease  time.Duration
	clock  clock.Clock
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLease allows a lock record older than ttl to be taken over. A zero
// ttl, the default, never expires a holder.
func WithLease(ttl time.Duration) LockOption {
	return func(l *Lock) { l.lease = ttl }
}

// WithLockClock sets the clock used to stamp and age lock records.
func WithLockClock(c clock.Clock) LockOption {
	return func(l *Lock) { l.clock = c }
}

// NewLock returns a Lock on the provided store. Every Lock carries its own
// unique holder id.
func NewLock(store kv.Store, opts ...LockOption) *Lock {
	l := &Lock{
		logger: zap.NewNop(),
		bucket: store.Bucket(changelogBucket),
		holder: uuid.NewString(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithLogger sets the logger on the lock.
func (l *Lock) WithLogger(logger *zap.Logger) {
	l.logger = logger
}

// Acquire attempts to take the lock once. On success it returns a release
// function which must be called on every exit path. When another process
// holds the lock Acquire fails with an EUnavailable error.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	const op = "migration.Lock.Acquire"

	record := lockRecord{
		Holder:     l.holder,
		AcquiredAt: l.clock.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, &couchmove.Error{Code: couchmove.EInternal, Op: op, Err: err}
	}

	_, err = l.bucket.Insert(ctx, []byte(lockKey), data)
	if err == nil {
		l.logger.Debug("Acquired changelog lock", zap.String("holder", l.holder))
		return l.releaseFunc(), nil
	}
	if !errors.Is(err, kv.ErrKeyExists) {
		return nil, &couchmove.Error{Code: couchmove.EUnavailable, Op: op, Err: err}
	}

	if l.lease > 0 && l.takeover(ctx, data) {
		return l.releaseFunc(), nil
	}

	return nil, &couchmove.Error{
		Code: couchmove.EUnavailable,
		Op:   op,
		Msg:  "changelog lock is held by another process",
	}
}

// takeover replaces an expired lock record with our own. The swap is
// guarded by the record's token so two processes aging the same record
// cannot both win.
func (l *Lock) takeover(ctx context.Context, data []byte) bool {
	pair, err := l.bucket.Get(ctx, []byte(lockKey))
	if err != nil {
		return false
	}

	var current lockRecord
	if err := json.Unmarshal(pair.Value, &current); err != nil {
		return false
	}

	if l.clock.Now().UTC().Sub(current.AcquiredAt) <= l.lease {
		return false
	}

	if _, err := l.bucket.Replace(ctx, []byte(lockKey), data, pair.Token); err != nil {
		return false
	}

	l.logger.Warn("Took over expired changelog lock",
		zap.String("previous_holder", current.Holder),
		zap.Time("acquired_at", current.AcquiredAt))
	return true
}

// releaseFunc returns the function handed to the lock holder. Release uses
// its own context so a cancelled migration still unlocks, and it leaves the
// record alone when another process has taken the lock over in the meantime.
func (l *Lock) releaseFunc() func() {
	return func() {
		ctx := context.Background()

		pair, err := l.bucket.Get(ctx, []byte(lockKey))
		if kv.IsNotFound(err) {
			return
		}
		if err != nil {
			l.logger.Warn("Unable to release changelog lock", zap.Error(err))
			return
		}

		var record lockRecord
		if err := json.Unmarshal(pair.Value, &record); err == nil && record.Holder != l.holder {
			l.logger.Warn("Changelog lock is no longer held by this process",
				zap.String("holder", record.Holder))
			return
		}

		if err := l.bucket.Remove(ctx, []byte(lockKey)); err != nil && !kv.IsNotFound(err) {
			l.logger.Warn("Unable to release changelog lock", zap.Error(err))
			return
		}

		l.logger.Debug("Released changelog lock", zap.String("holder", l.holder))
	}
}
