package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xoliver/couchmove"
	"github.com/xoliver/couchmove/kv"
)

// changelogBucket holds every changelog record and the migration lock.
var changelogBucket = []byte("changelog")

// changelogKeyPrefix prefixes the version in every changelog record key.
const changelogKeyPrefix = "changelog::"

// ChangeStore persists changelog records in a kv.Store.
type ChangeStore struct {
	logger *zap.Logger
	bucket kv.Bucket
}

// NewChangeStore returns a ChangeStore over the provided store.
func NewChangeStore(store kv.Store) *ChangeStore {
	return &ChangeStore{
		logger: zap.NewNop(),
		bucket: store.Bucket(changelogBucket),
	}
}

// WithLogger sets the logger on the store.
func (s *ChangeStore) WithLogger(logger *zap.Logger) {
	s.logger = logger
}

// changelogKey returns the record key of version.
func changelogKey(version string) []byte {
	return []byte(changelogKeyPrefix + version)
}

// Get returns the stored changelog of version.
func (s *ChangeStore) Get(ctx context.Context, version string) (*couchmove.ChangeLog, error) {
	pair, err := s.bucket.Get(ctx, changelogKey(version))
	if err != nil {
		if kv.IsNotFound(err) {
			return nil, &couchmove.Error{
				Code: couchmove.ENotFound,
				Op:   "migration.ChangeStore.Get",
				Msg:  fmt.Sprintf("changelog %q not found", version),
			}
		}
		return nil, err
	}

	var c couchmove.ChangeLog
	if err := json.Unmarshal(pair.Value, &c); err != nil {
		return nil, fmt.Errorf("decoding changelog %q: %w", version, err)
	}
	c.Token = pair.Token
	return &c, nil
}

// Save persists c and refreshes its token. A record without a token is
// written unconditionally, one carrying a token is written with a compare
// and swap on it. Losing the swap means another process touched the record
// and is a hard EConflict, callers must not retry it.
func (s *ChangeStore) Save(ctx context.Context, c *couchmove.ChangeLog) error {
	const op = "migration.ChangeStore.Save"

	data, err := json.Marshal(c)
	if err != nil {
		return &couchmove.Error{Code: couchmove.EInternal, Op: op, Err: err}
	}

	var token kv.Token
	if c.Token == 0 {
		token, err = s.bucket.Upsert(ctx, changelogKey(c.Version), data)
	} else {
		token, err = s.bucket.Replace(ctx, changelogKey(c.Version), data, c.Token)
	}
	if err != nil {
		if errors.Is(err, kv.ErrTokenMismatch) || errors.Is(err, kv.ErrKeyNotFound) {
			return &couchmove.Error{
				Code: couchmove.EConflict,
				Op:   op,
				Msg:  fmt.Sprintf("changelog %q was modified by another process", c.Version),
				Err:  err,
			}
		}
		return &couchmove.Error{Code: couchmove.EInternal, Op: op, Err: err}
	}

	c.Token = token
	s.logger.Debug("Saved changelog",
		zap.String("version", c.Version),
		zap.String("status", string(c.Status)))
	return nil
}

// FetchAndCompare reconciles the changelogs discovered in the source with
// their stored counterparts. Every candidate inherits the execution state
// of its stored record, then:
//
//   - a changed checksum on an executed changelog is corruption and fails
//     the reconciliation
//   - a changed checksum on any other changelog runs again with the new
//     content, keeping the stored token for the overwrite
//   - with matching checksums a failed changelog becomes eligible again,
//     and a changed description on an executed one drops the token so the
//     record is rewritten on save
func (s *ChangeStore) FetchAndCompare(ctx context.Context, discovered []couchmove.ChangeLog) ([]couchmove.ChangeLog, error) {
	const op = "migration.ChangeStore.FetchAndCompare"

	merged := make([]couchmove.ChangeLog, 0, len(discovered))
	for _, c := range discovered {
		if c.Status == "" {
			c.Status = couchmove.StatusToBeExecuted
		}

		stored, err := s.Get(ctx, c.Version)
		if couchmove.ErrorCode(err) == couchmove.ENotFound {
			merged = append(merged, c)
			continue
		}
		if err != nil {
			return nil, err
		}

		c.Status = stored.Status
		c.Order = stored.Order
		c.Timestamp = stored.Timestamp
		c.Runner = stored.Runner
		c.Duration = stored.Duration
		c.Token = stored.Token

		if stored.Checksum != c.Checksum {
			if stored.Status == couchmove.StatusExecuted {
				return nil, &couchmove.Error{
					Code: couchmove.EConflict,
					Op:   op,
					Msg:  fmt.Sprintf("changelog %q was executed and has been modified since", c.Version),
				}
			}

			c.Status = couchmove.StatusToBeExecuted
			merged = append(merged, c)
			continue
		}

		if stored.Status == couchmove.StatusFailed {
			c.Status = couchmove.StatusToBeExecuted
		}
		if stored.Status == couchmove.StatusExecuted && stored.Description != c.Description {
			// Dropping the token marks the record for an
			// unconditional save.
			c.Token = 0
		}
		merged = append(merged, c)
	}

	return merged, nil
}

// List returns every stored changelog in version order.
func (s *ChangeStore) List(ctx context.Context) ([]couchmove.ChangeLog, error) {
	cursor, err := s.bucket.ForwardCursor(ctx, []byte(changelogKeyPrefix))
	if err != nil {
		return nil, err
	}

	var changeLogs []couchmove.ChangeLog
	if err := kv.WalkCursor(ctx, cursor, func(k, v []byte) (bool, error) {
		var c couchmove.ChangeLog
		if err := json.Unmarshal(v, &c); err != nil {
			return false, fmt.Errorf("decoding changelog %q: %w", string(k), err)
		}

		changeLogs = append(changeLogs, c)
		return true, nil
	}); err != nil {
		return nil, err
	}

	return changeLogs, nil
}
