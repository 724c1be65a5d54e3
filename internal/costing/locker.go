package costing

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RedisLocker serializes corrections per source line across service
// instances using a redis lease.
type RedisLocker struct {
	locks *shared.KeyLocker
}

// NewRedisLocker builds RedisLocker over the shared lease locker.
func NewRedisLocker(locks *shared.KeyLocker) *RedisLocker {
	return &RedisLocker{locks: locks}
}

// AcquireSourceLineLock implements Locker. A lease held past the bounded
// wait surfaces as ErrConcurrencyConflict, which callers may retry.
func (l *RedisLocker) AcquireSourceLineLock(ctx context.Context, sourceLineID int64) (func(), error) {
	release, err := l.locks.Acquire(ctx, shared.SourceLineLockKey(sourceLineID))
	if err != nil {
		if errors.Is(err, shared.ErrLockBusy) {
			return nil, fmt.Errorf("%w: source line %d", ErrConcurrencyConflict, sourceLineID)
		}
		return nil, err
	}
	return release, nil
}
