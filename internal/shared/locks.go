package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SourceLineLockKey builds redis keys for costing critical sections.
func SourceLineLockKey(sourceLineID int64) string {
	return fmt.Sprintf("costing:source-line:%d:lock", sourceLineID)
}

// ErrLockBusy indicates the lock stayed held by another owner for the whole
// bounded wait.
var ErrLockBusy = errors.New("shared: lock held by another owner")

// KeyLocker is a lease-based mutex over redis SET NX. Leases expire on their
// own so a crashed holder cannot wedge the key forever; release is
// owner-checked so an expired holder cannot free a lease it no longer owns.
type KeyLocker struct {
	client *redis.Client
	lease  time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewKeyLocker constructs a KeyLocker. lease bounds how long one holder may
// keep a key, wait bounds how long Acquire polls before giving up.
func NewKeyLocker(client *redis.Client, lease, wait time.Duration) *KeyLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &KeyLocker{client: client, lease: lease, wait: wait, retry: 50 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire takes the lease on key, polling until the bounded wait expires.
// The returned function releases the lease; calling it after expiry is a
// no-op because the owner token no longer matches.
func (l *KeyLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
