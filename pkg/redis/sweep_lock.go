package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch deletes the lock only when it still holds our token, so
// a slow sweeper cannot release a lock a newer sweeper re-acquired.
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// SweepLock is a best-effort mutex for the reaper. Holding it is an
// optimization, not a correctness requirement: every reservation transition
// is individually guarded, the lock only stops concurrent sweepers from
// duplicating gateway teardown calls.
type SweepLock struct {
	rdb   *rd.Client
	token string
	ttl   time.Duration
}

func NewSweepLock(rdb *rd.Client, token string, ttl time.Duration) *SweepLock {
	return &SweepLock{rdb: rdb, token: token, ttl: ttl}
}

// TryAcquire returns true when this sweeper owns the cycle. Redis errors
// report as not-acquired; the caller decides whether to sweep anyway.
func (l *SweepLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, SweepLockKey(), l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release drops the lock if we still own it.
func (l *SweepLock) Release(ctx context.Context) error {
	_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{SweepLockKey()}, l.token).Int()
	return err
}
