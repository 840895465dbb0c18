package store

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "boardlock:"

// acquireScript grants the lock only if no live key exists; the key TTL is
// Redis-managed so an expired lock is simply gone. Returns the current value
// on refusal, empty string on grant.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    return cur
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""
`)

// releaseScript deletes the key only when the holder segment matches.
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local sep = string.find(cur, "|", 1, true)
if not sep or string.sub(cur, 1, sep - 1) ~= ARGV[1] then
    return 0
end
return redis.call("DEL", KEYS[1])
`)

// refreshScript extends the TTL only when the holder segment matches.
var refreshScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local sep = string.find(cur, "|", 1, true)
if not sep or string.sub(cur, 1, sep - 1) ~= ARGV[1] then
    return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])
`)

// RedisLock implements LockStore on Redis. The value format is
// "<holderID>|<holderLabel>"; expiry rides on the key TTL so the
// single-non-expired-lock invariant holds across processes without a sweep.
type RedisLock struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLock returns a LockStore backed by the provided Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, now: time.Now}
}

func lockKey(recordID string) string { return lockKeyPrefix + recordID }

func splitLockValue(v string) (holderID, label string) {
	if i := strings.Index(v, "|"); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// AcquireLock implements LockStore.AcquireLock.
func (r *RedisLock) AcquireLock(ctx context.Context, recordID, holderID, label string, ttl time.Duration) (Lock, bool, error) {
	now := r.now()
	res, err := acquireScript.Run(ctx, r.client, []string{lockKey(recordID)},
		holderID+"|"+label, ttl.Milliseconds()).Text()
	if err != nil {
		return Lock{}, false, err
	}
	if res == "" {
		return Lock{
			RecordID: recordID, HolderID: holderID, HolderLabel: label,
			ExpiresAt: now.Add(ttl),
		}, true, nil
	}
	curHolder, curLabel := splitLockValue(res)
	cur := Lock{RecordID: recordID, HolderID: curHolder, HolderLabel: curLabel}
	if ms, err := r.client.PTTL(ctx, lockKey(recordID)).Result(); err == nil && ms > 0 {
		cur.ExpiresAt = now.Add(ms)
	}
	return cur, false, nil
}

// ReleaseLock implements LockStore.ReleaseLock.
func (r *RedisLock) ReleaseLock(ctx context.Context, recordID, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{lockKey(recordID)}, holderID).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return n == 1, nil
}

// RefreshLock implements LockStore.RefreshLock.
func (r *RedisLock) RefreshLock(ctx context.Context, recordID, holderID string, ttl time.Duration) (Lock, bool, error) {
	now := r.now()
	n, err := refreshScript.Run(ctx, r.client, []string{lockKey(recordID)},
		holderID, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return Lock{}, false, err
	}
	if n != 1 {
		return Lock{}, false, nil
	}
	val, err := r.client.Get(ctx, lockKey(recordID)).Result()
	if err != nil {
		return Lock{}, false, err
	}
	_, label := splitLockValue(val)
	return Lock{
		RecordID: recordID, HolderID: holderID, HolderLabel: label,
		ExpiresAt: now.Add(ttl),
	}, true, nil
}

// GetLock implements LockStore.GetLock.
func (r *RedisLock) GetLock(ctx context.Context, recordID string) (Lock, bool, error) {
	val, err := r.client.Get(ctx, lockKey(recordID)).Result()
	if err == redis.Nil {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, err
	}
	holder, label := splitLockValue(val)
	l := Lock{RecordID: recordID, HolderID: holder, HolderLabel: label}
	if ms, err := r.client.PTTL(ctx, lockKey(recordID)).Result(); err == nil && ms > 0 {
		l.ExpiresAt = r.now().Add(ms)
	}
	return l, true, nil
}
