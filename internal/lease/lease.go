// Package lease implements the distributed mutual-exclusion primitive
// described in spec.md section 4.2: an atomic acquire-if-absent with TTL,
// and owner-checked compare-and-extend / compare-and-delete operations so
// that a lease expired-and-reacquired by another worker can never be
// renewed or released out from under its new owner.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the TTL only if the caller still owns the lease.
// Modeled on the original system's registered Lua scripts for lock
// acquire/release (see original_source/tests/test_locking_mechanism.py),
// which is the only way to make the owner check and the TTL mutation
// atomic against a concurrent re-acquisition by another worker.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type Lease struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Lease {
	return &Lease{rdb: rdb}
}

func leaseKey(recipientID string) string {
	return fmt.Sprintf("lease:%s", recipientID)
}

// Acquire sets lease:{recipientID} to ownerID only if it does not already
// exist, with expiration ttl. A plain SET NX PX is already atomic in
// Redis, so no Lua script is needed here (unlike Renew/Release, which
// must additionally check ownership).
func (l *Lease) Acquire(ctx context.Context, recipientID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, leaseKey(recipientID), ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew extends the lease's TTL only if ownerID still holds it.
func (l *Lease) Renew(ctx context.Context, recipientID, ownerID string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(recipientID)}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lease only if ownerID still holds it. A lease lost
// to expiry-and-reacquisition by another worker must not be released by
// its former owner (spec.md section 4.2).
func (l *Lease) Release(ctx context.Context, recipientID, ownerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(recipientID)}, ownerID).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return res == 1, nil
}

// Owner reports the current lease holder, if any, for admin inspection.
func (l *Lease) Owner(ctx context.Context, recipientID string) (string, bool, error) {
	owner, err := l.rdb.Get(ctx, leaseKey(recipientID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get lease owner: %w", err)
	}
	return owner, true, nil
}
